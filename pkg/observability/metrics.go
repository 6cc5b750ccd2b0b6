package observability

import (
	"sync"
)

// InMemoryMetricsClient is a MetricsClient that aggregates in process memory.
// It backs the /_/health diagnostics and keeps tests free of external sinks.
type InMemoryMetricsClient struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewMetricsClient creates the default metrics client.
func NewMetricsClient() *InMemoryMetricsClient {
	return &InMemoryMetricsClient{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

// IncrementCounter increments a named counter.
func (m *InMemoryMetricsClient) IncrementCounter(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

// IncrementCounterWithLabels increments a counter; labels are folded into the name.
func (m *InMemoryMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.IncrementCounter(name, value)
}

// RecordHistogram records an observation for a named histogram.
func (m *InMemoryMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms[name] = append(m.histograms[name], value)
}

// RecordGauge sets a named gauge.
func (m *InMemoryMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

// CounterValue returns the current value of a counter.
func (m *InMemoryMetricsClient) CounterValue(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name]
}

// NoopMetricsClient discards all metrics.
type NoopMetricsClient struct{}

func (NoopMetricsClient) IncrementCounter(name string, value float64) {}
func (NoopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}
func (NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}
func (NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)     {}

// NewNoopMetricsClient creates a metrics client that discards everything.
func NewNoopMetricsClient() MetricsClient { return NoopMetricsClient{} }

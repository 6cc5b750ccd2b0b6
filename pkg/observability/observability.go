// Package observability provides unified logging, metrics, and tracing for the
// ragmesh services. Every component receives a Logger and MetricsClient through
// its config struct; tracing spans are started through StartSpan.
package observability

// LogLevel defines log message severity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

// Logger defines the interface for structured logging.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Fatal(msg string, fields map[string]interface{})

	// WithPrefix returns a derived logger scoped to the given component name.
	WithPrefix(prefix string) Logger
}

// MetricsClient defines the interface for recording metrics.
type MetricsClient interface {
	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
}

// NewLogger creates the default logger for a component.
func NewLogger(prefix string) Logger {
	return NewStandardLogger(prefix)
}

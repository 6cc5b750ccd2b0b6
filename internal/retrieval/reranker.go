package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ragmesh/ragmesh/pkg/errors"
	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

// RerankPolicy selects how the cutoff is applied to rerank scores.
type RerankPolicy string

const (
	// PolicyFixed keeps scores >= cutoff, falling back to the full sorted
	// set when the filter would return nothing.
	PolicyFixed RerankPolicy = "fixed"
	// PolicyMedian keeps scores >= threshold * median(scores).
	PolicyMedian RerankPolicy = "median"
)

// RerankProvider scores documents against a query with a cross-encoder.
type RerankProvider interface {
	Rerank(ctx context.Context, query string, documents []string) ([]float64, int, error)
}

// Reranker applies an external cross-encoder and a cutoff policy.
type Reranker struct {
	provider    RerankProvider
	policy      RerankPolicy
	cutoff      float64
	threshold   float64
	maxAttempts int
	usdPerCall  float64
	logger      observability.Logger
	metrics     observability.MetricsClient
}

// RerankerConfig configures the reranker.
type RerankerConfig struct {
	Provider    RerankProvider
	Policy      RerankPolicy
	Cutoff      float64
	Threshold   float64
	MaxAttempts int
	USDPerCall  float64
	Logger      observability.Logger
	Metrics     observability.MetricsClient
}

// NewReranker creates a reranker.
func NewReranker(config RerankerConfig) (*Reranker, error) {
	if config.Provider == nil {
		return nil, errors.New(errors.KindInternal, "rerank provider is required")
	}
	if config.Policy == "" {
		config.Policy = PolicyFixed
	}
	if config.Threshold == 0 {
		config.Threshold = 0.8
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.Logger == nil {
		config.Logger = observability.NewLogger("retrieval.reranker")
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewNoopMetricsClient()
	}
	return &Reranker{
		provider:    config.Provider,
		policy:      config.Policy,
		cutoff:      config.Cutoff,
		threshold:   config.Threshold,
		maxAttempts: config.MaxAttempts,
		usdPerCall:  config.USDPerCall,
		logger:      config.Logger,
		metrics:     config.Metrics,
	}, nil
}

// Rerank scores the chunks and applies the configured cutoff policy. The
// returned slice is sorted by score descending, stably, with scores attached.
// When there were candidates the result is never empty.
func (r *Reranker) Rerank(ctx context.Context, query string, chunks []*models.Chunk) ([]*models.Chunk, float64, error) {
	if len(chunks) == 0 {
		return chunks, 0, nil
	}

	ctx, span := observability.StartSpan(ctx, "retrieval.rerank")
	defer span.End()
	span.SetAttribute("candidates", len(chunks))

	documents := make([]string, len(chunks))
	for i, c := range chunks {
		documents[i] = c.Content
	}

	scores, cost, err := r.rerankWithRetry(ctx, query, documents)
	if err != nil {
		return nil, 0, err
	}
	if len(scores) != len(chunks) {
		return nil, 0, errors.Newf(errors.KindRerankUnavailable,
			"reranker returned %d scores for %d documents", len(scores), len(chunks))
	}

	scored := make([]*models.Chunk, len(chunks))
	for i, c := range chunks {
		c.Score = scores[i]
		scored[i] = c
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	kept := r.applyCutoff(scored)
	span.SetAttribute("kept", len(kept))
	return kept, cost, nil
}

func (r *Reranker) applyCutoff(sorted []*models.Chunk) []*models.Chunk {
	limit := r.cutoff
	if r.policy == PolicyMedian {
		limit = r.threshold * median(sorted)
	}

	var kept []*models.Chunk
	for _, c := range sorted {
		if c.Score >= limit {
			kept = append(kept, c)
		}
	}
	// Never return nothing when there were candidates: an over-aggressive
	// cutoff falls back to the full sorted set, order preserved.
	if len(kept) == 0 {
		return sorted
	}
	return kept
}

func median(sorted []*models.Chunk) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	// sorted is score-descending, so the median reads straight out.
	if n%2 == 1 {
		return sorted[n/2].Score
	}
	return (sorted[n/2-1].Score + sorted[n/2].Score) / 2
}

// rerankWithRetry retries the provider with linear backoff.
func (r *Reranker) rerankWithRetry(ctx context.Context, query string, documents []string) ([]float64, float64, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		scores, _, err := r.provider.Rerank(ctx, query, documents)
		if err == nil {
			return scores, r.usdPerCall, nil
		}
		lastErr = err
		r.metrics.IncrementCounter("rerank.attempt_failure", 1.0)
		if attempt == r.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, 0, errors.Wrap(ctx.Err(), errors.KindRerankUnavailable, "rerank cancelled")
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return nil, 0, errors.Wrap(lastErr, errors.KindRerankUnavailable, "rerank failed after retries")
}

// HTTPRerankProviderConfig configures the external cross-encoder endpoint.
type HTTPRerankProviderConfig struct {
	Endpoint       string
	APIKey         string
	Model          string
	RequestTimeout time.Duration
}

// HTTPRerankProvider calls a Cohere-compatible /rerank endpoint.
type HTTPRerankProvider struct {
	config  HTTPRerankProviderConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPRerankProvider creates the HTTP rerank provider.
func NewHTTPRerankProvider(config HTTPRerankProviderConfig) *HTTPRerankProvider {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 60 * time.Second
	}
	return &HTTPRerankProvider{
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "rerank_" + config.Model,
			Timeout: 30 * time.Second,
		}),
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank returns one relevance score in [0,1] per input document.
func (p *HTTPRerankProvider) Rerank(ctx context.Context, query string, documents []string) ([]float64, int, error) {
	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.doRerank(ctx, query, documents)
	})
	if err != nil {
		return nil, 0, err
	}
	resp := result.(*rerankResponse)

	scores := make([]float64, len(documents))
	for _, item := range resp.Results {
		if item.Index >= 0 && item.Index < len(scores) {
			scores[item.Index] = item.RelevanceScore
		}
	}
	return scores, 0, nil
}

func (p *HTTPRerankProvider) doRerank(ctx context.Context, query string, documents []string) (*rerankResponse, error) {
	body, err := json.Marshal(rerankRequest{Query: query, Documents: documents, Model: p.config.Model})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("rerank endpoint returned %d: %s", resp.StatusCode, data)
	}
	var out rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

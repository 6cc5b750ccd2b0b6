// Package embedding implements the cached embedding adapter. Texts are keyed
// by md5 content hash and looked up through three layers: an in-process LRU,
// the Redis registry (short TTL), and the persistent cache table. Misses go to
// the external provider in bounded batches.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/ragmesh/ragmesh/pkg/errors"
	"github.com/ragmesh/ragmesh/pkg/models"
)

// Provider generates embeddings for a batch of texts.
type Provider interface {
	Name() string
	Model() string
	// Embed returns one vector per input text, in input order, plus the
	// token usage reported by the provider.
	Embed(ctx context.Context, texts []string, kind models.EmbeddingKind) ([]models.Vector, int, error)
}

// HTTPProviderConfig configures the OpenAI-compatible embedding provider.
type HTTPProviderConfig struct {
	Endpoint       string
	APIKey         string
	Model          string
	Dimensions     int
	RequestTimeout time.Duration
	RequestsPerSec float64
}

// HTTPProvider calls an OpenAI-compatible /embeddings endpoint.
type HTTPProvider struct {
	config  HTTPProviderConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPProvider creates an embedding provider over HTTP.
func NewHTTPProvider(config HTTPProviderConfig) *HTTPProvider {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 60 * time.Second
	}
	if config.RequestsPerSec == 0 {
		config.RequestsPerSec = 10
	}
	return &HTTPProvider{
		config:  config,
		client:  &http.Client{Timeout: config.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSec), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "embedding_" + config.Model,
			Timeout: 30 * time.Second,
		}),
	}
}

// Name returns the provider name.
func (p *HTTPProvider) Name() string { return "openai" }

// Model returns the configured model identifier.
func (p *HTTPProvider) Model() string { return p.config.Model }

type embeddingRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed generates embeddings for the texts in one provider call.
func (p *HTTPProvider) Embed(ctx context.Context, texts []string, kind models.EmbeddingKind) ([]models.Vector, int, error) {
	if len(texts) == 0 {
		return nil, 0, nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.doEmbed(ctx, texts)
	})
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.KindLLMUnavailable, "embedding provider call failed")
	}
	resp := result.(*embeddingResponse)

	vectors := make([]models.Vector, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, 0, errors.Newf(errors.KindLLMUnavailable, "provider returned index %d out of range", d.Index)
		}
		vectors[d.Index] = models.Vector(d.Embedding)
	}
	for i, v := range vectors {
		if v == nil {
			return nil, 0, errors.Newf(errors.KindLLMUnavailable, "provider returned no vector for input %d", i)
		}
	}
	return vectors, resp.Usage.TotalTokens, nil
}

func (p *HTTPProvider) doEmbed(ctx context.Context, texts []string) (*embeddingResponse, error) {
	body, err := json.Marshal(embeddingRequest{
		Input:      texts,
		Model:      p.config.Model,
		Dimensions: p.config.Dimensions,
	})
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
		return nil, fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, data)
	}

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

package embedding

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ragmesh/ragmesh/internal/repository"
	"github.com/ragmesh/ragmesh/pkg/cache"
	"github.com/ragmesh/ragmesh/pkg/errors"
	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

// Service is the cached embedding adapter (EP). It deduplicates by content
// hash, serves repeats from cache layers, and batches provider calls.
type Service struct {
	provider    Provider
	store       *repository.EmbeddingCacheRepository
	registry    cache.Cache
	local       *lru.Cache[string, models.Vector]
	usdPerToken float64
	batchSize   int
	maxAttempts int
	registryTTL time.Duration
	logger      observability.Logger
	metrics     observability.MetricsClient
}

// ServiceConfig configures the embedding service.
type ServiceConfig struct {
	Provider    Provider
	Store       *repository.EmbeddingCacheRepository
	Registry    cache.Cache
	USDPerToken float64
	BatchSize   int
	MaxAttempts int
	RegistryTTL time.Duration
	LocalSize   int
	Logger      observability.Logger
	Metrics     observability.MetricsClient
}

// NewService creates the embedding service.
func NewService(config ServiceConfig) (*Service, error) {
	if config.Provider == nil {
		return nil, errors.New(errors.KindInternal, "embedding provider is required")
	}
	if config.BatchSize <= 0 || config.BatchSize > 96 {
		config.BatchSize = 96
	}
	if config.MaxAttempts < 10 {
		config.MaxAttempts = 10
	}
	if config.RegistryTTL == 0 {
		config.RegistryTTL = 10 * time.Minute
	}
	if config.LocalSize <= 0 {
		config.LocalSize = 4096
	}
	if config.Logger == nil {
		config.Logger = observability.NewLogger("embedding.service")
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewNoopMetricsClient()
	}

	local, err := lru.New[string, models.Vector](config.LocalSize)
	if err != nil {
		return nil, err
	}
	return &Service{
		provider:    config.Provider,
		store:       config.Store,
		registry:    config.Registry,
		local:       local,
		usdPerToken: config.USDPerToken,
		batchSize:   config.BatchSize,
		maxAttempts: config.MaxAttempts,
		registryTTL: config.RegistryTTL,
		logger:      config.Logger,
		metrics:     config.Metrics,
	}, nil
}

// ContentHash returns the cache key for a text. md5 is a cache key here, not
// a security boundary.
func ContentHash(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Embed returns one vector per text in input order plus the USD cost of any
// provider calls. Cached texts cost nothing.
func (s *Service) Embed(ctx context.Context, texts []string, kind models.EmbeddingKind) ([]models.Vector, float64, error) {
	if len(texts) == 0 {
		return []models.Vector{}, 0, nil
	}

	ctx, span := observability.StartSpan(ctx, "embedding.embed")
	defer span.End()
	span.SetAttribute("texts", len(texts))
	span.SetAttribute("kind", string(kind))

	hashes := make([]string, len(texts))
	for i, t := range texts {
		hashes[i] = ContentHash(t)
	}

	vectors := make([]models.Vector, len(texts))
	missing := s.lookupRegistry(ctx, kind, hashes, vectors)
	if len(missing) > 0 {
		var err error
		missing, err = s.lookupStore(ctx, kind, hashes, vectors, missing)
		if err != nil {
			return nil, 0, err
		}
	}

	var cost float64
	if len(missing) > 0 {
		tokens, err := s.embedMisses(ctx, texts, hashes, kind, vectors, missing)
		if err != nil {
			return nil, 0, err
		}
		cost = float64(tokens) * s.usdPerToken
	}

	s.metrics.RecordHistogram("embedding.batch_size", float64(len(texts)), nil)
	return vectors, cost, nil
}

// lookupRegistry fills vectors from the local LRU and the Redis registry,
// returning the indexes still missing.
func (s *Service) lookupRegistry(ctx context.Context, kind models.EmbeddingKind, hashes []string, vectors []models.Vector) []int {
	var missing []int
	for i, h := range hashes {
		key := registryKey(kind, h)
		if v, ok := s.local.Get(key); ok {
			vectors[i] = v
			continue
		}
		if s.registry != nil {
			var v models.Vector
			if err := s.registry.Get(ctx, key, &v); err == nil && len(v) > 0 {
				vectors[i] = v
				s.local.Add(key, v)
				continue
			}
		}
		missing = append(missing, i)
	}
	return missing
}

// lookupStore fills vectors from the persistent cache table.
func (s *Service) lookupStore(ctx context.Context, kind models.EmbeddingKind, hashes []string, vectors []models.Vector, missing []int) ([]int, error) {
	if s.store == nil {
		return missing, nil
	}
	lookup := make([]string, 0, len(missing))
	for _, i := range missing {
		lookup = append(lookup, hashes[i])
	}
	cached, err := s.store.GetBatch(ctx, s.provider.Model(), kind, lookup)
	if err != nil {
		return nil, err
	}

	var still []int
	for _, i := range missing {
		if v, ok := cached[hashes[i]]; ok {
			vectors[i] = v
			s.putRegistry(ctx, kind, hashes[i], v)
			continue
		}
		still = append(still, i)
	}
	return still, nil
}

// embedMisses calls the provider for uncached texts in batches with bounded
// backoff, persists new entries, and fills the result slice.
func (s *Service) embedMisses(ctx context.Context, texts, hashes []string, kind models.EmbeddingKind, vectors []models.Vector, missing []int) (int, error) {
	// Deduplicate identical texts within the request.
	byHash := make(map[string][]int)
	var order []string
	for _, i := range missing {
		h := hashes[i]
		if _, seen := byHash[h]; !seen {
			order = append(order, h)
		}
		byHash[h] = append(byHash[h], i)
	}
	inputs := make([]string, len(order))
	for i, h := range order {
		inputs[i] = texts[byHash[h][0]]
	}

	totalTokens := 0
	var entries []*models.EmbeddingCacheEntry
	for start := 0; start < len(inputs); start += s.batchSize {
		end := start + s.batchSize
		if end > len(inputs) {
			end = len(inputs)
		}
		batch := inputs[start:end]

		var batchVectors []models.Vector
		var batchTokens int
		operation := func() error {
			var err error
			batchVectors, batchTokens, err = s.provider.Embed(ctx, batch, kind)
			return err
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
			InitialInterval:     time.Second,
			RandomizationFactor: 0.1,
			Multiplier:          1.5,
			MaxInterval:         30 * time.Second,
			MaxElapsedTime:      0,
			Clock:               backoff.SystemClock,
			Stop:                backoff.Stop,
		}, uint64(s.maxAttempts-1)), ctx)

		if err := backoff.Retry(operation, policy); err != nil {
			s.metrics.IncrementCounter("embedding.provider_failure", 1.0)
			return 0, errors.Wrap(err, errors.KindLLMUnavailable, "embedding batch failed after retries")
		}
		totalTokens += batchTokens

		for j, v := range batchVectors {
			h := order[start+j]
			for _, idx := range byHash[h] {
				vectors[idx] = v
			}
			s.putRegistry(ctx, kind, h, v)
			entries = append(entries, &models.EmbeddingCacheEntry{
				Model:       s.provider.Model(),
				Kind:        kind,
				ContentHash: h,
				Embedding:   v,
			})
		}
	}

	if s.store != nil && len(entries) > 0 {
		if err := s.store.PutBatch(ctx, entries); err != nil {
			// Cache persistence is best effort; the vectors are already in hand.
			s.logger.Warn("failed to persist embedding cache entries", map[string]interface{}{
				"error": err.Error(),
				"count": len(entries),
			})
		}
	}
	return totalTokens, nil
}

func (s *Service) putRegistry(ctx context.Context, kind models.EmbeddingKind, hash string, v models.Vector) {
	key := registryKey(kind, hash)
	s.local.Add(key, v)
	if s.registry != nil {
		if err := s.registry.Set(ctx, key, v, s.registryTTL); err != nil {
			s.logger.Debug("registry cache set failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

func registryKey(kind models.EmbeddingKind, hash string) string {
	return "emb:" + string(kind) + ":" + hash
}

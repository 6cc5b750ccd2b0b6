// Package worker runs the background side of the service: the indexing job
// consumers and the daily retention sweeps.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ragmesh/ragmesh/internal/queue"
	"github.com/ragmesh/ragmesh/internal/repository"
	"github.com/ragmesh/ragmesh/pkg/errors"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

// Indexer processes one document index job.
type Indexer interface {
	Index(ctx context.Context, documentID uuid.UUID) error
}

// Retention executes the data retention sweeps.
type Retention interface {
	DeleteRagLogsOlderThan(ctx context.Context, days int) (int64, error)
	DeleteEmbeddingsOlderThan(ctx context.Context, days int) (int64, error)
}

// StoreRetention implements Retention over the repositories.
type StoreRetention struct {
	Logs       *repository.LogRepository
	Embeddings *repository.EmbeddingCacheRepository
}

// DeleteRagLogsOlderThan removes rag logs past the horizon.
func (r *StoreRetention) DeleteRagLogsOlderThan(ctx context.Context, days int) (int64, error) {
	return r.Logs.DeleteRagLogsOlderThan(ctx, days)
}

// DeleteEmbeddingsOlderThan removes embedding cache rows past the horizon.
func (r *StoreRetention) DeleteEmbeddingsOlderThan(ctx context.Context, days int) (int64, error) {
	return r.Embeddings.DeleteOlderThan(ctx, days)
}

// Pool consumes jobs with a fixed number of workers.
type Pool struct {
	queue     *queue.Queue
	indexer   Indexer
	retention Retention

	workers           int
	ragLogDays        int
	embeddingDays     int
	retentionInterval time.Duration

	logger  observability.Logger
	metrics observability.MetricsClient
}

// Config configures the worker pool.
type Config struct {
	Queue     *queue.Queue
	Indexer   Indexer
	Retention Retention

	Workers       int
	RagLogDays    int
	EmbeddingDays int
	// RetentionInterval is how often retention jobs are enqueued.
	RetentionInterval time.Duration

	Logger  observability.Logger
	Metrics observability.MetricsClient
}

// New creates a worker pool.
func New(config Config) (*Pool, error) {
	if config.Queue == nil || config.Indexer == nil {
		return nil, errors.New(errors.KindInternal, "queue and indexer are required")
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.RagLogDays <= 0 {
		config.RagLogDays = 30
	}
	if config.EmbeddingDays <= 0 {
		config.EmbeddingDays = 90
	}
	if config.RetentionInterval == 0 {
		config.RetentionInterval = 24 * time.Hour
	}
	if config.Logger == nil {
		config.Logger = observability.NewLogger("worker")
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewNoopMetricsClient()
	}
	return &Pool{
		queue:             config.Queue,
		indexer:           config.Indexer,
		retention:         config.Retention,
		workers:           config.Workers,
		ragLogDays:        config.RagLogDays,
		embeddingDays:     config.EmbeddingDays,
		retentionInterval: config.RetentionInterval,
		logger:            config.Logger,
		metrics:           config.Metrics,
	}, nil
}

// Run consumes jobs until the context ends. It blocks.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		consumer := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			return p.queue.Consume(gctx, consumer, p.handle)
		})
	}
	if p.retention != nil {
		g.Go(func() error {
			return p.retentionLoop(gctx)
		})
	}

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (p *Pool) handle(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeIndex:
		return p.indexer.Index(ctx, job.DocumentID)
	case queue.JobTypeCleanRagLogs:
		if p.retention == nil {
			return nil
		}
		n, err := p.retention.DeleteRagLogsOlderThan(ctx, p.ragLogDays)
		if err == nil {
			p.logger.Info("rag log retention sweep complete", map[string]interface{}{"deleted": n})
		}
		return err
	case queue.JobTypeCleanEmbeddings:
		if p.retention == nil {
			return nil
		}
		n, err := p.retention.DeleteEmbeddingsOlderThan(ctx, p.embeddingDays)
		if err == nil {
			p.logger.Info("embedding cache retention sweep complete", map[string]interface{}{"deleted": n})
		}
		return err
	default:
		return errors.Newf(errors.KindInternal, "unknown job type %q", job.Type)
	}
}

// retentionLoop enqueues the daily sweeps. Job ids carry the date so only one
// instance per day runs across all processes.
func (p *Pool) retentionLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.retentionInterval)
	defer ticker.Stop()

	p.enqueueRetention(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.enqueueRetention(ctx)
		}
	}
}

func (p *Pool) enqueueRetention(ctx context.Context) {
	day := time.Now().UTC().Format("2006-01-02")
	for _, jobType := range []queue.JobType{queue.JobTypeCleanRagLogs, queue.JobTypeCleanEmbeddings} {
		job := &queue.Job{ID: string(jobType) + ":" + day, Type: jobType}
		if _, err := p.queue.Enqueue(ctx, job); err != nil {
			p.logger.Warn("failed to enqueue retention job", map[string]interface{}{
				"job_type": string(jobType),
				"error":    err.Error(),
			})
		}
	}
}

// Package queue implements the background job queue on Redis Streams with
// consumer groups and job-id deduplication.
package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/ragmesh/ragmesh/pkg/errors"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

// JobType enumerates the background jobs.
type JobType string

const (
	JobTypeIndex           JobType = "index"
	JobTypeCleanRagLogs    JobType = "clean_raglogs"
	JobTypeCleanEmbeddings JobType = "clean_embeddings"
)

// Job is one queued unit of work. ID is the dedupe key: re-enqueueing a job
// with an id seen within the dedupe window is discarded.
type Job struct {
	ID         string    `json:"id"`
	Type       JobType   `json:"type"`
	DocumentID uuid.UUID `json:"document_id,omitempty"`
}

// Queue is a Redis Streams job queue.
type Queue struct {
	client    *redis.Client
	stream    string
	group     string
	dedupeTTL time.Duration
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// Config configures the queue.
type Config struct {
	Client    *redis.Client
	Stream    string
	Group     string
	DedupeTTL time.Duration
	Logger    observability.Logger
	Metrics   observability.MetricsClient
}

// New creates a queue and ensures its consumer group exists.
func New(ctx context.Context, config Config) (*Queue, error) {
	if config.Client == nil {
		return nil, errors.New(errors.KindInternal, "redis client is required")
	}
	if config.Stream == "" {
		config.Stream = "ragmesh-jobs"
	}
	if config.Group == "" {
		config.Group = "ragmesh-workers"
	}
	if config.DedupeTTL == 0 {
		config.DedupeTTL = 24 * time.Hour
	}
	if config.Logger == nil {
		config.Logger = observability.NewLogger("queue")
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewNoopMetricsClient()
	}

	q := &Queue{
		client:    config.Client,
		stream:    config.Stream,
		group:     config.Group,
		dedupeTTL: config.DedupeTTL,
		logger:    config.Logger,
		metrics:   config.Metrics,
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, errors.Wrap(err, errors.KindStoreUnavailable, "create consumer group")
	}
	return q, nil
}

// Enqueue appends a job to the stream. Returns false when the job id was
// already enqueued within the dedupe window.
func (q *Queue) Enqueue(ctx context.Context, job *Job) (bool, error) {
	if job.ID != "" {
		fresh, err := q.client.SetNX(ctx, q.dedupeKey(job.ID), 1, q.dedupeTTL).Result()
		if err != nil {
			return false, errors.Wrap(err, errors.KindStoreUnavailable, "job dedupe check")
		}
		if !fresh {
			q.metrics.IncrementCounter("queue.duplicate_discarded", 1.0)
			return false, nil
		}
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return false, errors.Wrap(err, errors.KindInternal, "marshal job")
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
	if err != nil {
		return false, errors.Wrap(err, errors.KindStoreUnavailable, "enqueue job")
	}
	q.metrics.IncrementCounter("queue.enqueued", 1.0)
	return true, nil
}

// Handler processes one job.
type Handler func(ctx context.Context, job *Job) error

// Consume reads jobs for the given consumer until the context ends. Handler
// failures are logged and the message acknowledged; retry semantics live in
// the job producers (content-hash resubmission re-queues documents).
func (q *Queue) Consume(ctx context.Context, consumer string, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Warn("queue read failed, backing off", map[string]interface{}{"error": err.Error()})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.process(ctx, consumer, msg, handler)
			}
		}
	}
}

func (q *Queue) process(ctx context.Context, consumer string, msg redis.XMessage, handler Handler) {
	defer func() {
		if err := q.client.XAck(ctx, q.stream, q.group, msg.ID).Err(); err != nil {
			q.logger.Warn("job ack failed", map[string]interface{}{
				"message_id": msg.ID,
				"error":      err.Error(),
			})
		}
	}()

	raw, ok := msg.Values["payload"].(string)
	if !ok {
		q.logger.Error("dropping malformed queue message", map[string]interface{}{"message_id": msg.ID})
		return
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.logger.Error("dropping undecodable job", map[string]interface{}{
			"message_id": msg.ID,
			"error":      err.Error(),
		})
		return
	}

	start := time.Now()
	if err := handler(ctx, &job); err != nil {
		q.metrics.IncrementCounter("queue.job_failed", 1.0)
		q.logger.Error("job failed", map[string]interface{}{
			"job_id":   job.ID,
			"job_type": string(job.Type),
			"consumer": consumer,
			"error":    err.Error(),
		})
		return
	}
	q.metrics.RecordHistogram("queue.job_duration_ms",
		float64(time.Since(start).Milliseconds()), map[string]string{"type": string(job.Type)})
}

func (q *Queue) dedupeKey(jobID string) string {
	return "jobdedupe:" + jobID
}

// IndexJobID builds the stable dedupe id for a document index job. It folds
// the content hash in so resubmitted content re-queues.
func IndexJobID(documentID uuid.UUID, contentHash string) string {
	return "index:" + documentID.String() + ":" + contentHash
}

package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragmesh/ragmesh/pkg/observability"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q, err := New(context.Background(), Config{
		Client: client,
		Logger: observability.NewNoopLogger(),
	})
	require.NoError(t, err)
	return q, mr
}

func TestEnqueueDeduplicates(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job := &Job{ID: "index:doc-1:hash-a", Type: JobTypeIndex, DocumentID: uuid.New()}

	fresh, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.False(t, fresh, "same job id within the window must be discarded")
}

func TestEnqueueNewHashRequeues(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	docID := uuid.New()

	fresh, err := q.Enqueue(ctx, &Job{ID: IndexJobID(docID, "hash-a"), Type: JobTypeIndex, DocumentID: docID})
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = q.Enqueue(ctx, &Job{ID: IndexJobID(docID, "hash-b"), Type: JobTypeIndex, DocumentID: docID})
	require.NoError(t, err)
	assert.True(t, fresh, "changed content hash makes a new job id")
}

func TestEnqueueDedupeExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q, err := New(context.Background(), Config{
		Client:    client,
		DedupeTTL: time.Hour,
		Logger:    observability.NewNoopLogger(),
	})
	require.NoError(t, err)
	ctx := context.Background()

	job := &Job{ID: "index:doc-1:hash-a", Type: JobTypeIndex}
	_, err = q.Enqueue(ctx, job)
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)

	fresh, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.True(t, fresh, "dedupe window expiry allows re-enqueue")
}

func TestConsumeProcessesJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	docID := uuid.New()
	_, err := q.Enqueue(ctx, &Job{ID: "j1", Type: JobTypeIndex, DocumentID: docID})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []*Job
	done := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, "test-consumer", func(ctx context.Context, job *Job) error {
			mu.Lock()
			got = append(got, job)
			mu.Unlock()
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not consumed")
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, JobTypeIndex, got[0].Type)
	assert.Equal(t, docID, got[0].DocumentID)
}

func TestConsumeStopsOnContextCancel(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.Consume(ctx, "test-consumer", func(ctx context.Context, job *Job) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

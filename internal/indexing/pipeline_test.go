package indexing

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragmesh/ragmesh/internal/llm"
	"github.com/ragmesh/ragmesh/pkg/errors"
	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

type memDocumentStore struct {
	mu   sync.Mutex
	docs map[uuid.UUID]*models.Document
}

func (s *memDocumentStore) Get(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, errors.New(errors.KindNotFound, "document not found")
	}
	copied := *doc
	return &copied, nil
}

func (s *memDocumentStore) UpdateStatus(ctx context.Context, id uuid.UUID, status models.DocumentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[id].Status = status
	return nil
}

type memChunkStore struct {
	mu        sync.Mutex
	chunks    []*models.Chunk
	deletions int
	insertErr error
}

func (s *memChunkStore) Insert(ctx context.Context, chunks []*models.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.chunks = append(s.chunks, chunks...)
	return nil
}

func (s *memChunkStore) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletions++
	var kept []*models.Chunk
	for _, c := range s.chunks {
		if c.DocumentID != documentID {
			kept = append(kept, c)
		}
	}
	s.chunks = kept
	return nil
}

func (s *memChunkStore) byKind(kind models.ChunkKind) []*models.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Chunk
	for _, c := range s.chunks {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

type memRelationStore struct {
	mu        sync.Mutex
	relations []*models.Relation
}

func (s *memRelationStore) Insert(ctx context.Context, relations []*models.Relation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relations = append(s.relations, relations...)
	return nil
}

type fixedEmbedder struct {
	err error
}

func (e *fixedEmbedder) Embed(ctx context.Context, texts []string, kind models.EmbeddingKind) ([]models.Vector, float64, error) {
	if e.err != nil {
		return nil, 0, e.err
	}
	out := make([]models.Vector, len(texts))
	for i := range texts {
		out[i] = models.Vector{1, 2, 3}
	}
	return out, 0.001 * float64(len(texts)), nil
}

type stubSummarizer struct {
	summary *llm.Summary
	err     error
}

func (s *stubSummarizer) Summarize(ctx context.Context, content string, maxWords int) (*llm.Summary, float64, error) {
	if s.err != nil {
		return nil, 0, s.err
	}
	return s.summary, 0.002, nil
}

type stubQuestioner struct {
	questions []string
	err       error
}

func (s *stubQuestioner) GenerateQuestions(ctx context.Context, chunk string, n int) ([]string, float64, error) {
	if s.err != nil {
		return nil, 0, s.err
	}
	return s.questions, 0.001, nil
}

type memCostWriter struct {
	mu   sync.Mutex
	logs []*models.CostLog
}

func (w *memCostWriter) PutCostLog(ctx context.Context, log *models.CostLog) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logs = append(w.logs, log)
	return nil
}

type pipelineFixture struct {
	pipeline  *Pipeline
	docs      *memDocumentStore
	chunks    *memChunkStore
	relations *memRelationStore
	costs     *memCostWriter
	doc       *models.Document
}

const longDoc = `# Handbook

## Refunds

Customers can request a refund within thirty days of purchase. The refund is
issued to the original payment method. Processing normally takes five business
days once the request is approved by the support team.

## Shipping

Orders ship within two business days. International orders may take up to three
weeks depending on customs processing in the destination country.`

func newPipelineFixture(t *testing.T, config PipelineConfig) *pipelineFixture {
	t.Helper()

	doc := &models.Document{
		ID:           uuid.New(),
		OrgID:        uuid.New(),
		DatasourceID: uuid.New(),
		Type:         models.DocumentTypeMarkdown,
		Content:      longDoc,
		Status:       models.DocumentStatusQueued,
	}
	docs := &memDocumentStore{docs: map[uuid.UUID]*models.Document{doc.ID: doc}}
	chunks := &memChunkStore{}
	relations := &memRelationStore{}
	costs := &memCostWriter{}

	config.Documents = docs
	config.Chunks = chunks
	config.Relations = relations
	config.Costs = costs
	if config.Embedder == nil {
		config.Embedder = &fixedEmbedder{}
	}
	config.Logger = observability.NewNoopLogger()

	p, err := NewPipeline(config)
	require.NoError(t, err)
	return &pipelineFixture{pipeline: p, docs: docs, chunks: chunks, relations: relations, costs: costs, doc: doc}
}

func TestIndexHappyPath(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{
		Summarizer:      &stubSummarizer{summary: &llm.Summary{Summary: "Company handbook.", Context: "A handbook."}},
		Questions:       &stubQuestioner{questions: []string{"How long do refunds take?"}},
		SummaryMinWords: 10,
	})

	require.NoError(t, f.pipeline.Index(context.Background(), f.doc.ID))
	assert.Equal(t, models.DocumentStatusIndexed, f.docs.docs[f.doc.ID].Status)

	chunkKind := f.chunks.byKind(models.ChunkKindChunk)
	require.NotEmpty(t, chunkKind)
	for _, c := range chunkKind {
		assert.Equal(t, f.doc.OrgID, c.OrgID)
		assert.NotEmpty(t, c.Embedding)
		assert.Greater(t, c.TokenCount, 0)
		assert.NotContains(t, c.Content, "A handbook.", "summary context must not leak into stored text")
	}

	summaries := f.chunks.byKind(models.ChunkKindSummary)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Company handbook.", summaries[0].Content)

	questions := f.chunks.byKind(models.ChunkKindQuestion)
	assert.Len(t, questions, len(chunkKind), "one question per chunk")
	assert.Len(t, f.relations.relations, len(questions))

	require.Len(t, f.costs.logs, 1)
	assert.Equal(t, "index", f.costs.logs[0].Operation)
	assert.Greater(t, f.costs.logs[0].CostUSD, 0.0)
}

func TestIndexIsIdempotent(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{})

	require.NoError(t, f.pipeline.Index(context.Background(), f.doc.ID))
	first := len(f.chunks.byKind(models.ChunkKindChunk))

	require.NoError(t, f.pipeline.Index(context.Background(), f.doc.ID))
	assert.Equal(t, first, len(f.chunks.byKind(models.ChunkKindChunk)), "re-index must not duplicate chunks")
	assert.Equal(t, 2, f.chunks.deletions)
}

func TestIndexShallowSkipsSummaryAndQuestions(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{
		Summarizer:     &stubSummarizer{summary: &llm.Summary{Summary: "S", Context: "C"}},
		Questions:      &stubQuestioner{questions: []string{"Q?"}},
		KnowledgeDepth: "shallow",
	})

	require.NoError(t, f.pipeline.Index(context.Background(), f.doc.ID))
	assert.Empty(t, f.chunks.byKind(models.ChunkKindSummary))
	assert.Empty(t, f.chunks.byKind(models.ChunkKindQuestion))
	assert.NotEmpty(t, f.chunks.byKind(models.ChunkKindChunk))
}

func TestIndexSummaryFailureDegrades(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{
		Summarizer:      &stubSummarizer{err: errors.New(errors.KindLLMUnavailable, "down")},
		SummaryMinWords: 10,
	})

	require.NoError(t, f.pipeline.Index(context.Background(), f.doc.ID))
	assert.Equal(t, models.DocumentStatusIndexed, f.docs.docs[f.doc.ID].Status)
	assert.Empty(t, f.chunks.byKind(models.ChunkKindSummary))
	assert.NotEmpty(t, f.chunks.byKind(models.ChunkKindChunk))
}

func TestIndexQuestionFailureDegrades(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{
		Questions: &stubQuestioner{err: errors.New(errors.KindLLMUnavailable, "down")},
	})

	require.NoError(t, f.pipeline.Index(context.Background(), f.doc.ID))
	assert.Equal(t, models.DocumentStatusIndexed, f.docs.docs[f.doc.ID].Status)
	assert.Empty(t, f.chunks.byKind(models.ChunkKindQuestion))
}

func TestIndexEmbeddingFailureIsTerminal(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{
		Embedder: &fixedEmbedder{err: errors.New(errors.KindLLMUnavailable, "provider down")},
	})

	err := f.pipeline.Index(context.Background(), f.doc.ID)
	require.Error(t, err)
	assert.Equal(t, errors.KindIndexingFailed, errors.KindOf(err))
	assert.Equal(t, models.DocumentStatusFailed, f.docs.docs[f.doc.ID].Status)
}

func TestIndexUnknownDocument(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{})
	err := f.pipeline.Index(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

package retrieval

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragmesh/ragmesh/internal/reasoning"
	"github.com/ragmesh/ragmesh/internal/repository"
	"github.com/ragmesh/ragmesh/internal/search"
	"github.com/ragmesh/ragmesh/pkg/errors"
	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

type stubEmbedder struct {
	cost float64
	err  error
}

func (e *stubEmbedder) Embed(ctx context.Context, texts []string, kind models.EmbeddingKind) ([]models.Vector, float64, error) {
	if e.err != nil {
		return nil, 0, e.err
	}
	out := make([]models.Vector, len(texts))
	for i := range texts {
		out[i] = models.Vector{0.1, 0.2, 0.3}
	}
	return out, e.cost, nil
}

type stubChunkSearcher struct {
	lexical       []*models.Chunk
	semantic      []*models.Chunk
	lexicalCalls  atomic.Int64
	semanticCalls atomic.Int64
}

func (s *stubChunkSearcher) LexicalSearch(ctx context.Context, orgID uuid.UUID, datasourceIDs []uuid.UUID, query string, queryVec models.Vector, limit, offset int) ([]*models.Chunk, error) {
	s.lexicalCalls.Add(1)
	return s.lexical, nil
}

func (s *stubChunkSearcher) SemanticSearch(ctx context.Context, orgID uuid.UUID, datasourceIDs []uuid.UUID, queryVec models.Vector, kind models.ChunkKind, limit, offset int, cutoff float64) ([]*models.Chunk, error) {
	s.semanticCalls.Add(1)
	if kind != "" {
		var out []*models.Chunk
		for _, c := range s.semantic {
			if c.Kind == kind {
				out = append(out, c)
			}
		}
		return out, nil
	}
	return s.semantic, nil
}

type stubChunkLoader struct {
	byID    map[uuid.UUID]*models.Chunk
	byDoc   map[uuid.UUID][]*models.Chunk
	loadErr error
}

func (l *stubChunkLoader) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Chunk, error) {
	if l.loadErr != nil {
		return nil, l.loadErr
	}
	var out []*models.Chunk
	for _, id := range ids {
		if c, ok := l.byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (l *stubChunkLoader) GetChunkKindByDocument(ctx context.Context, documentID uuid.UUID) ([]*models.Chunk, error) {
	return l.byDoc[documentID], nil
}

type stubRelationLoader struct {
	relations []*models.Relation
}

func (l *stubRelationLoader) GetBySourceIDs(ctx context.Context, sourceIDs []uuid.UUID) ([]*models.Relation, error) {
	var out []*models.Relation
	for _, rel := range l.relations {
		for _, id := range sourceIDs {
			if rel.SourceChunkID == id {
				out = append(out, rel)
			}
		}
	}
	return out, nil
}

type stubResolver struct {
	refs map[uuid.UUID]*repository.DocumentRef
}

func (r *stubResolver) ResolveRefs(ctx context.Context, documentIDs []uuid.UUID) (map[uuid.UUID]*repository.DocumentRef, error) {
	out := make(map[uuid.UUID]*repository.DocumentRef)
	for _, id := range documentIDs {
		if ref, ok := r.refs[id]; ok {
			out[id] = ref
		}
	}
	return out, nil
}

type stubLogWriter struct {
	ragLogs  []*models.RagLog
	costLogs []*models.CostLog
}

func (w *stubLogWriter) PutRagLog(ctx context.Context, log *models.RagLog) error {
	w.ragLogs = append(w.ragLogs, log)
	return nil
}

func (w *stubLogWriter) PutCostLog(ctx context.Context, log *models.CostLog) error {
	w.costLogs = append(w.costLogs, log)
	return nil
}

type stubHyDE struct {
	doc   string
	cost  float64
	err   error
	calls atomic.Int64
}

func (h *stubHyDE) HypotheticalDocument(ctx context.Context, prompt string) (string, float64, error) {
	h.calls.Add(1)
	return h.doc, h.cost, h.err
}

// orderedScores scores documents by their position in the configured list so
// tests control the final ranking through content.
type orderedScores struct {
	scores map[string]float64
}

func (p *orderedScores) Rerank(ctx context.Context, query string, documents []string) ([]float64, int, error) {
	out := make([]float64, len(documents))
	for i, d := range documents {
		out[i] = p.scores[d]
	}
	return out, 0, nil
}

type fixture struct {
	orch     *Orchestrator
	searcher *stubChunkSearcher
	logs     *stubLogWriter
	resolver *stubResolver
	hyde     *stubHyDE
}

func testChunk(content string, tokens int) *models.Chunk {
	return &models.Chunk{
		ID:         uuid.New(),
		DocumentID: uuid.New(),
		Kind:       models.ChunkKindChunk,
		Content:    content,
		TokenCount: tokens,
	}
}

func newFixture(t *testing.T, searcher *stubChunkSearcher, scores map[string]float64, chunks ...*models.Chunk) *fixture {
	t.Helper()

	resolver := &stubResolver{refs: map[uuid.UUID]*repository.DocumentRef{}}
	loader := &stubChunkLoader{byID: map[uuid.UUID]*models.Chunk{}, byDoc: map[uuid.UUID][]*models.Chunk{}}
	for _, c := range chunks {
		resolver.refs[c.DocumentID] = &repository.DocumentRef{
			DocumentID:           c.DocumentID,
			DocumentExternalID:   "doc-" + c.DocumentID.String()[:8],
			DatasourceExternalID: "ds-1",
		}
		loader.byID[c.ID] = c
	}

	engine, err := search.NewEngine(search.Config{Chunks: searcher, Logger: observability.NewNoopLogger()})
	require.NoError(t, err)
	reranker, err := NewReranker(RerankerConfig{
		Provider: &orderedScores{scores: scores},
		Policy:   PolicyFixed,
		Logger:   observability.NewNoopLogger(),
	})
	require.NoError(t, err)

	logs := &stubLogWriter{}
	hyde := &stubHyDE{doc: "a hypothetical answer"}
	orch, err := NewOrchestrator(OrchestratorConfig{
		Embeddings: &stubEmbedder{cost: 0.001},
		Engine:     engine,
		Expander:   NewExpander(loader, &stubRelationLoader{}),
		Reranker:   reranker,
		Documents:  resolver,
		Logs:       logs,
		HyDE:       hyde,
		Logger:     observability.NewNoopLogger(),
	})
	require.NoError(t, err)
	return &fixture{orch: orch, searcher: searcher, logs: logs, resolver: resolver, hyde: hyde}
}

func testRequest() *Request {
	return &Request{
		OrgID:         uuid.New(),
		APIKeyID:      uuid.New(),
		DatasourceIDs: []uuid.UUID{uuid.New()},
		Prompt:        "how do refunds work",
	}
}

func TestRetrieveChunksValidation(t *testing.T) {
	f := newFixture(t, &stubChunkSearcher{}, nil)

	_, err := f.orch.RetrieveChunks(context.Background(), &Request{
		OrgID: uuid.New(), Prompt: "q",
	})
	assert.Equal(t, errors.KindInvalidRequest, errors.KindOf(err))

	_, err = f.orch.RetrieveChunks(context.Background(), &Request{
		OrgID: uuid.New(), DatasourceIDs: []uuid.UUID{uuid.New()},
	})
	assert.Equal(t, errors.KindInvalidRequest, errors.KindOf(err))
}

func TestRetrieveChunksDedupeAndOrdering(t *testing.T) {
	a := testChunk("alpha", 10)
	b := testChunk("beta", 10)
	c := testChunk("gamma", 10)
	searcher := &stubChunkSearcher{
		lexical:  []*models.Chunk{a, b},
		semantic: []*models.Chunk{b, c},
	}
	f := newFixture(t, searcher, map[string]float64{"alpha": 0.4, "beta": 0.9, "gamma": 0.6}, a, b, c)

	result, err := f.orch.RetrieveChunks(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, result.Items, 3)

	seen := make(map[uuid.UUID]bool)
	for _, item := range result.Items {
		assert.False(t, seen[item.ChunkID], "chunk appears twice")
		seen[item.ChunkID] = true
	}
	for i := 1; i < len(result.Items); i++ {
		assert.GreaterOrEqual(t, result.Items[i-1].Score, result.Items[i].Score)
	}
	assert.Equal(t, "beta", result.Items[0].Content)
}

func TestRetrieveChunksBudgetSafety(t *testing.T) {
	a := testChunk("alpha", 50)
	b := testChunk("beta", 50)
	c := testChunk("gamma", 50)
	searcher := &stubChunkSearcher{lexical: []*models.Chunk{a, b, c}}
	f := newFixture(t, searcher, map[string]float64{"alpha": 0.9, "beta": 0.8, "gamma": 0.7}, a, b, c)

	req := testRequest()
	req.MaxTokens = 100
	result, err := f.orch.RetrieveChunks(context.Background(), req)
	require.NoError(t, err)

	total := 0
	for _, item := range result.Items {
		total += item.TokenCount
	}
	assert.LessOrEqual(t, total, 100)
	assert.Len(t, result.Items, 2)
}

func TestRetrieveChunksFirstItemAlwaysKept(t *testing.T) {
	a := testChunk("a very large chunk", 5000)
	searcher := &stubChunkSearcher{lexical: []*models.Chunk{a}}
	f := newFixture(t, searcher, map[string]float64{"a very large chunk": 0.9}, a)

	req := testRequest()
	req.MaxTokens = 100
	result, err := f.orch.RetrieveChunks(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.Items, 1, "first item survives even over budget")
}

func TestRetrieveChunksMaxChunksBudget(t *testing.T) {
	a := testChunk("alpha", 10)
	b := testChunk("beta", 10)
	searcher := &stubChunkSearcher{lexical: []*models.Chunk{a, b}}
	f := newFixture(t, searcher, map[string]float64{"alpha": 0.9, "beta": 0.8}, a, b)

	req := testRequest()
	req.MaxChunks = 1
	result, err := f.orch.RetrieveChunks(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, result.Items, 1)
}

func TestRetrieveChunksDropsUnresolvableDocuments(t *testing.T) {
	a := testChunk("alpha", 10)
	b := testChunk("beta", 10)
	searcher := &stubChunkSearcher{lexical: []*models.Chunk{a, b}}
	f := newFixture(t, searcher, map[string]float64{"alpha": 0.9, "beta": 0.8}, a, b)
	delete(f.resolver.refs, b.DocumentID)

	result, err := f.orch.RetrieveChunks(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "alpha", result.Items[0].Content)
}

func TestRetrieveChunksQuestionExpansion(t *testing.T) {
	target := testChunk("the underlying answer", 10)
	question := &models.Chunk{
		ID:         uuid.New(),
		DocumentID: target.DocumentID,
		Kind:       models.ChunkKindQuestion,
		Content:    "how do refunds work?",
		Similarity: 0.95,
	}
	searcher := &stubChunkSearcher{semantic: []*models.Chunk{question}}
	f := newFixture(t, searcher, map[string]float64{"the underlying answer": 0.9}, target)

	resolver := f.resolver
	loader := &stubChunkLoader{
		byID:  map[uuid.UUID]*models.Chunk{target.ID: target},
		byDoc: map[uuid.UUID][]*models.Chunk{},
	}
	relations := &stubRelationLoader{relations: []*models.Relation{{
		SourceChunkID: question.ID,
		TargetChunkID: target.ID,
	}}}
	engine, err := search.NewEngine(search.Config{Chunks: searcher, Logger: observability.NewNoopLogger()})
	require.NoError(t, err)
	reranker, err := NewReranker(RerankerConfig{
		Provider: &orderedScores{scores: map[string]float64{"the underlying answer": 0.9}},
		Logger:   observability.NewNoopLogger(),
	})
	require.NoError(t, err)
	orch, err := NewOrchestrator(OrchestratorConfig{
		Embeddings: &stubEmbedder{},
		Engine:     engine,
		Expander:   NewExpander(loader, relations),
		Reranker:   reranker,
		Documents:  resolver,
		Logger:     observability.NewNoopLogger(),
	})
	require.NoError(t, err)

	result, err := orch.RetrieveChunks(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, target.ID, result.Items[0].ChunkID, "question hit resolves to its target chunk")
}

func TestRetrieveChunksCostSum(t *testing.T) {
	a := testChunk("alpha", 10)
	searcher := &stubChunkSearcher{lexical: []*models.Chunk{a}}
	f := newFixture(t, searcher, map[string]float64{"alpha": 0.9}, a)
	f.hyde.cost = 0.002

	req := testRequest()
	req.UseHyDE = true
	result, err := f.orch.RetrieveChunks(context.Background(), req)
	require.NoError(t, err)

	// query embed + hyde embed (0.001 each) + hyde llm (0.002).
	assert.InDelta(t, 0.004, result.CostUSD, 1e-9)
	assert.Equal(t, int64(1), f.hyde.calls.Load())
}

func TestRetrieveChunksHyDEFailureDegrades(t *testing.T) {
	a := testChunk("alpha", 10)
	searcher := &stubChunkSearcher{lexical: []*models.Chunk{a}}
	f := newFixture(t, searcher, map[string]float64{"alpha": 0.9}, a)
	f.hyde.err = errors.New(errors.KindLLMUnavailable, "down")

	req := testRequest()
	req.UseHyDE = true
	result, err := f.orch.RetrieveChunks(context.Background(), req)
	require.NoError(t, err, "hyde failure must not fail retrieval")
	assert.Len(t, result.Items, 1)
}

func TestRetrieveChunksPersistsLogs(t *testing.T) {
	a := testChunk("alpha", 10)
	searcher := &stubChunkSearcher{lexical: []*models.Chunk{a}}
	f := newFixture(t, searcher, map[string]float64{"alpha": 0.9}, a)

	result, err := f.orch.RetrieveChunks(context.Background(), testRequest())
	require.NoError(t, err)

	require.Len(t, f.logs.ragLogs, 1)
	assert.Equal(t, result.TransactionID, f.logs.ragLogs[0].TransactionID)
	require.Len(t, f.logs.costLogs, 1)
	assert.Equal(t, "retrieve_chunks", f.logs.costLogs[0].Operation)

	raw, err := reasoning.Decompress(f.logs.ragLogs[0].Payload)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "retrieve_chunks")
	assert.NotContains(t, string(raw), "alpha", "tree must hold id references, not chunk text")
}

func TestRetrieveDocumentsLexicalShortCircuit(t *testing.T) {
	a := testChunk("alpha", 10)
	b := testChunk("beta", 10)
	searcher := &stubChunkSearcher{lexical: []*models.Chunk{a, b}}
	f := newFixture(t, searcher, nil, a, b)

	result, err := f.orch.RetrieveDocuments(context.Background(), testRequest(), 2)
	require.NoError(t, err)
	assert.Len(t, result.Documents, 2)
	assert.Zero(t, f.searcher.semanticCalls.Load(), "cap filled lexically, semantic leg skipped")
}

func TestRetrieveDocumentsFallsThroughToSemantic(t *testing.T) {
	a := testChunk("alpha", 10)
	b := testChunk("beta", 10)
	searcher := &stubChunkSearcher{lexical: []*models.Chunk{a}, semantic: []*models.Chunk{b}}
	f := newFixture(t, searcher, nil, a, b)

	result, err := f.orch.RetrieveDocuments(context.Background(), testRequest(), 5)
	require.NoError(t, err)
	assert.Len(t, result.Documents, 2)
	assert.Equal(t, int64(1), f.searcher.semanticCalls.Load())
}

func TestRetrieveQuestions(t *testing.T) {
	target := testChunk("the underlying answer", 10)
	question := &models.Chunk{
		ID:         uuid.New(),
		DocumentID: target.DocumentID,
		Kind:       models.ChunkKindQuestion,
		Content:    "how do refunds work?",
		Similarity: 0.95,
	}
	searcher := &stubChunkSearcher{semantic: []*models.Chunk{question}}

	resolver := &stubResolver{refs: map[uuid.UUID]*repository.DocumentRef{
		target.DocumentID: {DocumentID: target.DocumentID, DocumentExternalID: "doc-1", DatasourceExternalID: "ds-1"},
	}}
	loader := &stubChunkLoader{byID: map[uuid.UUID]*models.Chunk{target.ID: target}}
	relations := &stubRelationLoader{relations: []*models.Relation{{
		SourceChunkID: question.ID,
		TargetChunkID: target.ID,
	}}}
	engine, err := search.NewEngine(search.Config{Chunks: searcher, Logger: observability.NewNoopLogger()})
	require.NoError(t, err)
	reranker, err := NewReranker(RerankerConfig{Provider: &orderedScores{}, Logger: observability.NewNoopLogger()})
	require.NoError(t, err)
	orch, err := NewOrchestrator(OrchestratorConfig{
		Embeddings: &stubEmbedder{},
		Engine:     engine,
		Expander:   NewExpander(loader, relations),
		Reranker:   reranker,
		Documents:  resolver,
		Logger:     observability.NewNoopLogger(),
	})
	require.NoError(t, err)

	result, err := orch.RetrieveQuestions(context.Background(), testRequest(), 5)
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, target.ID, result.Items[0].ChunkID)
	assert.InDelta(t, 0.95, result.Items[0].Score, 1e-9, "expanded chunk inherits question similarity")
}

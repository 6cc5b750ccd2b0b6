package search

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragmesh/ragmesh/pkg/errors"
	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

type stubSearcher struct {
	lexical     []*models.Chunk
	semantic    []*models.Chunk
	lexicalErr  error
	semanticErr error
}

func (s *stubSearcher) LexicalSearch(ctx context.Context, orgID uuid.UUID, datasourceIDs []uuid.UUID, query string, queryVec models.Vector, limit, offset int) ([]*models.Chunk, error) {
	return s.lexical, s.lexicalErr
}

func (s *stubSearcher) SemanticSearch(ctx context.Context, orgID uuid.UUID, datasourceIDs []uuid.UUID, queryVec models.Vector, kind models.ChunkKind, limit, offset int, cutoff float64) ([]*models.Chunk, error) {
	return s.semantic, s.semanticErr
}

func chunkWithID(id uuid.UUID) *models.Chunk {
	return &models.Chunk{ID: id, Kind: models.ChunkKindChunk}
}

func newEngine(t *testing.T, s ChunkSearcher) *Engine {
	t.Helper()
	e, err := NewEngine(Config{Chunks: s, Logger: observability.NewNoopLogger()})
	require.NoError(t, err)
	return e
}

func validRequest() *Request {
	return &Request{
		OrgID:         uuid.New(),
		DatasourceIDs: []uuid.UUID{uuid.New()},
		Query:         "what is machine learning",
		QueryVec:      models.Vector{0.1, 0.2},
	}
}

func TestSearchValidation(t *testing.T) {
	e := newEngine(t, &stubSearcher{})

	_, err := e.Search(context.Background(), &Request{DatasourceIDs: []uuid.UUID{uuid.New()}})
	assert.Equal(t, errors.KindInvalidRequest, errors.KindOf(err))

	_, err = e.Search(context.Background(), &Request{OrgID: uuid.New()})
	assert.Equal(t, errors.KindInvalidRequest, errors.KindOf(err))
}

func TestSearchUnionOrderAndDedupe(t *testing.T) {
	a, b, c := chunkWithID(uuid.New()), chunkWithID(uuid.New()), chunkWithID(uuid.New())
	e := newEngine(t, &stubSearcher{
		lexical:  []*models.Chunk{a, b},
		semantic: []*models.Chunk{b, c},
	})

	result, err := e.Search(context.Background(), validRequest())
	require.NoError(t, err)

	require.Len(t, result.Union, 3)
	assert.Equal(t, []uuid.UUID{a.ID, b.ID, c.ID},
		[]uuid.UUID{result.Union[0].ID, result.Union[1].ID, result.Union[2].ID})
}

func TestSearchPartialFailure(t *testing.T) {
	a := chunkWithID(uuid.New())

	lexDown := newEngine(t, &stubSearcher{
		lexicalErr: errors.New(errors.KindStoreUnavailable, "lexical down"),
		semantic:   []*models.Chunk{a},
	})
	result, err := lexDown.Search(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Len(t, result.Union, 1)

	semDown := newEngine(t, &stubSearcher{
		lexical:     []*models.Chunk{a},
		semanticErr: errors.New(errors.KindStoreUnavailable, "semantic down"),
	})
	result, err = semDown.Search(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Len(t, result.Union, 1)
}

func TestSearchBothPathsFail(t *testing.T) {
	e := newEngine(t, &stubSearcher{
		lexicalErr:  errors.New(errors.KindStoreUnavailable, "down"),
		semanticErr: errors.New(errors.KindStoreUnavailable, "down"),
	})

	_, err := e.Search(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, errors.KindStoreUnavailable, errors.KindOf(err))
}

func TestSearchExtraVectors(t *testing.T) {
	a := chunkWithID(uuid.New())
	e := newEngine(t, &stubSearcher{semantic: []*models.Chunk{a}})

	req := validRequest()
	req.ExtraVecs = []models.Vector{{0.3, 0.4}}

	result, err := e.Search(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, result.Semantic, 2)
	assert.Len(t, result.Union, 1, "same chunk from both keys must dedupe")
}

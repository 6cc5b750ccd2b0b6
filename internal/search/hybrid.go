// Package search implements the hybrid search engine: lexical full-text and
// vector cosine searches over the chunk store, always issued in parallel.
// Neither path ever mutates state.
package search

import (
	"context"

	"github.com/google/uuid"

	"github.com/ragmesh/ragmesh/internal/repository"
	"github.com/ragmesh/ragmesh/pkg/errors"
	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

// ChunkSearcher is the store surface the engine depends on.
type ChunkSearcher interface {
	LexicalSearch(ctx context.Context, orgID uuid.UUID, datasourceIDs []uuid.UUID, query string, queryVec models.Vector, limit, offset int) ([]*models.Chunk, error)
	SemanticSearch(ctx context.Context, orgID uuid.UUID, datasourceIDs []uuid.UUID, queryVec models.Vector, kind models.ChunkKind, limit, offset int, cutoff float64) ([]*models.Chunk, error)
}

var _ ChunkSearcher = (*repository.ChunkRepository)(nil)

// Engine runs the two search paths.
type Engine struct {
	chunks  ChunkSearcher
	cutoff  float64
	logger  observability.Logger
	metrics observability.MetricsClient
}

// Config configures the engine.
type Config struct {
	Chunks  ChunkSearcher
	Cutoff  float64 // minimum cosine similarity for semantic hits
	Logger  observability.Logger
	Metrics observability.MetricsClient
}

// NewEngine creates a hybrid search engine.
func NewEngine(config Config) (*Engine, error) {
	if config.Chunks == nil {
		return nil, errors.New(errors.KindInternal, "chunk searcher is required")
	}
	if config.Logger == nil {
		config.Logger = observability.NewLogger("search.hybrid")
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewNoopMetricsClient()
	}
	return &Engine{
		chunks:  config.Chunks,
		cutoff:  config.Cutoff,
		logger:  config.Logger,
		metrics: config.Metrics,
	}, nil
}

// Request is one hybrid search invocation.
type Request struct {
	OrgID         uuid.UUID
	DatasourceIDs []uuid.UUID
	Query         string
	QueryVec      models.Vector
	// ExtraVecs are additional semantic keys (e.g. a HyDE vector).
	ExtraVecs []models.Vector
	Kind      models.ChunkKind
	Limit     int
	Offset    int
}

// Result carries the two orderings plus their union.
type Result struct {
	Lexical  []*models.Chunk
	Semantic [][]*models.Chunk
	// Union preserves first-seen order: lexical hits first, then each
	// semantic ordering in turn, deduplicated by chunk id.
	Union []*models.Chunk
}

func (e *Engine) validate(req *Request) error {
	if req.OrgID == uuid.Nil {
		return errors.New(errors.KindInvalidRequest, "organization is required")
	}
	if len(req.DatasourceIDs) == 0 {
		return errors.New(errors.KindInvalidRequest, "at least one datasource is required")
	}
	return nil
}

// Search runs the lexical search and one semantic search per vector key
// concurrently, then unions the results.
func (e *Engine) Search(ctx context.Context, req *Request) (*Result, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}

	ctx, span := observability.StartSpan(ctx, "search.hybrid")
	defer span.End()

	vecs := append([]models.Vector{req.QueryVec}, req.ExtraVecs...)

	type lexicalResult struct {
		chunks []*models.Chunk
		err    error
	}
	type semanticResult struct {
		slot   int
		chunks []*models.Chunk
		err    error
	}

	lexicalCh := make(chan lexicalResult, 1)
	semanticCh := make(chan semanticResult, len(vecs))

	go func() {
		chunks, err := e.chunks.LexicalSearch(ctx, req.OrgID, req.DatasourceIDs,
			req.Query, req.QueryVec, req.Limit, req.Offset)
		lexicalCh <- lexicalResult{chunks: chunks, err: err}
	}()
	for slot, vec := range vecs {
		go func(slot int, vec models.Vector) {
			chunks, err := e.chunks.SemanticSearch(ctx, req.OrgID, req.DatasourceIDs,
				vec, req.Kind, req.Limit, req.Offset, e.cutoff)
			semanticCh <- semanticResult{slot: slot, chunks: chunks, err: err}
		}(slot, vec)
	}

	result := &Result{Semantic: make([][]*models.Chunk, len(vecs))}

	lex := <-lexicalCh
	var semErr error
	for range vecs {
		sem := <-semanticCh
		if sem.err != nil {
			semErr = sem.err
			continue
		}
		result.Semantic[sem.slot] = sem.chunks
	}

	// One failed path degrades to the other; both failing is a hard error.
	if lex.err != nil && semErr != nil {
		return nil, errors.Wrap(lex.err, errors.KindStoreUnavailable, "both search paths failed")
	}
	if lex.err != nil {
		e.logger.Warn("lexical search failed, continuing with semantic only", map[string]interface{}{
			"error": lex.err.Error(),
		})
		e.metrics.IncrementCounter("search.lexical_failure", 1.0)
	} else {
		result.Lexical = lex.chunks
	}
	if semErr != nil {
		e.logger.Warn("semantic search failed, continuing with lexical only", map[string]interface{}{
			"error": semErr.Error(),
		})
		e.metrics.IncrementCounter("search.semantic_failure", 1.0)
	}

	result.Union = unionChunks(result.Lexical, result.Semantic)
	span.SetAttribute("lexical_hits", len(result.Lexical))
	span.SetAttribute("union_size", len(result.Union))
	return result, nil
}

// Lexical runs the lexical leg alone. Used by the document retrieval path,
// which only falls through to semantic search when lexical hits leave the
// document cap unfilled.
func (e *Engine) Lexical(ctx context.Context, req *Request) ([]*models.Chunk, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}
	return e.chunks.LexicalSearch(ctx, req.OrgID, req.DatasourceIDs,
		req.Query, req.QueryVec, req.Limit, req.Offset)
}

// Semantic runs a single semantic search without the lexical leg. Used by the
// question retrieval path where only vector matching applies.
func (e *Engine) Semantic(ctx context.Context, req *Request) ([]*models.Chunk, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}
	return e.chunks.SemanticSearch(ctx, req.OrgID, req.DatasourceIDs,
		req.QueryVec, req.Kind, req.Limit, req.Offset, e.cutoff)
}

// unionChunks merges orderings preserving first occurrence.
func unionChunks(lexical []*models.Chunk, semantic [][]*models.Chunk) []*models.Chunk {
	seen := make(map[uuid.UUID]bool)
	var out []*models.Chunk
	add := func(chunks []*models.Chunk) {
		for _, c := range chunks {
			if !seen[c.ID] {
				seen[c.ID] = true
				out = append(out, c)
			}
		}
	}
	add(lexical)
	for _, chunks := range semantic {
		add(chunks)
	}
	return out
}

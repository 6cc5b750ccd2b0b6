package retrieval

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ragmesh/ragmesh/internal/reasoning"
	"github.com/ragmesh/ragmesh/internal/repository"
	"github.com/ragmesh/ragmesh/internal/search"
	"github.com/ragmesh/ragmesh/pkg/errors"
	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
	"github.com/ragmesh/ragmesh/pkg/tokenizer"
)

// Embedder is the embedding surface the orchestrator depends on.
type Embedder interface {
	Embed(ctx context.Context, texts []string, kind models.EmbeddingKind) ([]models.Vector, float64, error)
}

// HyDEGenerator synthesizes a short hypothetical answer document whose vector
// serves as an additional semantic key on short queries.
type HyDEGenerator interface {
	HypotheticalDocument(ctx context.Context, prompt string) (string, float64, error)
}

// RefResolver maps internal document ids to external identifiers.
type RefResolver interface {
	ResolveRefs(ctx context.Context, documentIDs []uuid.UUID) (map[uuid.UUID]*repository.DocumentRef, error)
}

// LogWriter persists reasoning trees and cost records.
type LogWriter interface {
	PutRagLog(ctx context.Context, log *models.RagLog) error
	PutCostLog(ctx context.Context, log *models.CostLog) error
}

var (
	_ RefResolver = (*repository.DocumentRepository)(nil)
	_ LogWriter   = (*repository.LogRepository)(nil)
)

// logWriteTimeout bounds the detached log writes after a request finishes.
const logWriteTimeout = 5 * time.Second

// Orchestrator runs the retrieval pipeline end to end: prompt cleaning, query
// embedding with optional HyDE, hybrid search, relation expansion, rerank,
// budget trim, and external-id resolution.
type Orchestrator struct {
	embeddings  Embedder
	engine      *search.Engine
	expander    *Expander
	reranker    *Reranker
	documents   RefResolver
	logs        LogWriter
	hyde        HyDEGenerator
	tok         tokenizer.Tokenizer
	maxTokens   int
	cap         int
	docSemantic bool
	logger      observability.Logger
	metrics     observability.MetricsClient
}

// OrchestratorConfig configures the orchestrator.
type OrchestratorConfig struct {
	Embeddings Embedder
	Engine     *search.Engine
	Expander   *Expander
	Reranker   *Reranker
	Documents  RefResolver
	Logs       LogWriter
	// HyDE is optional; nil disables hypothetical document expansion.
	HyDE      HyDEGenerator
	Tokenizer tokenizer.Tokenizer
	// DefaultMaxTokens applies when a request carries no budget at all.
	DefaultMaxTokens int
	CandidateCap     int
	// DocumentsSemanticAlways disables the lexical-first short circuit on
	// the document retrieval path.
	DocumentsSemanticAlways bool
	Logger                  observability.Logger
	Metrics                 observability.MetricsClient
}

// NewOrchestrator creates the retrieval orchestrator.
func NewOrchestrator(config OrchestratorConfig) (*Orchestrator, error) {
	if config.Embeddings == nil || config.Engine == nil || config.Expander == nil || config.Reranker == nil {
		return nil, errors.New(errors.KindInternal, "embeddings, engine, expander and reranker are required")
	}
	if config.Documents == nil {
		return nil, errors.New(errors.KindInternal, "document resolver is required")
	}
	if config.Tokenizer == nil {
		config.Tokenizer = tokenizer.Default()
	}
	if config.DefaultMaxTokens <= 0 {
		config.DefaultMaxTokens = 8192
	}
	if config.CandidateCap <= 0 {
		config.CandidateCap = 1000
	}
	if config.Logger == nil {
		config.Logger = observability.NewLogger("retrieval.orchestrator")
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewNoopMetricsClient()
	}
	return &Orchestrator{
		embeddings:  config.Embeddings,
		engine:      config.Engine,
		expander:    config.Expander,
		reranker:    config.Reranker,
		documents:   config.Documents,
		logs:        config.Logs,
		hyde:        config.HyDE,
		tok:         config.Tokenizer,
		maxTokens:   config.DefaultMaxTokens,
		cap:         config.CandidateCap,
		docSemantic: config.DocumentsSemanticAlways,
		logger:      config.Logger,
		metrics:     config.Metrics,
	}, nil
}

// Request is one retrieval invocation.
type Request struct {
	OrgID         uuid.UUID
	APIKeyID      uuid.UUID
	DatasourceIDs []uuid.UUID
	Prompt        string

	// Budgets; all zero means the default token budget applies.
	MaxTokens int
	MaxChars  int
	MaxChunks int

	// UseHyDE enables hypothetical document expansion when a generator is
	// configured.
	UseHyDE bool
}

// Item is one retrieved chunk with its provenance resolved to external ids.
type Item struct {
	ChunkID              uuid.UUID       `json:"chunk_id"`
	Content              string          `json:"content"`
	Score                float64         `json:"score"`
	TokenCount           int             `json:"token_count"`
	DatasourceExternalID string          `json:"datasource_id"`
	DocumentExternalID   string          `json:"document_id"`
	Metadata             json.RawMessage `json:"metadata,omitempty"`
}

// Result is the outcome of a chunk or question retrieval.
type Result struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Items         []*Item   `json:"items"`
	CostUSD       float64   `json:"-"`
}

// DocumentResult is the outcome of a document retrieval.
type DocumentResult struct {
	TransactionID uuid.UUID                 `json:"transaction_id"`
	Documents     []*repository.DocumentRef `json:"documents"`
	IDs           []uuid.UUID               `json:"ids"`
	CostUSD       float64                   `json:"-"`
}

func (o *Orchestrator) validate(req *Request) error {
	if req.OrgID == uuid.Nil {
		return errors.New(errors.KindInvalidRequest, "organization is required")
	}
	if len(req.DatasourceIDs) == 0 {
		return errors.New(errors.KindInvalidRequest, "at least one datasource is required")
	}
	if req.Prompt == "" {
		return errors.New(errors.KindInvalidRequest, "prompt is required")
	}
	return nil
}

// RetrieveChunks runs the full pipeline and returns budget-trimmed chunks.
func (o *Orchestrator) RetrieveChunks(ctx context.Context, req *Request) (*Result, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}
	ctx, span := observability.StartSpan(ctx, "retrieval.chunks")
	defer span.End()

	txID := uuid.New()
	tree := reasoning.NewTree("retrieve_chunks")
	tree.Set("transaction_id", txID)

	var cost float64
	defer func() {
		tree.EndMeasure()
		o.persistLogs(req, txID, "retrieve_chunks", tree, cost)
	}()

	query := CleanQuery(req.Prompt)
	tree.Set("query", query)

	queryVec, extraVecs, embedCost, err := o.embedQuery(ctx, req, query, tree)
	if err != nil {
		return nil, err
	}
	cost += embedCost

	candidates, err := o.searchAndExpand(ctx, req, query, queryVec, extraVecs, models.ChunkKind(""), tree)
	if err != nil {
		return nil, err
	}
	if len(candidates) > o.cap {
		candidates = candidates[:o.cap]
	}

	rerankNode := tree.Child("rerank")
	rerankNode.StartMeasure()
	ranked, rerankCost, err := o.reranker.Rerank(ctx, req.Prompt, candidates)
	rerankNode.EndMeasure()
	if err != nil {
		return nil, err
	}
	cost += rerankCost
	rerankNode.Set("chunk_ids", chunkIDs(ranked))

	trimNode := tree.Child("trim")
	trimNode.StartMeasure()
	trimmed := o.trimToBudget(ranked, req)
	trimNode.EndMeasure()
	trimNode.Set("chunk_ids", chunkIDs(trimmed))

	items, err := o.resolveItems(ctx, trimmed)
	if err != nil {
		return nil, err
	}

	o.metrics.RecordHistogram("retrieval.result_size", float64(len(items)), nil)
	return &Result{TransactionID: txID, Items: items, CostUSD: cost}, nil
}

// RetrieveDocuments returns distinct source documents. Lexical hits fill the
// cap first; semantic search runs only when the cap is unfilled, unless
// configured to always run.
func (o *Orchestrator) RetrieveDocuments(ctx context.Context, req *Request, maxDocuments int) (*DocumentResult, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}
	if maxDocuments <= 0 {
		maxDocuments = 10
	}
	ctx, span := observability.StartSpan(ctx, "retrieval.documents")
	defer span.End()

	txID := uuid.New()
	tree := reasoning.NewTree("retrieve_documents")
	tree.Set("transaction_id", txID)

	var cost float64
	defer func() {
		tree.EndMeasure()
		o.persistLogs(req, txID, "retrieve_documents", tree, cost)
	}()

	query := CleanQuery(req.Prompt)
	vecs, embedCost, err := o.embeddings.Embed(ctx, []string{query}, models.EmbeddingKindQuery)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindRetrievalFailed, "query embedding failed")
	}
	cost += embedCost

	searchReq := &search.Request{
		OrgID:         req.OrgID,
		DatasourceIDs: req.DatasourceIDs,
		Query:         query,
		QueryVec:      vecs[0],
		Limit:         maxDocuments * 4,
	}

	seen := make(map[uuid.UUID]bool)
	var docIDs []uuid.UUID
	collect := func(chunks []*models.Chunk) {
		for _, c := range chunks {
			if !seen[c.DocumentID] {
				seen[c.DocumentID] = true
				docIDs = append(docIDs, c.DocumentID)
			}
		}
	}

	lexNode := tree.Child("lexical")
	lexNode.StartMeasure()
	lexical, err := o.engine.Lexical(ctx, searchReq)
	lexNode.EndMeasure()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindRetrievalFailed, "lexical document search failed")
	}
	collect(lexical)
	lexNode.Set("document_ids", docIDs)

	if len(docIDs) < maxDocuments || o.docSemantic {
		semNode := tree.Child("semantic")
		semNode.StartMeasure()
		semantic, err := o.engine.Semantic(ctx, searchReq)
		semNode.EndMeasure()
		if err != nil {
			return nil, errors.Wrap(err, errors.KindRetrievalFailed, "semantic document search failed")
		}
		collect(semantic)
	}
	if len(docIDs) > maxDocuments {
		docIDs = docIDs[:maxDocuments]
	}

	refs, err := o.documents.ResolveRefs(ctx, docIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindRetrievalFailed, "document resolution failed")
	}
	result := &DocumentResult{TransactionID: txID, CostUSD: cost}
	for _, id := range docIDs {
		if ref, ok := refs[id]; ok {
			result.Documents = append(result.Documents, ref)
			result.IDs = append(result.IDs, id)
		}
	}
	return result, nil
}

// RetrieveQuestions retrieves via the question bank only: semantic search over
// question-kind chunks, expanded to their target chunks.
func (o *Orchestrator) RetrieveQuestions(ctx context.Context, req *Request, maxChunks int) (*Result, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}
	if maxChunks <= 0 {
		maxChunks = 10
	}
	ctx, span := observability.StartSpan(ctx, "retrieval.questions")
	defer span.End()

	txID := uuid.New()
	tree := reasoning.NewTree("retrieve_questions")
	tree.Set("transaction_id", txID)

	var cost float64
	defer func() {
		tree.EndMeasure()
		o.persistLogs(req, txID, "retrieve_questions", tree, cost)
	}()

	query := CleanQuery(req.Prompt)
	vecs, embedCost, err := o.embeddings.Embed(ctx, []string{query}, models.EmbeddingKindQuery)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindRetrievalFailed, "query embedding failed")
	}
	cost += embedCost

	semNode := tree.Child("semantic_questions")
	semNode.StartMeasure()
	questions, err := o.engine.Semantic(ctx, &search.Request{
		OrgID:         req.OrgID,
		DatasourceIDs: req.DatasourceIDs,
		Query:         query,
		QueryVec:      vecs[0],
		Kind:          models.ChunkKindQuestion,
		Limit:         maxChunks,
	})
	semNode.EndMeasure()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindRetrievalFailed, "question search failed")
	}
	semNode.Set("chunk_ids", chunkIDs(questions))

	expandNode := tree.Child("expand")
	expandNode.StartMeasure()
	expanded, err := o.expander.Expand(ctx, questions, expandNode)
	expandNode.EndMeasure()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindRetrievalFailed, "relation expansion failed")
	}
	if len(expanded) > maxChunks {
		expanded = expanded[:maxChunks]
	}
	for _, c := range expanded {
		c.Score = c.Similarity
	}

	items, err := o.resolveItems(ctx, expanded)
	if err != nil {
		return nil, err
	}
	return &Result{TransactionID: txID, Items: items, CostUSD: cost}, nil
}

// embedQuery computes the query vector and, when enabled, the HyDE vector
// concurrently. HyDE failures degrade to plain query search.
func (o *Orchestrator) embedQuery(ctx context.Context, req *Request, query string, tree *reasoning.Node) (models.Vector, []models.Vector, float64, error) {
	var (
		queryVec  models.Vector
		queryCost float64
		hydeVec   models.Vector
		hydeCost  float64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vecs, cost, err := o.embeddings.Embed(gctx, []string{query}, models.EmbeddingKindQuery)
		if err != nil {
			return errors.Wrap(err, errors.KindRetrievalFailed, "query embedding failed")
		}
		queryVec = vecs[0]
		queryCost = cost
		return nil
	})
	if o.hyde != nil && req.UseHyDE {
		g.Go(func() error {
			doc, llmCost, err := o.hyde.HypotheticalDocument(gctx, req.Prompt)
			if err != nil {
				o.logger.Warn("hyde generation failed, continuing without", map[string]interface{}{
					"error": err.Error(),
				})
				return nil
			}
			vecs, cost, err := o.embeddings.Embed(gctx, []string{doc}, models.EmbeddingKindDocument)
			if err != nil {
				o.logger.Warn("hyde embedding failed, continuing without", map[string]interface{}{
					"error": err.Error(),
				})
				return nil
			}
			hydeVec = vecs[0]
			hydeCost = llmCost + cost
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, 0, err
	}

	var extra []models.Vector
	if len(hydeVec) > 0 {
		extra = append(extra, hydeVec)
		tree.Set("hyde", true)
	}
	return queryVec, extra, queryCost + hydeCost, nil
}

// searchAndExpand runs the hybrid search and relation expansion stages.
func (o *Orchestrator) searchAndExpand(ctx context.Context, req *Request, query string, queryVec models.Vector, extraVecs []models.Vector, kind models.ChunkKind, tree *reasoning.Node) ([]*models.Chunk, error) {
	searchNode := tree.Child("search")
	searchNode.StartMeasure()
	result, err := o.engine.Search(ctx, &search.Request{
		OrgID:         req.OrgID,
		DatasourceIDs: req.DatasourceIDs,
		Query:         query,
		QueryVec:      queryVec,
		ExtraVecs:     extraVecs,
		Kind:          kind,
		Limit:         o.cap,
	})
	searchNode.EndMeasure()
	if err != nil {
		if errors.IsKind(err, errors.KindInvalidRequest) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.KindRetrievalFailed, "hybrid search failed")
	}
	searchNode.Set("lexical_ids", chunkIDs(result.Lexical))
	for i, sem := range result.Semantic {
		searchNode.Set("semantic_ids_"+strconv.Itoa(i), chunkIDs(sem))
	}

	expandNode := tree.Child("expand")
	expandNode.StartMeasure()
	expanded, err := o.expander.Expand(ctx, result.Union, expandNode)
	expandNode.EndMeasure()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindRetrievalFailed, "relation expansion failed")
	}
	return expanded, nil
}

// trimToBudget keeps the longest prefix within the configured budgets. The
// first item always survives so a retrieval with candidates is never empty.
func (o *Orchestrator) trimToBudget(ranked []*models.Chunk, req *Request) []*models.Chunk {
	maxTokens, maxChars, maxChunks := req.MaxTokens, req.MaxChars, req.MaxChunks
	if maxTokens <= 0 && maxChars <= 0 && maxChunks <= 0 {
		maxTokens = o.maxTokens
	}

	var out []*models.Chunk
	tokens, chars := 0, 0
	for i, c := range ranked {
		if c.TokenCount == 0 {
			c.TokenCount = o.tok.CountTokens(c.Content)
		}
		tokens += c.TokenCount
		chars += len(c.Content)
		if i > 0 {
			if maxTokens > 0 && tokens > maxTokens {
				break
			}
			if maxChars > 0 && chars > maxChars {
				break
			}
			if maxChunks > 0 && len(out) >= maxChunks {
				break
			}
		}
		out = append(out, c)
	}
	return out
}

// resolveItems attaches external ids and document metadata; chunks whose
// document or datasource cannot be resolved are dropped.
func (o *Orchestrator) resolveItems(ctx context.Context, chunks []*models.Chunk) ([]*Item, error) {
	docIDs := make([]uuid.UUID, 0, len(chunks))
	seen := make(map[uuid.UUID]bool)
	for _, c := range chunks {
		if !seen[c.DocumentID] {
			seen[c.DocumentID] = true
			docIDs = append(docIDs, c.DocumentID)
		}
	}
	refs, err := o.documents.ResolveRefs(ctx, docIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindRetrievalFailed, "document resolution failed")
	}

	items := make([]*Item, 0, len(chunks))
	for _, c := range chunks {
		ref, ok := refs[c.DocumentID]
		if !ok {
			o.logger.Warn("dropping chunk with unresolvable document", map[string]interface{}{
				"chunk_id":    c.ID.String(),
				"document_id": c.DocumentID.String(),
			})
			continue
		}
		items = append(items, &Item{
			ChunkID:              c.ID,
			Content:              c.Content,
			Score:                c.Score,
			TokenCount:           c.TokenCount,
			DatasourceExternalID: ref.DatasourceExternalID,
			DocumentExternalID:   ref.DocumentExternalID,
			Metadata:             ref.Metadata,
		})
	}
	return items, nil
}

// persistLogs writes the compressed reasoning tree and the cost record. Both
// are best effort; retrieval results never fail on log writes.
func (o *Orchestrator) persistLogs(req *Request, txID uuid.UUID, operation string, tree *reasoning.Node, cost float64) {
	if o.logs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), logWriteTimeout)
	defer cancel()

	payload, err := tree.Compress()
	if err != nil {
		o.logger.Error("failed to compress reasoning tree", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := o.logs.PutRagLog(ctx, &models.RagLog{
		OrgID:         req.OrgID,
		APIKeyID:      req.APIKeyID,
		TransactionID: txID,
		Payload:       payload,
	}); err != nil {
		o.logger.Error("failed to persist rag log", map[string]interface{}{"error": err.Error()})
	}
	if cost > 0 {
		if err := o.logs.PutCostLog(ctx, &models.CostLog{
			OrgID:         req.OrgID,
			APIKeyID:      req.APIKeyID,
			TransactionID: txID,
			Operation:     operation,
			CostUSD:       cost,
		}); err != nil {
			o.logger.Error("failed to persist cost log", map[string]interface{}{"error": err.Error()})
		}
	}
}

func chunkIDs(chunks []*models.Chunk) []string {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID.String()
	}
	return ids
}

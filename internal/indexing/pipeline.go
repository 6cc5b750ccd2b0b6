package indexing

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ragmesh/ragmesh/internal/llm"
	"github.com/ragmesh/ragmesh/internal/repository"
	"github.com/ragmesh/ragmesh/pkg/errors"
	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
	"github.com/ragmesh/ragmesh/pkg/tokenizer"
)

// questionBatchSize bounds how many chunks generate questions concurrently.
const questionBatchSize = 10

// DocumentStore is the document surface the pipeline depends on.
type DocumentStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Document, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.DocumentStatus) error
}

// ChunkStore persists chunk records.
type ChunkStore interface {
	Insert(ctx context.Context, chunks []*models.Chunk) error
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error
}

// RelationStore persists question→chunk edges.
type RelationStore interface {
	Insert(ctx context.Context, relations []*models.Relation) error
}

// Embedder embeds texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string, kind models.EmbeddingKind) ([]models.Vector, float64, error)
}

// Summarizer produces a document summary plus embedding context.
type Summarizer interface {
	Summarize(ctx context.Context, content string, maxWords int) (*llm.Summary, float64, error)
}

// QuestionGenerator produces questions answerable from a chunk.
type QuestionGenerator interface {
	GenerateQuestions(ctx context.Context, chunk string, n int) ([]string, float64, error)
}

// CostWriter records the USD cost of an indexing run.
type CostWriter interface {
	PutCostLog(ctx context.Context, log *models.CostLog) error
}

var (
	_ DocumentStore     = (*repository.DocumentRepository)(nil)
	_ ChunkStore        = (*repository.ChunkRepository)(nil)
	_ RelationStore     = (*repository.RelationRepository)(nil)
	_ Summarizer        = (*llm.Tasks)(nil)
	_ QuestionGenerator = (*llm.Tasks)(nil)
)

// Pipeline indexes one document at a time: convert, summarize, chunk, embed,
// question bank, with status transitions on the document row.
type Pipeline struct {
	documents DocumentStore
	chunks    ChunkStore
	relations RelationStore
	embedder  Embedder
	summarize Summarizer
	questions QuestionGenerator
	converter *Converter
	chunker   *Chunker
	costs     CostWriter
	tok       tokenizer.Tokenizer

	knowledgeDepth    string
	summaryMinWords   int
	questionsPerChunk int

	logger  observability.Logger
	metrics observability.MetricsClient
}

// PipelineConfig configures the indexing pipeline.
type PipelineConfig struct {
	Documents DocumentStore
	Chunks    ChunkStore
	Relations RelationStore
	Embedder  Embedder
	// Summarizer and Questions are optional; nil skips those steps.
	Summarizer Summarizer
	Questions  QuestionGenerator
	Converter  *Converter
	Chunker    *Chunker
	Costs      CostWriter
	Tokenizer  tokenizer.Tokenizer

	// KnowledgeDepth "shallow" disables summaries and the question bank.
	KnowledgeDepth    string
	SummaryMinWords   int
	QuestionsPerChunk int

	Logger  observability.Logger
	Metrics observability.MetricsClient
}

// NewPipeline creates the indexing pipeline.
func NewPipeline(config PipelineConfig) (*Pipeline, error) {
	if config.Documents == nil || config.Chunks == nil || config.Embedder == nil {
		return nil, errors.New(errors.KindInternal, "documents, chunks and embedder are required")
	}
	if config.Converter == nil {
		config.Converter = NewConverter(nil)
	}
	if config.Chunker == nil {
		config.Chunker = NewChunker(ChunkerConfig{})
	}
	if config.Tokenizer == nil {
		config.Tokenizer = tokenizer.Default()
	}
	if config.SummaryMinWords <= 0 {
		config.SummaryMinWords = 200
	}
	if config.QuestionsPerChunk <= 0 {
		config.QuestionsPerChunk = 3
	}
	if config.Logger == nil {
		config.Logger = observability.NewLogger("indexing.pipeline")
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewNoopMetricsClient()
	}
	return &Pipeline{
		documents:         config.Documents,
		chunks:            config.Chunks,
		relations:         config.Relations,
		embedder:          config.Embedder,
		summarize:         config.Summarizer,
		questions:         config.Questions,
		converter:         config.Converter,
		chunker:           config.Chunker,
		costs:             config.Costs,
		tok:               config.Tokenizer,
		knowledgeDepth:    config.KnowledgeDepth,
		summaryMinWords:   config.SummaryMinWords,
		questionsPerChunk: config.QuestionsPerChunk,
		logger:            config.Logger,
		metrics:           config.Metrics,
	}, nil
}

// Index processes one document end to end. Any failure marks the document
// failed; a successful run marks it indexed.
func (p *Pipeline) Index(ctx context.Context, documentID uuid.UUID) error {
	ctx, span := observability.StartSpan(ctx, "indexing.index")
	defer span.End()
	span.SetAttribute("document_id", documentID.String())

	doc, err := p.documents.Get(ctx, documentID)
	if err != nil {
		return err
	}
	if err := p.documents.UpdateStatus(ctx, doc.ID, models.DocumentStatusIndexing); err != nil {
		return err
	}

	cost, err := p.run(ctx, doc)
	if err != nil {
		if statusErr := p.documents.UpdateStatus(ctx, doc.ID, models.DocumentStatusFailed); statusErr != nil {
			p.logger.Error("failed to mark document failed", map[string]interface{}{
				"document_id": doc.ID.String(),
				"error":       statusErr.Error(),
			})
		}
		p.metrics.IncrementCounter("indexing.failed", 1.0)
		return err
	}

	if err := p.documents.UpdateStatus(ctx, doc.ID, models.DocumentStatusIndexed); err != nil {
		return err
	}
	p.recordCost(ctx, doc, cost)
	p.metrics.IncrementCounter("indexing.indexed", 1.0)
	return nil
}

func (p *Pipeline) run(ctx context.Context, doc *models.Document) (float64, error) {
	markdown, err := p.converter.Convert(ctx, doc)
	if err != nil {
		return 0, err
	}

	// Idempotent re-index: previous chunks of every kind go first.
	if err := p.chunks.DeleteByDocument(ctx, doc.ID); err != nil {
		return 0, err
	}

	var cost float64
	deep := p.knowledgeDepth != "shallow"

	var summary *llm.Summary
	if deep && p.summarize != nil && wordCount(markdown) >= p.summaryMinWords {
		s, summaryCost, err := p.summarize.Summarize(ctx, markdown, 200)
		cost += summaryCost
		if err != nil {
			// Summary is an enrichment step; chunking proceeds without it.
			p.logger.Warn("summary generation failed, skipping", map[string]interface{}{
				"document_id": doc.ID.String(),
				"error":       err.Error(),
			})
		} else {
			summary = s
		}
	}
	if summary != nil {
		summaryCost, err := p.storeSummary(ctx, doc, summary)
		cost += summaryCost
		if err != nil {
			p.logger.Warn("summary persistence failed, skipping", map[string]interface{}{
				"document_id": doc.ID.String(),
				"error":       err.Error(),
			})
		}
	}

	// Chunk creation is the mandatory step; its failure is terminal.
	stored, chunkCost, err := p.storeChunks(ctx, doc, markdown, summary)
	cost += chunkCost
	if err != nil {
		return cost, errors.Wrap(err, errors.KindIndexingFailed, "chunk creation failed")
	}

	if deep && p.questions != nil && p.relations != nil {
		questionCost := p.buildQuestionBank(ctx, doc, stored)
		cost += questionCost
	}
	return cost, nil
}

// storeChunks chunks the markdown, embeds the chunks, and persists them. The
// summary context prefixes each embedding input but never the stored text.
func (p *Pipeline) storeChunks(ctx context.Context, doc *models.Document, markdown string, summary *llm.Summary) ([]*models.Chunk, float64, error) {
	contents := p.chunker.Chunk(markdown)
	if len(contents) == 0 {
		return nil, 0, errors.New(errors.KindIndexingFailed, "document produced no chunks")
	}

	inputs := make([]string, len(contents))
	for i, c := range contents {
		if summary != nil && summary.Context != "" {
			inputs[i] = summary.Context + "\n" + c
		} else {
			inputs[i] = c
		}
	}
	vectors, cost, err := p.embedder.Embed(ctx, inputs, models.EmbeddingKindDocument)
	if err != nil {
		return nil, cost, err
	}

	chunks := make([]*models.Chunk, len(contents))
	for i, content := range contents {
		chunks[i] = &models.Chunk{
			ID:           uuid.New(),
			OrgID:        doc.OrgID,
			DatasourceID: doc.DatasourceID,
			DocumentID:   doc.ID,
			Kind:         models.ChunkKindChunk,
			Content:      content,
			CharSize:     len(content),
			TokenCount:   p.tok.CountTokens(content),
			Embedding:    vectors[i],
		}
	}
	if err := p.chunks.Insert(ctx, chunks); err != nil {
		return nil, cost, err
	}
	p.metrics.RecordHistogram("indexing.chunks_per_document", float64(len(chunks)), nil)
	return chunks, cost, nil
}

func (p *Pipeline) storeSummary(ctx context.Context, doc *models.Document, summary *llm.Summary) (float64, error) {
	vectors, cost, err := p.embedder.Embed(ctx, []string{summary.Summary}, models.EmbeddingKindDocument)
	if err != nil {
		return cost, err
	}
	err = p.chunks.Insert(ctx, []*models.Chunk{{
		ID:           uuid.New(),
		OrgID:        doc.OrgID,
		DatasourceID: doc.DatasourceID,
		DocumentID:   doc.ID,
		Kind:         models.ChunkKindSummary,
		Content:      summary.Summary,
		CharSize:     len(summary.Summary),
		TokenCount:   p.tok.CountTokens(summary.Summary),
		Embedding:    vectors[0],
	}})
	return cost, err
}

// buildQuestionBank generates questions per chunk in parallel batches and
// persists them as question-kind chunks plus relations to their targets.
// Per-chunk failures are skipped; the bank is an enrichment.
func (p *Pipeline) buildQuestionBank(ctx context.Context, doc *models.Document, chunks []*models.Chunk) float64 {
	type bankEntry struct {
		questions []string
		vectors   []models.Vector
		target    *models.Chunk
		cost      float64
	}
	entries := make([]*bankEntry, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(questionBatchSize)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			questions, llmCost, err := p.questions.GenerateQuestions(gctx, chunk.Content, p.questionsPerChunk)
			if err != nil {
				p.logger.Warn("question generation failed for chunk, skipping", map[string]interface{}{
					"chunk_id": chunk.ID.String(),
					"error":    err.Error(),
				})
				entries[i] = &bankEntry{cost: llmCost}
				return nil
			}
			questions = nonEmpty(questions)
			if len(questions) == 0 {
				entries[i] = &bankEntry{cost: llmCost}
				return nil
			}
			vectors, embedCost, err := p.embedder.Embed(gctx, questions, models.EmbeddingKindQuery)
			if err != nil {
				p.logger.Warn("question embedding failed for chunk, skipping", map[string]interface{}{
					"chunk_id": chunk.ID.String(),
					"error":    err.Error(),
				})
				entries[i] = &bankEntry{cost: llmCost + embedCost}
				return nil
			}
			entries[i] = &bankEntry{
				questions: questions,
				vectors:   vectors,
				target:    chunk,
				cost:      llmCost + embedCost,
			}
			return nil
		})
	}
	_ = g.Wait()

	var cost float64
	var questionChunks []*models.Chunk
	var relations []*models.Relation
	for _, e := range entries {
		if e == nil {
			continue
		}
		cost += e.cost
		for j, q := range e.questions {
			qc := &models.Chunk{
				ID:           uuid.New(),
				OrgID:        doc.OrgID,
				DatasourceID: doc.DatasourceID,
				DocumentID:   doc.ID,
				Kind:         models.ChunkKindQuestion,
				Content:      q,
				CharSize:     len(q),
				TokenCount:   p.tok.CountTokens(q),
				Embedding:    e.vectors[j],
			}
			questionChunks = append(questionChunks, qc)
			relations = append(relations, &models.Relation{
				OrgID:         doc.OrgID,
				DatasourceID:  doc.DatasourceID,
				SourceChunkID: qc.ID,
				TargetChunkID: e.target.ID,
			})
		}
	}
	if len(questionChunks) == 0 {
		return cost
	}
	if err := p.chunks.Insert(ctx, questionChunks); err != nil {
		p.logger.Warn("question bank persistence failed, skipping", map[string]interface{}{
			"document_id": doc.ID.String(),
			"error":       err.Error(),
		})
		return cost
	}
	if err := p.relations.Insert(ctx, relations); err != nil {
		p.logger.Warn("question relation persistence failed", map[string]interface{}{
			"document_id": doc.ID.String(),
			"error":       err.Error(),
		})
	}
	return cost
}

func (p *Pipeline) recordCost(ctx context.Context, doc *models.Document, cost float64) {
	if p.costs == nil || cost <= 0 {
		return
	}
	if err := p.costs.PutCostLog(ctx, &models.CostLog{
		OrgID:         doc.OrgID,
		TransactionID: doc.ID,
		Operation:     "index",
		CostUSD:       cost,
	}); err != nil {
		p.logger.Warn("cost log write failed", map[string]interface{}{"error": err.Error()})
	}
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

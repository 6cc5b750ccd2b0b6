// Package retrieval composes the embedding service, hybrid search, relation
// expansion, and reranking into the retrieval pipeline.
package retrieval

import (
	"context"

	"github.com/google/uuid"

	"github.com/ragmesh/ragmesh/internal/reasoning"
	"github.com/ragmesh/ragmesh/internal/repository"
	"github.com/ragmesh/ragmesh/pkg/models"
)

// ChunkLoader loads chunks referenced by relations or documents.
type ChunkLoader interface {
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Chunk, error)
	GetChunkKindByDocument(ctx context.Context, documentID uuid.UUID) ([]*models.Chunk, error)
}

// RelationLoader loads question→chunk edges.
type RelationLoader interface {
	GetBySourceIDs(ctx context.Context, sourceIDs []uuid.UUID) ([]*models.Relation, error)
}

var (
	_ ChunkLoader    = (*repository.ChunkRepository)(nil)
	_ RelationLoader = (*repository.RelationRepository)(nil)
)

// Expander resolves question and summary hits to the chunk-kind records they
// reference. Chunk-kind candidates pass through unchanged.
type Expander struct {
	chunks    ChunkLoader
	relations RelationLoader
}

// NewExpander creates a relation expander.
func NewExpander(chunks ChunkLoader, relations RelationLoader) *Expander {
	return &Expander{chunks: chunks, relations: relations}
}

// Expand partitions candidates by kind and resolves indirections. The result
// is deduplicated by chunk id; insertion order preserves first occurrence
// from the original ranking. Expansion edges are recorded on the tree node.
func (e *Expander) Expand(ctx context.Context, candidates []*models.Chunk, node *reasoning.Node) ([]*models.Chunk, error) {
	var questionIDs []uuid.UUID
	var summaries []*models.Chunk
	for _, c := range candidates {
		switch c.Kind {
		case models.ChunkKindQuestion:
			questionIDs = append(questionIDs, c.ID)
		case models.ChunkKindSummary:
			summaries = append(summaries, c)
		}
	}

	// Question hits resolve through their relations to target chunks.
	targetsBySource := make(map[uuid.UUID][]uuid.UUID)
	var targetIDs []uuid.UUID
	if len(questionIDs) > 0 {
		relations, err := e.relations.GetBySourceIDs(ctx, questionIDs)
		if err != nil {
			return nil, err
		}
		for _, rel := range relations {
			targetsBySource[rel.SourceChunkID] = append(targetsBySource[rel.SourceChunkID], rel.TargetChunkID)
			targetIDs = append(targetIDs, rel.TargetChunkID)
		}
	}
	targets := make(map[uuid.UUID]*models.Chunk)
	if len(targetIDs) > 0 {
		loaded, err := e.chunks.GetByIDs(ctx, targetIDs)
		if err != nil {
			return nil, err
		}
		for _, c := range loaded {
			if c.Kind == models.ChunkKindChunk {
				targets[c.ID] = c
			}
		}
	}

	// Summary hits expand to all chunk-kind records of their document.
	docChunks := make(map[uuid.UUID][]*models.Chunk)
	for _, s := range summaries {
		if _, done := docChunks[s.DocumentID]; done {
			continue
		}
		loaded, err := e.chunks.GetChunkKindByDocument(ctx, s.DocumentID)
		if err != nil {
			return nil, err
		}
		docChunks[s.DocumentID] = loaded
	}

	seen := make(map[uuid.UUID]bool)
	var out []*models.Chunk
	add := func(c *models.Chunk) {
		if !seen[c.ID] {
			seen[c.ID] = true
			out = append(out, c)
		}
	}

	type edge struct {
		Source  uuid.UUID   `json:"source"`
		Targets []uuid.UUID `json:"targets"`
	}
	var edges []edge

	for _, c := range candidates {
		switch c.Kind {
		case models.ChunkKindChunk:
			add(c)
		case models.ChunkKindQuestion:
			ids := targetsBySource[c.ID]
			for _, id := range ids {
				if target, ok := targets[id]; ok {
					// Expanded chunks inherit the rank of the hit that surfaced them.
					target.Similarity = c.Similarity
					target.Rank = c.Rank
					add(target)
				}
			}
			if len(ids) > 0 {
				edges = append(edges, edge{Source: c.ID, Targets: ids})
			}
		case models.ChunkKindSummary:
			var ids []uuid.UUID
			for _, target := range docChunks[c.DocumentID] {
				target.Similarity = c.Similarity
				target.Rank = c.Rank
				add(target)
				ids = append(ids, target.ID)
			}
			if len(ids) > 0 {
				edges = append(edges, edge{Source: c.ID, Targets: ids})
			}
		}
	}

	if node != nil && len(edges) > 0 {
		node.Set("expansion_edges", edges)
	}
	return out, nil
}

package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ragmesh/ragmesh/pkg/models"
)

// ChunkRepository persists and searches chunk records.
type ChunkRepository struct {
	db *sqlx.DB
}

const chunkColumns = `c.id, c.org_id, c.datasource_id, c.document_id, c.kind,
	c.content, c.char_size, c.token_count, c.created_at`

// LexicalSearch ranks chunks by phrase-aware full-text match. Similarity to
// queryVec is carried along for tie-breaking.
func (r *ChunkRepository) LexicalSearch(ctx context.Context, orgID uuid.UUID, datasourceIDs []uuid.UUID, query string, queryVec models.Vector, limit, offset int) ([]*models.Chunk, error) {
	sqlQuery := fmt.Sprintf(`
		SELECT %s,
			ts_rank_cd(c.lexeme, websearch_to_tsquery('simple', $3)) AS rank,
			1 - (c.embedding <=> $4::vector) AS similarity
		FROM chunks c
		WHERE c.org_id = $1
			AND c.datasource_id = ANY($2)
			AND c.lexeme @@ websearch_to_tsquery('simple', $3)
		ORDER BY rank DESC, similarity DESC
		LIMIT $5 OFFSET $6`, chunkColumns)

	var chunks []*models.Chunk
	err := r.db.SelectContext(ctx, &chunks, sqlQuery,
		orgID, uuidArray(datasourceIDs), query, queryVec, limit, offset)
	if err != nil {
		return nil, storeErr(err, "lexical search")
	}
	return chunks, nil
}

// SemanticSearch returns chunks whose cosine similarity to queryVec meets the
// cutoff, ordered by similarity descending. kind may be empty for all kinds.
func (r *ChunkRepository) SemanticSearch(ctx context.Context, orgID uuid.UUID, datasourceIDs []uuid.UUID, queryVec models.Vector, kind models.ChunkKind, limit, offset int, cutoff float64) ([]*models.Chunk, error) {
	sqlQuery := fmt.Sprintf(`
		SELECT %s,
			0 AS rank,
			1 - (c.embedding <=> $3::vector) AS similarity
		FROM chunks c
		WHERE c.org_id = $1
			AND c.datasource_id = ANY($2)
			AND 1 - (c.embedding <=> $3::vector) >= $4`, chunkColumns)

	args := []interface{}{orgID, uuidArray(datasourceIDs), queryVec, cutoff}
	if kind != "" {
		sqlQuery += fmt.Sprintf(" AND c.kind = $%d", len(args)+1)
		args = append(args, kind)
	}
	sqlQuery += fmt.Sprintf(" ORDER BY similarity DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	var chunks []*models.Chunk
	if err := r.db.SelectContext(ctx, &chunks, sqlQuery, args...); err != nil {
		return nil, storeErr(err, "semantic search")
	}
	return chunks, nil
}

// GetByIDs loads chunks by id, preserving no particular order.
func (r *ChunkRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	sqlQuery := fmt.Sprintf(`SELECT %s, 0 AS rank, 0 AS similarity FROM chunks c WHERE c.id = ANY($1)`, chunkColumns)

	var chunks []*models.Chunk
	if err := r.db.SelectContext(ctx, &chunks, sqlQuery, uuidArray(ids)); err != nil {
		return nil, storeErr(err, "get chunks by ids")
	}
	return chunks, nil
}

// GetChunkKindByDocument loads all chunk-kind records of a document.
func (r *ChunkRepository) GetChunkKindByDocument(ctx context.Context, documentID uuid.UUID) ([]*models.Chunk, error) {
	sqlQuery := fmt.Sprintf(`
		SELECT %s, 0 AS rank, 0 AS similarity
		FROM chunks c
		WHERE c.document_id = $1 AND c.kind = $2
		ORDER BY c.created_at`, chunkColumns)

	var chunks []*models.Chunk
	if err := r.db.SelectContext(ctx, &chunks, sqlQuery, documentID, models.ChunkKindChunk); err != nil {
		return nil, storeErr(err, "get document chunks")
	}
	return chunks, nil
}

// Insert persists a batch of chunks with their embeddings.
func (r *ChunkRepository) Insert(ctx context.Context, chunks []*models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr(err, "insert chunks")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, org_id, datasource_id, document_id, kind, content,
			char_size, token_count, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::vector, NOW())`)
	if err != nil {
		return storeErr(err, "insert chunks")
	}
	defer func() { _ = stmt.Close() }()

	for _, c := range chunks {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.OrgID, c.DatasourceID, c.DocumentID,
			c.Kind, c.Content, c.CharSize, c.TokenCount, c.Embedding); err != nil {
			return storeErr(err, "insert chunks")
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr(err, "insert chunks")
	}
	return nil
}

// DeleteByDocument removes all chunks of a document, cascading relations.
// Re-indexing is delete-then-insert within the document scope.
func (r *ChunkRepository) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return storeErr(err, "delete document chunks")
	}
	return nil
}

func uuidArray(ids []uuid.UUID) interface{} {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return pq.Array(out)
}

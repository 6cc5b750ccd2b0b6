package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ragmesh/ragmesh/pkg/models"
)

// EmbeddingCacheRepository is the persistent embedding cache. Rows are
// append-only with a unique (model, kind, content_hash) constraint; concurrent
// inserts of the same key resolve by upsert-or-ignore.
type EmbeddingCacheRepository struct {
	db *sqlx.DB
}

// GetBatch loads cached vectors for the given content hashes, keyed by hash.
func (r *EmbeddingCacheRepository) GetBatch(ctx context.Context, model string, kind models.EmbeddingKind, hashes []string) (map[string]models.Vector, error) {
	if len(hashes) == 0 {
		return map[string]models.Vector{}, nil
	}
	var entries []*models.EmbeddingCacheEntry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT model, kind, content_hash, embedding, created_at
		FROM embedding_cache
		WHERE model = $1 AND kind = $2 AND content_hash = ANY($3)`,
		model, kind, pq.Array(hashes))
	if err != nil {
		return nil, storeErr(err, "get embedding cache batch")
	}
	out := make(map[string]models.Vector, len(entries))
	for _, e := range entries {
		out[e.ContentHash] = e.Embedding
	}
	return out, nil
}

// PutBatch persists new cache entries, ignoring keys already present.
func (r *EmbeddingCacheRepository) PutBatch(ctx context.Context, entries []*models.EmbeddingCacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr(err, "put embedding cache batch")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO embedding_cache (model, kind, content_hash, embedding, created_at)
		VALUES ($1, $2, $3, $4::vector, NOW())
		ON CONFLICT (model, kind, content_hash) DO NOTHING`)
	if err != nil {
		return storeErr(err, "put embedding cache batch")
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Model, e.Kind, e.ContentHash, e.Embedding); err != nil {
			return storeErr(err, "put embedding cache batch")
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr(err, "put embedding cache batch")
	}
	return nil
}

// DeleteOlderThan removes cache entries past the retention horizon.
func (r *EmbeddingCacheRepository) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM embedding_cache WHERE created_at < NOW() - ($1 || ' days')::interval`, days)
	if err != nil {
		return 0, storeErr(err, "gc embedding cache")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

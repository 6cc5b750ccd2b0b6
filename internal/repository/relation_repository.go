package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ragmesh/ragmesh/pkg/models"
)

// RelationRepository persists question→chunk and summary→chunk edges.
type RelationRepository struct {
	db *sqlx.DB
}

// GetBySourceIDs loads relations whose source chunk is in the given set.
func (r *RelationRepository) GetBySourceIDs(ctx context.Context, sourceIDs []uuid.UUID) ([]*models.Relation, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	var relations []*models.Relation
	err := r.db.SelectContext(ctx, &relations, `
		SELECT id, org_id, datasource_id, source_chunk_id, target_chunk_id
		FROM relations
		WHERE source_chunk_id = ANY($1)`, uuidArray(sourceIDs))
	if err != nil {
		return nil, storeErr(err, "get relations by source")
	}
	return relations, nil
}

// Insert persists relations, ignoring duplicate (source, target) pairs.
func (r *RelationRepository) Insert(ctx context.Context, relations []*models.Relation) error {
	if len(relations) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr(err, "insert relations")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO relations (id, org_id, datasource_id, source_chunk_id, target_chunk_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_chunk_id, target_chunk_id) DO NOTHING`)
	if err != nil {
		return storeErr(err, "insert relations")
	}
	defer func() { _ = stmt.Close() }()

	for _, rel := range relations {
		if rel.ID == uuid.Nil {
			rel.ID = uuid.New()
		}
		if _, err := stmt.ExecContext(ctx, rel.ID, rel.OrgID, rel.DatasourceID,
			rel.SourceChunkID, rel.TargetChunkID); err != nil {
			return storeErr(err, "insert relations")
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr(err, "insert relations")
	}
	return nil
}

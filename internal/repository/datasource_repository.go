package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ragmesh/ragmesh/pkg/models"
)

// DatasourceRepository persists datasources.
type DatasourceRepository struct {
	db *sqlx.DB
}

// Create inserts a datasource; duplicate (org, external id) yields Conflict.
func (r *DatasourceRepository) Create(ctx context.Context, ds *models.Datasource) error {
	if ds.ID == uuid.Nil {
		ds.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO datasources (id, org_id, external_id, name, purpose, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		ds.ID, ds.OrgID, ds.ExternalID, ds.Name, ds.Purpose)
	if err != nil {
		return storeErr(err, "create datasource")
	}
	return nil
}

// Get loads a datasource by id.
func (r *DatasourceRepository) Get(ctx context.Context, id uuid.UUID) (*models.Datasource, error) {
	var ds models.Datasource
	err := r.db.GetContext(ctx, &ds, `
		SELECT id, org_id, external_id, name, purpose, created_at
		FROM datasources WHERE id = $1`, id)
	if err != nil {
		return nil, storeErr(err, "get datasource")
	}
	return &ds, nil
}

// ResolveExternalIDs maps external ids to internal ids within an org.
// Unknown external ids are absent from the result.
func (r *DatasourceRepository) ResolveExternalIDs(ctx context.Context, orgID uuid.UUID, externalIDs []string) ([]uuid.UUID, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	var ids []uuid.UUID
	err := r.db.SelectContext(ctx, &ids, `
		SELECT id FROM datasources
		WHERE org_id = $1 AND external_id = ANY($2)`,
		orgID, pq.Array(externalIDs))
	if err != nil {
		return nil, storeErr(err, "resolve datasource external ids")
	}
	return ids, nil
}

package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ragmesh/ragmesh/pkg/models"
)

// ConnectorRepository persists connector descriptors.
type ConnectorRepository struct {
	db *sqlx.DB
}

const connectorColumns = `id, org_id, datasource_id, name, purpose, endpoint,
	method, parameter_schema, created_at`

// Create inserts a connector.
func (r *ConnectorRepository) Create(ctx context.Context, c *models.Connector) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO connectors (id, org_id, datasource_id, name, purpose,
			endpoint, method, parameter_schema, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		c.ID, c.OrgID, c.DatasourceID, c.Name, c.Purpose,
		c.Endpoint, c.Method, c.ParameterSchema)
	if err != nil {
		return storeErr(err, "create connector")
	}
	return nil
}

// ListByDatasources loads connectors attached to any of the datasources.
func (r *ConnectorRepository) ListByDatasources(ctx context.Context, datasourceIDs []uuid.UUID) ([]*models.Connector, error) {
	if len(datasourceIDs) == 0 {
		return nil, nil
	}
	var connectors []*models.Connector
	err := r.db.SelectContext(ctx, &connectors,
		`SELECT `+connectorColumns+` FROM connectors WHERE datasource_id = ANY($1) ORDER BY created_at`,
		uuidArray(datasourceIDs))
	if err != nil {
		return nil, storeErr(err, "list connectors")
	}
	return connectors, nil
}

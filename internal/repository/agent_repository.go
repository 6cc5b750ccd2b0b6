package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ragmesh/ragmesh/pkg/models"
)

// AgentRepository persists agents and their datasource groupings.
type AgentRepository struct {
	db *sqlx.DB
}

// GetByExternalID loads an agent with its datasource ids.
func (r *AgentRepository) GetByExternalID(ctx context.Context, orgID uuid.UUID, externalID string) (*models.Agent, error) {
	var agent models.Agent
	err := r.db.GetContext(ctx, &agent, `
		SELECT a.id, a.org_id, a.external_id, a.name, a.purpose, a.created_at,
			COALESCE(ARRAY_AGG(ad.datasource_id::text)
				FILTER (WHERE ad.datasource_id IS NOT NULL), '{}') AS datasource_ids
		FROM agents a
		LEFT JOIN agent_datasources ad ON ad.agent_id = a.id
		WHERE a.org_id = $1 AND a.external_id = $2
		GROUP BY a.id`, orgID, externalID)
	if err != nil {
		return nil, storeErr(err, "get agent")
	}
	return &agent, nil
}

// Create inserts an agent and its datasource memberships.
func (r *AgentRepository) Create(ctx context.Context, agent *models.Agent) error {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr(err, "create agent")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agents (id, org_id, external_id, name, purpose, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		agent.ID, agent.OrgID, agent.ExternalID, agent.Name, agent.Purpose); err != nil {
		return storeErr(err, "create agent")
	}
	for _, dsID := range agent.DatasourceIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_datasources (agent_id, datasource_id) VALUES ($1, $2)`,
			agent.ID, dsID); err != nil {
			return storeErr(err, "create agent")
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr(err, "create agent")
	}
	return nil
}

package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ragmesh/ragmesh/pkg/models"
)

// LogRepository persists rag logs (compressed reasoning trees) and cost logs.
type LogRepository struct {
	db *sqlx.DB
}

// PutRagLog stores a compressed reasoning tree for a transaction.
func (r *LogRepository) PutRagLog(ctx context.Context, log *models.RagLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rag_logs (id, org_id, api_key_id, transaction_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		log.ID, log.OrgID, log.APIKeyID, log.TransactionID, log.Payload)
	if err != nil {
		return storeErr(err, "put rag log")
	}
	return nil
}

// GetRagLog loads a rag log by transaction id within an org.
func (r *LogRepository) GetRagLog(ctx context.Context, orgID, transactionID uuid.UUID) (*models.RagLog, error) {
	var log models.RagLog
	err := r.db.GetContext(ctx, &log, `
		SELECT id, org_id, api_key_id, transaction_id, payload, created_at
		FROM rag_logs
		WHERE org_id = $1 AND transaction_id = $2`, orgID, transactionID)
	if err != nil {
		return nil, storeErr(err, "get rag log")
	}
	return &log, nil
}

// PutCostLog appends a cost record.
func (r *LogRepository) PutCostLog(ctx context.Context, log *models.CostLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cost_logs (id, org_id, api_key_id, transaction_id, operation, cost_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		log.ID, log.OrgID, log.APIKeyID, log.TransactionID, log.Operation, log.CostUSD)
	if err != nil {
		return storeErr(err, "put cost log")
	}
	return nil
}

// DeleteRagLogsOlderThan removes rag logs past the retention horizon.
func (r *LogRepository) DeleteRagLogsOlderThan(ctx context.Context, days int) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM rag_logs WHERE created_at < NOW() - ($1 || ' days')::interval`, days)
	if err != nil {
		return 0, storeErr(err, "gc rag logs")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

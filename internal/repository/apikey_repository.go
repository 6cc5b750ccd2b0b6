package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/ragmesh/ragmesh/pkg/models"
)

// APIKeyRepository loads hashed bearer credentials for authentication.
type APIKeyRepository struct {
	db *sqlx.DB
}

// GetByHash loads an api key by its salted sha256 hash.
func (r *APIKeyRepository) GetByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	var key models.APIKey
	err := r.db.GetContext(ctx, &key, `
		SELECT id, org_id, key_hash, scopes, created_at
		FROM api_keys WHERE key_hash = $1`, hash)
	if err != nil {
		return nil, storeErr(err, "get api key")
	}
	return &key, nil
}

// Package repository implements the Postgres persistence layer. Chunks carry a
// pgvector embedding column and a trigger-maintained tsvector lexeme column;
// both search paths are read-only and scoped by (org, datasource set).
package repository

import (
	"database/sql"
	stderrors "errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ragmesh/ragmesh/pkg/errors"
)

const uniqueViolation = "23505"

// Store bundles the per-entity repositories over one connection pool.
type Store struct {
	DB             *sqlx.DB
	Chunks         *ChunkRepository
	Relations      *RelationRepository
	Documents      *DocumentRepository
	Datasources    *DatasourceRepository
	Agents         *AgentRepository
	Connectors     *ConnectorRepository
	Conversations  *ConversationRepository
	EmbeddingCache *EmbeddingCacheRepository
	Logs           *LogRepository
	APIKeys        *APIKeyRepository
}

// NewStore creates all repositories on a shared database handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		DB:             db,
		Chunks:         &ChunkRepository{db: db},
		Relations:      &RelationRepository{db: db},
		Documents:      &DocumentRepository{db: db},
		Datasources:    &DatasourceRepository{db: db},
		Agents:         &AgentRepository{db: db},
		Connectors:     &ConnectorRepository{db: db},
		Conversations:  &ConversationRepository{db: db},
		EmbeddingCache: &EmbeddingCacheRepository{db: db},
		Logs:           &LogRepository{db: db},
		APIKeys:        &APIKeyRepository{db: db},
	}
}

// storeErr classifies database failures for propagation.
func storeErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, errors.KindNotFound, op)
	}
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return errors.Wrap(err, errors.KindConflict, op)
	}
	return errors.Wrap(err, errors.KindStoreUnavailable, op)
}

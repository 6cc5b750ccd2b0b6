package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ragmesh/ragmesh/pkg/models"
)

// DocumentRepository persists documents and their indexing lifecycle.
type DocumentRepository struct {
	db *sqlx.DB
}

const documentColumns = `id, org_id, datasource_id, external_id, content,
	content_hash, type, status, metadata, created_at, updated_at`

// Create inserts a new document in queued state.
func (r *DocumentRepository) Create(ctx context.Context, doc *models.Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	doc.Status = models.DocumentStatusQueued
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO documents (id, org_id, datasource_id, external_id, content,
			content_hash, type, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`,
		doc.ID, doc.OrgID, doc.DatasourceID, doc.ExternalID, doc.Content,
		doc.ContentHash, doc.Type, doc.Status, doc.Metadata)
	if err != nil {
		return storeErr(err, "create document")
	}
	return nil
}

// Get loads a document by id.
func (r *DocumentRepository) Get(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	var doc models.Document
	err := r.db.GetContext(ctx, &doc,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	if err != nil {
		return nil, storeErr(err, "get document")
	}
	return &doc, nil
}

// GetByExternalID loads a document by its (datasource, external id) key.
func (r *DocumentRepository) GetByExternalID(ctx context.Context, datasourceID uuid.UUID, externalID string) (*models.Document, error) {
	var doc models.Document
	err := r.db.GetContext(ctx, &doc,
		`SELECT `+documentColumns+` FROM documents WHERE datasource_id = $1 AND external_id = $2`,
		datasourceID, externalID)
	if err != nil {
		return nil, storeErr(err, "get document by external id")
	}
	return &doc, nil
}

// Resubmit replaces content and hash and returns the document to queued.
func (r *DocumentRepository) Resubmit(ctx context.Context, id uuid.UUID, content, contentHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE documents
		SET content = $2, content_hash = $3, status = $4, updated_at = NOW()
		WHERE id = $1`, id, content, contentHash, models.DocumentStatusQueued)
	if err != nil {
		return storeErr(err, "resubmit document")
	}
	return nil
}

// UpdateStatus transitions the document's indexing state.
func (r *DocumentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.DocumentStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE documents SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return storeErr(err, "update document status")
	}
	return nil
}

// DocumentRef resolves a document to the external ids attached to results.
type DocumentRef struct {
	DocumentID           uuid.UUID       `db:"document_id"`
	DocumentExternalID   string          `db:"document_external_id"`
	DatasourceID         uuid.UUID       `db:"datasource_id"`
	DatasourceExternalID string          `db:"datasource_external_id"`
	Metadata             []byte          `db:"metadata"`
}

// ResolveRefs maps internal document ids to (datasource, document) external
// ids plus document metadata. Unresolvable ids are simply absent.
func (r *DocumentRepository) ResolveRefs(ctx context.Context, documentIDs []uuid.UUID) (map[uuid.UUID]*DocumentRef, error) {
	if len(documentIDs) == 0 {
		return map[uuid.UUID]*DocumentRef{}, nil
	}
	var refs []*DocumentRef
	err := r.db.SelectContext(ctx, &refs, `
		SELECT d.id AS document_id,
			d.external_id AS document_external_id,
			ds.id AS datasource_id,
			ds.external_id AS datasource_external_id,
			d.metadata
		FROM documents d
		JOIN datasources ds ON ds.id = d.datasource_id
		WHERE d.id = ANY($1)`, uuidArray(documentIDs))
	if err != nil {
		return nil, storeErr(err, "resolve document refs")
	}
	out := make(map[uuid.UUID]*DocumentRef, len(refs))
	for _, ref := range refs {
		out[ref.DocumentID] = ref
	}
	return out, nil
}

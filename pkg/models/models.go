// Package models defines the persisted entities shared by the retrieval,
// indexing, and chat services. All scoped entities hang off an Organization
// and cascade on its deletion.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Scope values accepted on API keys.
const (
	ScopeDataRead  = "data:read"
	ScopeDataWrite = "data:write"
	ScopeRetrieval = "retrieval"
	ScopeChat      = "chat"
	ScopeReports   = "reports"
	ScopeAll       = "*"
)

// ChunkKind distinguishes stored chunk records.
type ChunkKind string

const (
	ChunkKindChunk    ChunkKind = "chunk"
	ChunkKindSummary  ChunkKind = "summary"
	ChunkKindQuestion ChunkKind = "question"
)

// DocumentType enumerates supported source content types.
type DocumentType string

const (
	DocumentTypeText     DocumentType = "text"
	DocumentTypeMarkdown DocumentType = "markdown"
	DocumentTypeHTML     DocumentType = "html"
	DocumentTypePDF      DocumentType = "pdf"
	DocumentTypeURL      DocumentType = "url"
)

// DocumentStatus tracks the indexing lifecycle of a document.
type DocumentStatus string

const (
	DocumentStatusQueued   DocumentStatus = "queued"
	DocumentStatusIndexing DocumentStatus = "indexing"
	DocumentStatusIndexed  DocumentStatus = "indexed"
	DocumentStatusFailed   DocumentStatus = "failed"
)

// EmbeddingKind tags texts for embedding-space asymmetry.
type EmbeddingKind string

const (
	EmbeddingKindDocument EmbeddingKind = "document"
	EmbeddingKindQuery    EmbeddingKind = "query"
)

// Organization is the root tenant.
type Organization struct {
	ID         uuid.UUID `db:"id" json:"id"`
	ExternalID string    `db:"external_id" json:"external_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// APIKey is a hashed bearer credential with a scope set.
type APIKey struct {
	ID        uuid.UUID      `db:"id" json:"id"`
	OrgID     uuid.UUID      `db:"org_id" json:"org_id"`
	KeyHash   string         `db:"key_hash" json:"-"`
	Scopes    pq.StringArray `db:"scopes" json:"scopes"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// HasScope reports whether the key grants the required scope.
func (k *APIKey) HasScope(required string) bool {
	for _, s := range k.Scopes {
		if s == required || s == ScopeAll {
			return true
		}
	}
	return false
}

// Datasource is a named collection of documents within an organization.
type Datasource struct {
	ID         uuid.UUID `db:"id" json:"id"`
	OrgID      uuid.UUID `db:"org_id" json:"org_id"`
	ExternalID string    `db:"external_id" json:"external_id"`
	Name       string    `db:"name" json:"name"`
	Purpose    string    `db:"purpose" json:"purpose"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Document is a source text with its indexing state. ContentHash drives
// re-index decisions: resubmission with a new hash returns it to queued.
type Document struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	OrgID        uuid.UUID       `db:"org_id" json:"org_id"`
	DatasourceID uuid.UUID       `db:"datasource_id" json:"datasource_id"`
	ExternalID   string          `db:"external_id" json:"external_id"`
	Content      string          `db:"content" json:"content"`
	ContentHash  string          `db:"content_hash" json:"content_hash"`
	Type         DocumentType    `db:"type" json:"type"`
	Status       DocumentStatus  `db:"status" json:"status"`
	Metadata     json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// Chunk is a bounded text span derived from a document. Similarity, Rank and
// Score are populated by search queries and the reranker, not persisted.
type Chunk struct {
	ID           uuid.UUID `db:"id" json:"id"`
	OrgID        uuid.UUID `db:"org_id" json:"org_id"`
	DatasourceID uuid.UUID `db:"datasource_id" json:"datasource_id"`
	DocumentID   uuid.UUID `db:"document_id" json:"document_id"`
	Kind         ChunkKind `db:"kind" json:"kind"`
	Content      string    `db:"content" json:"content"`
	CharSize     int       `db:"char_size" json:"char_size"`
	TokenCount   int       `db:"token_count" json:"token_count"`
	Embedding    Vector    `db:"embedding" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`

	Similarity float64 `db:"similarity" json:"similarity,omitempty"`
	Rank       float64 `db:"rank" json:"rank,omitempty"`
	Score      float64 `db:"-" json:"score,omitempty"`
}

// Relation is a typed edge from a question or summary chunk to the
// chunk-kind record it references. Unique on (source, target).
type Relation struct {
	ID            uuid.UUID `db:"id" json:"id"`
	OrgID         uuid.UUID `db:"org_id" json:"org_id"`
	DatasourceID  uuid.UUID `db:"datasource_id" json:"datasource_id"`
	SourceChunkID uuid.UUID `db:"source_chunk_id" json:"source_chunk_id"`
	TargetChunkID uuid.UUID `db:"target_chunk_id" json:"target_chunk_id"`
}

// Agent groups datasources to scope a query.
type Agent struct {
	ID            uuid.UUID      `db:"id" json:"id"`
	OrgID         uuid.UUID      `db:"org_id" json:"org_id"`
	ExternalID    string         `db:"external_id" json:"external_id"`
	Name          string         `db:"name" json:"name"`
	Purpose       string         `db:"purpose" json:"purpose"`
	DatasourceIDs pq.StringArray `db:"datasource_ids" json:"datasource_ids"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// Conversation is owned by (org, api key).
type Conversation struct {
	ID         uuid.UUID `db:"id" json:"id"`
	OrgID      uuid.UUID `db:"org_id" json:"org_id"`
	APIKeyID   uuid.UUID `db:"api_key_id" json:"api_key_id"`
	ExternalID string    `db:"external_id" json:"external_id"`
	Title      string    `db:"title" json:"title"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Turn is one user/assistant exchange, append-only within a conversation.
type Turn struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	ConversationID uuid.UUID       `db:"conversation_id" json:"conversation_id"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	Metadata       json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	TokenCount     int             `db:"token_count" json:"token_count"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// Connector is a caller-configured HTTP endpoint exposed to the LLM as a
// typed tool function.
type Connector struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	OrgID           uuid.UUID       `db:"org_id" json:"org_id"`
	DatasourceID    uuid.UUID       `db:"datasource_id" json:"datasource_id"`
	Name            string          `db:"name" json:"name"`
	Purpose         string          `db:"purpose" json:"purpose"`
	Endpoint        string          `db:"endpoint" json:"endpoint"`
	Method          string          `db:"method" json:"method"`
	ParameterSchema json.RawMessage `db:"parameter_schema" json:"parameter_schema"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// EmbeddingCacheEntry is an append-only cache row, unique (model, kind, hash).
type EmbeddingCacheEntry struct {
	Model       string        `db:"model"`
	Kind        EmbeddingKind `db:"kind"`
	ContentHash string        `db:"content_hash"`
	Embedding   Vector        `db:"embedding"`
	CreatedAt   time.Time     `db:"created_at"`
}

// RagLog holds a compressed reasoning tree for a transaction.
type RagLog struct {
	ID            uuid.UUID `db:"id" json:"id"`
	OrgID         uuid.UUID `db:"org_id" json:"org_id"`
	APIKeyID      uuid.UUID `db:"api_key_id" json:"api_key_id"`
	TransactionID uuid.UUID `db:"transaction_id" json:"transaction_id"`
	Payload       []byte    `db:"payload" json:"-"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// CostLog records the USD cost of a transaction's external calls.
type CostLog struct {
	ID            uuid.UUID `db:"id" json:"id"`
	OrgID         uuid.UUID `db:"org_id" json:"org_id"`
	APIKeyID      uuid.UUID `db:"api_key_id" json:"api_key_id"`
	TransactionID uuid.UUID `db:"transaction_id" json:"transaction_id"`
	Operation     string    `db:"operation" json:"operation"`
	CostUSD       float64   `db:"cost_usd" json:"cost_usd"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

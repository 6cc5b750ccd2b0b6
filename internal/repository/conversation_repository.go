package repository

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ragmesh/ragmesh/pkg/models"
)

// ConversationRepository persists conversations and their turns, including
// the retention pruning the chat orchestrator runs after each request.
type ConversationRepository struct {
	db *sqlx.DB
}

// GetOrCreate loads a conversation by external id for (org, api key),
// creating it when absent.
func (r *ConversationRepository) GetOrCreate(ctx context.Context, orgID, apiKeyID uuid.UUID, externalID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `
		SELECT id, org_id, api_key_id, external_id, title, created_at, updated_at
		FROM conversations
		WHERE org_id = $1 AND api_key_id = $2 AND external_id = $3`,
		orgID, apiKeyID, externalID)
	if err == nil {
		return &conv, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		return nil, storeErr(err, "get conversation")
	}

	conv = models.Conversation{
		ID:         uuid.New(),
		OrgID:      orgID,
		APIKeyID:   apiKeyID,
		ExternalID: externalID,
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO conversations (id, org_id, api_key_id, external_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '', NOW(), NOW())`,
		conv.ID, conv.OrgID, conv.APIKeyID, conv.ExternalID)
	if err != nil {
		return nil, storeErr(err, "create conversation")
	}
	return &conv, nil
}

// SetTitle records a generated title.
func (r *ConversationRepository) SetTitle(ctx context.Context, id uuid.UUID, title string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET title = $2, updated_at = NOW() WHERE id = $1`, id, title)
	if err != nil {
		return storeErr(err, "set conversation title")
	}
	return nil
}

// ListTurns loads the newest turns of a conversation, newest first.
func (r *ConversationRepository) ListTurns(ctx context.Context, conversationID uuid.UUID, limit int) ([]*models.Turn, error) {
	var turns []*models.Turn
	err := r.db.SelectContext(ctx, &turns, `
		SELECT id, conversation_id, payload, metadata, token_count, created_at
		FROM turns
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, storeErr(err, "list turns")
	}
	return turns, nil
}

// AppendTurn appends a turn to a conversation.
func (r *ConversationRepository) AppendTurn(ctx context.Context, turn *models.Turn) error {
	if turn.ID == uuid.Nil {
		turn.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO turns (id, conversation_id, payload, metadata, token_count, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		turn.ID, turn.ConversationID, turn.Payload, turn.Metadata, turn.TokenCount)
	if err != nil {
		return storeErr(err, "append turn")
	}
	return nil
}

// PruneTurns deletes the oldest turns beyond maxTurns for a conversation.
func (r *ConversationRepository) PruneTurns(ctx context.Context, conversationID uuid.UUID, maxTurns int) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM turns
		WHERE conversation_id = $1 AND id NOT IN (
			SELECT id FROM turns
			WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		)`, conversationID, maxTurns)
	if err != nil {
		return storeErr(err, "prune turns")
	}
	return nil
}

// PruneConversations deletes the oldest conversations beyond maxConversations
// for an api key.
func (r *ConversationRepository) PruneConversations(ctx context.Context, apiKeyID uuid.UUID, maxConversations int) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM conversations
		WHERE api_key_id = $1 AND id NOT IN (
			SELECT id FROM conversations
			WHERE api_key_id = $1
			ORDER BY updated_at DESC
			LIMIT $2
		)`, apiKeyID, maxConversations)
	if err != nil {
		return storeErr(err, "prune conversations")
	}
	return nil
}

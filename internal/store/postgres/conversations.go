package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
)

const conversationColumns = `id, tenant_id, contact_id, status, unread_count, last_message_at,
	last_message_preview, lead_status, created_at, updated_at`

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var c model.Conversation
	if err := row.Scan(&c.ID, &c.TenantID, &c.ContactID, &c.Status, &c.UnreadCount, &c.LastMessageAt,
		&c.LastMessagePreview, &c.LeadStatus, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	return &c, nil
}

// FindConversationByContact returns the conversation for (tenant, contact).
func (s *Store) FindConversationByContact(ctx context.Context, tenantID, contactID string) (*model.Conversation, error) {
	return scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE tenant_id = $1 AND contact_id = $2`,
		tenantID, contactID))
}

// GetConversation returns a conversation by id within a tenant.
func (s *Store) GetConversation(ctx context.Context, tenantID, conversationID string) (*model.Conversation, error) {
	return scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE tenant_id = $1 AND id = $2`,
		tenantID, conversationID))
}

// ListConversations returns a page of a tenant's conversations, most recent first.
func (s *Store) ListConversations(ctx context.Context, tenantID string, limit, offset int) ([]model.Conversation, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM conversations WHERE tenant_id = $1`, tenantID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE tenant_id = $1
		ORDER BY COALESCE(last_message_at, created_at) DESC
		LIMIT $2 OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

// CreateConversation inserts c. A (tenant, contact) collision returns store.ErrConflict.
func (s *Store) CreateConversation(ctx context.Context, c *model.Conversation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.TenantID, c.ContactID, c.Status, c.UnreadCount, c.LastMessageAt,
		c.LastMessagePreview, c.LeadStatus, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", mapError(err))
	}
	return nil
}

// BumpConversation increments unread_count in SQL so concurrent inbound
// messages for one contact never lose an update.
func (s *Store) BumpConversation(ctx context.Context, tenantID, conversationID string, touch model.ConversationTouch) (*model.Conversation, error) {
	return scanConversation(s.pool.QueryRow(ctx, `
		UPDATE conversations SET
			unread_count         = unread_count + $3,
			last_message_at      = GREATEST(COALESCE(last_message_at, $4), $4),
			last_message_preview = $5,
			status               = CASE WHEN status = 'closed' THEN 'open' ELSE status END,
			updated_at           = now()
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+conversationColumns,
		tenantID, conversationID, touch.Unread, touch.At, touch.Preview))
}

// ResetUnread marks a conversation read.
func (s *Store) ResetUnread(ctx context.Context, tenantID, conversationID string) (*model.Conversation, error) {
	return scanConversation(s.pool.QueryRow(ctx, `
		UPDATE conversations SET unread_count = 0, updated_at = now()
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+conversationColumns,
		tenantID, conversationID))
}

// SetConversationStatus moves a conversation to status.
func (s *Store) SetConversationStatus(ctx context.Context, tenantID, conversationID string, status model.ConversationStatus) (*model.Conversation, error) {
	return scanConversation(s.pool.QueryRow(ctx, `
		UPDATE conversations SET status = $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+conversationColumns,
		tenantID, conversationID, status))
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
	"github.com/capitalize-ai/whatsapp-inbox/internal/store"
)

const messageColumns = `id, conversation_id, contact_id, tenant_id, direction, type, content,
	media_url, provider_message_id, correlation_id, status, created_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	var m model.Message
	if err := row.Scan(&m.ID, &m.ConversationID, &m.ContactID, &m.TenantID, &m.Direction, &m.Type, &m.Content,
		&m.MediaURL, &m.ProviderMessageID, &m.CorrelationID, &m.Status, &m.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &m, nil
}

func messageArgs(m *model.Message) []any {
	return []any{m.ID, m.ConversationID, m.ContactID, m.TenantID, m.Direction, m.Type, m.Content,
		m.MediaURL, m.ProviderMessageID, m.CorrelationID, m.Status, m.CreatedAt}
}

// FindMessageByProviderID is the idempotency point lookup on the unique index.
func (s *Store) FindMessageByProviderID(ctx context.Context, providerID string) (*model.Message, error) {
	return scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE provider_message_id = $1`, providerID))
}

// InsertMessage writes m. A provider id collision returns store.ErrConflict.
func (s *Store) InsertMessage(ctx context.Context, m *model.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		messageArgs(m)...)
	if err != nil {
		return fmt.Errorf("insert message: %w", mapError(err))
	}
	return nil
}

// InsertMessageIfAbsent inserts m or returns the row already holding its
// provider id.
func (s *Store) InsertMessageIfAbsent(ctx context.Context, m *model.Message) (*model.Message, bool, error) {
	inserted, err := scanMessage(s.pool.QueryRow(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (provider_message_id) DO NOTHING
		RETURNING `+messageColumns,
		messageArgs(m)...))
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) || m.ProviderMessageID == nil {
		return nil, false, fmt.Errorf("upsert message: %w", err)
	}

	existing, err := s.FindMessageByProviderID(ctx, *m.ProviderMessageID)
	if err != nil {
		return nil, false, fmt.Errorf("read conflicting message: %w", err)
	}
	return existing, false, nil
}

// ListMessages returns the newest limit messages in ascending order.
func (s *Store) ListMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE tenant_id = $1 AND conversation_id = $2
			ORDER BY created_at DESC
			LIMIT $3
		) recent
		ORDER BY created_at ASC`,
		tenantID, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// UpdateMessageStatus advances the status in one conditional update so
// concurrent receipts cannot move it backwards.
func (s *Store) UpdateMessageStatus(ctx context.Context, messageID string, status model.MessageStatus) (*model.Message, bool, error) {
	from := model.Predecessors(status)
	allowed := make([]string, 0, len(from))
	for _, st := range from {
		allowed = append(allowed, string(st))
	}

	m, err := scanMessage(s.pool.QueryRow(ctx,
		`UPDATE messages SET status = $2 WHERE id = $1 AND status = ANY($3::text[]) RETURNING `+messageColumns,
		messageID, status, allowed))
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	current, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, messageID))
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// SetMessageProviderID attaches the provider id returned by an outbound send.
func (s *Store) SetMessageProviderID(ctx context.Context, messageID, providerID string) (*model.Message, error) {
	return scanMessage(s.pool.QueryRow(ctx,
		`UPDATE messages SET provider_message_id = $2 WHERE id = $1 RETURNING `+messageColumns,
		messageID, providerID))
}

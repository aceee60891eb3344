package postgres

import (
	"context"
	"fmt"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
)

// GetChannel returns a webhook channel by id.
func (s *Store) GetChannel(ctx context.Context, channelID string) (*model.Channel, error) {
	var ch model.Channel
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, webhook_token FROM channels WHERE id = $1`, channelID).
		Scan(&ch.ID, &ch.TenantID, &ch.Name, &ch.WebhookToken)
	if err != nil {
		return nil, mapError(err)
	}
	return &ch, nil
}

// UpsertChannel creates or replaces a channel binding.
func (s *Store) UpsertChannel(ctx context.Context, ch *model.Channel) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO channels (id, tenant_id, name, webhook_token) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id     = EXCLUDED.tenant_id,
			name          = EXCLUDED.name,
			webhook_token = EXCLUDED.webhook_token`,
		ch.ID, ch.TenantID, ch.Name, ch.WebhookToken)
	if err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}
	return nil
}

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
)

const contactColumns = `id, tenant_id, phone, name, avatar_url, avatar_source_url, patient_id, channel_type, created_at, updated_at`

func scanContact(row pgx.Row) (*model.Contact, error) {
	var c model.Contact
	if err := row.Scan(&c.ID, &c.TenantID, &c.Phone, &c.Name, &c.AvatarURL, &c.AvatarSource, &c.PatientID, &c.ChannelType, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	return &c, nil
}

// FindContactByPhone returns the contact for (tenant, phone).
func (s *Store) FindContactByPhone(ctx context.Context, tenantID, phone string) (*model.Contact, error) {
	return scanContact(s.pool.QueryRow(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE tenant_id = $1 AND phone = $2`,
		tenantID, phone))
}

// GetContact returns a contact by id within a tenant.
func (s *Store) GetContact(ctx context.Context, tenantID, contactID string) (*model.Contact, error) {
	return scanContact(s.pool.QueryRow(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE tenant_id = $1 AND id = $2`,
		tenantID, contactID))
}

// CreateContact inserts c. A (tenant, phone) collision returns store.ErrConflict.
func (s *Store) CreateContact(ctx context.Context, c *model.Contact) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO contacts (`+contactColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.TenantID, c.Phone, c.Name, c.AvatarURL, c.AvatarSource, c.PatientID, c.ChannelType, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert contact: %w", mapError(err))
	}
	return nil
}

// UpdateContact applies the non-nil fields of patch in one statement.
func (s *Store) UpdateContact(ctx context.Context, tenantID, contactID string, patch model.ContactPatch) (*model.Contact, error) {
	return scanContact(s.pool.QueryRow(ctx, `
		UPDATE contacts SET
			name              = COALESCE($3, name),
			avatar_url        = COALESCE($4, avatar_url),
			avatar_source_url = COALESCE($5, avatar_source_url),
			patient_id        = COALESCE($6, patient_id),
			updated_at        = now()
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+contactColumns,
		tenantID, contactID, patch.Name, patch.AvatarURL, patch.AvatarSource, patch.PatientID))
}

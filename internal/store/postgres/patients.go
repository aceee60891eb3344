package postgres

import (
	"context"
	"fmt"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
	"github.com/capitalize-ai/whatsapp-inbox/internal/store"
)

// FindWhatsAppPhone looks up the dedicated WhatsApp phone index.
func (s *Store) FindWhatsAppPhone(ctx context.Context, tenantID, phone string) (string, error) {
	var patientID string
	err := s.pool.QueryRow(ctx,
		`SELECT patient_id FROM patient_phones WHERE tenant_id = $1 AND phone = $2 AND is_whatsapp`,
		tenantID, phone).Scan(&patientID)
	if err != nil {
		return "", mapError(err)
	}
	return patientID, nil
}

// MatchPatientPhone delegates to the patient subsystem's matching procedure.
func (s *Store) MatchPatientPhone(ctx context.Context, tenantID, phone string) (string, error) {
	var patientID *string
	err := s.pool.QueryRow(ctx, `SELECT find_patient_by_phone($1, $2)`, tenantID, phone).Scan(&patientID)
	if err != nil {
		return "", fmt.Errorf("find_patient_by_phone: %w", mapError(err))
	}
	if patientID == nil {
		return "", store.ErrNotFound
	}
	return *patientID, nil
}

// IndexWhatsAppPhone records a resolved link. An existing row returns store.ErrConflict.
func (s *Store) IndexWhatsAppPhone(ctx context.Context, entry model.PatientPhone) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO patient_phones (tenant_id, phone, patient_id, is_whatsapp) VALUES ($1, $2, $3, $4)`,
		entry.TenantID, entry.Phone, entry.PatientID, entry.IsWhatsApp)
	if err != nil {
		return fmt.Errorf("index whatsapp phone: %w", mapError(err))
	}
	return nil
}

package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/whatsapp-inbox/internal/store"
)

func TestMigrateURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"postgres://u:p@localhost:5432/inbox?sslmode=disable", "pgx5://u:p@localhost:5432/inbox?sslmode=disable"},
		{"postgresql://localhost/inbox", "pgx5://localhost/inbox"},
		{"  pgx5://localhost/inbox ", "pgx5://localhost/inbox"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, migrateURL(tt.in))
	}
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil))
	assert.ErrorIs(t, mapError(pgx.ErrNoRows), store.ErrNotFound)

	unique := fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505", ConstraintName: "contacts_tenant_phone_key"})
	assert.ErrorIs(t, mapError(unique), store.ErrConflict)

	other := errors.New("connection reset")
	assert.Equal(t, other, mapError(other))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
}

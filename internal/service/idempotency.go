package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
	"github.com/capitalize-ai/whatsapp-inbox/internal/store"
)

// Decision is the outcome of an idempotency check.
type Decision int

const (
	NotDuplicate Decision = iota
	Duplicate
)

func (d Decision) String() string {
	if d == Duplicate {
		return "duplicate"
	}
	return "not_duplicate"
}

// IdempotencyGate decides whether a provider message id was already
// persisted. It must run before any side-effecting stage.
//
// Deliveries without a provider id always pass: a content hash cannot tell a
// provider retry from a user sending the same text twice.
type IdempotencyGate struct {
	messages store.MessageStore
}

// NewIdempotencyGate creates a gate backed by the message store.
func NewIdempotencyGate(messages store.MessageStore) *IdempotencyGate {
	return &IdempotencyGate{messages: messages}
}

// Check looks providerID up on the unique index. On Duplicate the stored
// message is returned.
func (g *IdempotencyGate) Check(ctx context.Context, providerID string) (Decision, *model.Message, error) {
	if providerID == "" {
		return NotDuplicate, nil, nil
	}
	m, err := g.messages.FindMessageByProviderID(ctx, providerID)
	switch {
	case err == nil:
		return Duplicate, m, nil
	case errors.Is(err, store.ErrNotFound):
		return NotDuplicate, nil, nil
	default:
		return NotDuplicate, nil, fmt.Errorf("idempotency lookup: %w", err)
	}
}

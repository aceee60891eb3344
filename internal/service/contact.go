package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/whatsapp-inbox/internal/media"
	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
	"github.com/capitalize-ai/whatsapp-inbox/internal/store"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/logger"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/metrics"
)

// ContactInput is what one delivery tells us about its sender.
type ContactInput struct {
	TenantID string
	Phone    string
	// Name is the display name inferred from the payload, if any.
	Name string
	// AvatarURL is the provider-hosted profile picture, if any.
	AvatarURL string
	// Credential authorizes the avatar download.
	Credential string
}

// ContactReconciler maps a canonical phone onto a stored contact, creating
// it on first contact and keeping name, avatar and patient link current.
type ContactReconciler struct {
	contacts store.ContactStore
	patients store.PatientDirectory
	media    media.Relocator
	log      *logger.Logger

	creating singleflight.Group
}

// NewContactReconciler creates a contact reconciler.
func NewContactReconciler(contacts store.ContactStore, patients store.PatientDirectory, relocator media.Relocator, log *logger.Logger) *ContactReconciler {
	return &ContactReconciler{
		contacts: contacts,
		patients: patients,
		media:    relocator,
		log:      log.Named("contacts"),
	}
}

// Reconcile returns the contact for (in.TenantID, in.Phone). The bool
// reports whether this call created it.
func (r *ContactReconciler) Reconcile(ctx context.Context, in ContactInput) (*model.Contact, bool, error) {
	if in.TenantID == "" {
		return nil, false, ErrTenantUnresolved
	}
	if in.Phone == "" {
		return nil, false, fmt.Errorf("%w: empty phone", ErrValidation)
	}

	contact, err := r.contacts.FindContactByPhone(ctx, in.TenantID, in.Phone)
	created := false
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		contact, created, err = r.create(ctx, in)
		if err != nil {
			return nil, false, err
		}
	default:
		return nil, false, fmt.Errorf("find contact: %w", err)
	}

	return r.sync(ctx, contact, in), created, nil
}

// create inserts a new contact. Concurrent in-process creations for the
// same key share one insert; a unique violation from another process is
// resolved by re-reading.
func (r *ContactReconciler) create(ctx context.Context, in ContactInput) (*model.Contact, bool, error) {
	key := in.TenantID + "|" + in.Phone
	v, err, shared := r.creating.Do(key, func() (any, error) {
		ts := now()
		name := in.Name
		if name == "" {
			name = in.Phone
		}
		c := &model.Contact{
			ID:          newID(),
			TenantID:    in.TenantID,
			Phone:       in.Phone,
			Name:        name,
			ChannelType: model.ChannelTypeWhatsApp,
			CreatedAt:   ts,
			UpdatedAt:   ts,
		}
		err := r.contacts.CreateContact(ctx, c)
		if err == nil {
			r.log.Info("contact created", zap.String("tenant_id", in.TenantID), zap.String("contact_id", c.ID))
			return createResult{contact: c, created: true}, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("create contact: %w", err)
		}

		metrics.StoreConflicts.WithLabelValues("contact").Inc()
		existing, err := r.contacts.FindContactByPhone(ctx, in.TenantID, in.Phone)
		if err != nil {
			return nil, fmt.Errorf("re-read contact after conflict: %w", err)
		}
		return createResult{contact: existing}, nil
	})
	if err != nil {
		return nil, false, err
	}

	res := v.(createResult)
	c := *res.contact
	// Callers that shared an in-flight insert all report created=false.
	return &c, res.created && !shared, nil
}

type createResult struct {
	contact *model.Contact
	created bool
}

// sync applies patient linkage, name and avatar updates. Failures here are
// logged and leave the contact as it was.
func (r *ContactReconciler) sync(ctx context.Context, c *model.Contact, in ContactInput) *model.Contact {
	var patch model.ContactPatch

	if c.PatientID == nil {
		if pid := r.linkPatient(ctx, c.TenantID, c.Phone); pid != "" {
			patch.PatientID = &pid
		}
	}

	if in.Name != "" && in.Name != c.Name {
		name := in.Name
		patch.Name = &name
	}

	if in.AvatarURL != "" && in.AvatarURL != c.AvatarSource {
		url := r.media.Relocate(ctx, in.AvatarURL, in.Credential, media.NamespaceAvatar, c.TenantID)
		if url == "" {
			url = in.AvatarURL
		}
		source := in.AvatarURL
		patch.AvatarURL = &url
		patch.AvatarSource = &source
	}

	if patch.Empty() {
		return c
	}
	updated, err := r.contacts.UpdateContact(ctx, c.TenantID, c.ID, patch)
	if err != nil {
		r.log.Warn("contact sync failed", zap.String("contact_id", c.ID), zap.Error(err))
		return c
	}
	return updated
}

// linkPatient looks the phone up in the WhatsApp index, then through the
// patient subsystem's flexible matcher. A matcher hit is written back into
// the index.
func (r *ContactReconciler) linkPatient(ctx context.Context, tenantID, phone string) string {
	pid, err := r.patients.FindWhatsAppPhone(ctx, tenantID, phone)
	if err == nil {
		return pid
	}
	if !errors.Is(err, store.ErrNotFound) {
		r.log.Warn("patient index lookup failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}

	pid, err = r.patients.MatchPatientPhone(ctx, tenantID, phone)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.log.Warn("patient phone match failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
		return ""
	}

	err = r.patients.IndexWhatsAppPhone(ctx, model.PatientPhone{TenantID: tenantID, Phone: phone, PatientID: pid, IsWhatsApp: true})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		r.log.Warn("patient index write failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
	return pid
}

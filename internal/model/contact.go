package model

import (
	"time"
)

// ChannelTypeWhatsApp marks contacts reached over WhatsApp.
const ChannelTypeWhatsApp = "whatsapp"

// Contact is a person reachable on a channel. Unique per (tenant, phone).
type Contact struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Phone     string `json:"phone"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	// AvatarSource is the provider URL AvatarURL was relocated from.
	AvatarSource string    `json:"-"`
	PatientID    *string   `json:"patient_id,omitempty"`
	ChannelType  string    `json:"channel_type"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ContactPatch carries the fields a reconciliation pass wants to change.
// Nil fields are left untouched.
type ContactPatch struct {
	Name         *string
	AvatarURL    *string
	AvatarSource *string
	PatientID    *string
}

// Empty reports whether the patch changes nothing.
func (p ContactPatch) Empty() bool {
	return p.Name == nil && p.AvatarURL == nil && p.AvatarSource == nil && p.PatientID == nil
}

package model

// PatientPhone is one row of the WhatsApp phone index kept by the patient
// subsystem. Contacts link to patients through it.
type PatientPhone struct {
	TenantID   string `json:"tenant_id"`
	Phone      string `json:"phone"`
	PatientID  string `json:"patient_id"`
	IsWhatsApp bool   `json:"is_whatsapp"`
}

// Channel is the authenticated ingress a webhook arrives on. It is the only
// source of tenant ownership for inbound deliveries.
type Channel struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenant_id"`
	Name         string `json:"name,omitempty"`
	WebhookToken string `json:"-"`
}

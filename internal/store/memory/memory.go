// Package memory is an in-process implementation of store.Store. It keeps
// the same uniqueness rules as the Postgres schema so the pipeline behaves
// identically against it; it backs tests and single-node development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
	"github.com/capitalize-ai/whatsapp-inbox/internal/store"
)

// Store holds every entity in maps guarded by one RWMutex.
type Store struct {
	mu sync.RWMutex

	contacts        map[string]*model.Contact
	contactsByPhone map[string]string // tenant|phone -> id

	conversations  map[string]*model.Conversation
	convsByContact map[string]string // tenant|contact -> id

	messages      map[string]*model.Message
	messagesByPID map[string]string
	messageOrder  []string

	patientIndex  map[string]string // tenant|phone -> patient (whatsapp index)
	patientPhones map[string]string // tenant|phone -> patient (patient records)
	channels      map[string]*model.Channel
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		contacts:        make(map[string]*model.Contact),
		contactsByPhone: make(map[string]string),
		conversations:   make(map[string]*model.Conversation),
		convsByContact:  make(map[string]string),
		messages:        make(map[string]*model.Message),
		messagesByPID:   make(map[string]string),
		patientIndex:    make(map[string]string),
		patientPhones:   make(map[string]string),
		channels:        make(map[string]*model.Channel),
	}
}

func key(a, b string) string { return a + "|" + b }

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

// --- contacts ---

// FindContactByPhone returns the contact for (tenant, phone).
func (s *Store) FindContactByPhone(ctx context.Context, tenantID, phone string) (*model.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.contactsByPhone[key(tenantID, phone)]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *s.contacts[id]
	return &c, nil
}

// GetContact returns a contact by id within a tenant.
func (s *Store) GetContact(ctx context.Context, tenantID, contactID string) (*model.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contacts[contactID]
	if !ok || c.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	out := *c
	return &out, nil
}

// CreateContact inserts c, failing with ErrConflict on (tenant, phone).
func (s *Store) CreateContact(ctx context.Context, c *model.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(c.TenantID, c.Phone)
	if _, exists := s.contactsByPhone[k]; exists {
		return store.ErrConflict
	}
	if _, exists := s.contacts[c.ID]; exists {
		return store.ErrConflict
	}
	stored := *c
	s.contacts[c.ID] = &stored
	s.contactsByPhone[k] = c.ID
	return nil
}

// UpdateContact applies the non-nil fields of patch.
func (s *Store) UpdateContact(ctx context.Context, tenantID, contactID string, patch model.ContactPatch) (*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[contactID]
	if !ok || c.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	if patch.Name != nil {
		c.Name = *patch.Name
	}
	if patch.AvatarURL != nil {
		c.AvatarURL = *patch.AvatarURL
	}
	if patch.AvatarSource != nil {
		c.AvatarSource = *patch.AvatarSource
	}
	if patch.PatientID != nil {
		pid := *patch.PatientID
		c.PatientID = &pid
	}
	c.UpdatedAt = store.Now()
	out := *c
	return &out, nil
}

// --- conversations ---

// FindConversationByContact returns the conversation for (tenant, contact).
func (s *Store) FindConversationByContact(ctx context.Context, tenantID, contactID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.convsByContact[key(tenantID, contactID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyConversation(s.conversations[id]), nil
}

// GetConversation returns a conversation by id within a tenant.
func (s *Store) GetConversation(ctx context.Context, tenantID, conversationID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[conversationID]
	if !ok || c.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return copyConversation(c), nil
}

// ListConversations returns a tenant's conversations, most recent first.
func (s *Store) ListConversations(ctx context.Context, tenantID string, limit, offset int) ([]model.Conversation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var convs []model.Conversation
	for _, c := range s.conversations {
		if c.TenantID == tenantID {
			convs = append(convs, *copyConversation(c))
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		return lastActivity(convs[i]).After(lastActivity(convs[j]))
	})

	total := len(convs)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return convs[start:end], total, nil
}

// CreateConversation inserts c, failing with ErrConflict on (tenant, contact).
func (s *Store) CreateConversation(ctx context.Context, c *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(c.TenantID, c.ContactID)
	if _, exists := s.convsByContact[k]; exists {
		return store.ErrConflict
	}
	s.conversations[c.ID] = copyConversation(c)
	s.convsByContact[k] = c.ID
	return nil
}

// BumpConversation increments unread and refreshes activity under the write lock.
func (s *Store) BumpConversation(ctx context.Context, tenantID, conversationID string, touch model.ConversationTouch) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok || c.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	at := touch.At
	c.UnreadCount += touch.Unread
	if c.LastMessageAt == nil || at.After(*c.LastMessageAt) {
		c.LastMessageAt = &at
	}
	c.LastMessagePreview = touch.Preview
	if c.Status == model.ConversationClosed {
		c.Status = model.ConversationOpen
	}
	c.UpdatedAt = store.Now()
	return copyConversation(c), nil
}

// ResetUnread sets unread_count to zero.
func (s *Store) ResetUnread(ctx context.Context, tenantID, conversationID string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok || c.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	c.UnreadCount = 0
	c.UpdatedAt = store.Now()
	return copyConversation(c), nil
}

// SetConversationStatus moves a conversation to status.
func (s *Store) SetConversationStatus(ctx context.Context, tenantID, conversationID string, status model.ConversationStatus) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok || c.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = store.Now()
	return copyConversation(c), nil
}

// --- messages ---

// FindMessageByProviderID is the idempotency point lookup.
func (s *Store) FindMessageByProviderID(ctx context.Context, providerID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.messagesByPID[providerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyMessage(s.messages[id]), nil
}

// InsertMessage writes m; a provider id collision returns ErrConflict.
func (s *Store) InsertMessage(ctx context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pid := model.Deref(m.ProviderMessageID); pid != "" {
		if _, exists := s.messagesByPID[pid]; exists {
			return store.ErrConflict
		}
	}
	s.insertLocked(m)
	return nil
}

// InsertMessageIfAbsent is the insert-or-do-nothing upsert on provider id.
func (s *Store) InsertMessageIfAbsent(ctx context.Context, m *model.Message) (*model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pid := model.Deref(m.ProviderMessageID); pid != "" {
		if id, exists := s.messagesByPID[pid]; exists {
			return copyMessage(s.messages[id]), false, nil
		}
	}
	s.insertLocked(m)
	return copyMessage(m), true, nil
}

func (s *Store) insertLocked(m *model.Message) {
	s.messages[m.ID] = copyMessage(m)
	if pid := model.Deref(m.ProviderMessageID); pid != "" {
		s.messagesByPID[pid] = m.ID
	}
	s.messageOrder = append(s.messageOrder, m.ID)
}

// ListMessages returns the newest limit messages of a conversation in
// ascending created_at order.
func (s *Store) ListMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Message
	for _, id := range s.messageOrder {
		m := s.messages[id]
		if m.TenantID == tenantID && m.ConversationID == conversationID {
			out = append(out, *copyMessage(m))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// UpdateMessageStatus advances the status when the transition is allowed.
func (s *Store) UpdateMessageStatus(ctx context.Context, messageID string, status model.MessageStatus) (*model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if !m.Status.CanTransition(status) {
		return copyMessage(m), false, nil
	}
	m.Status = status
	return copyMessage(m), true, nil
}

// SetMessageProviderID attaches the provider id returned after an outbound send.
func (s *Store) SetMessageProviderID(ctx context.Context, messageID, providerID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if other, exists := s.messagesByPID[providerID]; exists && other != messageID {
		return nil, store.ErrConflict
	}
	pid := providerID
	m.ProviderMessageID = &pid
	s.messagesByPID[providerID] = messageID
	return copyMessage(m), nil
}

// --- patients ---

// FindWhatsAppPhone looks up the WhatsApp phone index.
func (s *Store) FindWhatsAppPhone(ctx context.Context, tenantID, phone string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.patientIndex[key(tenantID, phone)]; ok {
		return id, nil
	}
	return "", store.ErrNotFound
}

// MatchPatientPhone matches patient records whose phone digits end with
// the last eight digits of phone, mirroring the flexible SQL procedure.
func (s *Store) MatchPatientPhone(ctx context.Context, tenantID, phone string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	suffix := digits(phone)
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	if suffix == "" {
		return "", store.ErrNotFound
	}
	prefix := tenantID + "|"
	var keys []string
	for k := range s.patientPhones {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.HasSuffix(digits(k[len(prefix):]), suffix) {
			return s.patientPhones[k], nil
		}
	}
	return "", store.ErrNotFound
}

// IndexWhatsAppPhone writes the index row; ErrConflict when present.
func (s *Store) IndexWhatsAppPhone(ctx context.Context, entry model.PatientPhone) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(entry.TenantID, entry.Phone)
	if _, exists := s.patientIndex[k]; exists {
		return store.ErrConflict
	}
	s.patientIndex[k] = entry.PatientID
	return nil
}

// AddPatientPhone seeds a patient record phone for MatchPatientPhone.
func (s *Store) AddPatientPhone(tenantID, phone, patientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patientPhones[key(tenantID, phone)] = patientID
}

// --- channels ---

// GetChannel returns a channel by id.
func (s *Store) GetChannel(ctx context.Context, channelID string) (*model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *ch
	return &out, nil
}

// UpsertChannel creates or replaces a channel.
func (s *Store) UpsertChannel(ctx context.Context, ch *model.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *ch
	s.channels[ch.ID] = &stored
	return nil
}

// Counts reports row counts, for tests.
func (s *Store) Counts() (contacts, conversations, messages int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contacts), len(s.conversations), len(s.messages)
}

func digits(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func lastActivity(c model.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func copyConversation(c *model.Conversation) *model.Conversation {
	out := *c
	if c.LastMessageAt != nil {
		at := *c.LastMessageAt
		out.LastMessageAt = &at
	}
	return &out
}

func copyMessage(m *model.Message) *model.Message {
	out := *m
	if m.ProviderMessageID != nil {
		pid := *m.ProviderMessageID
		out.ProviderMessageID = &pid
	}
	if m.CorrelationID != nil {
		cid := *m.CorrelationID
		out.CorrelationID = &cid
	}
	return &out
}

package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/capitalize-ai/whatsapp-inbox/internal/identity"
	"github.com/capitalize-ai/whatsapp-inbox/internal/media"
	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
	"github.com/capitalize-ai/whatsapp-inbox/internal/provider"
	"github.com/capitalize-ai/whatsapp-inbox/internal/store"
	"github.com/capitalize-ai/whatsapp-inbox/internal/store/memory"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/logger"
)

var testChannel = &model.Channel{ID: "ch1", TenantID: "t1"}

type recordingPublisher struct {
	mu          sync.Mutex
	deltas      []model.Delta
	deadLetters []model.DeadLetter
}

func (p *recordingPublisher) PublishDelta(_ context.Context, d *model.Delta) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deltas = append(p.deltas, *d)
	return nil
}

func (p *recordingPublisher) PublishDeadLetter(_ context.Context, dl *model.DeadLetter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadLetters = append(p.deadLetters, *dl)
	return nil
}

func (p *recordingPublisher) kinds() []model.DeltaKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.DeltaKind, len(p.deltas))
	for i, d := range p.deltas {
		out[i] = d.Kind
	}
	return out
}

type fakeRelocator struct {
	mu    sync.Mutex
	calls []string
	// result is returned for every call; "" simulates a failed relocation.
	result string
}

func (f *fakeRelocator) Relocate(_ context.Context, remoteURL, _ string, ns media.Namespace, _ string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, string(ns)+":"+remoteURL)
	return f.result
}

func (f *fakeRelocator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	pid   string
	err   error
	media int
}

func (f *fakeSender) SendText(_ context.Context, number, text string) (*provider.SendResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, number+":"+text)
	if f.err != nil {
		return nil, f.err
	}
	return &provider.SendResponse{MessageID: f.pid}, nil
}

func (f *fakeSender) SendMedia(_ context.Context, number, _, mediaURL, _ string) (*provider.SendResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media++
	f.sent = append(f.sent, number+":"+mediaURL)
	if f.err != nil {
		return nil, f.err
	}
	return &provider.SendResponse{ID: f.pid}, nil
}

type harness struct {
	mem       *memory.Store
	pub       *recordingPublisher
	relocator *fakeRelocator
	sender    *fakeSender
	contacts  *ContactReconciler
	convs     *ConversationManager
	persister *MessagePersister
	ingestor  *Ingestor
	messages  *MessageService
	inbox     *InboxMirror
}

// newHarness wires the pipeline on the memory store. wrap, when set,
// decorates the store the stages see, for failure injection.
func newHarness(t *testing.T, wrap func(*memory.Store) store.Store) *harness {
	t.Helper()
	mem := memory.New()
	var st store.Store = mem
	if wrap != nil {
		st = wrap(mem)
	}
	log := logger.NewNop()
	h := &harness{
		mem:       mem,
		pub:       &recordingPublisher{},
		relocator: &fakeRelocator{},
		sender:    &fakeSender{pid: "PROV-1"},
	}
	resolver := identity.NewResolver("55")
	h.contacts = NewContactReconciler(st, st, h.relocator, log)
	h.convs = NewConversationManager(st, h.pub, log)
	h.persister = NewMessagePersister(st, log)
	h.ingestor = NewIngestor(resolver, NewIdempotencyGate(st), h.contacts, h.convs, h.persister,
		h.relocator, h.pub, IngestorConfig{Timeout: 5 * time.Second, MediaCredential: "tok"}, log)
	h.messages = NewMessageService(st, h.convs, h.persister, h.sender, h.pub, "55", log)
	h.inbox = NewInboxMirror(resolver, h.contacts, h.convs, log)
	return h
}

func (h *harness) ingest(t *testing.T, payload map[string]any) (Result, error) {
	t.Helper()
	return h.ingestor.Ingest(context.Background(), testChannel, "corr-1", payload)
}

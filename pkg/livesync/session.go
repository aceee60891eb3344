package livesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/logger"
)

// State is the lifecycle of a Session.
type State int32

const (
	StateInit State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateStreaming:
		return "STREAMING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// DefaultFetchLimit is how many recent messages INIT loads.
const DefaultFetchLimit = 50

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("livesync: session closed")
	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("livesync: session already running")
	// ErrEmptyContent is returned by SendOptimistic for blank content.
	ErrEmptyContent = errors.New("livesync: empty content")
)

// Fetcher loads the most recent messages of a conversation, oldest first.
type Fetcher interface {
	FetchLatest(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
}

// Sender delivers an outbound message through the server.
type Sender interface {
	Send(ctx context.Context, conversationID string, req model.SendMessageRequest) (*model.Message, error)
}

// Subscription is a live delta feed.
type Subscription interface {
	Stop()
}

// Source opens a delta feed for a conversation. Deltas with a sequence at or
// below afterSequence are not redelivered when afterSequence is non-zero;
// with zero the feed starts at live.
// onErr reports transport failures; the session then drops the
// subscription and opens a new one.
type Source interface {
	Subscribe(ctx context.Context, conversationID string, afterSequence uint64, onDelta func(model.Delta), onErr func(error)) (Subscription, error)
}

// SessionConfig configures a Session.
type SessionConfig struct {
	ConversationID string
	FetchLimit     int
	MatchWindow    time.Duration
	// NewBackOff builds the resubscribe policy. Defaults to an exponential
	// backoff that never gives up.
	NewBackOff func() backoff.BackOff
	// OnChange is called from the event loop after every visible change.
	OnChange func(messages []model.Message)
}

// Session keeps one conversation converged with the server. All state is
// owned by the goroutine running Run; other goroutines talk to it by posting
// closures onto the event queue.
type Session struct {
	cfg     SessionConfig
	cache   *Cache
	fetcher Fetcher
	source  Source
	sender  Sender
	logger  *logger.Logger

	state    atomic.Int32
	running  atomic.Bool
	events   chan func()
	done     chan struct{}
	doneOnce sync.Once

	snapshot     atomic.Pointer[[]model.Message]
	conversation atomic.Pointer[model.Conversation]
	lastSequence atomic.Uint64

	// Loop-owned.
	view         *view
	sub          Subscription
	generation   uint64
	retry        backoff.BackOff
	retryPending bool
}

// NewSession creates a session in INIT. sender may be nil for a read-only
// view.
func NewSession(cfg SessionConfig, cache *Cache, fetcher Fetcher, source Source, sender Sender, log *logger.Logger) *Session {
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = DefaultFetchLimit
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = defaultBackOff
	}
	if cache == nil {
		cache = NewCache()
	}
	s := &Session{
		cfg:     cfg,
		cache:   cache,
		fetcher: fetcher,
		source:  source,
		sender:  sender,
		logger:  log.Named("livesync").With(zap.String("conversation_id", cfg.ConversationID)),
		events:  make(chan func(), 64),
		done:    make(chan struct{}),
		view:    newView(cfg.MatchWindow),
		retry:   cfg.NewBackOff(),
	}
	empty := []model.Message{}
	s.snapshot.Store(&empty)
	return s
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Messages returns the current view, oldest first.
func (s *Session) Messages() []model.Message {
	return *s.snapshot.Load()
}

// Conversation returns the last conversation.updated payload, if any.
func (s *Session) Conversation() *model.Conversation {
	return s.conversation.Load()
}

// LastSequence returns the highest delta sequence seen.
func (s *Session) LastSequence() uint64 {
	return s.lastSequence.Load()
}

// Run subscribes, loads the initial page and processes events until ctx is
// cancelled. It returns nil on cancellation and an error when the initial
// fetch fails.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.close()

	// Subscribe before loading the page: deltas queue on the event loop
	// while the fetch runs, and the cache drops whatever the page already
	// holds.
	s.subscribe(ctx)

	msgs, err := s.fetcher.FetchLatest(ctx, s.cfg.ConversationID, s.cfg.FetchLimit)
	if err != nil {
		return fmt.Errorf("fetch latest messages: %w", err)
	}
	s.applyInitial(msgs)
	s.state.Store(int32(StateStreaming))
	s.logger.Info("session streaming", zap.Int("messages", len(msgs)))

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-s.events:
			fn()
		}
	}
}

func (s *Session) close() {
	s.doneOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.done)
		if s.sub != nil {
			s.sub.Stop()
			s.sub = nil
		}
		s.logger.Info("session closed", zap.Uint64("last_sequence", s.lastSequence.Load()))
	})
}

// post queues fn on the event loop.
func (s *Session) post(fn func()) error {
	select {
	case s.events <- fn:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) applyInitial(msgs []model.Message) {
	unique := make([]model.Message, 0, len(msgs))
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		keys := Keys(&m)
		dup := false
		for _, k := range keys {
			if seen[k] {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		for _, k := range keys {
			seen[k] = true
		}
		unique = append(unique, m)
	}

	s.view.reset(unique)
	for i := range unique {
		s.cache.MarkProcessed(Keys(&unique[i])...)
	}
	s.publish()
}

func (s *Session) subscribe(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.generation++
	gen := s.generation

	sub, err := s.source.Subscribe(ctx, s.cfg.ConversationID, s.lastSequence.Load(),
		func(d model.Delta) {
			_ = s.post(func() {
				if gen == s.generation {
					s.handleDelta(d)
				}
			})
		},
		func(err error) {
			_ = s.post(func() {
				if gen == s.generation {
					s.handleTransportError(ctx, err)
				}
			})
		})
	if err != nil {
		s.handleTransportError(ctx, err)
		return
	}
	s.sub = sub
	s.logger.Debug("subscribed", zap.Uint64("after_sequence", s.lastSequence.Load()))
}

// handleTransportError drops the current subscription and schedules a new
// one after the next backoff interval.
func (s *Session) handleTransportError(ctx context.Context, err error) {
	if s.retryPending {
		return
	}
	if s.sub != nil {
		s.sub.Stop()
		s.sub = nil
	}
	// Stale callbacks from the dropped subscription are ignored from here.
	s.generation++

	wait := s.retry.NextBackOff()
	if wait == backoff.Stop {
		s.logger.Error("giving up on realtime feed", zap.Error(err))
		return
	}
	s.logger.Warn("realtime feed failed, resubscribing",
		zap.Error(err),
		zap.Duration("backoff", wait),
		zap.Uint64("after_sequence", s.lastSequence.Load()),
	)
	s.retryPending = true
	time.AfterFunc(wait, func() {
		_ = s.post(func() {
			s.retryPending = false
			// Without a sequence to resume from the new feed starts at
			// live, so reload the page to cover the gap.
			resync := s.lastSequence.Load() == 0
			s.subscribe(ctx)
			if resync && s.sub != nil {
				s.resync(ctx)
			}
		})
	})
}

// resync fetches the latest page off the loop and merges it in.
func (s *Session) resync(ctx context.Context) {
	go func() {
		msgs, err := s.fetcher.FetchLatest(ctx, s.cfg.ConversationID, s.cfg.FetchLimit)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("resync fetch failed", zap.Error(err))
			}
			return
		}
		_ = s.post(func() { s.merge(msgs) })
	}()
}

// merge applies a fetched page on top of the view. Unseen messages are
// inserted; known ones only advance their status.
func (s *Session) merge(msgs []model.Message) {
	changed := false
	for i := range msgs {
		m := msgs[i]
		keys := Keys(&m)
		if !s.cache.AnyProcessed(keys...) {
			s.view.insert(m)
			s.cache.MarkProcessed(keys...)
			changed = true
			continue
		}
		if i := s.view.indexByID(m.ID); i >= 0 && s.view.messages[i].Status == m.Status {
			continue
		}
		if s.view.update(m) {
			changed = true
		}
	}
	if changed {
		s.publish()
	}
}

func (s *Session) handleDelta(d model.Delta) {
	if d.Sequence > 0 {
		// The feed is delivering again.
		s.retry.Reset()
	}
	if d.Sequence > s.lastSequence.Load() {
		s.lastSequence.Store(d.Sequence)
	}

	switch d.Kind {
	case model.DeltaMessageCreated:
		if d.Message == nil {
			return
		}
		keys := Keys(d.Message)
		if s.cache.AnyProcessed(keys...) {
			return
		}
		s.view.insert(*d.Message)
		s.cache.MarkProcessed(keys...)
		s.publish()

	case model.DeltaMessageUpdated:
		if d.Message == nil {
			return
		}
		keys := updateKeys(d.Message)
		if s.cache.AnyProcessed(keys...) {
			return
		}
		changed := s.view.update(*d.Message)
		s.cache.MarkProcessed(append(keys, Keys(d.Message)...)...)
		if changed {
			s.publish()
		}

	case model.DeltaConversationUpdated:
		if d.Conversation != nil {
			c := *d.Conversation
			s.conversation.Store(&c)
		}

	default:
		s.logger.Debug("ignoring delta", zap.String("kind", string(d.Kind)))
	}
}

// SendOptimistic adds a pending local message and sends it. It returns the
// correlation id that ties the local entry to the server echo. A send
// failure marks the entry failed and is returned.
func (s *Session) SendOptimistic(ctx context.Context, content string) (string, error) {
	if s.sender == nil {
		return "", errors.New("livesync: session has no sender")
	}
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}
	if s.State() == StateClosed {
		return "", ErrClosed
	}

	correlationID := uuid.NewString()
	local := model.Message{
		ConversationID: s.cfg.ConversationID,
		Direction:      model.DirectionOutbound,
		Type:           model.TypeText,
		Content:        content,
		CorrelationID:  &correlationID,
		Status:         model.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.post(func() {
		s.view.addOptimistic(local)
		s.publish()
	}); err != nil {
		return "", err
	}

	sent, err := s.sender.Send(ctx, s.cfg.ConversationID, model.SendMessageRequest{
		Content:       content,
		Type:          model.TypeText,
		CorrelationID: correlationID,
	})
	if err != nil {
		_ = s.post(func() {
			if s.view.failOptimistic(correlationID) {
				s.publish()
			}
		})
		return correlationID, fmt.Errorf("send message: %w", err)
	}

	if sent != nil {
		m := *sent
		if m.CorrelationID == nil {
			m.CorrelationID = &correlationID
		}
		_ = s.post(func() {
			s.handleDelta(model.Delta{
				Kind:           model.DeltaMessageCreated,
				ConversationID: s.cfg.ConversationID,
				Message:        &m,
			})
		})
	}
	return correlationID, nil
}

func (s *Session) publish() {
	msgs := s.view.snapshot()
	s.snapshot.Store(&msgs)
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(msgs)
	}
}

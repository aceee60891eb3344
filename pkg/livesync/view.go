package livesync

import (
	"sort"
	"time"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
)

// DefaultMatchWindow bounds how far apart an optimistic entry and its
// server echo may be when matched by content.
const DefaultMatchWindow = 2 * time.Minute

// view is the ordered message list of one conversation. It is owned by the
// session event loop and never shared.
type view struct {
	messages []model.Message
	window   time.Duration
}

func newView(window time.Duration) *view {
	if window <= 0 {
		window = DefaultMatchWindow
	}
	return &view{window: window}
}

// reset replaces the content with the initial fetch.
func (v *view) reset(msgs []model.Message) {
	v.messages = append(v.messages[:0], msgs...)
	v.sort()
}

// insert adds m, or replaces the optimistic entry it confirms. It reports
// whether an optimistic entry was replaced.
func (v *view) insert(m model.Message) bool {
	if i := v.indexByID(m.ID); i >= 0 {
		v.messages[i] = m
		return false
	}
	if i := v.matchOptimistic(m); i >= 0 {
		v.messages[i] = m
		v.sort()
		return true
	}
	v.messages = append(v.messages, m)
	v.sort()
	return false
}

// update replaces the stored copy of m unless it would move the status
// backwards. An update for a message the view has not seen yet is applied as
// an insert. It reports whether the view changed.
func (v *view) update(m model.Message) bool {
	if i := v.indexByID(m.ID); i >= 0 {
		cur := v.messages[i].Status
		if cur != m.Status && !cur.CanTransition(m.Status) {
			return false
		}
		v.messages[i] = m
		return true
	}
	v.insert(m)
	return true
}

// addOptimistic appends a local, not yet confirmed message.
func (v *view) addOptimistic(m model.Message) {
	v.messages = append(v.messages, m)
	v.sort()
}

// failOptimistic marks the optimistic entry for correlationID as failed.
func (v *view) failOptimistic(correlationID string) bool {
	for i := range v.messages {
		m := &v.messages[i]
		if m.ID == "" && model.Deref(m.CorrelationID) == correlationID {
			m.Status = model.StatusFailed
			return true
		}
	}
	return false
}

// matchOptimistic finds the pending local entry m confirms: by correlation
// id when both carry one, else by direction, normalized content and time.
func (v *view) matchOptimistic(m model.Message) int {
	if cid := model.Deref(m.CorrelationID); cid != "" {
		for i, o := range v.messages {
			if o.ID == "" && model.Deref(o.CorrelationID) == cid {
				return i
			}
		}
	}

	content := normalizeContent(m.Content)
	best, bestGap := -1, v.window+1
	for i, o := range v.messages {
		if o.ID != "" || o.Status == model.StatusFailed || o.Direction != m.Direction {
			continue
		}
		if normalizeContent(o.Content) != content {
			continue
		}
		gap := m.CreatedAt.Sub(o.CreatedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap <= v.window && gap < bestGap {
			best, bestGap = i, gap
		}
	}
	return best
}

func (v *view) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i, m := range v.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (v *view) sort() {
	sort.SliceStable(v.messages, func(i, j int) bool {
		return v.messages[i].CreatedAt.Before(v.messages[j].CreatedAt)
	})
}

func (v *view) snapshot() []model.Message {
	out := make([]model.Message, len(v.messages))
	copy(out, v.messages)
	return out
}

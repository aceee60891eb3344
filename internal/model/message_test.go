package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to MessageStatus
		want     bool
	}{
		{StatusPending, StatusSent, true},
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusRead, true},
		{StatusDelivered, StatusSent, false},
		{StatusDelivered, StatusDelivered, false},
		{StatusDelivered, StatusFailed, true},
		{StatusRead, StatusFailed, false},
		{StatusFailed, StatusSent, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestParseMessageStatus(t *testing.T) {
	s, ok := ParseMessageStatus("deliveryack")
	assert.True(t, ok)
	assert.Equal(t, StatusDelivered, s)

	_, ok = ParseMessageStatus("bogus")
	assert.False(t, ok)
}

func TestPreviewTruncatesRunes(t *testing.T) {
	long := ""
	for i := 0; i < PreviewMaxRunes+10; i++ {
		long += "é"
	}
	assert.Len(t, []rune(Preview(long)), PreviewMaxRunes)
	assert.Equal(t, "oi", Preview("oi"))
}

func TestPredecessors(t *testing.T) {
	assert.Equal(t, []MessageStatus{StatusPending}, Predecessors(StatusSent))
	assert.Equal(t, []MessageStatus{StatusPending, StatusSent, StatusDelivered}, Predecessors(StatusRead))
	assert.Equal(t, []MessageStatus{StatusPending, StatusSent, StatusDelivered}, Predecessors(StatusFailed))
	assert.Empty(t, Predecessors(StatusPending))
}

package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/inbox/internal/model"
)

func TestViewportDistance(t *testing.T) {
	v := Viewport{Offset: 100, Height: 300, ContentHeight: 500}
	assert.Equal(t, 100.0, v.DistanceFromBottom())
	assert.False(t, v.AtBottom(24))
	assert.True(t, v.AtBottom(100))

	short := Viewport{Height: 300, ContentHeight: 120}
	assert.Zero(t, short.DistanceFromBottom())
	assert.Zero(t, short.Bottom().Offset)
	assert.Equal(t, 200.0, v.Bottom().Offset)
}

func TestDecide(t *testing.T) {
	atBottom := Viewport{Offset: 700, Height: 300, ContentHeight: 1000}
	nearBottom := Viewport{Offset: 690, Height: 300, ContentHeight: 1000}
	scrolledUp := Viewport{Offset: 100, Height: 300, ContentHeight: 1000}

	tests := []struct {
		name   string
		before Viewport
		kind   ChangeKind
		want   Action
	}{
		{"load always jumps", scrolledUp, ChangeLoaded, ActionJumpToBottom},
		{"insert at bottom follows", atBottom, ChangeInserted, ActionScrollToBottom},
		{"insert within epsilon follows", nearBottom, ChangeInserted, ActionScrollToBottom},
		{"insert while reading history stays", scrolledUp, ChangeInserted, ActionNone},
		{"reconcile at bottom follows", atBottom, ChangeReconciled, ActionScrollToBottom},
		{"clear does nothing", atBottom, ChangeCleared, ActionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.before, Change{Kind: tt.kind}, 24))
		})
	}
}

func TestAnchorLeavesScrolledUpReaderAlone(t *testing.T) {
	var fired []Action
	a := NewAnchor(DefaultEpsilon, func(act Action, _ Change) { fired = append(fired, act) })
	s := NewStore()
	a.Attach(s)

	s.Load("c1", []model.Message{msg("m1", "c1", "u2", "old", t0)})
	require.Equal(t, []Action{ActionJumpToBottom}, fired)

	reading := Viewport{Offset: 0, Height: 300, ContentHeight: 2000}
	a.Observe(reading)
	s.ReconcileOrInsert(msg("m2", "c1", "u2", "new", t0.Add(1)))

	assert.Equal(t, []Action{ActionJumpToBottom}, fired)
	assert.Equal(t, reading, a.Viewport())
	assert.False(t, a.AtBottom())
}

func TestAnchorPinsAfterScrolling(t *testing.T) {
	a := NewAnchor(DefaultEpsilon, nil)
	a.Observe(Viewport{Offset: 690, Height: 300, ContentHeight: 1000})

	act := a.OnChange(Change{Kind: ChangeInserted})

	assert.Equal(t, ActionScrollToBottom, act)
	assert.True(t, a.AtBottom())
	assert.Equal(t, 700.0, a.Viewport().Offset)
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "none", ActionNone.String())
	assert.Equal(t, "scroll", ActionScrollToBottom.String())
	assert.Equal(t, "jump", ActionJumpToBottom.String())
}

package chat

import (
	"sync"
)

// DefaultEpsilon is the distance from the bottom still treated as "at bottom".
const DefaultEpsilon = 24

// Viewport is the scroll geometry of the message list, in any consistent
// unit (pixels in a browser, lines in a terminal).
type Viewport struct {
	// Offset is how far the list is scrolled from the top.
	Offset float64
	// Height is the visible height.
	Height float64
	// ContentHeight is the height of the whole list.
	ContentHeight float64
}

// DistanceFromBottom returns how far the visible window is above the end of the list.
func (v Viewport) DistanceFromBottom() float64 {
	if d := v.ContentHeight - v.Offset - v.Height; d > 0 {
		return d
	}
	return 0
}

// AtBottom reports whether the window is within epsilon of the end of the list.
func (v Viewport) AtBottom(epsilon float64) bool {
	return v.DistanceFromBottom() <= epsilon
}

// Bottom returns v scrolled to the end of its content.
func (v Viewport) Bottom() Viewport {
	v.Offset = v.ContentHeight - v.Height
	if v.Offset < 0 {
		v.Offset = 0
	}
	return v
}

// Action is what the view should do with its scroll position after a change.
type Action int

const (
	// ActionNone leaves the scroll position untouched.
	ActionNone Action = iota
	// ActionScrollToBottom moves smoothly to the newest message.
	ActionScrollToBottom
	// ActionJumpToBottom moves to the newest message without animation.
	ActionJumpToBottom
)

func (a Action) String() string {
	switch a {
	case ActionScrollToBottom:
		return "scroll"
	case ActionJumpToBottom:
		return "jump"
	default:
		return "none"
	}
}

// Decide is the anchoring policy. A freshly loaded conversation always jumps
// to the bottom; otherwise the view follows new content only when it was
// within epsilon of the bottom before the change.
func Decide(before Viewport, change Change, epsilon float64) Action {
	if change.Kind == ChangeLoaded {
		return ActionJumpToBottom
	}
	if change.Kind == ChangeCleared {
		return ActionNone
	}
	if before.AtBottom(epsilon) {
		return ActionScrollToBottom
	}
	return ActionNone
}

// Anchor applies Decide to Store changes against the last viewport the UI
// reported.
type Anchor struct {
	epsilon  float64
	onAction func(Action, Change)

	mu       sync.Mutex
	viewport Viewport
}

// NewAnchor creates an anchor. onAction, if set, is called for every change
// that requires scrolling.
func NewAnchor(epsilon float64, onAction func(Action, Change)) *Anchor {
	if epsilon < 0 {
		epsilon = DefaultEpsilon
	}
	return &Anchor{epsilon: epsilon, onAction: onAction}
}

// Attach subscribes the anchor to a store.
func (a *Anchor) Attach(s *Store) {
	s.Observe(func(ch Change) { a.OnChange(ch) })
}

// Observe records the viewport after the user or the renderer moved it.
func (a *Anchor) Observe(v Viewport) {
	a.mu.Lock()
	a.viewport = v
	a.mu.Unlock()
}

// Viewport returns the last known viewport.
func (a *Anchor) Viewport() Viewport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.viewport
}

// AtBottom reports whether the last known viewport is at the bottom.
func (a *Anchor) AtBottom() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.viewport.AtBottom(a.epsilon)
}

// OnChange decides the action for ch. When the view is told to scroll, the
// anchor assumes it is pinned to the bottom until the next Observe.
func (a *Anchor) OnChange(ch Change) Action {
	a.mu.Lock()
	act := Decide(a.viewport, ch, a.epsilon)
	if act != ActionNone {
		a.viewport = a.viewport.Bottom()
	}
	a.mu.Unlock()

	if act != ActionNone && a.onAction != nil {
		a.onAction(act, ch)
	}
	return act
}

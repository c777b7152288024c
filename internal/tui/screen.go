// Package tui renders a chat session as a scrollable window of text lines.
package tui

import (
	"fmt"
	"strings"
	"sync"

	"github.com/capitalize-ai/inbox/internal/chat"
	"github.com/capitalize-ai/inbox/internal/model"
)

// Screen keeps a line layout of the session's store and a scroll position
// that follows new messages only while the reader is at the bottom.
type Screen struct {
	sess   *chat.Session
	anchor *chat.Anchor
	height int

	mu     sync.Mutex
	lines  []string
	offset int
	pin    bool
	last   chat.Action

	updates chan struct{}
}

// NewScreen creates a screen showing height lines at a time. epsilon is the
// distance in lines from the bottom still treated as at bottom.
func NewScreen(sess *chat.Session, height int, epsilon float64) *Screen {
	if height < 1 {
		height = 1
	}
	s := &Screen{
		sess:    sess,
		height:  height,
		updates: make(chan struct{}, 1),
	}
	s.anchor = chat.NewAnchor(epsilon, func(act chat.Action, _ chat.Change) {
		s.mu.Lock()
		s.pin = true
		s.last = act
		s.mu.Unlock()
	})
	// One observer so the anchor decides against the layout from before the
	// change, then the layout is rebuilt.
	sess.Store().Observe(func(ch chat.Change) {
		s.anchor.OnChange(ch)
		s.relayout()
		s.signal()
	})
	s.relayout()
	return s
}

// Updates is signalled whenever the layout changed and the frame should be redrawn.
func (s *Screen) Updates() <-chan struct{} {
	return s.updates
}

func (s *Screen) signal() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Screen) relayout() {
	lines := Layout(s.sess, s.sess.Store().View())

	s.mu.Lock()
	s.lines = lines
	if s.pin {
		s.offset = s.bottomLocked()
		s.pin = false
	}
	s.offset = s.clampLocked(s.offset)
	vp := s.viewportLocked()
	s.mu.Unlock()

	s.anchor.Observe(vp)
}

func (s *Screen) bottomLocked() int {
	if b := len(s.lines) - s.height; b > 0 {
		return b
	}
	return 0
}

func (s *Screen) clampLocked(off int) int {
	if off > s.bottomLocked() {
		off = s.bottomLocked()
	}
	if off < 0 {
		off = 0
	}
	return off
}

func (s *Screen) viewportLocked() chat.Viewport {
	return chat.Viewport{
		Offset:        float64(s.offset),
		Height:        float64(s.height),
		ContentHeight: float64(len(s.lines)),
	}
}

// Scroll moves the window by delta lines; negative is up.
func (s *Screen) Scroll(delta int) {
	s.mu.Lock()
	s.offset = s.clampLocked(s.offset + delta)
	vp := s.viewportLocked()
	s.mu.Unlock()

	s.anchor.Observe(vp)
	s.signal()
}

// Offset returns the index of the first visible line.
func (s *Screen) Offset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// AtBottom reports whether the reader is following new messages.
func (s *Screen) AtBottom() bool {
	return s.anchor.AtBottom()
}

// LastAction returns the most recent scroll the anchor asked for.
func (s *Screen) LastAction() chat.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Visible returns the lines currently in the window.
func (s *Screen) Visible() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := s.offset + s.height
	if end > len(s.lines) {
		end = len(s.lines)
	}
	return append([]string(nil), s.lines[s.offset:end]...)
}

// Frame renders the header, the visible window and a status line.
func (s *Screen) Frame(status string) string {
	var b strings.Builder
	b.WriteString(Header(s.sess))
	b.WriteByte('\n')
	b.WriteString(strings.Repeat("─", 48))
	b.WriteByte('\n')

	visible := s.Visible()
	for _, l := range visible {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	for i := len(visible); i < s.height; i++ {
		b.WriteByte('\n')
	}

	b.WriteString(strings.Repeat("─", 48))
	b.WriteByte('\n')
	if !s.AtBottom() {
		status = strings.TrimSpace(status + "  ↓ more below (/down)")
	}
	b.WriteString(status)
	return b.String()
}

// Header summarizes the displayed conversation and its members.
func Header(sess *chat.Session) string {
	conv := sess.Conversation()
	if conv == nil {
		if sess.Selected() == "" {
			return "(no conversation)"
		}
		return sess.Selected()
	}

	name := conv.Name
	var others []string
	for _, p := range sess.Participants() {
		if p.UserID == sess.SelfID() {
			continue
		}
		if p.User != nil {
			others = append(others, p.User.Initials())
		} else {
			others = append(others, p.UserID)
		}
		if name == "" && conv.Kind == model.ConversationDirect {
			name = displayName(sess, p.UserID, p.User)
		}
	}
	if name == "" {
		name = "Untitled conversation"
	}
	if len(others) == 0 {
		return name
	}
	return fmt.Sprintf("%s  [%s]", name, strings.Join(others, " "))
}

// Layout formats entries into lines with a separator at each new day.
func Layout(sess *chat.Session, entries []model.Entry) []string {
	var lines []string
	var day string
	for _, e := range entries {
		local := e.CreatedAt.Local()
		if d := local.Format("2006-01-02"); d != day {
			day = d
			lines = append(lines, fmt.Sprintf("── %s ──", local.Format("Monday, January 2")))
		}
		lines = append(lines, FormatEntry(sess, e)...)
	}
	return lines
}

// FormatEntry renders one entry. Multi-line content continues indented.
func FormatEntry(sess *chat.Session, e model.Entry) []string {
	who := displayName(sess, e.SenderID, e.Sender)
	if e.SenderID == sess.SelfID() {
		who = "you"
	}

	content := e.Content
	if e.AttachmentURL != "" {
		content += " <" + e.AttachmentURL + ">"
	}
	parts := strings.Split(content, "\n")

	prefix := fmt.Sprintf("%s %s: ", e.CreatedAt.Local().Format("15:04"), who)
	out := []string{prefix + parts[0]}
	indent := strings.Repeat(" ", len([]rune(prefix)))
	for _, p := range parts[1:] {
		out = append(out, indent+p)
	}

	switch e.State {
	case model.DeliveryPending:
		out[len(out)-1] += " …"
	case model.DeliveryFailed:
		out[len(out)-1] += " ✗ not sent"
	}
	return out
}

func displayName(sess *chat.Session, userID string, u *model.User) string {
	if u != nil && u.FullName != "" {
		return u.FullName
	}
	if p, ok := sess.Participant(userID); ok && p.User != nil && p.User.FullName != "" {
		return p.User.FullName
	}
	return userID
}

// Failed returns the entries whose send failed, oldest first.
func Failed(entries []model.Entry) []model.Entry {
	var out []model.Entry
	for _, e := range entries {
		if e.State == model.DeliveryFailed {
			out = append(out, e)
		}
	}
	return out
}

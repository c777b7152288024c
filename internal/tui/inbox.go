package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/capitalize-ai/inbox/internal/model"
)

const previewWidth = 40

// InboxLine renders one conversation of the inbox list: index, name, last
// activity relative to now and a preview of the last message.
func InboxLine(i int, c model.Conversation, selfID string, now time.Time) string {
	name := c.Name
	if name == "" {
		name = "Untitled " + string(c.Kind)
	}

	when := humanize.RelTime(c.UpdatedAt, now, "ago", "from now")
	preview := "No messages yet"
	if m := c.LastMessage; m != nil {
		who := m.SenderID
		if m.SenderID == selfID {
			who = "you"
		} else if m.Sender != nil && m.Sender.FullName != "" {
			who = m.Sender.FullName
		}
		preview = who + ": " + truncate(strings.ReplaceAll(m.Content, "\n", " "), previewWidth)
	}
	return fmt.Sprintf("%2d. %s  (%s)\n    %s", i, name, when, preview)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

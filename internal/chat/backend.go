// Package chat keeps a live, ordered view of one conversation's messages.
//
// A Session is the explicit context shared by the components: the Store holds
// the ordered entries, the Subscription binds the Store to one conversation's
// history and live insert feed, the Composer appends optimistic entries and
// writes them to the backend, and the Anchor decides how the viewport follows
// Store changes.
package chat

import (
	"context"
	"errors"

	"github.com/capitalize-ai/inbox/internal/model"
)

var (
	// ErrNoConversation is returned when an operation needs a displayed conversation.
	ErrNoConversation = errors.New("no conversation selected")
	// ErrSuperseded is returned to a Select whose result arrived after a newer selection.
	ErrSuperseded = errors.New("superseded by a newer selection")
)

// Feed is an established live insert feed.
type Feed interface {
	// Unsubscribe releases the feed. It must not wait for in-flight callbacks,
	// and onLost is not invoked once it has been called.
	Unsubscribe() error
}

// Backend is the remote store the core syncs against. Implementations wrap
// their failures with the model error taxonomy.
type Backend interface {
	// FetchHistory returns a conversation's messages in ascending creation order.
	FetchHistory(ctx context.Context, conversationID string) ([]model.Message, error)

	// InsertMessage writes msg and returns it with its canonical timestamp.
	// A non-placeholder id is kept, and writing an id already stored returns
	// the stored message instead of adding another.
	InsertMessage(ctx context.Context, msg model.Message) (model.Message, error)

	// SubscribeInserts delivers messages inserted into the conversation, in the
	// order the store emits them, until Unsubscribe. onLost is called at most
	// once if the feed drops.
	SubscribeInserts(ctx context.Context, conversationID string, onEvent func(model.Message), onLost func(error)) (Feed, error)

	// FetchParticipants returns the conversation's members.
	FetchParticipants(ctx context.Context, conversationID string) ([]model.Participant, error)

	// FetchConversation returns the conversation row.
	FetchConversation(ctx context.Context, conversationID string) (*model.Conversation, error)
}

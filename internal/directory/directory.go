// Package directory stores conversations, their participants and user
// profiles. Message bodies live in the message log; the directory only keeps
// the last message of each conversation for the inbox listing.
package directory

import (
	"context"
	"sort"

	"github.com/capitalize-ai/inbox/internal/model"
)

// Directory is the conversation and user registry.
type Directory interface {
	// CreateConversation stores conv with its participants.
	CreateConversation(ctx context.Context, conv *model.Conversation, participants []model.Participant) error
	// Conversation returns a conversation or model.ErrNotFound.
	Conversation(ctx context.Context, id string) (*model.Conversation, error)
	// ConversationsFor lists the conversations userID participates in, most
	// recent activity first.
	ConversationsFor(ctx context.Context, userID string) ([]model.Conversation, error)
	// Participants lists a conversation's members in join order.
	Participants(ctx context.Context, conversationID string) ([]model.Participant, error)
	// IsParticipant reports whether userID is a member of the conversation.
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	// RecordMessage bumps the conversation's activity with msg.
	RecordMessage(ctx context.Context, msg *model.Message) error

	// UpsertUser creates or replaces a profile.
	UpsertUser(ctx context.Context, u *model.User) error
	// User returns a profile or model.ErrNotFound.
	User(ctx context.Context, id string) (*model.User, error)
}

// sortByActivity orders conversations most recently updated first.
func sortByActivity(convs []model.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if !convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
		}
		return convs[i].ID < convs[j].ID
	})
}

func sortByJoin(parts []model.Participant) {
	sort.SliceStable(parts, func(i, j int) bool {
		if !parts[i].JoinedAt.Equal(parts[j].JoinedAt) {
			return parts[i].JoinedAt.Before(parts[j].JoinedAt)
		}
		return parts[i].UserID < parts[j].UserID
	})
}

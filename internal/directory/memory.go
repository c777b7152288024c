package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/capitalize-ai/inbox/internal/model"
)

// Memory is an in-process Directory.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	participants  map[string][]model.Participant
	users         map[string]*model.User
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*model.Conversation),
		participants:  make(map[string][]model.Participant),
		users:         make(map[string]*model.User),
	}
}

func (m *Memory) CreateConversation(ctx context.Context, conv *model.Conversation, participants []model.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return fmt.Errorf("%w: conversation %s already exists", model.ErrValidation, conv.ID)
	}
	c := *conv
	m.conversations[conv.ID] = &c
	parts := make([]model.Participant, len(participants))
	copy(parts, participants)
	sortByJoin(parts)
	m.participants[conv.ID] = parts
	return nil
}

func (m *Memory) Conversation(ctx context.Context, id string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, exists := m.conversations[id]
	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", id, model.ErrNotFound)
	}
	c := *conv
	return &c, nil
}

func (m *Memory) ConversationsFor(ctx context.Context, userID string) ([]model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var convs []model.Conversation
	for id, parts := range m.participants {
		for _, p := range parts {
			if p.UserID == userID {
				convs = append(convs, *m.conversations[id])
				break
			}
		}
	}
	sortByActivity(convs)
	return convs, nil
}

func (m *Memory) Participants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	parts, exists := m.participants[conversationID]
	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}
	out := make([]model.Participant, len(parts))
	copy(out, parts)
	return out, nil
}

func (m *Memory) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.participants[conversationID] {
		if p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) RecordMessage(ctx context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, exists := m.conversations[msg.ConversationID]
	if !exists {
		return fmt.Errorf("conversation %s: %w", msg.ConversationID, model.ErrNotFound)
	}
	if conv.LastMessage == nil || model.CompareMessages(msg, conv.LastMessage) > 0 {
		last := *msg
		conv.LastMessage = &last
	}
	conv.MessageCount++
	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
	}
	return nil
}

func (m *Memory) UpsertUser(ctx context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *u
	if existing, ok := m.users[u.ID]; ok && c.CreatedAt.IsZero() {
		c.CreatedAt = existing.CreatedAt
	}
	m.users[u.ID] = &c
	return nil
}

func (m *Memory) User(ctx context.Context, id string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
	}
	c := *u
	return &c, nil
}

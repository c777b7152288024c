package chat

import (
	"slices"
	"sync"

	"github.com/capitalize-ai/inbox/internal/model"
)

// Session is the conversation context of one view: who is reading, which
// conversation is selected, and the Store that displays it. Several sessions
// can exist side by side, each with its own Subscription and Composer.
type Session struct {
	self  model.User
	store *Store

	mu           sync.RWMutex
	selected     string
	conversation *model.Conversation
	participants []model.Participant
}

// NewSession creates a session for self backed by store.
func NewSession(self model.User, store *Store) *Session {
	if store == nil {
		store = NewStore()
	}
	return &Session{self: self, store: store}
}

// SelfID returns the reading user's id.
func (s *Session) SelfID() string {
	return s.self.ID
}

// Self returns the reading user's profile.
func (s *Session) Self() model.User {
	return s.self
}

// Store returns the session's message store.
func (s *Session) Store() *Store {
	return s.store
}

// Selected returns the conversation most recently selected, which may still be binding.
func (s *Session) Selected() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// Conversation returns the cached row of the displayed conversation, if any.
func (s *Session) Conversation() *model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conversation == nil {
		return nil
	}
	c := *s.conversation
	return &c
}

// Participants returns the cached participant list of the displayed conversation.
func (s *Session) Participants() []model.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.participants)
}

// Participant looks up a cached participant by user id.
func (s *Session) Participant(userID string) (model.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return model.Participant{}, false
}

func (s *Session) setSelected(id string) {
	s.mu.Lock()
	s.selected = id
	s.mu.Unlock()
}

func (s *Session) setMetadata(conv *model.Conversation, participants []model.Participant) {
	s.mu.Lock()
	s.conversation = conv
	s.participants = participants
	s.mu.Unlock()
}

// Package model defines data structures shared by the inbox backend and its clients.
package model

import (
	"time"
)

// ConversationKind distinguishes one-to-one chats from groups.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Valid reports whether k is a known conversation kind.
func (k ConversationKind) Valid() bool {
	return k == ConversationDirect || k == ConversationGroup
}

// Conversation represents a conversation thread.
type Conversation struct {
	ID           string           `json:"id"`
	Name         string           `json:"name,omitempty"`
	AvatarURL    string           `json:"avatar_url,omitempty"`
	Kind         ConversationKind `json:"kind"`
	CreatedBy    string           `json:"created_by"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	MessageCount int              `json:"message_count,omitempty"`
	LastMessage  *Message         `json:"last_message,omitempty"`
}

// CreateConversationRequest is the request to provision a new conversation.
type CreateConversationRequest struct {
	Name         string           `json:"name"`
	AvatarURL    string           `json:"avatar_url,omitempty"`
	Kind         ConversationKind `json:"kind"`
	Participants []string         `json:"participants"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	HasMore       bool           `json:"has_more"`
}

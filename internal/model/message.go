package model

import (
	"strings"
	"time"
)

// MessageKind is the content category of a message.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindFile   MessageKind = "file"
	KindVideo  MessageKind = "video"
	KindVoice  MessageKind = "voice"
	KindSystem MessageKind = "system"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile, KindVideo, KindVoice, KindSystem:
		return true
	}
	return false
}

// IsAttachment reports whether k is one of the attachment categories.
func (k MessageKind) IsAttachment() bool {
	return k == KindImage || k == KindFile || k == KindVideo
}

// PlaceholderPrefix marks identifiers generated locally for optimistic sends.
const PlaceholderPrefix = "local-"

// IsPlaceholderID reports whether id was generated locally and is not final.
func IsPlaceholderID(id string) bool {
	return strings.HasPrefix(id, PlaceholderPrefix)
}

// ClientID returns the identifier a placeholder is written under. Composers
// build placeholders as the prefix plus a UUID, so every attempt of one send
// carries the same final id and the log stores it once.
func ClientID(placeholderID string) string {
	return strings.TrimPrefix(placeholderID, PlaceholderPrefix)
}

// Message represents a conversation message.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`

	// Content
	Kind          MessageKind `json:"kind"`
	Content       string      `json:"content"`
	AttachmentURL string      `json:"attachment_url,omitempty"`
	ReplyTo       string      `json:"reply_to,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Denormalized sender profile
	Sender *User `json:"sender,omitempty"`

	// JetStream Metadata (populated on read)
	Sequence uint64 `json:"sequence,omitempty"`
}

// CompareMessages orders messages by creation time, then by id.
func CompareMessages(a, b *Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// SendMessageRequest is the request to insert a new message.
type SendMessageRequest struct {
	ID            string      `json:"id,omitempty"`
	Kind          MessageKind `json:"kind"`
	Content       string      `json:"content"`
	AttachmentURL string      `json:"attachment_url,omitempty"`
	ReplyTo       string      `json:"reply_to,omitempty"`
	// CreatedAt is the sender's clock. The server ignores it and stamps its own.
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages     []Message `json:"messages"`
	HasMore      bool      `json:"has_more"`
	LastSequence uint64    `json:"last_sequence"`
}

// DeliveryState tracks an entry from optimistic append to confirmation.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Entry is a message as held by a client view.
type Entry struct {
	Message
	State DeliveryState `json:"state"`
	Error string        `json:"error,omitempty"`
}

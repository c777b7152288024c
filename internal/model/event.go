package model

import (
	"time"
)

// EventType names a frame on the live insert feed.
type EventType string

const (
	EventConnected      EventType = "connected"
	EventMessage        EventType = "message"
	EventReplayComplete EventType = "replay_complete"
	EventHeartbeat      EventType = "heartbeat"
	EventError          EventType = "error"
)

// FeedEvent is one frame of the live insert feed, shared by the SSE and
// websocket transports.
type FeedEvent struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Message        *Message  `json:"message,omitempty"`
	// LastSequence and Replayed are set on replay_complete.
	LastSequence uint64    `json:"last_sequence,omitempty"`
	Replayed     int       `json:"replayed,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

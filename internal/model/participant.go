package model

import (
	"strings"
	"time"
)

// ParticipantRole is a member's role within a conversation.
type ParticipantRole string

const (
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
)

// Participant joins a user to a conversation.
type Participant struct {
	ConversationID string          `json:"conversation_id"`
	UserID         string          `json:"user_id"`
	Role           ParticipantRole `json:"role"`
	JoinedAt       time.Time       `json:"joined_at"`
	User           *User           `json:"user,omitempty"`
}

// UserStatus is a coarse presence flag.
type UserStatus string

const (
	StatusOnline  UserStatus = "online"
	StatusOffline UserStatus = "offline"
	StatusAway    UserStatus = "away"
)

// User is a profile as shown next to messages and in avatar stacks.
type User struct {
	ID        string     `json:"id"`
	FullName  string     `json:"full_name"`
	AvatarURL string     `json:"avatar_url,omitempty"`
	Status    UserStatus `json:"status,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Initials returns up to two upper-case initials of the user's name.
func (u *User) Initials() string {
	if u == nil || u.FullName == "" {
		return "U"
	}
	var out []rune
	inWord := false
	for _, r := range u.FullName {
		if r == ' ' {
			inWord = false
			continue
		}
		if !inWord {
			out = append(out, r)
			inWord = true
			if len(out) == 2 {
				break
			}
		}
	}
	return strings.ToUpper(string(out))
}

// UpdateProfileRequest is the request to upsert the caller's profile.
type UpdateProfileRequest struct {
	FullName  string     `json:"full_name"`
	AvatarURL string     `json:"avatar_url,omitempty"`
	Status    UserStatus `json:"status,omitempty"`
}

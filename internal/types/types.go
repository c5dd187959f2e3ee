package types

import (
	"time"
)

type User struct {
	Id       int    `json:"id"`
	Username string `json:"username,omitempty"`
}

type Chat struct {
	Id              int        `json:"id"`
	PublicId        string     `json:"public_id"`
	ListingId       int        `json:"listing_id,omitempty"`
	ParticipantOne  int        `json:"participant_one"`
	ParticipantTwo  int        `json:"participant_two"`
	LastMessageText string     `json:"last_message_text,omitempty"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty"`
	MessageCount    int        `json:"message_count"`
	UnreadCount     int        `json:"unread_count"`
	CreatedAt       time.Time  `json:"created_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at,omitempty"`
}

// HasParticipant reports whether userId is one of the chat's two participants.
func (c Chat) HasParticipant(userId int) bool {
	return c.ParticipantOne == userId || c.ParticipantTwo == userId
}

// Other returns the participant on the opposite side of userId.
func (c Chat) Other(userId int) int {
	if c.ParticipantOne == userId {
		return c.ParticipantTwo
	}
	return c.ParticipantOne
}

type Message struct {
	Id         int        `json:"id"`
	ChatId     int        `json:"chat_id"`
	SenderId   int        `json:"sender_id"`
	ReceiverId int        `json:"receiver_id"`
	Text       string     `json:"text,omitempty"`
	Image      string     `json:"image,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	SeenAt     *time.Time `json:"seen_at,omitempty"`
}

package database

import (
	"database/sql"
	"time"
)

type Chat struct {
	Id              int
	PublicId        string
	ListingId       sql.NullInt64
	ParticipantOne  int
	ParticipantTwo  int
	LastMessageText sql.NullString
	LastMessageAt   sql.NullTime
	MessageCount    int
	CreatedAt       time.Time
	UpdatedAt       time.Time
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

// ChatWithUnread is a chat row joined with the number of messages the given
// user has not yet seen, used for the inbox listing.
type ChatWithUnread struct {
	Chat
	UnreadCount int
}

type Message struct {
	Id        int
	ChatId    int
	SenderId  int
	Text      sql.NullString
	Image     sql.NullString
	CreatedAt time.Time
	SeenAt    sql.NullTime
}

type CreateChatParams struct {
	PublicId       string
	ListingId      int
	ParticipantOne int
	ParticipantTwo int
}

type CreateMessageParams struct {
	ChatId    int
	SenderId  int
	Text      string
	Image     string
	CreatedAt time.Time
}

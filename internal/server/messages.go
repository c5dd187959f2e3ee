package server

import (
	"time"

	"github.com/unimarket/chat-server/internal/types"
)

// ClientMessage is the union of events a connected client may send over the
// socket. Message sends and seen-marking arrive over the REST API instead and
// enter the hub through SendMessage and MarkSeen.
type ClientMessage struct {
	Typing *Typing `json:"typing,omitempty"`
	Join   *Join   `json:"join_room,omitempty"`
	Leave  *Leave  `json:"leave_room,omitempty"`
	client *Client
}

type Typing struct {
	ChatId   int  `json:"chatId"`
	IsTyping bool `json:"isTyping"`
}

type Join struct {
	ChatId int `json:"chatId"`
}

type Leave struct {
	ChatId int `json:"chatId"`
}

// ServerMessage is the union of events fanned out to clients. Exactly one of
// the event fields is set.
type ServerMessage struct {
	Timestamp    time.Time      `json:"timestamp"`
	NewMessage   *types.Message `json:"newMessage,omitempty"`
	OnlineUsers  []string       `json:"getOnlineUsers,omitempty"`
	UserTyping   *UserTyping    `json:"userTyping,omitempty"`
	MessagesSeen *MessagesSeen  `json:"messagesSeen,omitempty"`
	SkipClient   *Client        `json:"-"`
}

type UserTyping struct {
	UserId   int  `json:"userId"`
	ChatId   int  `json:"chatId"`
	IsTyping bool `json:"isTyping"`
}

type MessagesSeen struct {
	ChatId     int   `json:"chatId"`
	SeenBy     int   `json:"seenBy"`
	MessageIds []int `json:"messageIds"`
}

func newMessageEvent(msg types.Message) *ServerMessage {
	return &ServerMessage{
		Timestamp:  Now(),
		NewMessage: &msg,
	}
}

func onlineUsersEvent(users []string) *ServerMessage {
	return &ServerMessage{
		Timestamp:   Now(),
		OnlineUsers: users,
	}
}

func userTypingEvent(userId, chatId int, isTyping bool) *ServerMessage {
	return &ServerMessage{
		Timestamp: Now(),
		UserTyping: &UserTyping{
			UserId:   userId,
			ChatId:   chatId,
			IsTyping: isTyping,
		},
	}
}

func messagesSeenEvent(chatId, seenBy int, messageIds []int) *ServerMessage {
	return &ServerMessage{
		Timestamp: Now(),
		MessagesSeen: &MessagesSeen{
			ChatId:     chatId,
			SeenBy:     seenBy,
			MessageIds: messageIds,
		},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

package database

import "time"

type ChatRepository interface {
	Ping() error
	GetOrCreateChat(params CreateChatParams) (Chat, bool, error)
	GetChatById(id int) (Chat, error)
	GetChatByPublicId(publicId string) (Chat, error)
	ListChatsForUser(userId int) ([]ChatWithUnread, error)
	DeleteChat(id int) error
	CreateMessage(params CreateMessageParams) (Message, error)
	GetMessages(chatId, before, limit int) ([]Message, error)
	MarkMessagesSeen(chatId, viewerId int, seenAt time.Time) ([]int, error)
}

package database

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) GetOrCreateChat(params CreateChatParams) (Chat, bool, error) {
	args := m.Called(params)
	return args.Get(0).(Chat), args.Bool(1), args.Error(2)
}
func (m *MockChatRepository) GetChatById(id int) (Chat, error) {
	args := m.Called(id)
	return args.Get(0).(Chat), args.Error(1)
}
func (m *MockChatRepository) GetChatByPublicId(publicId string) (Chat, error) {
	args := m.Called(publicId)
	return args.Get(0).(Chat), args.Error(1)
}
func (m *MockChatRepository) ListChatsForUser(userId int) ([]ChatWithUnread, error) {
	args := m.Called(userId)
	return args.Get(0).([]ChatWithUnread), args.Error(1)
}
func (m *MockChatRepository) DeleteChat(id int) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessages(chatId, before, limit int) ([]Message, error) {
	args := m.Called(chatId, before, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockChatRepository) MarkMessagesSeen(chatId, viewerId int, seenAt time.Time) ([]int, error) {
	args := m.Called(chatId, viewerId, seenAt)
	if ids, ok := args.Get(0).([]int); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}

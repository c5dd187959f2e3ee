package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/unimarket/chat-server/internal/database"
	"github.com/unimarket/chat-server/internal/stats"
	"github.com/unimarket/chat-server/internal/testutil"
	"github.com/unimarket/chat-server/internal/types"
)

// newTestChatServer creates a new ChatServer instance for testing purposes
func newTestChatServer(t *testing.T, db database.ChatRepository) *ChatServer {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Times(6)
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, db, su)
	if err != nil {
		t.Fatalf("failed to create test ChatServer: %v", err)
	}
	return cs
}

// newTestClient builds a session without a live websocket connection.
func newTestClient(userId int) *Client {
	return &Client{
		id:       uuid.NewString(),
		log:      log.New(io.Discard, "", 0),
		user:     types.User{Id: userId},
		send:     make(chan *ServerMessage, 256),
		rooms:    make(map[int]struct{}),
		typingIn: make(map[int]struct{}),
		stop:     make(chan struct{}),
	}
}

func testChat(id, one, two int) database.Chat {
	return database.Chat{
		Id:             id,
		PublicId:       "EoGKUXPHgz",
		ParticipantOne: one,
		ParticipantTwo: two,
	}
}

func drainEvents(c *Client) []*ServerMessage {
	var msgs []*ServerMessage
	for {
		select {
		case msg := <-c.send:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func TestNewChatServer(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Times(6)

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, db, su)
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.Equal(t, db, cs.db, "expected database repository to be set")
	assert.NotNil(t, cs.presence, "expected presence registry to be initialized")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")
	assert.NotNil(t, cs.rooms, "expected rooms map to be initialized")
	assert.NotNil(t, cs.eventChan, "expected eventChan to be initialized")
	assert.NotNil(t, cs.sendChan, "expected sendChan to be initialized")
	assert.NotNil(t, cs.seenChan, "expected seenChan to be initialized")
	assert.NotNil(t, cs.stop, "expected stop channel to be initialized")
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{})

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		go func() {
			select {
			case req := <-cs.stop:
				assert.NotNil(t, req.done, "expected done channel in stop request")
				close(req.done)
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{})

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		go func() {
			// accept the request but never complete, simulating a hang
			<-cs.stop
		}()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected context deadline exceeded error, got %v", err)
	})
}

func TestChatServerShutdown_Integration(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{})
	go cs.Run()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := cs.Shutdown(ctx)
	assert.NoError(t, err, "expected successful shutdown without error")
}

func Test_handleRegister(t *testing.T) {
	t.Run("registers session and broadcasts presence", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{})

		c := newTestClient(1)
		cs.handleRegister(c)

		assert.Contains(t, cs.clients, c, "expected client to be tracked")
		assert.True(t, cs.presence.isOnline(1), "expected user to be online")

		msgs := drainEvents(c)
		assert.Len(t, msgs, 1, "expected one online-users broadcast")
		assert.Equal(t, []string{"1"}, msgs[0].OnlineUsers, "expected snapshot with the new user")
	})

	t.Run("rejects session without identity", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{})

		c := newTestClient(0)
		cs.handleRegister(c)

		assert.NotContains(t, cs.clients, c, "expected anonymous client not to be tracked")
		assert.False(t, cs.presence.isOnline(0), "expected no presence entry")
		select {
		case <-c.stop:
			// session stopped as expected
		default:
			t.Error("expected stop channel to be closed for anonymous session")
		}
	})
}

func Test_handleDeregister(t *testing.T) {
	t.Run("user with one connection goes offline", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{})

		c := newTestClient(1)
		cs.handleRegister(c)
		drainEvents(c)

		cs.handleDeregister(c)
		assert.NotContains(t, cs.clients, c, "expected client to be removed")
		assert.False(t, cs.presence.isOnline(1), "expected user to be offline")
	})

	t.Run("user with multiple connections stays online", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{})

		c1 := newTestClient(1)
		c2 := newTestClient(1)
		cs.handleRegister(c1)
		cs.handleRegister(c2)

		cs.handleDeregister(c1)
		assert.True(t, cs.presence.isOnline(1), "expected user to remain online with one connection left")

		drainEvents(c2)
		cs.handleDeregister(c2)
		assert.False(t, cs.presence.isOnline(1), "expected user to go offline after last disconnect")
	})

	t.Run("unknown client is a no-op", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{})
		cs.handleDeregister(newTestClient(1))
		assert.Empty(t, cs.clients, "expected no clients tracked")
	})

	t.Run("emits stop-typing on the session's behalf", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetChatById", 7).Return(testChat(7, 1, 2), nil).Twice()
		cs := newTestChatServer(t, db)

		typist := newTestClient(1)
		peer := newTestClient(2)
		cs.handleRegister(typist)
		cs.handleRegister(peer)
		cs.handleJoin(typist, 7)
		cs.handleJoin(peer, 7)
		cs.handleTyping(typist, &Typing{ChatId: 7, IsTyping: true})
		drainEvents(peer)

		// abrupt disconnect without a typing(false) from the client
		cs.handleDeregister(typist)

		msgs := drainEvents(peer)
		var sawStop bool
		for _, msg := range msgs {
			if msg.UserTyping != nil {
				assert.False(t, msg.UserTyping.IsTyping, "expected a stop-typing event")
				assert.Equal(t, 1, msg.UserTyping.UserId, "expected typist's user id")
				assert.Equal(t, 7, msg.UserTyping.ChatId, "expected typist's chat id")
				sawStop = true
			}
		}
		assert.True(t, sawStop, "expected peer to receive stop-typing after abrupt disconnect")
	})
}

func Test_handleJoinLeave(t *testing.T) {
	t.Run("participant joins room", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetChatById", 7).Return(testChat(7, 1, 2), nil).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db)
		c := newTestClient(1)
		cs.handleJoin(c, 7)

		assert.Contains(t, cs.rooms, 7, "expected room to be loaded")
		assert.Contains(t, cs.rooms[7], c, "expected client in room")
		assert.Contains(t, c.rooms, 7, "expected room tracked on client")
	})

	t.Run("non-participant is silently dropped", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetChatById", 7).Return(testChat(7, 1, 2), nil).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db)
		c := newTestClient(3)
		cs.handleJoin(c, 7)

		assert.NotContains(t, cs.rooms, 7, "expected no room for non-participant")
		assert.Empty(t, drainEvents(c), "expected no response leaked to non-participant")
	})

	t.Run("unknown chat is silently dropped", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetChatById", 9).Return(database.Chat{}, sql.ErrNoRows).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db)
		c := newTestClient(1)
		cs.handleJoin(c, 9)

		assert.Empty(t, cs.rooms, "expected no room loaded")
	})

	t.Run("last leave unloads the room", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetChatById", 7).Return(testChat(7, 1, 2), nil).Once()

		cs := newTestChatServer(t, db)
		c := newTestClient(1)
		cs.handleJoin(c, 7)
		cs.handleLeave(c, 7)

		assert.NotContains(t, cs.rooms, 7, "expected empty room to be unloaded")
		assert.NotContains(t, c.rooms, 7, "expected room removed from client")
	})
}

func Test_handleTyping(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetChatById", 7).Return(testChat(7, 1, 2), nil).Times(3)
	cs := newTestChatServer(t, db)

	typist := newTestClient(1)
	typistTab := newTestClient(1)
	peer := newTestClient(2)
	for _, c := range []*Client{typist, typistTab, peer} {
		cs.handleRegister(c)
		cs.handleJoin(c, 7)
	}
	for _, c := range []*Client{typist, typistTab, peer} {
		drainEvents(c)
	}

	t.Run("relays to the other participant only", func(t *testing.T) {
		cs.handleTyping(typist, &Typing{ChatId: 7, IsTyping: true})

		msgs := drainEvents(peer)
		assert.Len(t, msgs, 1, "expected one typing event at peer")
		assert.Equal(t, &UserTyping{UserId: 1, ChatId: 7, IsTyping: true}, msgs[0].UserTyping, "expected typing event payload")
		assert.Empty(t, drainEvents(typistTab), "expected typist's other tab to not receive own typing")
		assert.Contains(t, typist.typingIn, 7, "expected typing state tracked on session")
	})

	t.Run("stop typing clears state", func(t *testing.T) {
		cs.handleTyping(typist, &Typing{ChatId: 7, IsTyping: false})

		msgs := drainEvents(peer)
		assert.Len(t, msgs, 1, "expected one typing event at peer")
		assert.False(t, msgs[0].UserTyping.IsTyping, "expected stop-typing event")
		assert.NotContains(t, typist.typingIn, 7, "expected typing state cleared")
	})

	t.Run("dropped when session has not joined the room", func(t *testing.T) {
		stranger := newTestClient(3)
		cs.handleRegister(stranger)
		drainEvents(peer)

		cs.handleTyping(stranger, &Typing{ChatId: 7, IsTyping: true})
		assert.Empty(t, drainEvents(peer), "expected no typing relay from a session outside the room")
	})
}

func Test_handleSendMessage(t *testing.T) {
	t.Run("persists then fans out to both participants", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetChatById", 7).Return(testChat(7, 1, 2), nil).Once()
		db.On("CreateMessage", mock.MatchedBy(func(p database.CreateMessageParams) bool {
			return p.ChatId == 7 && p.SenderId == 1 && p.Text == "hi"
		})).Return(database.Message{
			Id:        42,
			ChatId:    7,
			SenderId:  1,
			Text:      sql.NullString{String: "hi", Valid: true},
			CreatedAt: Now(),
		}, nil).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db)
		sender := newTestClient(1)
		senderTab := newTestClient(1)
		recipient := newTestClient(2)
		for _, c := range []*Client{sender, senderTab, recipient} {
			cs.handleRegister(c)
		}
		for _, c := range []*Client{sender, senderTab, recipient} {
			drainEvents(c)
		}

		req := &sendMessageReq{senderId: 1, chatId: 7, text: "hi", reply: make(chan sendMessageResp, 1)}
		cs.handleSendMessage(req)

		resp := <-req.reply
		assert.NoError(t, resp.err, "expected send to succeed")
		assert.Equal(t, 42, resp.message.Id, "expected persisted message id")
		assert.Equal(t, 2, resp.message.ReceiverId, "expected receiver to be the other participant")

		// sender included so their other tabs update
		for _, c := range []*Client{sender, senderTab, recipient} {
			msgs := drainEvents(c)
			assert.Lenf(t, msgs, 1, "expected one newMessage at session %s", c.id)
			assert.Equal(t, 42, msgs[0].NewMessage.Id, "expected broadcast of the persisted message")
		}
	})

	t.Run("no broadcast when persistence fails", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetChatById", 7).Return(testChat(7, 1, 2), nil).Once()
		db.On("CreateMessage", mock.Anything).Return(database.Message{}, errors.New("db down")).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db)
		sender := newTestClient(1)
		recipient := newTestClient(2)
		cs.handleRegister(sender)
		cs.handleRegister(recipient)
		drainEvents(sender)
		drainEvents(recipient)

		req := &sendMessageReq{senderId: 1, chatId: 7, text: "hi", reply: make(chan sendMessageResp, 1)}
		cs.handleSendMessage(req)

		resp := <-req.reply
		assert.Error(t, resp.err, "expected persistence error to surface")
		assert.Empty(t, drainEvents(sender), "expected no broadcast to sender")
		assert.Empty(t, drainEvents(recipient), "expected no broadcast to recipient")
	})

	t.Run("rejects non-participant without persisting", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetChatById", 7).Return(testChat(7, 1, 2), nil).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db)
		req := &sendMessageReq{senderId: 3, chatId: 7, text: "hi", reply: make(chan sendMessageResp, 1)}
		cs.handleSendMessage(req)

		resp := <-req.reply
		assert.ErrorIs(t, resp.err, ErrNotParticipant, "expected authorization error")
		db.AssertNotCalled(t, "CreateMessage", mock.Anything)
	})

	t.Run("rejects message with no content", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetChatById", 7).Return(testChat(7, 1, 2), nil).Once()

		cs := newTestChatServer(t, db)
		req := &sendMessageReq{senderId: 1, chatId: 7, reply: make(chan sendMessageResp, 1)}
		cs.handleSendMessage(req)

		resp := <-req.reply
		assert.ErrorIs(t, resp.err, ErrEmptyMessage, "expected empty-message error")
	})

	t.Run("unknown chat", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetChatById", 9).Return(database.Chat{}, sql.ErrNoRows).Once()

		cs := newTestChatServer(t, db)
		req := &sendMessageReq{senderId: 1, chatId: 9, text: "hi", reply: make(chan sendMessageResp, 1)}
		cs.handleSendMessage(req)

		resp := <-req.reply
		assert.ErrorIs(t, resp.err, ErrChatNotFound, "expected chat-not-found error")
	})
}

func Test_handleSendMessage_orderPreserved(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetChatById", 7).Return(testChat(7, 1, 2), nil).Times(5)
	for i := 1; i <= 5; i++ {
		text := fmt.Sprintf("msg-%d", i)
		db.On("CreateMessage", mock.MatchedBy(func(p database.CreateMessageParams) bool {
			return p.Text == text
		})).Return(database.Message{
			Id:        i,
			ChatId:    7,
			SenderId:  1,
			Text:      sql.NullString{String: text, Valid: true},
			CreatedAt: Now(),
		}, nil).Once()
	}

	cs := newTestChatServer(t, db)
	recipient := newTestClient(2)
	cs.handleRegister(recipient)
	drainEvents(recipient)

	for i := 1; i <= 5; i++ {
		req := &sendMessageReq{senderId: 1, chatId: 7, text: fmt.Sprintf("msg-%d", i), reply: make(chan sendMessageResp, 1)}
		cs.handleSendMessage(req)
		resp := <-req.reply
		assert.NoError(t, resp.err, "expected send %d to succeed", i)
	}

	msgs := drainEvents(recipient)
	assert.Len(t, msgs, 5, "expected all messages delivered")
	for i, msg := range msgs {
		assert.Equalf(t, i+1, msg.NewMessage.Id, "expected message %d in processing order", i+1)
	}
}

func Test_handleMarkSeen(t *testing.T) {
	t.Run("stamps and broadcasts receipt to both participants", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetChatById", 7).Return(testChat(7, 1, 2), nil).Once()
		db.On("MarkMessagesSeen", 7, 2, mock.Anything).Return([]int{42, 43}, nil).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db)
		sender := newTestClient(1)
		viewer := newTestClient(2)
		cs.handleRegister(sender)
		cs.handleRegister(viewer)
		drainEvents(sender)
		drainEvents(viewer)

		req := &markSeenReq{viewerId: 2, chatId: 7, reply: make(chan markSeenResp, 1)}
		cs.handleMarkSeen(req)

		resp := <-req.reply
		assert.NoError(t, resp.err, "expected mark seen to succeed")
		assert.Equal(t, []int{42, 43}, resp.messageIds, "expected affected message ids")

		for _, c := range []*Client{sender, viewer} {
			msgs := drainEvents(c)
			assert.Lenf(t, msgs, 1, "expected one messagesSeen event at session %s", c.id)
			assert.Equal(t, &MessagesSeen{ChatId: 7, SeenBy: 2, MessageIds: []int{42, 43}}, msgs[0].MessagesSeen, "expected receipt payload")
		}
	})

	t.Run("no receipt when nothing was unseen", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetChatById", 7).Return(testChat(7, 1, 2), nil).Once()
		db.On("MarkMessagesSeen", 7, 2, mock.Anything).Return([]int{}, nil).Once()

		cs := newTestChatServer(t, db)
		sender := newTestClient(1)
		cs.handleRegister(sender)
		drainEvents(sender)

		req := &markSeenReq{viewerId: 2, chatId: 7, reply: make(chan markSeenResp, 1)}
		cs.handleMarkSeen(req)

		resp := <-req.reply
		assert.NoError(t, resp.err, "expected idempotent mark seen to succeed")
		assert.Empty(t, resp.messageIds, "expected no affected ids")
		assert.Empty(t, drainEvents(sender), "expected no receipt broadcast")
	})

	t.Run("rejects non-participant", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetChatById", 7).Return(testChat(7, 1, 2), nil).Once()

		cs := newTestChatServer(t, db)
		req := &markSeenReq{viewerId: 3, chatId: 7, reply: make(chan markSeenResp, 1)}
		cs.handleMarkSeen(req)

		resp := <-req.reply
		assert.ErrorIs(t, resp.err, ErrNotParticipant, "expected authorization error")
		db.AssertNotCalled(t, "MarkMessagesSeen", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestSendMessage_Integration(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetChatById", 7).Return(testChat(7, 1, 2), nil).Once()
	db.On("CreateMessage", mock.Anything).Return(database.Message{
		Id:        42,
		ChatId:    7,
		SenderId:  1,
		Text:      sql.NullString{String: "hi", Valid: true},
		CreatedAt: Now(),
	}, nil).Once()

	cs := newTestChatServer(t, db)
	go cs.Run()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, err := cs.SendMessage(ctx, 1, 7, "hi", "")
	assert.NoError(t, err, "expected send through the hub loop to succeed")
	assert.Equal(t, 42, msg.Id, "expected persisted message id")
}

func Test_handleUnloadChat(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetChatById", 7).Return(testChat(7, 1, 2), nil).Once()

	cs := newTestChatServer(t, db)
	c := newTestClient(1)
	cs.handleJoin(c, 7)
	c.typingIn[7] = struct{}{}

	cs.handleUnloadChat(7)
	assert.NotContains(t, cs.rooms, 7, "expected room dropped")
	assert.NotContains(t, c.rooms, 7, "expected room removed from client")
	assert.NotContains(t, c.typingIn, 7, "expected typing state cleared")
}

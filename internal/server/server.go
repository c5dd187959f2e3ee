package server

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/unimarket/chat-server/internal/database"
	"github.com/unimarket/chat-server/internal/stats"
	"github.com/unimarket/chat-server/internal/types"
)

var (
	ErrChatNotFound   = errors.New("chat not found")
	ErrNotParticipant = errors.New("not a chat participant")
	ErrEmptyMessage   = errors.New("message must have text or an image")
	ErrServerClosed   = errors.New("chat server closed")
)

// ChatServer is the event hub. A single Run goroutine owns the presence
// registry, the room membership table and the client set, and it processes
// each inbound event to completion — including the persistence call for
// message sends and seen-marking — before the next one. That makes the hub a
// sequencer for those events: per-chat fan-out order matches processing
// order, and nothing is broadcast unless persistence succeeded.
type ChatServer struct {
	log            *log.Logger
	db             database.ChatRepository
	stats          stats.StatsProvider
	presence       *presenceRegistry
	clients        map[*Client]struct{}
	rooms          map[int]map[*Client]struct{}
	registerChan   chan *Client
	deregisterChan chan *Client
	eventChan      chan *ClientMessage
	sendChan       chan *sendMessageReq
	seenChan       chan *markSeenReq
	unloadChan     chan int
	stop           chan shutdownReq
}

type shutdownReq struct {
	done chan struct{}
}

type sendMessageReq struct {
	senderId int
	chatId   int
	text     string
	image    string
	reply    chan sendMessageResp
}

type sendMessageResp struct {
	message types.Message
	err     error
}

type markSeenReq struct {
	viewerId int
	chatId   int
	reply    chan markSeenResp
}

type markSeenResp struct {
	messageIds []int
	err        error
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, su stats.StatsProvider) (*ChatServer, error) {
	cs := &ChatServer{
		log:            logger,
		db:             db,
		stats:          su,
		presence:       newPresenceRegistry(),
		clients:        make(map[*Client]struct{}),
		rooms:          make(map[int]map[*Client]struct{}),
		registerChan:   make(chan *Client),
		deregisterChan: make(chan *Client),
		eventChan:      make(chan *ClientMessage, 256),
		sendChan:       make(chan *sendMessageReq),
		seenChan:       make(chan *markSeenReq),
		unloadChan:     make(chan int, 16),
		stop:           make(chan shutdownReq),
	}

	for _, name := range []string{
		"NumConnections",
		"NumOnlineUsers",
		"NumLoadedRooms",
		"MessagesSent",
		"SeenReceipts",
		"TypingEvents",
	} {
		su.RegisterMetric(name)
	}

	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case c := <-cs.registerChan:
			cs.handleRegister(c)
		case c := <-cs.deregisterChan:
			cs.handleDeregister(c)
		case msg := <-cs.eventChan:
			switch {
			case msg.Typing != nil:
				cs.handleTyping(msg.client, msg.Typing)
			case msg.Join != nil:
				cs.handleJoin(msg.client, msg.Join.ChatId)
			case msg.Leave != nil:
				cs.handleLeave(msg.client, msg.Leave.ChatId)
			}
		case req := <-cs.sendChan:
			cs.handleSendMessage(req)
		case req := <-cs.seenChan:
			cs.handleMarkSeen(req)
		case chatId := <-cs.unloadChan:
			cs.handleUnloadChat(chatId)
		case req := <-cs.stop:
			cs.log.Println("shutting down chat server")
			for c := range cs.clients {
				c.stopClient()
			}
			close(req.done)
			return
		}
	}
}

// RegisterClient hands a new connection session to the hub.
func (cs *ChatServer) RegisterClient(c *Client) {
	cs.registerChan <- c
}

// SendMessage persists a message through the hub loop and, on success, fans
// out a newMessage event to every connection of both participants. If
// persistence fails no event is broadcast.
func (cs *ChatServer) SendMessage(ctx context.Context, senderId, chatId int, text, image string) (types.Message, error) {
	req := &sendMessageReq{
		senderId: senderId,
		chatId:   chatId,
		text:     text,
		image:    image,
		reply:    make(chan sendMessageResp, 1),
	}

	select {
	case cs.sendChan <- req:
	case <-ctx.Done():
		return types.Message{}, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp.message, resp.err
	case <-ctx.Done():
		return types.Message{}, ctx.Err()
	}
}

// MarkSeen stamps all unseen messages addressed to viewerId in the chat and
// broadcasts a messagesSeen receipt when anything changed.
func (cs *ChatServer) MarkSeen(ctx context.Context, viewerId, chatId int) ([]int, error) {
	req := &markSeenReq{
		viewerId: viewerId,
		chatId:   chatId,
		reply:    make(chan markSeenResp, 1),
	}

	select {
	case cs.seenChan <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp.messageIds, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// UnloadChat drops the room state for a deleted chat.
func (cs *ChatServer) UnloadChat(chatId int) {
	select {
	case cs.unloadChan <- chatId:
	default:
		cs.log.Printf("unload channel full, dropping unload for chat %d", chatId)
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	req := shutdownReq{done: make(chan struct{})}

	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *ChatServer) handleRegister(c *Client) {
	if c.user.Id <= 0 {
		// no resolvable identity, never registered in the presence registry
		cs.log.Printf("rejecting session %s without identity", c.id)
		c.stopClient()
		return
	}

	cs.clients[c] = struct{}{}
	cs.stats.Incr("NumConnections")

	if cs.presence.register(c.user.Id, c) {
		cs.stats.Incr("NumOnlineUsers")
	}

	cs.log.Printf("registered session %s for user %d", c.id, c.user.Id)
	cs.broadcastOnlineUsers()
}

func (cs *ChatServer) handleDeregister(c *Client) {
	if _, ok := cs.clients[c]; !ok {
		// already removed, disconnection race
		return
	}

	delete(cs.clients, c)
	cs.stats.Decr("NumConnections")

	// emit a stop on the client's behalf for any chat it was mid-typing in,
	// so peers don't see a stuck indicator
	for chatId := range c.typingIn {
		cs.broadcastToRoom(chatId, userTypingEvent(c.user.Id, chatId, false), c.user.Id)
	}

	for chatId := range c.rooms {
		cs.removeFromRoom(c, chatId)
	}

	if cs.presence.unregister(c.user.Id, c) {
		cs.stats.Decr("NumOnlineUsers")
	}

	c.stopClient()
	cs.log.Printf("deregistered session %s for user %d", c.id, c.user.Id)
	cs.broadcastOnlineUsers()
}

func (cs *ChatServer) handleJoin(c *Client, chatId int) {
	chat, err := cs.db.GetChatById(chatId)
	if err != nil {
		cs.log.Printf("join_room: chat %d: %v", chatId, err)
		return
	}

	// silently dropped so chat existence is not leaked to non-participants
	if !chat.HasParticipant(c.user.Id) {
		cs.log.Printf("join_room: user %d is not a participant of chat %d", c.user.Id, chatId)
		return
	}

	room, ok := cs.rooms[chatId]
	if !ok {
		room = make(map[*Client]struct{})
		cs.rooms[chatId] = room
		cs.stats.Incr("NumLoadedRooms")
	}

	room[c] = struct{}{}
	c.rooms[chatId] = struct{}{}
}

func (cs *ChatServer) handleLeave(c *Client, chatId int) {
	if _, ok := c.rooms[chatId]; !ok {
		return
	}

	// leaving while typing counts as stopping
	if _, typing := c.typingIn[chatId]; typing {
		delete(c.typingIn, chatId)
		cs.broadcastToRoom(chatId, userTypingEvent(c.user.Id, chatId, false), c.user.Id)
	}

	cs.removeFromRoom(c, chatId)
}

func (cs *ChatServer) handleTyping(c *Client, typing *Typing) {
	// typing is room-scoped; a session that hasn't joined the chat's room is
	// either racing a leave or not a participant, both dropped
	if _, ok := c.rooms[typing.ChatId]; !ok {
		return
	}

	if typing.IsTyping {
		c.typingIn[typing.ChatId] = struct{}{}
	} else {
		delete(c.typingIn, typing.ChatId)
	}

	cs.stats.Incr("TypingEvents")
	cs.broadcastToRoom(typing.ChatId, userTypingEvent(c.user.Id, typing.ChatId, typing.IsTyping), c.user.Id)
}

func (cs *ChatServer) handleSendMessage(req *sendMessageReq) {
	chat, err := cs.db.GetChatById(req.chatId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrChatNotFound
		}
		req.reply <- sendMessageResp{err: err}
		return
	}

	if !chat.HasParticipant(req.senderId) {
		req.reply <- sendMessageResp{err: ErrNotParticipant}
		return
	}

	if req.text == "" && req.image == "" {
		req.reply <- sendMessageResp{err: ErrEmptyMessage}
		return
	}

	dbMsg, err := cs.db.CreateMessage(database.CreateMessageParams{
		ChatId:    req.chatId,
		SenderId:  req.senderId,
		Text:      req.text,
		Image:     req.image,
		CreatedAt: Now(),
	})
	if err != nil {
		// persistence failed, nothing is broadcast
		cs.log.Println("error saving message:", err)
		req.reply <- sendMessageResp{err: err}
		return
	}

	msg := types.Message{
		Id:         dbMsg.Id,
		ChatId:     dbMsg.ChatId,
		SenderId:   dbMsg.SenderId,
		ReceiverId: chat.Other(req.senderId),
		Text:       dbMsg.Text.String,
		Image:      dbMsg.Image.String,
		CreatedAt:  dbMsg.CreatedAt,
	}

	req.reply <- sendMessageResp{message: msg}
	cs.stats.Incr("MessagesSent")

	// fan out to every connection of both participants, sender included, so
	// the sender's other tabs stay current
	event := newMessageEvent(msg)
	cs.broadcastToUser(chat.ParticipantOne, event)
	cs.broadcastToUser(chat.ParticipantTwo, event)
}

func (cs *ChatServer) handleMarkSeen(req *markSeenReq) {
	chat, err := cs.db.GetChatById(req.chatId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrChatNotFound
		}
		req.reply <- markSeenResp{err: err}
		return
	}

	if !chat.HasParticipant(req.viewerId) {
		req.reply <- markSeenResp{err: ErrNotParticipant}
		return
	}

	ids, err := cs.db.MarkMessagesSeen(req.chatId, req.viewerId, Now())
	if err != nil {
		cs.log.Println("error marking messages seen:", err)
		req.reply <- markSeenResp{err: err}
		return
	}

	req.reply <- markSeenResp{messageIds: ids}

	// already seen, nothing to announce
	if len(ids) == 0 {
		return
	}

	cs.stats.Incr("SeenReceipts")
	event := messagesSeenEvent(req.chatId, req.viewerId, ids)
	cs.broadcastToUser(chat.ParticipantOne, event)
	cs.broadcastToUser(chat.ParticipantTwo, event)
}

func (cs *ChatServer) handleUnloadChat(chatId int) {
	room, ok := cs.rooms[chatId]
	if !ok {
		return
	}

	for c := range room {
		delete(c.rooms, chatId)
		delete(c.typingIn, chatId)
	}

	delete(cs.rooms, chatId)
	cs.stats.Decr("NumLoadedRooms")
}

func (cs *ChatServer) removeFromRoom(c *Client, chatId int) {
	delete(c.rooms, chatId)

	room, ok := cs.rooms[chatId]
	if !ok {
		return
	}

	delete(room, c)
	if len(room) == 0 {
		delete(cs.rooms, chatId)
		cs.stats.Decr("NumLoadedRooms")
	}
}

// broadcastOnlineUsers sends the full online-user snapshot to every
// connected client; any client may be watching any user's status.
func (cs *ChatServer) broadcastOnlineUsers() {
	event := onlineUsersEvent(cs.presence.snapshot())
	for c := range cs.clients {
		c.queueMessage(event)
	}
}

func (cs *ChatServer) broadcastToUser(userId int, msg *ServerMessage) {
	for c := range cs.presence.clientsFor(userId) {
		c.queueMessage(msg)
	}
}

// broadcastToRoom delivers to every session joined to the chat's room except
// those belonging to skipUserId.
func (cs *ChatServer) broadcastToRoom(chatId int, msg *ServerMessage, skipUserId int) {
	for c := range cs.rooms[chatId] {
		if c.user.Id == skipUserId {
			continue
		}

		c.queueMessage(msg)
	}
}

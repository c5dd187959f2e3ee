package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/unimarket/chat-server/internal/content"
	"github.com/unimarket/chat-server/internal/database"
	"github.com/unimarket/chat-server/internal/server"
	"github.com/unimarket/chat-server/internal/types"
)

type CreateChatRequest struct {
	RecipientId int `json:"recipient_id"`
	ListingId   int `json:"listing_id,omitempty"`
}

type CreateMessageRequest struct {
	ChatId string `json:"chat_id"`
	Text   string `json:"text,omitempty"`
	Image  string `json:"image,omitempty"`
}

type MarkSeenRequest struct {
	ChatId string `json:"chat_id"`
}

type MarkSeenResponse struct {
	ChatId     string `json:"chat_id"`
	MessageIds []int  `json:"message_ids"`
}

func (s *ChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func chatToApi(c database.Chat, unread int) types.Chat {
	chat := types.Chat{
		Id:              c.Id,
		PublicId:        c.PublicId,
		ListingId:       int(c.ListingId.Int64),
		ParticipantOne:  c.ParticipantOne,
		ParticipantTwo:  c.ParticipantTwo,
		LastMessageText: c.LastMessageText.String,
		MessageCount:    c.MessageCount,
		UnreadCount:     unread,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}

	if c.LastMessageAt.Valid {
		t := c.LastMessageAt.Time
		chat.LastMessageAt = &t
	}

	return chat
}

func messageToApi(m database.Message, receiverId int) types.Message {
	msg := types.Message{
		Id:         m.Id,
		ChatId:     m.ChatId,
		SenderId:   m.SenderId,
		ReceiverId: receiverId,
		Text:       m.Text.String,
		Image:      m.Image.String,
		CreatedAt:  m.CreatedAt,
	}

	if m.SeenAt.Valid {
		t := m.SeenAt.Time
		msg.SeenAt = &t
	}

	return msg
}

func (s *ChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Println("health check:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// createChat creates the chat between the caller and the recipient for a
// listing context, or returns the existing one. First contact between two
// users creates the chat; a second attempt resolves to the same record.
func (s *ChatApp) createChat(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.RecipientId <= 0 || req.RecipientId == userId {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sid, err := s.generateShortId()
	if err != nil {
		s.log.Print("generateShortId:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	chat, created, err := s.db.GetOrCreateChat(database.CreateChatParams{
		PublicId:       sid,
		ListingId:      req.ListingId,
		ParticipantOne: userId,
		ParticipantTwo: req.RecipientId,
	})
	if err != nil {
		s.log.Println("create chat:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}

	s.writeJson(w, status, chatToApi(chat, 0))
}

func (s *ChatApp) listChats(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbChats, err := s.db.ListChatsForUser(userId)
	if err != nil {
		s.log.Println("list chats:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	chats := make([]types.Chat, 0, len(dbChats))
	for _, c := range dbChats {
		chats = append(chats, chatToApi(c.Chat, c.UnreadCount))
	}

	s.writeJson(w, http.StatusOK, chats)
}

// deleteChat removes a chat and its messages. Either participant may delete.
func (s *ChatApp) deleteChat(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	publicId := r.URL.Query().Get("id")
	if publicId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	chat, err := s.db.GetChatByPublicId(publicId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	// non-participants get the same answer as a missing chat
	if !chat.HasParticipant(userId) {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.DeleteChat(chat.Id); err != nil {
		s.log.Println("delete chat:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.cs.UnloadChat(chat.Id)
	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *ChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	publicId := r.URL.Query().Get("chat_id")
	if publicId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	chat, err := s.db.GetChatByPublicId(publicId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !chat.HasParticipant(userId) {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var before, limit int
	beforeStr := r.URL.Query().Get("before")
	if beforeStr != "" {
		before, err = strconv.Atoi(beforeStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	limitStr := r.URL.Query().Get("limit")
	if limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	dbMessages, err := s.db.GetMessages(chat.Id, before, limit)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messages := make([]types.Message, 0, len(dbMessages))
	for _, msg := range dbMessages {
		receiver := chat.ParticipantOne
		if msg.SenderId == chat.ParticipantOne {
			receiver = chat.ParticipantTwo
		}
		messages = append(messages, messageToApi(msg, receiver))
	}

	s.writeJson(w, http.StatusOK, messages)
}

// createMessage is the send path: the message is durably persisted through
// the hub before any client hears about it. The response confirms
// persistence; a failed send returns an error and nothing is broadcast.
func (s *ChatApp) createMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	text := content.Sanitize(req.Text)
	if err := content.ValidateMessage(text, req.Image); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	chat, err := s.db.GetChatByPublicId(req.ChatId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := s.cs.SendMessage(r.Context(), userId, chat.Id, text, req.Image)
	if err != nil {
		errResp := s.hubError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

// markSeen stamps the unseen messages addressed to the caller and fans out
// the receipt.
func (s *ChatApp) markSeen(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req MarkSeenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	chat, err := s.db.GetChatByPublicId(req.ChatId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	ids, err := s.cs.MarkSeen(r.Context(), userId, chat.Id)
	if err != nil {
		errResp := s.hubError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, MarkSeenResponse{
		ChatId:     req.ChatId,
		MessageIds: ids,
	})
}

// hubError maps hub sentinel errors to API responses. Authorization
// failures answer like a missing chat so existence is not leaked.
func (s *ChatApp) hubError(err error) *ApiError {
	switch {
	case errors.Is(err, server.ErrChatNotFound), errors.Is(err, server.ErrNotParticipant):
		return NewNotFoundError()
	case errors.Is(err, server.ErrEmptyMessage):
		return NewBadRequestError()
	default:
		s.log.Println("hub:", err)
		return NewInternalServerError(err)
	}
}

func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok || userId <= 0 {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(types.User{Id: userId}, conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}

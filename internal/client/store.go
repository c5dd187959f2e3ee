// Package client holds the per-client message store: ordered message lists,
// unread bookkeeping, typing indicators and the seen-state derivations the UI
// renders from. The store is mutated only by events received from the hub or
// by local view changes, never by the transport directly, so it can be tested
// by feeding it synthetic event sequences.
package client

import (
	"sort"
	"sync"
	"time"

	"github.com/unimarket/chat-server/internal/types"
)

// chatState is the per-chat slice of the store.
type chatState struct {
	// messages is append-only from the network path; arrival order is
	// display order.
	messages []types.Message
	unread   int
	typing   map[int]struct{}
}

// Store is the client-local message store for one connected session. Unread
// state is deliberately client-owned: the server only records per-message
// seen timestamps, so which chats count as "unread" is decided here from the
// focused-chat context. A user's tabs each hold their own Store and may
// diverge until each reconciles via mark-seen.
type Store struct {
	mu        sync.Mutex
	selfId    int
	focused   int // chat id currently viewed, 0 = none
	chats     map[int]*chatState
	hasUnread map[int]struct{}
}

func NewStore(selfId int) *Store {
	return &Store{
		selfId:    selfId,
		chats:     make(map[int]*chatState),
		hasUnread: make(map[int]struct{}),
	}
}

func (s *Store) state(chatId int) *chatState {
	cs, ok := s.chats[chatId]
	if !ok {
		cs = &chatState{typing: make(map[int]struct{})}
		s.chats[chatId] = cs
	}
	return cs
}

// ApplyIncomingMessage appends a newMessage event to its chat's list. The
// unread counter increments only for messages from the other participant
// arriving while the chat is not focused.
func (s *Store) ApplyIncomingMessage(msg types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.state(msg.ChatId)
	cs.messages = append(cs.messages, msg)

	if msg.SenderId == s.selfId || s.focused == msg.ChatId {
		return
	}

	cs.unread++
	s.hasUnread[msg.ChatId] = struct{}{}
}

// ApplySeenReceipt marks the matching messages as seen. Messages are never
// reordered or removed, and a seen timestamp is never unset.
func (s *Store) ApplySeenReceipt(chatId int, messageIds []int, seenAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.chats[chatId]
	if !ok {
		return
	}

	ids := make(map[int]struct{}, len(messageIds))
	for _, id := range messageIds {
		ids[id] = struct{}{}
	}

	for i := range cs.messages {
		if _, ok := ids[cs.messages[i].Id]; !ok {
			continue
		}
		if cs.messages[i].SeenAt == nil {
			t := seenAt
			cs.messages[i].SeenAt = &t
		}
	}
}

// SetFocusedChat records the chat the viewer is actively looking at; 0
// clears focus. Focusing a chat is the sole authority for resetting its
// unread state.
func (s *Store) SetFocusedChat(chatId int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.focused = chatId
	if chatId == 0 {
		return
	}

	if cs, ok := s.chats[chatId]; ok {
		cs.unread = 0
	}
	delete(s.hasUnread, chatId)
}

func (s *Store) FocusedChat() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused
}

// ApplyTypingChange updates the chat's transient typing set.
func (s *Store) ApplyTypingChange(userId, chatId int, isTyping bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.state(chatId)
	if isTyping {
		cs.typing[userId] = struct{}{}
	} else {
		delete(cs.typing, userId)
	}
}

// LoadChat replaces a chat's message list with a freshly fetched history,
// used on initial load and after reconnect; in-flight events delivered while
// disconnected are never assumed to have arrived.
func (s *Store) LoadChat(chatId int, msgs []types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.state(chatId)
	cs.messages = append([]types.Message(nil), msgs...)
	cs.typing = make(map[int]struct{})
}

// LoadInbox reconciles unread state from the server-side chat listing. The
// persisted counts are authoritative; live events adjust from here.
func (s *Store) LoadInbox(chats []types.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chat := range chats {
		cs := s.state(chat.Id)
		if s.focused == chat.Id {
			cs.unread = 0
			delete(s.hasUnread, chat.Id)
			continue
		}

		cs.unread = chat.UnreadCount
		if chat.UnreadCount > 0 {
			s.hasUnread[chat.Id] = struct{}{}
		} else {
			delete(s.hasUnread, chat.Id)
		}
	}
}

func (s *Store) Unread(chatId int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cs, ok := s.chats[chatId]; ok {
		return cs.unread
	}
	return 0
}

// ChatsWithUnread returns the ids of chats carrying unread messages, sorted,
// for inbox badges.
func (s *Store) ChatsWithUnread() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int, 0, len(s.hasUnread))
	for id := range s.hasUnread {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	return ids
}

// Messages returns a copy of the chat's ordered message list.
func (s *Store) Messages(chatId int) []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.chats[chatId]
	if !ok {
		return nil
	}

	return append([]types.Message(nil), cs.messages...)
}

// TypingUsers returns the users currently typing in the chat.
func (s *Store) TypingUsers(chatId int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.chats[chatId]
	if !ok {
		return nil
	}

	ids := make([]int, 0, len(cs.typing))
	for id := range cs.typing {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	return ids
}

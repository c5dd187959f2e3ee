package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const chatColumns = "id, public_id, listing_id, participant_one, participant_two, " +
	"last_message_text, last_message_at, message_count, created_at, updated_at"

func scanChat(row interface{ Scan(...any) error }) (Chat, error) {
	var c Chat
	err := row.Scan(
		&c.Id,
		&c.PublicId,
		&c.ListingId,
		&c.ParticipantOne,
		&c.ParticipantTwo,
		&c.LastMessageText,
		&c.LastMessageAt,
		&c.MessageCount,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

// GetOrCreateChat returns the chat for the given participant pair and listing,
// creating it on first contact. The participant pair is stored normalized
// (lower id first) and a unique index on (participant_one, participant_two,
// listing_id) guards the insert race; on a conflict the existing row is
// re-read. The second return value reports whether the chat was created.
func (db *PgChatRepository) GetOrCreateChat(params CreateChatParams) (Chat, bool, error) {
	one, two := params.ParticipantOne, params.ParticipantTwo
	if one > two {
		one, two = two, one
	}

	chat, err := db.getChatByParticipants(one, two, params.ListingId)
	if err == nil {
		return chat, false, nil
	}
	if err != sql.ErrNoRows {
		return Chat{}, false, err
	}

	row := db.conn.QueryRow(
		"INSERT INTO chats (public_id, listing_id, participant_one, participant_two, message_count, created_at, updated_at) "+
			"VALUES ($1, NULLIF($2, 0), $3, $4, 0, $5, $5) RETURNING "+chatColumns,
		params.PublicId,
		params.ListingId,
		one,
		two,
		time.Now().UTC(),
	)

	chat, err = scanChat(row)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			chat, err = db.getChatByParticipants(one, two, params.ListingId)
			return chat, false, err
		}
		return Chat{}, false, err
	}

	return chat, true, nil
}

func (db *PgChatRepository) getChatByParticipants(one, two, listingId int) (Chat, error) {
	row := db.conn.QueryRow(
		"SELECT "+chatColumns+" FROM chats "+
			"WHERE participant_one = $1 AND participant_two = $2 AND COALESCE(listing_id, 0) = $3 LIMIT 1",
		one,
		two,
		listingId,
	)

	return scanChat(row)
}

func (db *PgChatRepository) GetChatById(id int) (Chat, error) {
	row := db.conn.QueryRow(
		"SELECT "+chatColumns+" FROM chats WHERE id = $1 LIMIT 1",
		id,
	)

	return scanChat(row)
}

func (db *PgChatRepository) GetChatByPublicId(publicId string) (Chat, error) {
	row := db.conn.QueryRow(
		"SELECT "+chatColumns+" FROM chats WHERE public_id = $1 LIMIT 1",
		publicId,
	)

	return scanChat(row)
}

// ListChatsForUser returns the user's chats ordered for the inbox, most
// recent activity first, each with the count of messages from the other
// participant not yet seen.
func (db *PgChatRepository) ListChatsForUser(userId int) ([]ChatWithUnread, error) {
	rows, err := db.conn.Query(
		"SELECT c.id, c.public_id, c.listing_id, c.participant_one, c.participant_two, "+
			"c.last_message_text, c.last_message_at, c.message_count, c.created_at, c.updated_at, "+
			"(SELECT COUNT(*) FROM messages m WHERE m.chat_id = c.id AND m.sender_id <> $1 AND m.seen_at IS NULL) AS unread_count "+
			"FROM chats c WHERE c.participant_one = $1 OR c.participant_two = $1 "+
			"ORDER BY c.last_message_at DESC NULLS LAST, c.id DESC",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats = make([]ChatWithUnread, 0)
	for rows.Next() {
		var c ChatWithUnread
		if err = rows.Scan(
			&c.Id,
			&c.PublicId,
			&c.ListingId,
			&c.ParticipantOne,
			&c.ParticipantTwo,
			&c.LastMessageText,
			&c.LastMessageAt,
			&c.MessageCount,
			&c.CreatedAt,
			&c.UpdatedAt,
			&c.UnreadCount,
		); err != nil {
			break
		}

		chats = append(chats, c)
	}

	return chats, err
}

func (db *PgChatRepository) DeleteChat(id int) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.Exec("DELETE FROM messages WHERE chat_id = $1", id)
	if err != nil {
		return err
	}

	_, err = tx.Exec("DELETE FROM chats WHERE id = $1", id)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// CreateMessage durably stores a message and bumps the chat's denormalized
// last-message columns in the same transaction.
func (db *PgChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	row := tx.QueryRow(
		"INSERT INTO messages (chat_id, sender_id, text, image, created_at) "+
			"VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5) "+
			"RETURNING id, chat_id, sender_id, text, image, created_at, seen_at",
		params.ChatId,
		params.SenderId,
		params.Text,
		params.Image,
		params.CreatedAt,
	)

	var msg Message
	err = row.Scan(
		&msg.Id,
		&msg.ChatId,
		&msg.SenderId,
		&msg.Text,
		&msg.Image,
		&msg.CreatedAt,
		&msg.SeenAt,
	)
	if err != nil {
		return Message{}, err
	}

	_, err = tx.Exec(
		"UPDATE chats SET last_message_text = NULLIF($2, ''), last_message_at = $3, "+
			"message_count = message_count + 1, updated_at = $3 WHERE id = $1",
		params.ChatId,
		params.Text,
		params.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return Message{}, err
	}

	return msg, nil
}

// GetMessages returns up to limit messages for a chat in chronological order.
// A non-zero before id pages backwards through history.
func (db *PgChatRepository) GetMessages(chatId, before, limit int) ([]Message, error) {
	var upper = 1<<31 - 1
	if before > 0 {
		upper = before - 1
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.Query(
		"SELECT id, chat_id, sender_id, text, image, created_at, seen_at FROM messages "+
			"WHERE chat_id = $1 AND id <= $2 ORDER BY id DESC LIMIT $3",
		chatId,
		upper,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err = rows.Scan(&msg.Id, &msg.ChatId, &msg.SenderId, &msg.Text, &msg.Image, &msg.CreatedAt, &msg.SeenAt); err != nil {
			break
		}

		messages = append(messages, msg)
	}
	if err != nil {
		return nil, err
	}

	// newest page is fetched first, flip to chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// MarkMessagesSeen stamps every not-yet-seen message sent to viewerId in the
// chat and returns the affected ids. Calling it again is a no-op; seen_at is
// never overwritten.
func (db *PgChatRepository) MarkMessagesSeen(chatId, viewerId int, seenAt time.Time) ([]int, error) {
	rows, err := db.conn.Query(
		"UPDATE messages SET seen_at = $3 "+
			"WHERE chat_id = $1 AND sender_id <> $2 AND seen_at IS NULL RETURNING id",
		chatId,
		viewerId,
		seenAt,
	)
	if err != nil {
		return nil, fmt.Errorf("mark messages seen: %w", err)
	}
	defer rows.Close()

	var ids = make([]int, 0)
	for rows.Next() {
		var id int
		if err = rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

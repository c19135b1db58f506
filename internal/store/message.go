package store

import (
	"fmt"
	"strings"
	"time"
)

// SaveMessages upserts a page of messages for chatID in one transaction.
// Re-saving the same ids is idempotent.
func (db *DB) SaveMessages(chatID string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return wrap("save messages", fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		msgType := m.Type
		if msgType == "" {
			msgType = MessageTypeNormal
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (id, chat_id, sender_id, body, type, deleted, is_read, created_on, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				body = excluded.body,
				type = excluded.type,
				deleted = excluded.deleted,
				is_read = excluded.is_read,
				updated_at = excluded.updated_at`,
			m.ID, chatID, m.SenderID, m.Text, string(msgType), m.Deleted, m.IsRead, m.CreatedOn.UnixNano(), now); err != nil {
			return wrap("save messages", fmt.Errorf("upsert message %q: %w", m.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return wrap("save messages", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// ListMessages returns every stored message of a chat, oldest first.
func (db *DB) ListMessages(chatID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, chat_id, sender_id, body, type, deleted, is_read, created_on
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_on ASC, id ASC`, chatID)
	if err != nil {
		return nil, wrap("list messages", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var (
			m         Message
			msgType   string
			createdOn int64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Text, &msgType, &m.Deleted, &m.IsRead, &createdOn); err != nil {
			return nil, wrap("list messages", err)
		}
		m.Type = MessageType(msgType)
		m.CreatedOn = time.Unix(0, createdOn)
		msgs = append(msgs, m)
	}
	return msgs, wrap("list messages", rows.Err())
}

// MarkAllRead flags the given message ids as read.
func (db *DB) MarkAllRead(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now().UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := db.Exec(`UPDATE messages SET is_read = 1, updated_at = ? WHERE id IN (`+placeholders+`)`, args...)
	return wrap("mark read", err)
}

// MessageCount returns the number of stored messages for a chat.
func (db *DB) MessageCount(chatID string) (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID).Scan(&count)
	return count, wrap("count messages", err)
}

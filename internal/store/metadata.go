package store

import (
	"database/sql"
	"errors"
	"time"
)

// Metadata returns the sync metadata of a chat, or nil when none was stored yet.
func (db *DB) Metadata(chatID string) (*SyncMetadata, error) {
	var md SyncMetadata
	err := db.QueryRow(`
		SELECT chat_id, last_tag, last_message_text, unread_count
		FROM sync_metadata WHERE chat_id = ?`, chatID).
		Scan(&md.ChatID, &md.LastTag, &md.LastMessageText, &md.UnreadCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get metadata", err)
	}
	return &md, nil
}

// UpsertMetadata stores the sync cursor and preview of a chat. The unread
// counter is owned by RecalculateUnreadCount and left untouched on update.
func (db *DB) UpsertMetadata(md *SyncMetadata) error {
	_, err := db.Exec(`
		INSERT INTO sync_metadata (chat_id, last_tag, last_message_text, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			last_tag = excluded.last_tag,
			last_message_text = excluded.last_message_text,
			updated_at = excluded.updated_at`,
		md.ChatID, md.LastTag, md.LastMessageText, md.UnreadCount, time.Now().UnixMilli())
	return wrap("upsert metadata", err)
}

// UpdateLastMessageText replaces only the preview text of a chat.
func (db *DB) UpdateLastMessageText(chatID, text string) error {
	_, err := db.Exec(`
		INSERT INTO sync_metadata (chat_id, last_message_text, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			last_message_text = excluded.last_message_text,
			updated_at = excluded.updated_at`,
		chatID, text, time.Now().UnixMilli())
	return wrap("update preview", err)
}

// RecalculateUnreadCount recounts unread, non-deleted messages not sent by
// userID and stores the result on the chat metadata.
func (db *DB) RecalculateUnreadCount(chatID, userID string) (int, error) {
	var count int
	if err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE chat_id = ? AND sender_id != ? AND is_read = 0 AND deleted = 0`,
		chatID, userID).Scan(&count); err != nil {
		return 0, wrap("count unread", err)
	}
	_, err := db.Exec(`
		INSERT INTO sync_metadata (chat_id, unread_count, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		chatID, count, time.Now().UnixMilli())
	if err != nil {
		return 0, wrap("store unread", err)
	}
	return count, nil
}

package store

import "time"

// InsertUnsent records an outgoing message before it is sent. Inserting the
// same local id again replaces the text, so there is at most one row per id.
func (db *DB) InsertUnsent(u *UnsentMessage) error {
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := db.Exec(`
		INSERT INTO unsent_messages (local_id, chat_id, sender_id, body, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET body = excluded.body`,
		u.LocalID, u.ChatID, u.SenderID, u.Text, createdAt.UnixNano())
	return wrap("insert unsent", err)
}

// DeleteUnsent removes the record of a sent or cancelled message.
func (db *DB) DeleteUnsent(localID string) error {
	_, err := db.Exec(`DELETE FROM unsent_messages WHERE local_id = ?`, localID)
	return wrap("delete unsent", err)
}

// ListUnsent returns the unsent messages a sender left in a chat, oldest first.
func (db *DB) ListUnsent(chatID, senderID string) ([]UnsentMessage, error) {
	rows, err := db.Query(`
		SELECT local_id, chat_id, sender_id, body, created_at
		FROM unsent_messages
		WHERE chat_id = ? AND sender_id = ?
		ORDER BY created_at ASC, local_id ASC`, chatID, senderID)
	if err != nil {
		return nil, wrap("list unsent", err)
	}
	defer func() { _ = rows.Close() }()

	var out []UnsentMessage
	for rows.Next() {
		var (
			u         UnsentMessage
			createdAt int64
		)
		if err := rows.Scan(&u.LocalID, &u.ChatID, &u.SenderID, &u.Text, &createdAt); err != nil {
			return nil, wrap("list unsent", err)
		}
		u.CreatedAt = time.Unix(0, createdAt)
		out = append(out, u)
	}
	return out, wrap("list unsent", rows.Err())
}

package store

import "time"

// MessageType distinguishes user content from moderation notices.
type MessageType string

const (
	MessageTypeNormal     MessageType = "normal"
	MessageTypeModeration MessageType = "moderation"
)

// Message is a remote-originated chat message. Identity is ID.
type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	CreatedOn time.Time
	Text      string
	Type      MessageType
	Deleted   bool
	IsRead    bool
}

// PreviewEligible reports whether the message may become the chat preview.
func (m *Message) PreviewEligible() bool {
	return !m.Deleted && m.Type != MessageTypeModeration
}

// SyncMetadata is the per-chat sync cursor and preview cache.
type SyncMetadata struct {
	ChatID          string
	LastTag         string
	LastMessageText string
	UnreadCount     int
}

// UnsentMessage is a locally queued outgoing message awaiting confirmation.
type UnsentMessage struct {
	LocalID   string
	ChatID    string
	SenderID  string
	Text      string
	CreatedAt time.Time
}

package sync

import (
	"time"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
)

// cursor accumulates sync progress across the pages of one run. Nothing in it
// is persisted until the sequence drains.
type cursor struct {
	tag         string
	preview     string
	previewAt   time.Time
	havePreview bool
	pages       int
}

func newCursor(md *store.SyncMetadata) *cursor {
	return &cursor{tag: md.LastTag, preview: md.LastMessageText}
}

// advance records a persisted page. An empty next tag never rewinds the cursor.
func (c *cursor) advance(page *remote.Page, msgs []store.Message) {
	c.pages++
	if page.NextTag != "" {
		c.tag = page.NextTag
	}
	for i := range msgs {
		m := &msgs[i]
		if !m.PreviewEligible() {
			continue
		}
		if !c.havePreview || m.CreatedOn.After(c.previewAt) {
			c.preview = m.Text
			c.previewAt = m.CreatedOn
			c.havePreview = true
		}
	}
}

func (c *cursor) metadata(chatID string, prev *store.SyncMetadata) *store.SyncMetadata {
	return &store.SyncMetadata{
		ChatID:          chatID,
		LastTag:         c.tag,
		LastMessageText: c.preview,
		UnreadCount:     prev.UnreadCount,
	}
}

// toMessages converts a fetched page. A message is read when the page has no
// watermark or it was created at or before the watermark.
func toMessages(chatID string, page *remote.Page) []store.Message {
	msgs := make([]store.Message, 0, len(page.Items))
	for _, raw := range page.Items {
		msgType := store.MessageTypeNormal
		if raw.Type == string(store.MessageTypeModeration) {
			msgType = store.MessageTypeModeration
		}
		ts := page.LastReadTimestamp
		msgs = append(msgs, store.Message{
			ID:        raw.ID,
			ChatID:    chatID,
			SenderID:  raw.SenderID,
			CreatedOn: raw.CreatedOn,
			Text:      raw.Text,
			Type:      msgType,
			Deleted:   raw.Deleted,
			IsRead:    ts == nil || !raw.CreatedOn.After(*ts),
		})
	}
	return msgs
}

package bus

import "time"

// Event kinds. Subscribers filter by prefix ("chat.", "feed.", "net.").
const (
	KindFeedChatUpdated = "feed.chat_updated"
	KindNetState        = "net.state"

	KindItemsChanged     = "chat.items_changed"
	KindResyncStarted    = "chat.resync_started"
	KindResyncFinished   = "chat.resync_finished"
	KindResyncFailed     = "chat.resync_failed"
	KindSendAck          = "chat.send_ack"
	KindSendFailed       = "chat.send_failed"
	KindReceiptsFlushed  = "chat.receipts_flushed"
	KindLifecycleChanged = "chat.state_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	ChatID    string
	Timestamp time.Time
	Payload   any
}

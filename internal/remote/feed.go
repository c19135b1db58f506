package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
)

const (
	feedReadLimit  = 1 << 20
	feedMinBackoff = 500 * time.Millisecond
	feedMaxBackoff = 30 * time.Second
)

// Frame types that mean the chat history changed.
const (
	FrameChatUpdated  = "chat.updated"
	FrameEventUpdated = "chat.event_updated"
)

type feedFrame struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// Feed listens on the backend's websocket for change notifications on one
// chat and republishes them on the bus as feed.chat_updated.
type Feed struct {
	url    string
	chatID string
	token  string
	bus    *bus.Bus
	log    *zap.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewFeed creates a feed for chatID. feedURL is the ws:// or wss:// base.
func NewFeed(feedURL, chatID, token string, b *bus.Bus, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	base := strings.TrimRight(strings.TrimSpace(feedURL), "/")
	return &Feed{
		url:        base + "/chats/" + url.PathEscape(chatID) + "/updates",
		chatID:     chatID,
		token:      strings.TrimSpace(token),
		bus:        b,
		log:        log,
		minBackoff: feedMinBackoff,
		maxBackoff: feedMaxBackoff,
	}
}

// Run keeps the feed connected until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := f.minBackoff
	for {
		connected, err := f.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = f.minBackoff
		}
		f.log.Warn("feed disconnected", zap.Error(err), zap.Duration("retry_in", backoff))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, f.maxBackoff)
	}
}

// listen holds one connection. connected reports whether the dial succeeded.
func (f *Feed) listen(ctx context.Context) (connected bool, err error) {
	h := http.Header{}
	if f.token != "" {
		h.Set("Authorization", "Bearer "+f.token)
	}
	conn, resp, err := websocket.Dial(ctx, f.url, &websocket.DialOptions{HTTPHeader: h})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, err
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	conn.SetReadLimit(feedReadLimit)
	f.log.Info("feed connected", zap.String("url", f.url))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return true, errors.New("closed by server")
			}
			return true, err
		}
		var frame feedFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			f.log.Debug("feed frame ignored", zap.Error(err))
			continue
		}
		if frame.Type != FrameChatUpdated && frame.Type != FrameEventUpdated {
			continue
		}
		if frame.ChatID != "" && frame.ChatID != f.chatID {
			continue
		}
		f.bus.Emit(bus.KindFeedChatUpdated, f.chatID, frame.Type)
	}
}

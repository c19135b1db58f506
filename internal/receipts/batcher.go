// Package receipts batches "message displayed" events into mark-read calls.
package receipts

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/scope"
	"github.com/matheus3301/chatsync/internal/view"
	"go.uber.org/zap"
)

// DefaultThreshold is the pending-set size that triggers an automatic flush.
const DefaultThreshold = 10

// RemoteMarker moves the read watermark on the backend.
type RemoteMarker interface {
	MarkRead(ctx context.Context, chatID string, lastRead time.Time) error
}

// LocalMarker records read state in the message store.
type LocalMarker interface {
	MarkAllRead(ids []string) error
	RecalculateUnreadCount(chatID, userID string) (int, error)
}

// Options configures a Batcher. List, Remote, Local and Scope are required.
type Options struct {
	ChatID    string
	UserID    string
	Threshold int

	List    *view.List
	Remote  RemoteMarker
	Local   LocalMarker
	Scope   *scope.Group
	Bus     *bus.Bus
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Batcher collects displayed unread items and acknowledges them in batches.
// Pending items are keyed by id; their dates only feed the watermark.
type Batcher struct {
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	pending map[string]time.Time
	closed  bool
}

func New(opts Options) *Batcher {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Batcher{opts: opts, log: log, pending: make(map[string]time.Time)}
}

// OnDisplayed marks the item read in the list and queues it for
// acknowledgement. Items that are missing, already read or not incoming are
// ignored, as is everything after Close. It reports whether the item was
// queued.
func (b *Batcher) OnDisplayed(id string) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	it, ok := b.opts.List.MarkRead(id)
	if !ok {
		b.mu.Unlock()
		return false
	}
	b.pending[id] = it.Date()
	full := len(b.pending) >= b.opts.Threshold
	b.mu.Unlock()

	if full {
		b.Flush()
	}
	return true
}

// Pending returns the number of queued items.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush dispatches the queued items as one background mark-read task and
// clears the queue. The outcome is logged, never returned.
func (b *Batcher) Flush() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	ids, watermark := drain(b.pending)
	b.pending = make(map[string]time.Time)
	b.mu.Unlock()

	err := b.opts.Scope.Go("read_receipts", func(ctx context.Context) error {
		return b.markRead(ctx, ids, watermark)
	})
	if err != nil {
		b.log.Warn("read receipts dropped", zap.Int("count", len(ids)), zap.Error(err))
		b.opts.Metrics.ReceiptFlushFailed()
	}
}

// Close stops accepting items and flushes what is queued. Items displayed
// concurrently are either part of this last flush or rejected.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Flush()
}

func (b *Batcher) markRead(ctx context.Context, ids []string, watermark time.Time) error {
	var errs []error
	if err := b.opts.Local.MarkAllRead(ids); err != nil {
		errs = append(errs, err)
	} else if _, err := b.opts.Local.RecalculateUnreadCount(b.opts.ChatID, b.opts.UserID); err != nil {
		errs = append(errs, err)
	}
	if err := b.opts.Remote.MarkRead(ctx, b.opts.ChatID, watermark); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		b.opts.Metrics.ReceiptFlushFailed()
		b.log.Warn("read receipt flush failed",
			zap.String("chat_id", b.opts.ChatID),
			zap.Int("count", len(ids)),
			zap.Time("watermark", watermark),
			zap.Error(err))
		return nil
	}

	b.opts.Metrics.ReceiptsFlushed(len(ids))
	b.opts.Bus.Emit(bus.KindReceiptsFlushed, b.opts.ChatID, Flushed{IDs: ids, Watermark: watermark})
	return nil
}

// Flushed is the payload of chat.receipts_flushed.
type Flushed struct {
	IDs       []string
	Watermark time.Time
}

// drain returns the ids ordered by date and the latest date.
func drain(pending map[string]time.Time) ([]string, time.Time) {
	ids := make([]string, 0, len(pending))
	var watermark time.Time
	for id, at := range pending {
		ids = append(ids, id)
		if at.After(watermark) {
			watermark = at
		}
	}
	slices.SortFunc(ids, func(a, c string) int {
		if d := pending[a].Compare(pending[c]); d != 0 {
			return d
		}
		return strings.Compare(a, c)
	})
	return ids, watermark
}

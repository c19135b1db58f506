// Package outbox owns the lifecycle of messages composed locally, from the
// optimistic PENDING item to delivery or failure.
package outbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/scope"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/view"
	"go.uber.org/zap"
)

var (
	// ErrUnknownItem is returned for ids not present in the list.
	ErrUnknownItem = errors.New("unknown item")
	// ErrNotRetryable is returned when retry or cancel targets an item that is
	// not a failed outgoing message.
	ErrNotRetryable = errors.New("item is not a failed outgoing message")
)

// TextSender sends a text message and returns the server-confirmed copy.
type TextSender interface {
	SendText(ctx context.Context, chatID, text string) (*remote.RawMessage, error)
}

// Store keeps the durability record of unsent messages.
type Store interface {
	InsertUnsent(u *store.UnsentMessage) error
	DeleteUnsent(localID string) error
	UpdateLastMessageText(chatID, text string) error
}

// Options configures a Controller. Everything except Bus, Metrics, Logger
// and NewID is required.
type Options struct {
	ChatID string
	UserID string

	Store   Store
	Sender  TextSender
	Builder view.Builder
	List    *view.List
	Scope   *scope.Group
	Bus     *bus.Bus
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	NewID   func() string
}

// SendResult is the payload of chat.send_ack and chat.send_failed.
type SendResult struct {
	LocalID   string
	MessageID string
	Error     string
}

// Controller sends messages and keeps exactly one list item per outgoing
// message.
type Controller struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewController(opts Options) *Controller {
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{opts: opts, log: log, inFlight: make(map[string]struct{})}
}

// Send appends a PENDING item for text and sends it in the background.
// Blank text is ignored. It returns the local id of the new item.
func (c *Controller) Send(text string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	pending := view.OutgoingText{
		ItemID: c.opts.NewID(),
		At:     time.Now(),
		Text:   text,
		Status: view.StatusPending,
	}
	c.track(pending.ItemID)
	c.opts.List.Append(pending)
	c.dispatch("send", pending)
	return pending.ItemID, true
}

// Retry re-sends a failed message under the same local id.
func (c *Controller) Retry(id string) error {
	failed, err := c.failedItem(id)
	if err != nil {
		return err
	}
	if !c.track(id) {
		return ErrNotRetryable
	}
	pending := failed
	pending.Status = view.StatusPending
	c.opts.List.Replace(id, pending)
	c.dispatch("retry", pending)
	return nil
}

// Cancel removes a failed message and forgets its durability record.
func (c *Controller) Cancel(id string) error {
	if _, err := c.failedItem(id); err != nil {
		return err
	}
	c.opts.List.Replace(id)

	deleteRecord := func(context.Context) error {
		if err := c.opts.Store.DeleteUnsent(id); err != nil {
			c.log.Error("failed to delete unsent message", zap.String("local_id", id), zap.Error(err))
		}
		return nil
	}
	if err := c.opts.Scope.Go("cancel", deleteRecord); err != nil {
		_ = deleteRecord(context.Background())
	}
	return nil
}

// InFlight reports whether a send for localID is still running.
func (c *Controller) InFlight(localID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[localID]
	return ok
}

func (c *Controller) failedItem(id string) (view.OutgoingText, error) {
	it, ok := c.opts.List.Get(id)
	if !ok {
		return view.OutgoingText{}, ErrUnknownItem
	}
	out, ok := it.(view.OutgoingText)
	if !ok || out.Status != view.StatusError {
		return view.OutgoingText{}, ErrNotRetryable
	}
	return out, nil
}

// dispatch persists the unsent record and starts the network send. A storage
// failure resolves the item to ERROR without contacting the network.
func (c *Controller) dispatch(task string, pending view.OutgoingText) {
	err := c.opts.Store.InsertUnsent(&store.UnsentMessage{
		LocalID:   pending.ItemID,
		ChatID:    c.opts.ChatID,
		SenderID:  c.opts.UserID,
		Text:      pending.Text,
		CreatedAt: pending.At,
	})
	if err != nil {
		c.fail(pending, err)
		return
	}
	err = c.opts.Scope.Go(task, func(ctx context.Context) error {
		c.deliver(ctx, pending)
		return nil
	})
	if err != nil {
		c.fail(pending, err)
	}
}

func (c *Controller) deliver(ctx context.Context, pending view.OutgoingText) {
	localID := pending.ItemID
	msg, err := c.opts.Sender.SendText(ctx, c.opts.ChatID, pending.Text)
	if err != nil {
		c.fail(pending, err)
		return
	}
	defer c.untrack(localID)

	c.opts.Metrics.Send(true)
	if err := c.opts.Store.DeleteUnsent(localID); err != nil {
		c.log.Warn("failed to delete unsent message", zap.String("local_id", localID), zap.Error(err))
	}
	if err := c.opts.Store.UpdateLastMessageText(c.opts.ChatID, msg.Text); err != nil {
		c.log.Warn("failed to update chat preview", zap.String("chat_id", c.opts.ChatID), zap.Error(err))
	}

	createdOn := msg.CreatedOn
	if createdOn.IsZero() {
		createdOn = pending.At
	}
	confirmed := store.Message{
		ID:        msg.ID,
		ChatID:    c.opts.ChatID,
		SenderID:  c.opts.UserID,
		CreatedOn: createdOn,
		Text:      msg.Text,
		Type:      store.MessageTypeNormal,
	}
	if item, ok := c.opts.Builder.BuildOutgoingItem(confirmed); ok {
		c.opts.List.Replace(localID, item)
	} else {
		c.opts.List.Replace(localID)
	}

	c.log.Info("message sent", zap.String("local_id", localID), zap.String("message_id", msg.ID))
	c.opts.Bus.Emit(bus.KindSendAck, c.opts.ChatID, SendResult{LocalID: localID, MessageID: msg.ID})
}

// fail swaps the item for an ERROR copy under the same local id. The unsent
// record is kept so the message survives a restart.
func (c *Controller) fail(pending view.OutgoingText, err error) {
	defer c.untrack(pending.ItemID)

	failed := pending
	failed.Status = view.StatusError
	c.opts.List.Replace(pending.ItemID, failed)

	c.opts.Metrics.Send(false)
	c.log.Error("failed to send message", zap.String("local_id", pending.ItemID), zap.Error(err))
	c.opts.Bus.Emit(bus.KindSendFailed, c.opts.ChatID, SendResult{LocalID: pending.ItemID, Error: err.Error()})
}

// track marks localID in flight. It returns false if it already was.
func (c *Controller) track(localID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inFlight[localID]; ok {
		return false
	}
	c.inFlight[localID] = struct{}{}
	return true
}

func (c *Controller) untrack(localID string) {
	c.mu.Lock()
	delete(c.inFlight, localID)
	c.mu.Unlock()
}

// Package chat composes sync, outbox and read receipts into one session per
// open chat and exposes its state to a presentation layer.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/observe"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/receipts"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/scope"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	syncengine "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/view"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const resyncKey = "resync"

// Remote is the chat backend as the session uses it.
type Remote interface {
	syncengine.PageFetcher
	outbox.TextSender
	receipts.RemoteMarker
	LoadUsers(ctx context.Context, chatID string) ([]remote.User, error)
	ReportMessage(ctx context.Context, chatID, messageID, reason string) error
}

// Store is the message store as the session uses it.
type Store interface {
	syncengine.Store
	outbox.Store
	receipts.LocalMarker
	ListUnsent(chatID, senderID string) ([]store.UnsentMessage, error)
}

// Config holds per-session settings.
type Config struct {
	ChatID             string
	UserID             string
	ReadReceiptBatch   int
	TeardownTimeout    time.Duration
	MaxBackgroundTasks int64
}

// Deps are the collaborators of a session. Remote and Store are required.
type Deps struct {
	Remote  Remote
	Store   Store
	Builder view.Builder
	Bus     *bus.Bus
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Session owns one chat: its reconciled list, background tasks and derived
// state.
type Session struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	scope    *scope.Group
	list     *view.List
	engine   *syncengine.Engine
	outbox   *outbox.Controller
	receipts *receipts.Batcher
	machine  *status.Machine

	loading *observe.Value[bool]
	loadErr *observe.Value[LoadError]
	canSend *observe.Value[bool]

	resyncs singleflight.Group

	mu     sync.Mutex
	loaded bool
	online *bool

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSession wires a session. It does nothing until Start.
func NewSession(cfg Config, deps Deps) *Session {
	if cfg.MaxBackgroundTasks <= 0 {
		cfg.MaxBackgroundTasks = 4
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 5 * time.Second
	}
	if deps.Builder == nil {
		deps.Builder = view.DefaultBuilder{UserID: cfg.UserID}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	log := deps.Logger.With(zap.String("chat_id", cfg.ChatID))

	s := &Session{
		cfg:     cfg,
		deps:    deps,
		log:     log,
		scope:   scope.New(context.Background(), cfg.MaxBackgroundTasks, log),
		list:    view.NewList(),
		machine: status.NewMachine(cfg.ChatID, deps.Bus),
		loading: observe.NewComparable(false),
		loadErr: observe.NewComparable(LoadErrorNone),
		canSend: observe.NewComparable(false),
		done:    make(chan struct{}),
	}
	s.engine = syncengine.NewEngine(deps.Remote, deps.Store, deps.Metrics, log)
	s.outbox = outbox.NewController(outbox.Options{
		ChatID:  cfg.ChatID,
		UserID:  cfg.UserID,
		Store:   deps.Store,
		Sender:  deps.Remote,
		Builder: deps.Builder,
		List:    s.list,
		Scope:   s.scope,
		Bus:     deps.Bus,
		Metrics: deps.Metrics,
		Logger:  log,
	})
	s.receipts = receipts.New(receipts.Options{
		ChatID:    cfg.ChatID,
		UserID:    cfg.UserID,
		Threshold: cfg.ReadReceiptBatch,
		List:      s.list,
		Remote:    deps.Remote,
		Local:     deps.Store,
		Scope:     s.scope,
		Bus:       deps.Bus,
		Metrics:   deps.Metrics,
		Logger:    log,
	})
	return s
}

// Start activates the session, subscribes to feed and connectivity events
// and kicks off the initial load.
func (s *Session) Start() error {
	if _, err := s.machine.Transition(status.Active); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	if s.deps.Bus != nil {
		feed, unsubFeed := s.deps.Bus.Subscribe("feed.", 16)
		netCh, unsubNet := s.deps.Bus.Subscribe("net.", 16)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer unsubFeed()
			defer unsubNet()
			s.listen(feed, netCh)
		}()
	}

	items, cancelItems := s.list.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancelItems()
		s.publishItems(items)
	}()

	s.triggerResync(metrics.TriggerInitial)
	return nil
}

// Stop flushes pending read receipts, drains background work for up to the
// teardown timeout and releases the session. It is safe to call twice.
func (s *Session) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		func() {
			defer s.receipts.Close()
			if _, terr := s.machine.Transition(status.Closed); terr != nil {
				s.log.Warn("closing session", zap.Error(terr))
			}
		}()
		close(s.done)
		s.wg.Wait()

		err = s.scope.Close(s.cfg.TeardownTimeout)
		s.log.Info("chat session stopped", zap.Error(err))
	})
	return err
}

// Pause stops reacting to resync triggers until Resume.
func (s *Session) Pause() error {
	if _, err := s.machine.Transition(status.Paused); err != nil {
		return err
	}
	s.receipts.Flush()
	return nil
}

// Resume reactivates a paused session and resyncs.
func (s *Session) Resume() error {
	from, err := s.machine.Transition(status.Active)
	if err != nil {
		return err
	}
	if from == status.Paused {
		s.triggerResync(metrics.TriggerResume)
	}
	return nil
}

// Resync runs a full resync, or joins the one already in flight. The work
// belongs to the session; ctx only bounds how long the caller waits.
func (s *Session) Resync(ctx context.Context, trigger string) error {
	if s.closed() {
		return ErrClosed
	}
	ch := s.resyncs.DoChan(resyncKey, func() (any, error) {
		done := make(chan error, 1)
		err := s.scope.Go("resync", func(ctx context.Context) error {
			done <- s.resync(ctx, trigger)
			return nil
		})
		if err != nil {
			return nil, ErrClosed
		}
		select {
		case err := <-done:
			return nil, err
		case <-s.scope.Context().Done():
			return nil, ErrClosed
		}
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnRemoteChange reacts to a "something changed" notification.
func (s *Session) OnRemoteChange() {
	s.triggerResync(metrics.TriggerRemote)
}

// OnConnectivityChanged receives the connectivity level. Only a transition
// from offline to online triggers a resync; the first value seeds state.
func (s *Session) OnConnectivityChanged(online bool) {
	s.mu.Lock()
	prev := s.online
	s.online = &online
	s.mu.Unlock()

	if prev != nil && !*prev && online {
		s.log.Info("back online")
		s.triggerResync(metrics.TriggerConnectivity)
	}
}

// SetInput updates the composer text; CanSend follows it.
func (s *Session) SetInput(text string) {
	s.canSend.Set(strings.TrimSpace(text) != "")
}

// Send queues text for delivery. Blank text is ignored and yields "".
func (s *Session) Send(text string) (string, error) {
	if s.closed() {
		return "", ErrClosed
	}
	id, _ := s.outbox.Send(text)
	return id, nil
}

// Retry re-sends a failed outgoing message.
func (s *Session) Retry(id string) error {
	if s.closed() {
		return ErrClosed
	}
	return s.outbox.Retry(id)
}

// Cancel drops a failed outgoing message.
func (s *Session) Cancel(id string) error {
	if s.closed() {
		return ErrClosed
	}
	return s.outbox.Cancel(id)
}

// OnItemDisplayed records that the presentation layer showed the item.
func (s *Session) OnItemDisplayed(id string) bool {
	if s.closed() {
		return false
	}
	return s.receipts.OnDisplayed(id)
}

// Report flags an incoming message for moderation. The item shows as under
// moderation immediately and reverts if the backend rejects the report.
func (s *Session) Report(id, reason string) error {
	if s.closed() {
		return ErrClosed
	}
	it, ok := s.list.Get(id)
	if !ok {
		return ErrUnknownItem
	}
	in, ok := it.(view.IncomingText)
	if !ok || in.Removed || in.BeingModerated {
		return ErrNotReportable
	}
	flagged := in
	flagged.BeingModerated = true
	s.list.Replace(id, flagged)

	return s.scope.Go("report", func(ctx context.Context) error {
		err := s.deps.Remote.ReportMessage(ctx, s.cfg.ChatID, id, reason)
		if err == nil {
			return nil
		}
		if cur, ok := s.list.Get(id); ok {
			if cin, ok := cur.(view.IncomingText); ok {
				cin.BeingModerated = false
				s.list.Replace(id, cin)
			}
		}
		return fmt.Errorf("report %s: %w", id, err)
	})
}

// Items returns the current reconciled list.
func (s *Session) Items() []view.Item { return s.list.Snapshot() }

// List exposes the reconciled list for subscriptions.
func (s *Session) List() *view.List { return s.list }

// Loading is true while a full resync is in flight.
func (s *Session) Loading() bool { return s.loading.Get() }

// LoadError is set when a resync fails before any load succeeded.
func (s *Session) LoadError() LoadError { return s.loadErr.Get() }

// CanSend is true when the composer holds non-blank text.
func (s *Session) CanSend() bool { return s.canSend.Get() }

func (s *Session) State() status.State { return s.machine.Current() }

func (s *Session) LoadingValue() *observe.Value[bool] { return s.loading }

func (s *Session) LoadErrorValue() *observe.Value[LoadError] { return s.loadErr }

func (s *Session) CanSendValue() *observe.Value[bool] { return s.canSend }

// PendingReceipts returns the number of displayed items awaiting a flush.
func (s *Session) PendingReceipts() int { return s.receipts.Pending() }

func (s *Session) closed() bool {
	return s.machine.Current() == status.Closed
}

// triggerResync starts a resync in the background unless the session is
// paused or closed. Concurrent triggers coalesce in Resync.
func (s *Session) triggerResync(trigger string) {
	if st := s.machine.Current(); st != status.Active {
		s.log.Debug("resync trigger ignored", zap.String("trigger", trigger), zap.String("state", string(st)))
		return
	}
	go func() {
		_ = s.Resync(context.Background(), trigger)
	}()
}

func (s *Session) resync(ctx context.Context, trigger string) error {
	start := time.Now()
	// List writes after this point happened after the fetch began and win
	// over the rebuilt list.
	since := s.list.Version()
	s.loading.Set(true)
	defer s.loading.Set(false)
	s.deps.Bus.Emit(bus.KindResyncStarted, s.cfg.ChatID, trigger)

	msgs, err := s.engine.Sync(ctx, s.cfg.ChatID)
	if err != nil {
		// Show whatever is already stored rather than an empty list.
		if rerr := s.reload(ctx, nil, since); rerr != nil {
			s.log.Warn("local reload failed", zap.Error(rerr))
		}
		return s.failed(trigger, err)
	}
	if err := s.reload(ctx, msgs, since); err != nil {
		return s.failed(trigger, err)
	}

	s.mu.Lock()
	s.loaded = true
	s.mu.Unlock()
	s.loadErr.Set(LoadErrorNone)

	s.deps.Metrics.Resync(trigger, time.Since(start))
	s.deps.Bus.Emit(bus.KindResyncFinished, s.cfg.ChatID, trigger)
	s.log.Info("resync finished",
		zap.String("trigger", trigger),
		zap.Int("messages", len(msgs)),
		zap.Duration("took", time.Since(start)))
	return nil
}

// reload rebuilds the list from stored state and reconciles it with writes
// made since list version since. msgs is read from the store when nil.
func (s *Session) reload(ctx context.Context, msgs []store.Message, since uint64) error {
	var (
		users  []remote.User
		unsent []store.UnsentMessage
	)
	g, gctx := errgroup.WithContext(ctx)
	if msgs == nil {
		g.Go(func() error {
			var err error
			msgs, err = s.deps.Store.ListMessages(s.cfg.ChatID)
			return err
		})
	}
	g.Go(func() error {
		var err error
		unsent, err = s.deps.Store.ListUnsent(s.cfg.ChatID, s.cfg.UserID)
		return err
	})
	g.Go(func() error {
		u, err := s.deps.Remote.LoadUsers(gctx, s.cfg.ChatID)
		if err != nil {
			// Names are cosmetic; fall back to sender ids.
			s.log.Debug("loading users failed", zap.Error(err))
			return nil
		}
		users = u
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	byID := make(map[string]view.User, len(users))
	for _, u := range users {
		byID[u.ID] = view.User{ID: u.ID, Name: u.Name}
	}
	items := s.deps.Builder.BuildItems(msgs, byID, unsent)
	for i, it := range items {
		if out, ok := it.(view.OutgoingText); ok && out.Status == view.StatusError && s.outbox.InFlight(out.ItemID) {
			out.Status = view.StatusPending
			items[i] = out
		}
	}
	s.list.Reconcile(items, since)
	return nil
}

func (s *Session) failed(trigger string, err error) error {
	s.log.Error("resync failed", zap.String("trigger", trigger), zap.Error(err))
	s.deps.Bus.Emit(bus.KindResyncFailed, s.cfg.ChatID, err.Error())

	s.mu.Lock()
	loaded := s.loaded
	offline := s.online != nil && !*s.online
	s.mu.Unlock()
	if loaded {
		return err
	}
	if offline || remote.IsUnreachable(err) {
		s.loadErr.Set(LoadErrorNoConnection)
	} else {
		s.loadErr.Set(LoadErrorLoadFailed)
	}
	return err
}

func (s *Session) listen(feed, netCh <-chan bus.Event) {
	for {
		select {
		case <-s.done:
			return
		case evt := <-feed:
			if evt.ChatID == "" || evt.ChatID == s.cfg.ChatID {
				s.OnRemoteChange()
			}
		case evt := <-netCh:
			if online, ok := evt.Payload.(bool); ok {
				s.OnConnectivityChanged(online)
			}
		}
	}
}

func (s *Session) publishItems(ch <-chan []view.Item) {
	for {
		select {
		case <-s.done:
			return
		case items, ok := <-ch:
			if !ok {
				return
			}
			s.deps.Bus.Emit(bus.KindItemsChanged, s.cfg.ChatID, len(items))
		}
	}
}

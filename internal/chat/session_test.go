package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/view"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)

type fakeRemote struct {
	mu         sync.Mutex
	items      []remote.RawMessage
	fetchErr   error
	fetches    int
	gate       chan struct{}
	sendErr    error
	sends      int
	markReads  int
	reportErr  error
	reportDone chan struct{}

	// When usersGate is set, LoadUsers signals usersEntered and blocks until
	// the gate is closed.
	usersGate    chan struct{}
	usersEntered chan struct{}
}

func (f *fakeRemote) FetchPage(ctx context.Context, _ string, tag string) (*remote.Page, error) {
	f.mu.Lock()
	f.fetches++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if tag != "" {
		return &remote.Page{NextTag: tag}, nil
	}
	return &remote.Page{Items: f.items, NextTag: "t1"}, nil
}

func (f *fakeRemote) SendText(_ context.Context, _ string, text string) (*remote.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &remote.RawMessage{ID: fmt.Sprintf("srv-%d", f.sends), SenderID: "me", Text: text, CreatedOn: time.Now()}, nil
}

func (f *fakeRemote) MarkRead(context.Context, string, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReads++
	return nil
}

func (f *fakeRemote) LoadUsers(ctx context.Context, _ string) ([]remote.User, error) {
	f.mu.Lock()
	gate, entered := f.usersGate, f.usersEntered
	f.mu.Unlock()
	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []remote.User{{ID: "peer", Name: "Peer"}}, nil
}

func (f *fakeRemote) ReportMessage(context.Context, string, string, string) error {
	f.mu.Lock()
	err, done := f.reportErr, f.reportDone
	f.mu.Unlock()
	if done != nil {
		defer close(done)
	}
	return err
}

func (f *fakeRemote) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeRemote) set(fn func(f *fakeRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func incoming(n int) []remote.RawMessage {
	out := make([]remote.RawMessage, n)
	for i := range out {
		out[i] = remote.RawMessage{
			ID:        fmt.Sprintf("m%d", i),
			SenderID:  "peer",
			CreatedOn: t0.Add(time.Duration(i) * time.Minute),
			Text:      fmt.Sprintf("msg %d", i),
		}
	}
	return out
}

type harness struct {
	s      *Session
	remote *fakeRemote
	db     *store.DB
	bus    *bus.Bus
}

func newHarness(t *testing.T, r *fakeRemote) *harness {
	t.Helper()
	h := &harness{remote: r, db: testDB(t), bus: bus.New()}
	h.s = NewSession(Config{
		ChatID:          "c1",
		UserID:          "me",
		TeardownTimeout: time.Second,
	}, Deps{
		Remote:  r,
		Store:   h.db,
		Builder: view.DefaultBuilder{UserID: "me", Location: time.UTC},
		Bus:     h.bus,
	})
	t.Cleanup(func() { _ = h.s.Stop() })
	return h
}

// waitFor subscribes before fn runs and waits for an event of kind.
func (h *harness) waitFor(t *testing.T, kind string, fn func()) bus.Event {
	t.Helper()
	ch, unsub := h.bus.Subscribe(kind, 8)
	defer unsub()
	fn()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", kind)
		return bus.Event{}
	}
}

func (h *harness) noEvent(t *testing.T, kind string, fn func()) {
	t.Helper()
	ch, unsub := h.bus.Subscribe(kind, 8)
	defer unsub()
	fn()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected %s: %+v", kind, evt)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestStartLoadsItems(t *testing.T) {
	h := newHarness(t, &fakeRemote{items: incoming(2)})

	h.waitFor(t, bus.KindResyncFinished, func() { require.NoError(t, h.s.Start()) })

	items := h.s.Items()
	require.Len(t, items, 3)
	assert.Equal(t, view.KindDivider, items[0].Kind())
	assert.Equal(t, "Peer", items[1].(view.IncomingText).SenderName)
	assert.Equal(t, LoadErrorNone, h.s.LoadError())
	assert.False(t, h.s.Loading())
	assert.Equal(t, status.Active, h.s.State())
}

func TestInitialFailureSetsErrorState(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want LoadError
	}{
		{"unreachable", &remote.TransportError{Op: "fetch_page", Err: errors.New("dial")}, LoadErrorNoConnection},
		{"server error", &remote.TransportError{Op: "fetch_page", StatusCode: http.StatusInternalServerError, Err: errors.New("boom")}, LoadErrorLoadFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, &fakeRemote{fetchErr: tc.err})
			h.waitFor(t, bus.KindResyncFailed, func() { require.NoError(t, h.s.Start()) })
			assert.Equal(t, tc.want, h.s.LoadError())
		})
	}
}

func TestFailureAfterLoadKeepsListAndNoError(t *testing.T) {
	r := &fakeRemote{items: incoming(2)}
	h := newHarness(t, r)
	h.waitFor(t, bus.KindResyncFinished, func() { require.NoError(t, h.s.Start()) })
	before := len(h.s.Items())

	r.set(func(f *fakeRemote) { f.fetchErr = errors.New("boom") })
	err := h.s.Resync(context.Background(), metrics.TriggerManual)
	require.Error(t, err)

	assert.Equal(t, LoadErrorNone, h.s.LoadError())
	assert.Len(t, h.s.Items(), before)
}

func TestOfflineStartShowsStoredMessages(t *testing.T) {
	r := &fakeRemote{items: incoming(1)}
	h := newHarness(t, r)
	require.NoError(t, h.db.SaveMessages("c1", []store.Message{{ID: "old", SenderID: "peer", CreatedOn: t0, Text: "cached"}}))
	r.set(func(f *fakeRemote) { f.fetchErr = &remote.TransportError{Op: "fetch_page", Err: errors.New("offline")} })

	h.waitFor(t, bus.KindResyncFailed, func() { require.NoError(t, h.s.Start()) })

	_, ok := h.s.List().Get("old")
	assert.True(t, ok)
	assert.Equal(t, LoadErrorNoConnection, h.s.LoadError())
}

func TestConnectivityIsEdgeTriggered(t *testing.T) {
	r := &fakeRemote{}
	h := newHarness(t, r)
	h.waitFor(t, bus.KindResyncFinished, func() { require.NoError(t, h.s.Start()) })
	start := r.fetchCount()

	h.noEvent(t, bus.KindResyncStarted, func() {
		h.s.OnConnectivityChanged(true) // seed
		h.s.OnConnectivityChanged(true) // still online
	})
	assert.Equal(t, start, r.fetchCount())

	h.noEvent(t, bus.KindResyncStarted, func() { h.s.OnConnectivityChanged(false) })
	h.waitFor(t, bus.KindResyncFinished, func() { h.s.OnConnectivityChanged(true) })
	assert.Equal(t, start+1, r.fetchCount())
}

func TestConnectivityViaBus(t *testing.T) {
	r := &fakeRemote{}
	h := newHarness(t, r)
	h.waitFor(t, bus.KindResyncFinished, func() { require.NoError(t, h.s.Start()) })

	h.bus.Emit(bus.KindNetState, "c1", false)
	h.bus.Emit(bus.KindNetState, "c1", false)
	h.waitFor(t, bus.KindResyncFinished, func() { h.bus.Emit(bus.KindNetState, "c1", true) })
}

func TestRemoteChangeViaFeed(t *testing.T) {
	h := newHarness(t, &fakeRemote{})
	h.waitFor(t, bus.KindResyncFinished, func() { require.NoError(t, h.s.Start()) })

	evt := h.waitFor(t, bus.KindResyncStarted, func() { h.bus.Emit(bus.KindFeedChatUpdated, "c1", "chat.updated") })
	assert.Equal(t, metrics.TriggerRemote, evt.Payload)
}

func TestConcurrentResyncsCoalesce(t *testing.T) {
	r := &fakeRemote{}
	h := newHarness(t, r)
	h.waitFor(t, bus.KindResyncFinished, func() { require.NoError(t, h.s.Start()) })

	gate := make(chan struct{})
	r.set(func(f *fakeRemote) { f.gate = gate })
	start := r.fetchCount()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.s.Resync(context.Background(), metrics.TriggerManual)
		}()
	}
	require.Eventually(t, func() bool { return r.fetchCount() == start+1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	// One page for the coalesced run, which resumes from the stored tag.
	assert.Equal(t, start+1, r.fetchCount())
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t, &fakeRemote{})
	h.waitFor(t, bus.KindResyncFinished, func() { require.NoError(t, h.s.Start()) })

	require.NoError(t, h.s.Pause())
	h.noEvent(t, bus.KindResyncStarted, func() { h.s.OnRemoteChange() })

	evt := h.waitFor(t, bus.KindResyncStarted, func() { require.NoError(t, h.s.Resume()) })
	assert.Equal(t, metrics.TriggerResume, evt.Payload)
	assert.Error(t, h.s.Resume(), "already active")
}

func TestSendThroughSession(t *testing.T) {
	h := newHarness(t, &fakeRemote{})
	h.waitFor(t, bus.KindResyncFinished, func() { require.NoError(t, h.s.Start()) })

	id, err := h.s.Send("   ")
	require.NoError(t, err)
	assert.Empty(t, id)

	evt := h.waitFor(t, bus.KindSendAck, func() {
		id, err = h.s.Send("hello")
		require.NoError(t, err)
	})
	assert.Equal(t, id, evt.Payload.(outbox.SendResult).LocalID)
}

func TestSendFailureSurvivesResync(t *testing.T) {
	r := &fakeRemote{sendErr: errors.New("down")}
	h := newHarness(t, r)
	h.waitFor(t, bus.KindResyncFinished, func() { require.NoError(t, h.s.Start()) })

	var id string
	h.waitFor(t, bus.KindSendFailed, func() { id, _ = h.s.Send("hello") })
	require.NoError(t, h.s.Resync(context.Background(), metrics.TriggerManual))

	it, ok := h.s.List().Get(id)
	require.True(t, ok, "failed message rebuilt from unsent record")
	assert.Equal(t, view.StatusError, it.(view.OutgoingText).Status)

	r.set(func(f *fakeRemote) { f.sendErr = nil })
	h.waitFor(t, bus.KindSendAck, func() { require.NoError(t, h.s.Retry(id)) })
	_, ok = h.s.List().Get(id)
	assert.False(t, ok)
}

func TestStopFlushesReceipts(t *testing.T) {
	r := &fakeRemote{items: incoming(3)}
	h := newHarness(t, r)
	h.waitFor(t, bus.KindResyncFinished, func() { require.NoError(t, h.s.Start()) })

	for _, id := range []string{"m0", "m1", "m2"} {
		require.True(t, h.s.OnItemDisplayed(id))
	}
	assert.Equal(t, 3, h.s.PendingReceipts())

	require.NoError(t, h.s.Stop())
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, 1, r.markReads)

	_, err := h.s.Send("late")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.s.Resync(context.Background(), metrics.TriggerManual), ErrClosed)
}

func TestReportFlipsAndReverts(t *testing.T) {
	r := &fakeRemote{items: incoming(1)}
	h := newHarness(t, r)
	h.waitFor(t, bus.KindResyncFinished, func() { require.NoError(t, h.s.Start()) })

	done := make(chan struct{})
	r.set(func(f *fakeRemote) {
		f.reportErr = errors.New("rejected")
		f.reportDone = done
	})
	require.NoError(t, h.s.Report("m0", "spam"))
	<-done

	require.Eventually(t, func() bool {
		it, _ := h.s.List().Get("m0")
		return !it.(view.IncomingText).BeingModerated
	}, time.Second, 5*time.Millisecond)

	r.set(func(f *fakeRemote) { f.reportErr, f.reportDone = nil, nil })
	require.NoError(t, h.s.Report("m0", "spam"))
	it, _ := h.s.List().Get("m0")
	assert.True(t, it.(view.IncomingText).BeingModerated)
	assert.ErrorIs(t, h.s.Report("m0", "again"), ErrNotReportable)
	assert.ErrorIs(t, h.s.Report("nope", "x"), ErrUnknownItem)
}

func TestCanSendFollowsInput(t *testing.T) {
	h := newHarness(t, &fakeRemote{})
	assert.False(t, h.s.CanSend())
	h.s.SetInput("  hi ")
	assert.True(t, h.s.CanSend())
	h.s.SetInput("   ")
	assert.False(t, h.s.CanSend())
}

// stalledReload starts a resync and returns once it is rebuilding the list
// from the store, blocked on the users load. Closing the returned channel
// lets it finish; the second result delivers its error.
func stalledReload(t *testing.T, h *harness) (chan struct{}, <-chan error) {
	t.Helper()
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	h.remote.set(func(f *fakeRemote) {
		f.usersGate = gate
		f.usersEntered = entered
	})
	// A call racing the end of the previous resync joins it instead of
	// starting a new one; start again until one reaches the gate.
	for attempt := 0; ; attempt++ {
		done := make(chan error, 1)
		go func() { done <- h.s.Resync(context.Background(), metrics.TriggerManual) }()
		select {
		case <-entered:
			// Let the parallel store reads finish before the list is touched.
			time.Sleep(20 * time.Millisecond)
			return gate, done
		case err := <-done:
			require.NoError(t, err)
			if attempt == 5 {
				t.Fatal("resync never reached the users load")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("resync never reached the users load")
		}
	}
}

func countID(items []view.Item, id string) int {
	n := 0
	for _, it := range items {
		if it.ID() == id {
			n++
		}
	}
	return n
}

func TestFailedSendDuringResyncStaysListed(t *testing.T) {
	r := &fakeRemote{items: incoming(2), sendErr: errors.New("down")}
	h := newHarness(t, r)
	h.waitFor(t, bus.KindResyncFinished, func() { require.NoError(t, h.s.Start()) })

	gate, done := stalledReload(t, h)
	var id string
	h.waitFor(t, bus.KindSendFailed, func() { id, _ = h.s.Send("hi") })
	close(gate)
	require.NoError(t, <-done)

	items := h.s.Items()
	assert.Equal(t, 1, countID(items, id))
	it, ok := h.s.List().Get(id)
	require.True(t, ok, "failed message dropped by the resync")
	assert.Equal(t, view.StatusError, it.(view.OutgoingText).Status)

	unsent, err := h.db.ListUnsent("c1", "me")
	require.NoError(t, err)
	assert.Len(t, unsent, 1)

	// Still retryable.
	r.set(func(f *fakeRemote) { f.sendErr = nil; f.usersGate = nil })
	h.waitFor(t, bus.KindSendAck, func() { require.NoError(t, h.s.Retry(id)) })
}

func TestConfirmedSendDuringResyncStaysListed(t *testing.T) {
	r := &fakeRemote{items: incoming(2)}
	h := newHarness(t, r)
	h.waitFor(t, bus.KindResyncFinished, func() { require.NoError(t, h.s.Start()) })

	gate, done := stalledReload(t, h)
	var localID string
	evt := h.waitFor(t, bus.KindSendAck, func() { localID, _ = h.s.Send("hi") })
	close(gate)
	require.NoError(t, <-done)

	msgID := evt.Payload.(outbox.SendResult).MessageID
	items := h.s.Items()
	assert.Equal(t, 0, countID(items, localID))
	assert.Equal(t, 1, countID(items, msgID), "confirmed message dropped by the resync")
}

func TestDisplayedDuringResyncStaysRead(t *testing.T) {
	r := &fakeRemote{items: incoming(3)}
	h := newHarness(t, r)
	h.waitFor(t, bus.KindResyncFinished, func() { require.NoError(t, h.s.Start()) })

	gate, done := stalledReload(t, h)
	require.True(t, h.s.OnItemDisplayed("m1"))
	close(gate)
	require.NoError(t, <-done)

	it, ok := h.s.List().Get("m1")
	require.True(t, ok)
	assert.True(t, it.(view.IncomingText).IsRead)

	// The receipt is still queued, so the store says unread; a later resync
	// must not undo the local flag either.
	r.set(func(f *fakeRemote) { f.usersGate = nil })
	require.NoError(t, h.s.Resync(context.Background(), metrics.TriggerManual))
	it, _ = h.s.List().Get("m1")
	assert.True(t, it.(view.IncomingText).IsRead)
	assert.Equal(t, 1, h.s.PendingReceipts())
	assert.False(t, h.s.OnItemDisplayed("m1"), "already read")
}

func TestDisplayRacingStopIsFlushedOrRejected(t *testing.T) {
	r := &fakeRemote{items: incoming(5)}
	h := newHarness(t, r)
	h.waitFor(t, bus.KindResyncFinished, func() { require.NoError(t, h.s.Start()) })

	accepted := make(chan bool, 5)
	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			accepted <- h.s.OnItemDisplayed(fmt.Sprintf("m%d", i))
		}()
	}
	require.NoError(t, h.s.Stop())
	wg.Wait()
	close(accepted)

	n := 0
	for ok := range accepted {
		if ok {
			n++
		}
	}
	assert.Equal(t, 0, h.s.PendingReceipts(), "receipt queued after the final flush")
	if n > 0 {
		r.mu.Lock()
		assert.Positive(t, r.markReads)
		r.mu.Unlock()
	}
}

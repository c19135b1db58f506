package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/view"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// fakeAPI serves a one-page chat history and accepts sends.
type fakeAPI struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeAPI) handler() http.Handler {
	created := time.Date(2024, 8, 1, 9, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /chats/c1/messages", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(remote.Page{
			Items: []remote.RawMessage{
				{ID: "m1", SenderID: "u2", CreatedOn: created, Text: "hello"},
			},
			NextTag: "t1",
		})
	})
	mux.HandleFunc("POST /chats/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Items []struct {
				Text string `json:"text"`
			} `json:"items"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.sent = append(f.sent, req.Items[0].Text)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(remote.RawMessage{
			ID: "m2", SenderID: "u1", CreatedOn: created.Add(time.Minute), Text: req.Items[0].Text,
		})
	})
	mux.HandleFunc("GET /chats/c1/users", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"items":[{"id":"u2","name":"Ana"}]}`))
	})
	mux.HandleFunc("POST /chats/c1/read", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func testParams(t *testing.T, baseURL string) Params {
	t.Helper()
	// Use a short path to stay under the Unix socket length limit.
	home, err := os.MkdirTemp("/tmp", "chatsync-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv("CHATSYNC_HOME", home)

	cfg := config.Config{
		Remote: config.RemoteConfig{BaseURL: baseURL},
		Chat:   config.ChatConfig{ChatID: "c1", UserID: "u1"},
	}
	return Params{ProfileName: "t", Config: cfg.WithDefaults(), LogLevel: zapcore.WarnLevel}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	backend := &fakeAPI{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	p := testParams(t, srv.URL)
	app := fx.New(Module(p), fx.NopLogger)
	if err := app.Err(); err != nil {
		t.Fatalf("fx graph: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	socketPath := profile.SocketPath(p.ProfileName)
	c, err := client.New(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	// Initial load: divider + incoming message.
	waitUntil(t, "initial load", func() bool {
		st, err := c.GetState(ctx)
		return err == nil && st.ItemCount == 2 && !st.Loading
	})
	st, err := c.GetState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != "ACTIVE" || st.Error != string(chat.LoadErrorNone) {
		t.Errorf("state = %+v", st)
	}

	if _, err := c.Send(ctx, "yo"); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "send ack", func() bool {
		items, err := c.ListItems(ctx)
		if err != nil || len(items) != 3 {
			return false
		}
		last := items[2]
		return last.ID == "m2" && last.Kind == view.KindOutgoingText && last.Status == string(view.StatusDelivered)
	})
	backend.mu.Lock()
	if len(backend.sent) != 1 || backend.sent[0] != "yo" {
		t.Errorf("sent = %q", backend.sent)
	}
	backend.mu.Unlock()

	if err := app.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket still present after stop: %v", err)
	}
	// Lock released: a new owner can take it.
	lk, err := lock.Acquire(profile.Dir(p.ProfileName), "c1")
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	_ = lk.Release()
}

// TestSecondDaemonRefused verifies that a second daemon for the same chat
// fails to build while the first holds the lock.
func TestSecondDaemonRefused(t *testing.T) {
	srv := httptest.NewServer((&fakeAPI{}).handler())
	defer srv.Close()

	p := testParams(t, srv.URL)
	lk, err := lock.Acquire(profile.Dir(p.ProfileName), "c1")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	app := fx.New(Module(p), fx.NopLogger)
	err = app.Err()
	var held *lock.LockHeldError
	if !errors.As(err, &held) {
		t.Fatalf("err = %v, want LockHeldError", err)
	}
	if _, statErr := os.Stat(profile.DBPath(p.ProfileName)); !os.IsNotExist(statErr) {
		t.Error("store opened without holding the lock")
	}
}

// TestListenReplacesStaleSocket verifies a leftover socket file from a crashed
// daemon does not block startup, and that the socket is private.
func TestListenReplacesStaleSocket(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "chatsync-s-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	socketPath := filepath.Join(tmpDir, "d.sock")
	if err := os.WriteFile(socketPath, nil, 0600); err != nil {
		t.Fatal(err)
	}

	s, err := Listen(socketPath, api.NewChatService("c1", nil, bus.New()), zap.NewNop())
	if err != nil {
		t.Fatalf("Listen() = %v", err)
	}
	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket perm = %o, want 600", perm)
	}
	s.Stop(context.Background())
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket not removed on stop")
	}
}

// TestFxModuleWiring verifies the fx dependency graph resolves without errors.
func TestFxModuleWiring(t *testing.T) {
	p := testParams(t, "http://127.0.0.1:1")
	p.Config.Metrics.Addr = "127.0.0.1:0"
	if err := fx.ValidateApp(Module(p), fx.NopLogger); err != nil {
		t.Fatalf("ValidateApp() = %v", err)
	}
}

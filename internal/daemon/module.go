package daemon

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/netstate"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/view"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	Config      *config.Config
	LogLevel    zapcore.Level
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideMetrics,
			provideBus,
			provideLock,
			provideStore,
			provideRemote,
			provideFeed,
			provideMonitor,
			provideSession,
			provideChatService,
			provideMetricsServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, p.LogLevel)
}

func provideMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func provideBus(m *metrics.Metrics, logger *zap.Logger) *bus.Bus {
	b := bus.New()
	b.OnDrop(func(kind string) {
		m.BusDropped(kind)
		logger.Debug("bus event dropped", zap.String("kind", kind))
	})
	return b
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	chatID := p.Config.Chat.ChatID
	logger.Info("acquiring chat lock", zap.String("chat_id", chatID))
	l, err := lock.Acquire(profile.Dir(p.ProfileName), chatID)
	if err != nil {
		return nil, err
	}
	logger.Info("chat lock acquired", zap.String("path", l.Path()))
	return l, nil
}

// provideStore takes the lock so the database is only opened by its owner.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(p Params) *remote.Client {
	rc := p.Config.Remote
	return remote.NewClient(rc.BaseURL, rc.Token, rc.Timeout)
}

func provideFeed(p Params, b *bus.Bus, logger *zap.Logger) *remote.Feed {
	rc := p.Config.Remote
	if rc.FeedURL == "" {
		return nil
	}
	return remote.NewFeed(rc.FeedURL, p.Config.Chat.ChatID, rc.Token, b, logger)
}

func provideMonitor(p Params, rc *remote.Client, b *bus.Bus, logger *zap.Logger) *netstate.Monitor {
	return netstate.New(rc, p.Config.Chat.ChatID, p.Config.Sync.ConnectivityPoll, b, logger)
}

func provideSession(p Params, rc *remote.Client, db *store.DB, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *chat.Session {
	cfg := p.Config
	return chat.NewSession(chat.Config{
		ChatID:             cfg.Chat.ChatID,
		UserID:             cfg.Chat.UserID,
		ReadReceiptBatch:   cfg.Sync.ReadReceiptBatch,
		TeardownTimeout:    cfg.Sync.TeardownTimeout,
		MaxBackgroundTasks: cfg.Sync.MaxBackgroundTasks,
	}, chat.Deps{
		Remote:  rc,
		Store:   db,
		Builder: view.DefaultBuilder{UserID: cfg.Chat.UserID},
		Bus:     b,
		Metrics: m,
		Logger:  logger,
	})
}

func provideChatService(p Params, s *chat.Session, b *bus.Bus) *api.ChatService {
	return api.NewChatService(p.Config.Chat.ChatID, s, b)
}

// provideMetricsServer returns nil when no metrics address is configured.
func provideMetricsServer(p Params, m *metrics.Metrics) *http.Server {
	if p.Config.Metrics.Addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{Addr: p.Config.Metrics.Addr, Handler: mux}
}

type lifecycleParams struct {
	fx.In

	Server        *Server
	Lock          *lock.Lock
	Store         *store.DB
	Session       *chat.Session
	Feed          *remote.Feed
	Monitor       *netstate.Monitor
	MetricsServer *http.Server
	Logger        *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, in lifecycleParams) {
	logger := in.Logger
	ctx, cancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The session subscribes to feed and connectivity events before
			// their producers start.
			if err := in.Session.Start(); err != nil {
				return err
			}

			if in.Feed != nil {
				workers.Add(1)
				go func() {
					defer workers.Done()
					if err := in.Feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("live feed stopped", zap.Error(err))
					}
				}()
			} else {
				logger.Info("no feed_url configured, live updates disabled")
			}

			workers.Add(1)
			go func() {
				defer workers.Done()
				if err := in.Monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("connectivity monitor stopped", zap.Error(err))
				}
			}()

			if in.MetricsServer != nil {
				go func() {
					logger.Info("metrics server starting", zap.String("addr", in.MetricsServer.Addr))
					if err := in.MetricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
			}

			// Start gRPC server in background.
			go func() {
				if err := in.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			in.Server.Stop(stopCtx)
			cancel()
			workers.Wait()
			if err := in.Session.Stop(); err != nil {
				logger.Warn("session stop", zap.Error(err))
			}
			if in.MetricsServer != nil {
				_ = in.MetricsServer.Shutdown(stopCtx)
			}
			if err := in.Store.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := in.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}

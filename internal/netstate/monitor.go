// Package netstate polls the backend and reports whether it is reachable.
package netstate

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
)

// Pinger tests reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor publishes the current connectivity level (net.state, bool payload)
// on every check. It does no edge detection; subscribers decide what a change
// means.
type Monitor struct {
	pinger   Pinger
	chatID   string
	interval time.Duration
	bus      *bus.Bus
	log      *zap.Logger

	online atomic.Bool
}

func New(p Pinger, chatID string, interval time.Duration, b *bus.Bus, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{pinger: p, chatID: chatID, interval: interval, bus: b, log: log}
}

// Online reports the result of the latest check.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Run checks immediately and then every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Check runs a single reachability check and publishes its result.
func (m *Monitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	err := m.pinger.Ping(pctx)
	if ctx.Err() != nil {
		return m.online.Load()
	}
	online := err == nil
	if prev := m.online.Swap(online); prev != online {
		m.log.Info("connectivity changed", zap.Bool("online", online), zap.Error(err))
	}
	m.bus.Emit(bus.KindNetState, m.chatID, online)
	return online
}

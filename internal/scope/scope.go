// Package scope runs a session's background work as a bounded set of tasks
// that is drained or cancelled when the session ends.
package scope

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Go once Close has been called.
var ErrClosed = errors.New("scope closed")

// ErrDrainTimeout is returned by Close when tasks outlived the timeout and
// had to be cancelled.
var ErrDrainTimeout = errors.New("scope drain timed out")

// Group owns background tasks. At most max tasks run at once; the rest wait
// for a slot without blocking the caller of Go.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	log    *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Group whose tasks derive their context from parent.
func New(parent context.Context, max int64, log *zap.Logger) *Group {
	if max <= 0 {
		max = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Group{
		ctx:    ctx,
		cancel: cancel,
		sem:    semaphore.NewWeighted(max),
		log:    log,
	}
}

// Context is cancelled when the group is torn down.
func (g *Group) Context() context.Context {
	return g.ctx
}

// Go starts fn in the background. Errors are logged, never returned.
func (g *Group) Go(name string, fn func(ctx context.Context) error) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.log.Warn("task rejected after close", zap.String("task", name))
		return ErrClosed
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		if err := g.sem.Acquire(g.ctx, 1); err != nil {
			g.log.Debug("task abandoned before start", zap.String("task", name))
			return
		}
		defer g.sem.Release(1)

		if err := fn(g.ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				g.log.Debug("task cancelled", zap.String("task", name))
				return
			}
			g.log.Warn("task failed", zap.String("task", name), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every task started so far has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}

// Close rejects new tasks and waits up to timeout for running ones. Tasks
// still running after that are cancelled and awaited.
func (g *Group) Close(timeout time.Duration) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	defer g.cancel()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
	}

	g.log.Warn("cancelling tasks still running at teardown", zap.Duration("timeout", timeout))
	g.cancel()
	<-done
	return ErrDrainTimeout
}

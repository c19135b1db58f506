package scope

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRunsTasks(t *testing.T) {
	g := New(context.Background(), 2, nil)
	var n atomic.Int32
	for range 5 {
		require.NoError(t, g.Go("inc", func(ctx context.Context) error {
			n.Add(1)
			return nil
		}))
	}
	g.Wait()
	assert.Equal(t, int32(5), n.Load())
	assert.NoError(t, g.Close(time.Second))
}

func TestBoundedConcurrency(t *testing.T) {
	g := New(context.Background(), 2, nil)
	var running, peak atomic.Int32
	release := make(chan struct{})

	for range 6 {
		require.NoError(t, g.Go("slot", func(ctx context.Context) error {
			cur := running.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		}))
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	g.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestGoAfterCloseRejected(t *testing.T) {
	g := New(context.Background(), 1, nil)
	require.NoError(t, g.Close(time.Second))

	err := g.Go("late", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseDrainsRunningTasks(t *testing.T) {
	g := New(context.Background(), 1, nil)
	var finished atomic.Bool
	require.NoError(t, g.Go("slow", func(ctx context.Context) error {
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil
	}))

	require.NoError(t, g.Close(time.Second))
	assert.True(t, finished.Load())
}

func TestCloseCancelsAfterTimeout(t *testing.T) {
	g := New(context.Background(), 1, nil)
	require.NoError(t, g.Go("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	err := g.Close(20 * time.Millisecond)
	assert.True(t, errors.Is(err, ErrDrainTimeout))
	assert.Error(t, g.Context().Err())
}

package modelpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func waiters(p *Pool, provider, model string) int {
	return p.Status()[provider][model].Waiters
}

func TestAcquireImmediate(t *testing.T) {
	p := New(nil)
	p.Register("p", "m", 2)

	ctx := context.Background()
	require.NoError(t, p.Acquire(ctx, "p", "m"))
	require.NoError(t, p.Acquire(ctx, "p", "m"))
	assert.Equal(t, EntryStatus{Limit: 2, InUse: 2}, p.Status()["p"]["m"])

	require.NoError(t, p.Release("p", "m"))
	require.NoError(t, p.Release("p", "m"))
	assert.Equal(t, 0, p.Status()["p"]["m"].InUse)
}

func TestAutoRegisterWithLimitOne(t *testing.T) {
	p := New(nil)
	require.NoError(t, p.Acquire(context.Background(), "openai", "gpt"))
	assert.Equal(t, EntryStatus{Limit: 1, InUse: 1}, p.Status()["openai"]["gpt"])
}

func TestReleaseUnknown(t *testing.T) {
	p := New(nil)
	err := p.Release("nope", "none")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestFIFOHandoff(t *testing.T) {
	p := New(nil)
	p.Register("p", "m", 1)
	ctx := context.Background()
	require.NoError(t, p.Acquire(ctx, "p", "m"))

	var (
		mu    sync.Mutex
		order []string
	)
	g, gctx := errgroup.WithContext(ctx)
	start := func(name string, queued int) {
		g.Go(func() error {
			if err := p.Acquire(gctx, "p", "m"); err != nil {
				return err
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
		require.Eventually(t, func() bool { return waiters(p, "p", "m") == queued }, time.Second, time.Millisecond)
	}
	start("first", 1)
	start("second", 2)

	require.NoError(t, p.Release("p", "m"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 1
	}, time.Second, time.Millisecond)
	// Handed over, not freed.
	assert.Equal(t, 1, p.Status()["p"]["m"].InUse)

	require.NoError(t, p.Release("p", "m"))
	require.NoError(t, g.Wait())
	assert.Equal(t, []string{"first", "second"}, order)

	require.NoError(t, p.Release("p", "m"))
	assert.Equal(t, EntryStatus{Limit: 1}, p.Status()["p"]["m"])
}

func TestInUseNeverExceedsLimit(t *testing.T) {
	p := New(nil)
	p.Register("p", "m", 3)

	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			return p.Do(ctx, "p", "m", func(context.Context) error {
				mu.Lock()
				current++
				if current > peak {
					peak = current
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				current--
				mu.Unlock()
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, peak, 3)
	assert.Equal(t, 0, p.Status()["p"]["m"].InUse)
}

func TestCancelWhileQueued(t *testing.T) {
	p := New(nil)
	p.Register("p", "m", 1)
	require.NoError(t, p.Acquire(context.Background(), "p", "m"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Acquire(ctx, "p", "m") }()
	require.Eventually(t, func() bool { return waiters(p, "p", "m") == 1 }, time.Second, time.Millisecond)

	cancel()
	err := <-done
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, EntryStatus{Limit: 1, InUse: 1}, p.Status()["p"]["m"])

	// The abandoned caller must not receive the slot.
	require.NoError(t, p.Release("p", "m"))
	assert.Equal(t, 0, p.Status()["p"]["m"].InUse)
}

func TestAcquireTimeout(t *testing.T) {
	p := New(nil)
	p.Register("p", "m", 1)
	require.NoError(t, p.Acquire(context.Background(), "p", "m"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Acquire(ctx, "p", "m")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, waiters(p, "p", "m"))
}

func TestRegisterUpdatesLimit(t *testing.T) {
	p := New(nil)
	p.Register("p", "m", 2)
	ctx := context.Background()
	require.NoError(t, p.Acquire(ctx, "p", "m"))
	require.NoError(t, p.Acquire(ctx, "p", "m"))

	// Lowering never preempts holders.
	p.Register("p", "m", 1)
	assert.Equal(t, EntryStatus{Limit: 1, InUse: 2}, p.Status()["p"]["m"])

	done := make(chan error, 1)
	go func() { done <- p.Acquire(ctx, "p", "m") }()
	require.Eventually(t, func() bool { return waiters(p, "p", "m") == 1 }, time.Second, time.Millisecond)

	// Over the limit: release drains instead of handing over.
	require.NoError(t, p.Release("p", "m"))
	assert.Equal(t, EntryStatus{Limit: 1, InUse: 1, Waiters: 1}, p.Status()["p"]["m"])

	require.NoError(t, p.Release("p", "m"))
	require.NoError(t, <-done)
	assert.Equal(t, EntryStatus{Limit: 1, InUse: 1}, p.Status()["p"]["m"])

	// Limits below one are clamped.
	p.Register("p", "m", 0)
	assert.Equal(t, 1, p.Status()["p"]["m"].Limit)
}

func TestRegisterRaiseWakesWaiters(t *testing.T) {
	p := New(nil)
	p.Register("p", "m", 1)
	ctx := context.Background()
	require.NoError(t, p.Acquire(ctx, "p", "m"))

	done := make(chan error, 1)
	go func() { done <- p.Acquire(ctx, "p", "m") }()
	require.Eventually(t, func() bool { return waiters(p, "p", "m") == 1 }, time.Second, time.Millisecond)

	p.Register("p", "m", 2)
	require.NoError(t, <-done)
	assert.Equal(t, EntryStatus{Limit: 2, InUse: 2}, p.Status()["p"]["m"])
}

type recordingObserver struct {
	mu    sync.Mutex
	inUse []int
	waits int
}

func (r *recordingObserver) ObserveModelPoolWait(string, string, time.Duration) {
	r.mu.Lock()
	r.waits++
	r.mu.Unlock()
}

func (r *recordingObserver) SetModelPoolInUse(_, _ string, n int) {
	r.mu.Lock()
	r.inUse = append(r.inUse, n)
	r.mu.Unlock()
}

func TestObserver(t *testing.T) {
	obs := &recordingObserver{}
	p := NewWithLimits(obs, []Limit{{Provider: "p", Model: "m", Limit: 2}})
	require.NoError(t, p.Do(context.Background(), "p", "m", func(context.Context) error { return nil }))
	assert.Equal(t, 1, obs.waits)
	assert.Equal(t, []int{0, 1, 0}, obs.inUse)
}

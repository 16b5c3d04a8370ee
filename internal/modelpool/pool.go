// Package modelpool limits concurrent use of each (provider, model) pair.
// Callers queue in arrival order when a pair is at capacity.
package modelpool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotRegistered is returned when releasing a pair the pool has never seen.
var ErrNotRegistered = errors.New("model pool entry not registered")

// Observer receives pool measurements.
type Observer interface {
	ObserveModelPoolWait(provider, model string, wait time.Duration)
	SetModelPoolInUse(provider, model string, inUse int)
}

type key struct {
	provider string
	model    string
}

func (k key) String() string { return k.provider + ":" + k.model }

type waiter struct {
	ready   chan struct{}
	granted bool
}

type entry struct {
	limit   int
	inUse   int
	waiters *list.List
}

// Limit is a configured per-pair capacity.
type Limit struct {
	Provider string `mapstructure:"provider" yaml:"provider"`
	Model    string `mapstructure:"model" yaml:"model"`
	Limit    int    `mapstructure:"limit" yaml:"limit"`
}

// EntryStatus describes one pair.
type EntryStatus struct {
	Limit   int `json:"limit"`
	InUse   int `json:"in_use"`
	Waiters int `json:"waiters"`
}

// Pool is a set of FIFO counting semaphores keyed by provider and model.
type Pool struct {
	mu       sync.Mutex
	entries  map[key]*entry
	observer Observer
}

// New creates an empty pool. observer may be nil.
func New(observer Observer) *Pool {
	return &Pool{entries: make(map[key]*entry), observer: observer}
}

// NewWithLimits creates a pool with the given pairs registered.
func NewWithLimits(observer Observer, limits []Limit) *Pool {
	p := New(observer)
	for _, l := range limits {
		p.Register(l.Provider, l.Model, l.Limit)
	}
	return p
}

// Register creates a pair or updates its limit. Holders are never
// preempted; if the new limit is below in_use the excess drains as
// holders release.
func (p *Pool) Register(provider, model string, limit int) {
	if limit < 1 {
		limit = 1
	}
	var wake []*waiter

	p.mu.Lock()
	e := p.entryLocked(key{provider, model}, limit)
	e.limit = limit
	// A raised limit frees room for queued callers.
	for e.inUse < e.limit && e.waiters.Len() > 0 {
		w := p.popLocked(e)
		e.inUse++
		wake = append(wake, w)
	}
	inUse := e.inUse
	p.mu.Unlock()

	for _, w := range wake {
		close(w.ready)
	}
	p.setInUse(provider, model, inUse)
}

func (p *Pool) entryLocked(k key, limit int) *entry {
	e, ok := p.entries[k]
	if !ok {
		e = &entry{limit: limit, waiters: list.New()}
		p.entries[k] = e
	}
	return e
}

func (p *Pool) popLocked(e *entry) *waiter {
	w := e.waiters.Remove(e.waiters.Front()).(*waiter)
	w.granted = true
	return w
}

// Acquire blocks until a slot for the pair is held or ctx is done. Unknown
// pairs are registered with a limit of 1.
func (p *Pool) Acquire(ctx context.Context, provider, model string) error {
	k := key{provider, model}
	start := time.Now()

	p.mu.Lock()
	e := p.entryLocked(k, 1)
	if e.inUse < e.limit && e.waiters.Len() == 0 {
		e.inUse++
		inUse := e.inUse
		p.mu.Unlock()
		p.observeWait(provider, model, 0)
		p.setInUse(provider, model, inUse)
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	elem := e.waiters.PushBack(w)
	p.mu.Unlock()

	select {
	case <-w.ready:
		p.observeWait(provider, model, time.Since(start))
		return nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	if !w.granted {
		e.waiters.Remove(elem)
		p.mu.Unlock()
		return ctx.Err()
	}
	p.mu.Unlock()

	// The slot was handed over while we were giving up.
	if err := p.Release(provider, model); err != nil {
		return fmt.Errorf("release abandoned slot %s: %w", k, err)
	}
	return ctx.Err()
}

// Release frees a slot. When callers are queued the slot passes directly
// to the oldest one and in_use is unchanged.
func (p *Pool) Release(provider, model string) error {
	k := key{provider, model}

	p.mu.Lock()
	e, ok := p.entries[k]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, k)
	}
	if e.inUse == 0 {
		p.mu.Unlock()
		return fmt.Errorf("release %s: no slot in use", k)
	}

	var next *waiter
	if e.inUse <= e.limit && e.waiters.Len() > 0 {
		next = p.popLocked(e)
	} else {
		e.inUse--
	}
	inUse := e.inUse
	p.mu.Unlock()

	if next != nil {
		close(next.ready)
	}
	p.setInUse(provider, model, inUse)
	return nil
}

// Do runs fn while holding a slot for the pair.
func (p *Pool) Do(ctx context.Context, provider, model string, fn func(context.Context) error) error {
	if err := p.Acquire(ctx, provider, model); err != nil {
		return err
	}
	defer func() { _ = p.Release(provider, model) }()
	return fn(ctx)
}

// Status returns provider → model → usage.
func (p *Pool) Status() map[string]map[string]EntryStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]map[string]EntryStatus)
	for k, e := range p.entries {
		models, ok := out[k.provider]
		if !ok {
			models = make(map[string]EntryStatus)
			out[k.provider] = models
		}
		models[k.model] = EntryStatus{Limit: e.limit, InUse: e.inUse, Waiters: e.waiters.Len()}
	}
	return out
}

func (p *Pool) observeWait(provider, model string, d time.Duration) {
	if p.observer != nil {
		p.observer.ObserveModelPoolWait(provider, model, d)
	}
}

func (p *Pool) setInUse(provider, model string, n int) {
	if p.observer != nil {
		p.observer.SetModelPoolInUse(provider, model, n)
	}
}

/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       Per-key concurrency gate: a semaphore per rate-limit
             key with an adaptive effective ceiling that shrinks
             25% on a 429 signal and grows by one per success,
             plus holder-death cleanup via a watcher goroutine
             bound to the caller's context.
Root Cause:  A flat global semaphore can't express "this one model
             just got rate-limited, ease off it specifically" or
             recover permits a panicked/cancelled caller never
             released.
Context:     Sits between budget reservation and the retry
             manager in the admission pipeline; acquired after a
             reservation succeeds, released unconditionally once
             the request (or stream) terminates.
Suitability: L4 — the FIFO waiter queue and watcher cleanup are
             the trickiest concurrency code in the client.
──────────────────────────────────────────────────────────────
*/

package concurrency

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

// Errors returned by Acquire.
var (
	ErrNoPermitAvailable   = errors.New("concurrency: no permit available")
	ErrConcurrencyDisabled = errors.New("concurrency: gating disabled for this key")
	ErrTimeout             = errors.New("concurrency: timed out waiting for a permit")
)

// Config configures a single Acquire call.
type Config struct {
	Max             int // <= 0 disables gating for this key
	Adaptive        bool
	AdaptiveCeiling int
	NonBlocking     bool
	PermitTimeout   time.Duration // 0 = wait as long as ctx allows
}

type waiter struct {
	ch chan struct{}
}

type permitState struct {
	mu          sync.Mutex
	current     int
	adaptiveMax int // 0 means "not yet initialized"
	holders     map[string]int
	waiters     *list.List // of *waiter, FIFO
}

// Lease is returned by Acquire on success. The holder must call Release
// exactly once (directly, or implicitly via context cancellation, which
// the watcher goroutine turns into exactly one release).
type Lease struct {
	gate     *Gate
	key      string
	holderID string
	count    int
	released chan struct{}
}

// Gate is a per-key adaptive semaphore.
type Gate struct {
	mu    sync.Mutex
	byKey map[string]*permitState
}

// New creates an empty concurrency gate.
func New() *Gate {
	return &Gate{byKey: make(map[string]*permitState)}
}

func (g *Gate) stateFor(key string) *permitState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.byKey[key]
	if !ok {
		st = &permitState{holders: make(map[string]int), waiters: list.New()}
		g.byKey[key] = st
	}
	return st
}

func effectiveMax(st *permitState, cfg Config) int {
	if cfg.Adaptive {
		if st.adaptiveMax == 0 {
			st.adaptiveMax = cfg.Max
		}
		return st.adaptiveMax
	}
	return cfg.Max
}

// Acquire acquires one permit for key under ctx. holderID identifies the
// caller for watcher-based cleanup (typically a per-call UUID). ctx must
// be the caller's own request context — the lease's watcher observes it
// for the lifetime of the hold, so a separate acquire deadline goes in
// cfg.PermitTimeout, not in ctx.
//
// Blocking mode (cfg.NonBlocking == false) waits until a permit frees up,
// cfg.PermitTimeout elapses, or ctx is done. Non-blocking mode returns
// ErrNoPermitAvailable immediately when saturated.
func (g *Gate) Acquire(ctx context.Context, key string, holderID string, cfg Config) (*Lease, error) {
	if cfg.Max <= 0 {
		return nil, ErrConcurrencyDisabled
	}

	st := g.stateFor(key)

	var deadline <-chan time.Time
	if !cfg.NonBlocking && cfg.PermitTimeout > 0 {
		timer := time.NewTimer(cfg.PermitTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		st.mu.Lock()
		max := effectiveMax(st, cfg)
		if st.current < max {
			st.current++
			st.holders[holderID] += 1
			st.mu.Unlock()
			lease := &Lease{gate: g, key: key, holderID: holderID, count: 1, released: make(chan struct{})}
			go g.watch(ctx, lease)
			return lease, nil
		}

		if cfg.NonBlocking {
			st.mu.Unlock()
			return nil, ErrNoPermitAvailable
		}

		w := &waiter{ch: make(chan struct{}, 1)}
		elem := st.waiters.PushBack(w)
		st.mu.Unlock()

		select {
		case <-w.ch:
			// Woken by a release; loop and re-attempt — a concurrent
			// caller may have raced in ahead of us (best-effort FIFO).
			continue
		case <-deadline:
			g.abandonWaiter(st, elem, w)
			return nil, ErrTimeout
		case <-ctx.Done():
			g.abandonWaiter(st, elem, w)
			return nil, ErrTimeout
		}
	}
}

// abandonWaiter removes a waiter that gave up. If a release already
// popped it and handed it a wake token, the token is forwarded to the
// next waiter so the freed permit is not stranded.
func (g *Gate) abandonWaiter(st *permitState, elem *list.Element, w *waiter) {
	st.mu.Lock()
	st.waiters.Remove(elem) // no-op if a release already popped it
	var wake *waiter
	select {
	case <-w.ch:
		if st.waiters.Len() > 0 {
			front := st.waiters.Front()
			wake, _ = front.Value.(*waiter)
			st.waiters.Remove(front)
		}
	default:
	}
	st.mu.Unlock()
	if wake != nil {
		wake.ch <- struct{}{}
	}
}

// watch releases lease's permit exactly once, either when the caller
// releases it explicitly or when ctx is cancelled (abnormal termination).
func (g *Gate) watch(ctx context.Context, lease *Lease) {
	select {
	case <-lease.released:
	case <-ctx.Done():
		g.handleHolderDown(lease.key, lease.holderID)
	}
}

// Release releases lease's permit. Safe to call at most once; a second
// call (or a call after the watcher already ran handleHolderDown for the
// same holder) is a no-op.
func (l *Lease) Release() {
	select {
	case <-l.released:
		return // already released
	default:
	}
	close(l.released)
	l.gate.release(l.key, l.holderID, l.count)
}

func (g *Gate) release(key, holderID string, count int) {
	st := g.stateFor(key)
	st.mu.Lock()
	if remaining, ok := st.holders[holderID]; ok {
		remaining -= count
		if remaining <= 0 {
			delete(st.holders, holderID)
		} else {
			st.holders[holderID] = remaining
		}
		st.current -= count
		if st.current < 0 {
			st.current = 0
		}
	}
	var wake *waiter
	if st.waiters.Len() > 0 {
		front := st.waiters.Front()
		wake, _ = front.Value.(*waiter)
		st.waiters.Remove(front)
	}
	st.mu.Unlock()

	if wake != nil {
		wake.ch <- struct{}{}
	}
}

// handleHolderDown releases every permit recorded for holderID — invoked
// by a watcher when its caller's context is done without an explicit
// Release.
func (g *Gate) handleHolderDown(key, holderID string) {
	st := g.stateFor(key)
	st.mu.Lock()
	count, ok := st.holders[holderID]
	st.mu.Unlock()
	if !ok || count == 0 {
		return
	}
	g.release(key, holderID, count)
}

// SignalRateLimited shrinks key's adaptive ceiling by 25% (floor 1).
// No-op unless cfg.Adaptive is set; a key whose adaptive ceiling was
// never initialized starts from cfg.Max before shrinking.
func (g *Gate) SignalRateLimited(key string, cfg Config) {
	if !cfg.Adaptive {
		return
	}
	st := g.stateFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.adaptiveMax == 0 {
		st.adaptiveMax = cfg.Max
	}
	st.adaptiveMax = st.adaptiveMax * 3 / 4
	if st.adaptiveMax < 1 {
		st.adaptiveMax = 1
	}
}

// SignalSuccess grows key's adaptive ceiling by one, up to cfg.AdaptiveCeiling.
func (g *Gate) SignalSuccess(key string, cfg Config) {
	if !cfg.Adaptive {
		return
	}
	st := g.stateFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.adaptiveMax == 0 {
		return // adaptive_max only rises once it has been set by a prior signal
	}
	ceiling := cfg.AdaptiveCeiling
	if ceiling <= 0 {
		ceiling = cfg.Max
	}
	if st.adaptiveMax < ceiling {
		st.adaptiveMax++
	}
}

// EffectiveMax returns key's current effective max under cfg, for tests
// and status inspection.
func (g *Gate) EffectiveMax(key string, cfg Config) int {
	st := g.stateFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	return effectiveMax(st, cfg)
}

// Current returns the number of outstanding permits for key.
func (g *Gate) Current(key string) int {
	st := g.stateFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current
}

// ResetAll clears every key's permit state. Tests only.
func (g *Gate) ResetAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byKey = make(map[string]*permitState)
}

/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       In-memory state store: per-key retry windows and
             usage windows, reservation/reconcile with a lazy
             window rollover. Each key carries its own mutex so
             two callers for the same model never observe torn
             counters, while unrelated models never block each
             other.
Root Cause:  This is the single place every budget invariant is
             enforced; get the lock scope or rollover timing
             wrong and tokens leak or requests starve.
Context:     Default backing for the rate-limit manager; a
             Redis-backed Store exists for multi-process fleets
             that must share one budget (see redisstore).
Suitability: L4 — concurrency correctness is the whole point.
──────────────────────────────────────────────────────────────
*/

package statestore

import (
	"math"
	"sync"
	"time"

	"github.com/nshkrdotcom/gemini-ex-sub004/internal/retryinfo"
)

type keyState struct {
	mu     sync.Mutex
	retry  *RetryState
	window *UsageWindow
}

// MemoryStore is the default in-process Store implementation. Per-key
// mutexes (one per keyState) give short-held, key-scoped locking without
// a separate keylock.Map: distinct keys never block each other.
type MemoryStore struct {
	mu    sync.Mutex
	byKey map[Key]*keyState
}

// NewMemory creates an empty in-memory state store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		byKey: make(map[Key]*keyState),
	}
}

func (s *MemoryStore) stateFor(key Key) *keyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byKey[key]
	if !ok {
		st = &keyState{}
		s.byKey[key] = st
	}
	return st
}

func (s *MemoryStore) GetRetryUntil(key Key) time.Time {
	key = NormalizeKey(key)
	st := s.stateFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.retry == nil {
		return time.Time{}
	}
	if time.Now().After(st.retry.RetryUntil) {
		st.retry = nil
		return time.Time{}
	}
	return st.retry.RetryUntil
}

func (s *MemoryStore) SetRetry(key Key, info retryinfo.Info) {
	key = NormalizeKey(key)
	delay, _ := retryinfo.ParseDelay(info.RetryDelay)
	st := s.stateFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now()
	st.retry = &RetryState{
		RetryUntil:      now.Add(delay),
		QuotaMetric:     info.QuotaMetric,
		QuotaID:         info.QuotaID,
		QuotaDimensions: info.QuotaDimensions,
		QuotaValue:      info.QuotaValue,
		LastSeenAt:      now,
	}
}

func (s *MemoryStore) ClearRetry(key Key) {
	key = NormalizeKey(key)
	st := s.stateFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.retry = nil
}

// rollIfExpired replaces the window with a fresh zeroed one if it has
// expired. Must be called with st.mu held.
func rollIfExpired(st *keyState, now time.Time, windowDuration time.Duration) {
	if st.window == nil || now.Sub(st.window.WindowStart) >= st.window.WindowDuration {
		st.window = &UsageWindow{
			WindowStart:    now,
			WindowDuration: windowDuration,
		}
	}
}

func (s *MemoryStore) TryReserve(key Key, estimatedTokens, budget int64, safetyMultiplier float64, windowDuration time.Duration) (*Reservation, error) {
	key = NormalizeKey(key)
	if safetyMultiplier <= 0 {
		safetyMultiplier = 1.0
	}
	scaled := int64(math.Ceil(float64(estimatedTokens) * safetyMultiplier))

	if scaled > budget {
		return nil, &OverBudgetError{Details: OverBudgetDetails{
			RequestTooLarge: true,
			Budget:          budget,
			Requested:       scaled,
		}}
	}

	st := s.stateFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	rollIfExpired(st, now, windowDuration)
	w := st.window

	current := w.InputTokens + w.OutputTokens + w.ReservedTokens
	if current+scaled > budget {
		return nil, &OverBudgetError{Details: OverBudgetDetails{
			RequestTooLarge: false,
			WindowEnd:       w.WindowStart.Add(w.WindowDuration),
			Budget:          budget,
			CurrentUsage:    current,
			Requested:       scaled,
		}}
	}

	w.ReservedTokens += scaled
	return &Reservation{
		Key:             key,
		ReservedTokens:  scaled,
		EstimatedTokens: estimatedTokens,
		WindowStart:     w.WindowStart,
		WindowEnd:       w.WindowStart.Add(w.WindowDuration),
		Budget:          budget,
	}, nil
}

func (s *MemoryStore) Reconcile(key Key, r *Reservation, actual Usage) {
	if r == nil || !r.Terminate() {
		return
	}
	key = NormalizeKey(key)
	st := s.stateFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	if st.window == nil || now.Sub(st.window.WindowStart) >= st.window.WindowDuration || !st.window.WindowStart.Equal(r.WindowStart) {
		// Window already rolled over (now, or earlier by another caller):
		// the reservation's tokens were implicitly dropped with the old
		// window; only record new usage.
		rollIfExpired(st, now, r.WindowEnd.Sub(r.WindowStart))
		st.window.InputTokens += actual.Input
		st.window.OutputTokens += actual.Output
		return
	}

	st.window.ReservedTokens -= r.ReservedTokens
	if st.window.ReservedTokens < 0 {
		st.window.ReservedTokens = 0
	}
	st.window.InputTokens += actual.Input
	st.window.OutputTokens += actual.Output
}

func (s *MemoryStore) Release(key Key, r *Reservation) {
	s.Reconcile(key, r, Usage{})
}

func (s *MemoryStore) PeekUsage(key Key) UsageWindow {
	key = NormalizeKey(key)
	st := s.stateFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.window == nil {
		return UsageWindow{}
	}
	now := time.Now()
	if now.Sub(st.window.WindowStart) >= st.window.WindowDuration {
		return UsageWindow{WindowStart: now, WindowDuration: st.window.WindowDuration}
	}
	return *st.window
}

func (s *MemoryStore) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey = make(map[Key]*keyState)
}

var _ Store = (*MemoryStore)(nil)

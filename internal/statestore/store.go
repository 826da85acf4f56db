package statestore

import (
	"time"

	"github.com/nshkrdotcom/gemini-ex-sub004/internal/retryinfo"
)

// Store provides key-partitioned, concurrency-safe retry windows and
// usage windows with an atomic reservation operation. Implementations
// must serialize operations on the same key and allow distinct keys to
// proceed in parallel.
type Store interface {
	// GetRetryUntil returns the stored retry deadline for key, or the
	// zero time if absent or already in the past.
	GetRetryUntil(key Key) time.Time

	// SetRetry parses info.RetryDelay and records a fresh RetryState.
	SetRetry(key Key, info retryinfo.Info)

	// ClearRetry drops any retry state for key.
	ClearRetry(key Key)

	// TryReserve atomically reserves estimatedTokens (scaled by
	// safetyMultiplier) against budget for key's current window. Returns
	// *OverBudgetError on failure.
	TryReserve(key Key, estimatedTokens, budget int64, safetyMultiplier float64, windowDuration time.Duration) (*Reservation, error)

	// Reconcile converts a reservation into charged usage, rolling the
	// window if it has since expired. Safe to call at most once per
	// reservation; subsequent calls are no-ops.
	Reconcile(key Key, r *Reservation, actual Usage)

	// Release is Reconcile with zero usage.
	Release(key Key, r *Reservation)

	// PeekUsage returns key's current usage window without reserving
	// anything, for status inspection. Returns the zero UsageWindow if no
	// window has ever been opened for key.
	PeekUsage(key Key) UsageWindow

	// ResetAll clears every key's state. Idempotent.
	ResetAll()
}

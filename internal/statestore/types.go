package statestore

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Key identifies a rate-limiting partition. Metric is always
// "token-count" for this core; the tuple shape is kept so future
// metrics can coexist without a breaking change.
type Key struct {
	Model    string
	Location string
	Metric   string
}

const defaultLocation = "global"

// NormalizeKey fills in Location with the default constant when the
// caller didn't supply one, so every key participates uniformly in
// per-key locking and window bookkeeping.
func NormalizeKey(k Key) Key {
	if k.Location == "" {
		k.Location = defaultLocation
	}
	if k.Metric == "" {
		k.Metric = "token-count"
	}
	return k
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Model, k.Location, k.Metric)
}

// RetryState records a server-imposed rate-limit window for a key.
type RetryState struct {
	RetryUntil      time.Time
	QuotaMetric     string
	QuotaID         string
	QuotaDimensions map[string]string
	QuotaValue      string
	LastSeenAt      time.Time
}

// Usage is a (input, output) token pair, the shape reconcile charges in.
type Usage struct {
	Input  int64
	Output int64
}

// UsageWindow is the per-key fixed-duration accounting window
// [WindowStart, WindowStart+WindowDuration), replaced once it expires.
type UsageWindow struct {
	WindowStart    time.Time
	WindowDuration time.Duration
	InputTokens    int64
	OutputTokens   int64
	ReservedTokens int64
}

// Reservation is the ephemeral handle returned by TryReserve. It must be
// terminated exactly once via Reconcile or Release.
type Reservation struct {
	Key             Key
	ReservedTokens  int64
	EstimatedTokens int64
	WindowStart     time.Time
	WindowEnd       time.Time
	Budget          int64

	terminated atomic.Bool
}

// Terminate returns true exactly once per reservation — the first
// caller to invoke it (via Reconcile or Release) wins; every subsequent
// call returns false. Store implementations must guard their terminal
// side effects with it so a reservation is never charged or released
// twice.
func (r *Reservation) Terminate() bool {
	return r.terminated.CompareAndSwap(false, true)
}

// OverBudgetDetails explains why TryReserve refused a reservation.
type OverBudgetDetails struct {
	RequestTooLarge bool
	WindowEnd       time.Time
	Budget          int64
	CurrentUsage    int64
	Requested       int64
}

// OverBudgetError is returned by TryReserve when a reservation cannot be
// granted under the configured budget.
type OverBudgetError struct {
	Details OverBudgetDetails
}

func (e *OverBudgetError) Error() string {
	if e.Details.RequestTooLarge {
		return fmt.Sprintf("statestore: requested %d tokens exceeds entire budget %d", e.Details.Requested, e.Details.Budget)
	}
	return fmt.Sprintf("statestore: requested %d tokens would exceed budget %d (window ends %s)", e.Details.Requested, e.Details.Budget, e.Details.WindowEnd.Format(time.RFC3339))
}

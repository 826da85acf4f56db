/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       The single orchestration point every outbound request
             flows through: atomic budget reservation, permit
             acquisition, the retryable call itself (the retry
             manager records a server retry window after a 429 and
             waits it out or reports it), reconciliation, and
             telemetry — for both unary calls and the release_fn
             contract long-lived streams need. A retry window left
             by an earlier call is not checked before a new call's
             first attempt; CheckStatus reports it.
Root Cause:  Admission correctness requires these steps run in a
             fixed order with unconditional cleanup on every exit
             path; scattering them across callers invites a
             leaked permit or reservation on the first new error
             path someone adds.
Context:     Sits above internal/statestore, internal/concurrency,
             and internal/retry; internal/streaming calls
             ExecuteStreaming instead of Execute so a long-lived
             operation still goes through the same admission gate.
Suitability: L4 — this is the core's single most load-bearing
             piece of control flow.
──────────────────────────────────────────────────────────────
*/

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nshkrdotcom/gemini-ex-sub004/internal/concurrency"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/cost"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/retry"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/retryinfo"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/statestore"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/telemetry"
)

// Config is the fully-resolved admission configuration for one call —
// app defaults, profile, and per-call overrides already merged by the
// caller (see the top-level client package's Overlay).
type Config struct {
	Location               string
	ConcurrencyKey         string // optional partition suffix, e.g. per-tenant
	MaxConcurrencyPerModel int
	PermitTimeoutMS        int64
	MaxAttempts            int
	BaseBackoffMS          int64
	MaxBackoffMS           int64
	JitterFactor           float64
	AdaptiveConcurrency    bool
	AdaptiveCeiling        int
	TokenBudgetPerWindow   int64
	WindowDurationMS       int64
	BudgetSafetyMultiplier float64
	MaxBudgetWaitMS        int64
	NonBlocking            bool
	DisableRateLimiter     bool
	EstimatedInputTokens   int64
	EstimatedCachedTokens  int64
}

func (c Config) windowDuration() time.Duration {
	if c.WindowDurationMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.WindowDurationMS) * time.Millisecond
}

// UsageMetadata mirrors the backend's usageMetadata fields the core
// inspects. Cached-content tokens are treated as input-adjacent per the
// spec's resolved open question.
type UsageMetadata struct {
	PromptTokenCount        int64
	CachedContentTokenCount int64
	CandidatesTokenCount    int64
}

func (u UsageMetadata) toUsage() statestore.Usage {
	return statestore.Usage{
		Input:  u.PromptTokenCount + u.CachedContentTokenCount,
		Output: u.CandidatesTokenCount,
	}
}

// Response is the minimal shape a transport call returns for the manager
// to classify and reconcile. RetryInfo is only inspected when StatusCode
// is 429.
type Response struct {
	StatusCode int
	Usage      UsageMetadata
	RetryInfo  retryinfo.Info
}

// Call performs one attempt of the underlying request. It must not retry
// internally — that is the retry manager's job.
type Call func(ctx context.Context) (*Response, error)

// Reason explains a self-imposed RateLimitedError.
type Reason string

const (
	ReasonOverBudget        Reason = "over_budget"
	ReasonNoPermitAvailable Reason = "no_permit_available"
	ReasonQuota             Reason = "quota"
)

// RateLimitedError is returned whenever admission is refused, whether
// self-imposed (budget, permits) or backend-imposed (quota).
type RateLimitedError struct {
	Reason          Reason
	RetryAt         time.Time // zero when no known retry time exists
	RequestTooLarge bool
}

func (e *RateLimitedError) Error() string {
	if e.RequestTooLarge {
		return fmt.Sprintf("ratelimit: rate limited (%s, request too large for entire budget)", e.Reason)
	}
	if !e.RetryAt.IsZero() {
		return fmt.Sprintf("ratelimit: rate limited (%s), retry at %s", e.Reason, e.RetryAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("ratelimit: rate limited (%s)", e.Reason)
}

// Outcome is the terminal state a streaming caller reports to release_fn.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeErrored   Outcome = "errored"
	OutcomeStopped   Outcome = "stopped"
)

// ReleaseFn is returned by ExecuteStreaming. It must be invoked exactly
// once; every call after the first is a no-op. usage may be nil, in
// which case the reservation is released unreconciled.
type ReleaseFn func(outcome Outcome, usage *UsageMetadata)

// Manager is the admission pipeline: budget reservation -> permit
// acquire -> request (with retries) -> reconcile/release. A stored retry
// window is not consulted before the first attempt.
type Manager struct {
	store     statestore.Store
	gate      *concurrency.Gate
	retry     *retry.Manager
	telemetry *telemetry.Facade
	costTable *cost.Table
}

// New creates a Manager wired to store/gate/retryMgr. telemetryFacade and
// costTable may be nil (telemetry is then dropped; cost is then omitted
// from request.stop/stream.completed events).
func New(store statestore.Store, gate *concurrency.Gate, retryMgr *retry.Manager, telemetryFacade *telemetry.Facade, costTable *cost.Table) *Manager {
	if telemetryFacade == nil {
		telemetryFacade = telemetry.New()
	}
	return &Manager{store: store, gate: gate, retry: retryMgr, telemetry: telemetryFacade, costTable: costTable}
}

func concurrencyKeyFor(key statestore.Key, partition string) string {
	if partition == "" {
		return key.String()
	}
	return key.String() + "|" + partition
}

func permitConfig(cfg Config) concurrency.Config {
	return concurrency.Config{
		Max:             cfg.MaxConcurrencyPerModel,
		Adaptive:        cfg.AdaptiveConcurrency,
		AdaptiveCeiling: cfg.AdaptiveCeiling,
		NonBlocking:     cfg.NonBlocking,
	}
}

// Execute runs call under the full admission pipeline, retrying
// transient/rate-limited outcomes per cfg, and reconciling the token
// reservation from the final response's usage metadata.
func (m *Manager) Execute(ctx context.Context, model string, cfg Config, call Call) (*Response, error) {
	if cfg.DisableRateLimiter {
		return call(ctx)
	}

	key := statestore.NormalizeKey(statestore.Key{Model: model, Location: cfg.Location, Metric: "token-count"})
	start := time.Now()
	m.telemetry.Emit(telemetry.Event{Kind: telemetry.RequestStart, Model: key.Model, Location: key.Location})

	reservation, err := m.reserveBudget(ctx, key, cfg)
	if err != nil {
		return nil, err
	}

	concurrencyKey := concurrencyKeyFor(key, cfg.ConcurrencyKey)
	pCfg := permitConfig(cfg)
	lease, err := m.acquirePermit(ctx, concurrencyKey, pCfg, cfg.PermitTimeoutMS)
	if err != nil {
		m.store.Release(key, reservation)
		return nil, err
	}
	if lease != nil {
		defer lease.Release()
	}

	var lastResp *Response
	wrapped := func(ctx context.Context, attempt int) retry.Outcome {
		resp, callErr := call(ctx)
		lastResp = resp
		statusCode := 0
		if resp != nil {
			statusCode = resp.StatusCode
		}
		cls := retry.Classify(statusCode, callErr)
		out := retry.Outcome{Classification: cls, Err: callErr}
		switch cls {
		case retry.RateLimited:
			m.gate.SignalRateLimited(concurrencyKey, pCfg)
			if resp != nil {
				out.RetryInfo = resp.RetryInfo
			}
		case retry.Success:
			m.gate.SignalSuccess(concurrencyKey, pCfg)
		}
		return out
	}

	retryCfg := retry.Config{
		MaxAttempts:   cfg.MaxAttempts,
		BaseBackoffMS: cfg.BaseBackoffMS,
		MaxBackoffMS:  cfg.MaxBackoffMS,
		JitterFactor:  cfg.JitterFactor,
		Blocking:      !cfg.NonBlocking,
		OnWait: func(retryAt time.Time, d time.Duration) {
			m.telemetry.Emit(telemetry.Event{Kind: telemetry.Wait, Model: key.Model, Location: key.Location, Duration: d, RetryAt: retryAt})
		},
	}
	_, rerr := m.retry.ExecuteWithRetry(ctx, key, retryCfg, wrapped)

	duration := time.Since(start)
	if rerr != nil {
		m.store.Release(key, reservation)
		m.telemetry.Emit(telemetry.Event{Kind: telemetry.RequestError, Model: key.Model, Location: key.Location, Duration: duration, Reason: errReason(rerr)})
		return lastResp, translateRetryErr(rerr)
	}

	usage := statestore.Usage{}
	if lastResp != nil {
		usage = lastResp.Usage.toUsage()
	}
	if usage.Input == 0 && usage.Output == 0 {
		m.store.Release(key, reservation)
	} else {
		m.store.Reconcile(key, reservation, usage)
	}

	estCost := 0.0
	if m.costTable != nil {
		estCost = m.costTable.Estimate(model, usage.Input, usage.Output)
	}
	m.telemetry.Emit(telemetry.Event{Kind: telemetry.RequestStop, Model: key.Model, Location: key.Location, Duration: duration, EstimatedCost: estCost})
	return lastResp, nil
}

// ExecuteStreaming runs the admission pipeline (budget + permit) without
// invoking a transport call, returning a single-shot ReleaseFn the
// streaming manager must call exactly once on any terminal stream event.
func (m *Manager) ExecuteStreaming(ctx context.Context, model string, cfg Config) (ReleaseFn, error) {
	key := statestore.NormalizeKey(statestore.Key{Model: model, Location: cfg.Location, Metric: "token-count"})
	start := time.Now()

	if cfg.DisableRateLimiter {
		noop := func(Outcome, *UsageMetadata) {}
		return noop, nil
	}

	m.telemetry.Emit(telemetry.Event{Kind: telemetry.RequestStart, Model: key.Model, Location: key.Location})

	reservation, err := m.reserveBudget(ctx, key, cfg)
	if err != nil {
		return nil, err
	}

	concurrencyKey := concurrencyKeyFor(key, cfg.ConcurrencyKey)
	pCfg := permitConfig(cfg)
	lease, err := m.acquirePermit(ctx, concurrencyKey, pCfg, cfg.PermitTimeoutMS)
	if err != nil {
		m.store.Release(key, reservation)
		return nil, err
	}

	var once sync.Once
	release := func(outcome Outcome, usage *UsageMetadata) {
		once.Do(func() {
			if usage != nil {
				m.store.Reconcile(key, reservation, usage.toUsage())
			} else {
				m.store.Release(key, reservation)
			}
			if lease != nil {
				lease.Release()
			}

			var kind telemetry.Kind
			switch outcome {
			case OutcomeCompleted:
				m.gate.SignalSuccess(concurrencyKey, pCfg)
				kind = telemetry.StreamCompleted
			case OutcomeErrored:
				kind = telemetry.StreamError
			case OutcomeStopped:
				kind = telemetry.StreamStopped
			default:
				kind = telemetry.StreamError
			}
			estCost := 0.0
			if usage != nil && m.costTable != nil {
				u := usage.toUsage()
				estCost = m.costTable.Estimate(model, u.Input, u.Output)
			}
			m.telemetry.Emit(telemetry.Event{Kind: kind, Model: key.Model, Location: key.Location, Duration: time.Since(start), EstimatedCost: estCost})
		})
	}
	m.telemetry.Emit(telemetry.Event{Kind: telemetry.StreamStarted, Model: key.Model, Location: key.Location})
	return release, nil
}

// Status is the result of CheckStatus: an admission-free snapshot of
// whether a call for model would currently be admitted.
type Status struct {
	State   string // "ok" | "rate_limited" | "over_budget" | "no_permits"
	RetryAt time.Time
	Usage   statestore.UsageWindow
}

const (
	StatusOK          = "ok"
	StatusRateLimited = "rate_limited"
	StatusOverBudget  = "over_budget"
	StatusNoPermits   = "no_permits"
)

// CheckStatus inspects retry windows, the usage window, and permit
// saturation for model without acquiring anything.
func (m *Manager) CheckStatus(model string, cfg Config) Status {
	key := statestore.NormalizeKey(statestore.Key{Model: model, Location: cfg.Location, Metric: "token-count"})

	if until := m.store.GetRetryUntil(key); !until.IsZero() {
		return Status{State: StatusRateLimited, RetryAt: until}
	}

	window := m.store.PeekUsage(key)
	estimated := cfg.EstimatedInputTokens + cfg.EstimatedCachedTokens
	safety := cfg.BudgetSafetyMultiplier
	if safety <= 0 {
		safety = 1.0
	}
	scaled := int64(math.Ceil(float64(estimated) * safety))
	if cfg.TokenBudgetPerWindow > 0 && window.InputTokens+window.OutputTokens+window.ReservedTokens+scaled > cfg.TokenBudgetPerWindow {
		return Status{State: StatusOverBudget, Usage: window}
	}

	if cfg.MaxConcurrencyPerModel > 0 {
		concurrencyKey := concurrencyKeyFor(key, cfg.ConcurrencyKey)
		pCfg := permitConfig(cfg)
		if m.gate.Current(concurrencyKey) >= m.gate.EffectiveMax(concurrencyKey, pCfg) {
			return Status{State: StatusNoPermits}
		}
	}

	return Status{State: StatusOK}
}

func (m *Manager) reserveBudget(ctx context.Context, key statestore.Key, cfg Config) (*statestore.Reservation, error) {
	estimated := cfg.EstimatedInputTokens + cfg.EstimatedCachedTokens
	windowDuration := cfg.windowDuration()

	res, err := m.store.TryReserve(key, estimated, cfg.TokenBudgetPerWindow, cfg.BudgetSafetyMultiplier, windowDuration)
	if err == nil {
		m.telemetry.Emit(telemetry.Event{Kind: telemetry.BudgetReserved, Model: key.Model, Location: key.Location, ReservedTokens: res.ReservedTokens})
		return res, nil
	}

	var overBudget *statestore.OverBudgetError
	if !errors.As(err, &overBudget) {
		return nil, err
	}
	m.telemetry.Emit(telemetry.Event{Kind: telemetry.BudgetRejected, Model: key.Model, Location: key.Location, Reason: string(ReasonOverBudget)})

	if overBudget.Details.RequestTooLarge {
		return nil, &RateLimitedError{Reason: ReasonOverBudget, RequestTooLarge: true}
	}

	if cfg.NonBlocking {
		return nil, &RateLimitedError{Reason: ReasonOverBudget, RetryAt: overBudget.Details.WindowEnd}
	}

	wait := time.Until(overBudget.Details.WindowEnd)
	if cfg.MaxBudgetWaitMS > 0 {
		if cap := time.Duration(cfg.MaxBudgetWaitMS) * time.Millisecond; wait > cap {
			wait = cap
		}
	}
	if wait > 0 {
		m.telemetry.Emit(telemetry.Event{Kind: telemetry.Wait, Model: key.Model, Location: key.Location, Duration: wait, RetryAt: overBudget.Details.WindowEnd})
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	res2, err2 := m.store.TryReserve(key, estimated, cfg.TokenBudgetPerWindow, cfg.BudgetSafetyMultiplier, windowDuration)
	if err2 != nil {
		var overBudget2 *statestore.OverBudgetError
		retryAt := time.Time{}
		if errors.As(err2, &overBudget2) {
			retryAt = overBudget2.Details.WindowEnd
		}
		return nil, &RateLimitedError{Reason: ReasonOverBudget, RetryAt: retryAt}
	}
	m.telemetry.Emit(telemetry.Event{Kind: telemetry.BudgetReserved, Model: key.Model, Location: key.Location, ReservedTokens: res2.ReservedTokens})
	return res2, nil
}

// acquirePermit acquires one permit, passing the caller's ctx through to
// the gate untouched so the lease's watcher observes the request's own
// lifetime; the acquire deadline rides in cfg.PermitTimeout instead.
func (m *Manager) acquirePermit(ctx context.Context, concurrencyKey string, pCfg concurrency.Config, permitTimeoutMS int64) (*concurrency.Lease, error) {
	if permitTimeoutMS > 0 {
		pCfg.PermitTimeout = time.Duration(permitTimeoutMS) * time.Millisecond
	}
	holderID := uuid.NewString()
	lease, err := m.gate.Acquire(ctx, concurrencyKey, holderID, pCfg)
	switch {
	case errors.Is(err, concurrency.ErrConcurrencyDisabled):
		return nil, nil
	case errors.Is(err, concurrency.ErrNoPermitAvailable), errors.Is(err, concurrency.ErrTimeout):
		return nil, &RateLimitedError{Reason: ReasonNoPermitAvailable}
	case err != nil:
		return nil, err
	}
	return lease, nil
}

func translateRetryErr(err error) error {
	var rl *retry.RateLimitedError
	if errors.As(err, &rl) {
		return &RateLimitedError{Reason: ReasonQuota, RetryAt: rl.RetryAt}
	}
	return err
}

func errReason(err error) string {
	var tf *retry.TransientFailureError
	if errors.As(err, &tf) {
		return "transient_failure"
	}
	var rl *retry.RateLimitedError
	if errors.As(err, &rl) {
		return "quota"
	}
	return "fatal"
}

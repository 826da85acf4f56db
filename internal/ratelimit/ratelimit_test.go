package ratelimit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nshkrdotcom/gemini-ex-sub004/internal/concurrency"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/ratelimit"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/retry"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/retryinfo"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/statestore"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/telemetry"
)

func newManager(t *testing.T) (*ratelimit.Manager, *statestore.MemoryStore, *telemetry.RecordingSink) {
	t.Helper()
	store := statestore.NewMemory()
	gate := concurrency.New()
	retryMgr := retry.New(store)
	facade := telemetry.New()
	rec := telemetry.NewRecordingSink()
	facade.Register(rec)
	return ratelimit.New(store, gate, retryMgr, facade, nil), store, rec
}

func baseConfig() ratelimit.Config {
	return ratelimit.Config{
		MaxConcurrencyPerModel: 2,
		MaxAttempts:            3,
		BaseBackoffMS:          1,
		MaxBackoffMS:           5,
		TokenBudgetPerWindow:   1000,
		WindowDurationMS:       int64(time.Minute / time.Millisecond),
		BudgetSafetyMultiplier: 1.3,
		EstimatedInputTokens:   100,
	}
}

func TestExecuteBaselineAdmissionReconciles(t *testing.T) {
	m, store, rec := newManager(t)
	cfg := baseConfig()

	resp, err := m.Execute(context.Background(), "gemini-pro", cfg, func(ctx context.Context) (*ratelimit.Response, error) {
		return &ratelimit.Response{StatusCode: 200, Usage: ratelimit.UsageMetadata{PromptTokenCount: 80, CandidatesTokenCount: 20}}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Usage.CandidatesTokenCount != 20 {
		t.Fatalf("expected response to round-trip, got %+v", resp)
	}

	window := store.PeekUsage(statestore.Key{Model: "gemini-pro", Location: "global", Metric: "token-count"})
	if window.ReservedTokens != 0 {
		t.Fatalf("expected reservation to be released after reconcile, got %d still reserved", window.ReservedTokens)
	}
	if window.InputTokens+window.OutputTokens != 100 {
		t.Fatalf("expected 100 tokens charged (80 input + 20 output), got %d", window.InputTokens+window.OutputTokens)
	}

	if rec.CountOf(telemetry.BudgetReserved) != 1 {
		t.Fatalf("expected one budget.reserved event")
	}
	if rec.CountOf(telemetry.RequestStop) != 1 {
		t.Fatalf("expected one request.stop event")
	}
}

func TestExecuteRequestTooLargeFailsFast(t *testing.T) {
	m, _, _ := newManager(t)
	cfg := baseConfig()
	cfg.EstimatedInputTokens = 10_000 // scaled well beyond the 1000 budget

	calls := 0
	_, err := m.Execute(context.Background(), "gemini-pro", cfg, func(ctx context.Context) (*ratelimit.Response, error) {
		calls++
		return &ratelimit.Response{StatusCode: 200}, nil
	})
	var rle *ratelimit.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("expected *RateLimitedError, got %v", err)
	}
	if !rle.RequestTooLarge {
		t.Fatalf("expected RequestTooLarge, got %+v", rle)
	}
	if calls != 0 {
		t.Fatalf("expected the call to never run, got %d calls", calls)
	}
}

func TestExecuteOverBudgetNonBlockingReturnsRetryAt(t *testing.T) {
	m, store, _ := newManager(t)
	cfg := baseConfig()
	cfg.NonBlocking = true
	cfg.TokenBudgetPerWindow = 150
	cfg.EstimatedInputTokens = 50 // scaled alone (65) fits; combined with prior usage it won't.

	key := statestore.Key{Model: "gemini-pro", Location: "global", Metric: "token-count"}
	windowDuration := time.Duration(cfg.WindowDurationMS) * time.Millisecond
	if _, err := store.TryReserve(key, 100, cfg.TokenBudgetPerWindow, cfg.BudgetSafetyMultiplier, windowDuration); err != nil {
		t.Fatalf("unexpected setup error: %v", err)
	}

	_, err := m.Execute(context.Background(), "gemini-pro", cfg, func(ctx context.Context) (*ratelimit.Response, error) {
		t.Fatal("call must not run when over budget")
		return nil, nil
	})
	var rle *ratelimit.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("expected *RateLimitedError, got %v", err)
	}
	if rle.RequestTooLarge {
		t.Fatalf("expected a window-capacity rejection, not request-too-large")
	}
	if rle.Reason != ratelimit.ReasonOverBudget {
		t.Fatalf("expected ReasonOverBudget, got %v", rle.Reason)
	}
	if rle.RetryAt.IsZero() {
		t.Fatalf("expected a non-zero RetryAt")
	}
}

func TestExecuteServerRateLimitTranslatesToQuotaReason(t *testing.T) {
	m, _, _ := newManager(t)
	cfg := baseConfig()
	cfg.MaxAttempts = 1
	cfg.NonBlocking = true

	_, err := m.Execute(context.Background(), "gemini-pro", cfg, func(ctx context.Context) (*ratelimit.Response, error) {
		return &ratelimit.Response{StatusCode: 429, RetryInfo: retryinfo.Info{RetryDelay: "1s"}}, nil
	})
	var rle *ratelimit.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("expected *RateLimitedError, got %v", err)
	}
	if rle.Reason != ratelimit.ReasonQuota {
		t.Fatalf("expected ReasonQuota, got %v", rle.Reason)
	}
}

func TestExecuteBlockingWaitsOutServerRetryWindow(t *testing.T) {
	m, store, rec := newManager(t)
	cfg := baseConfig()

	calls := 0
	start := time.Now()
	_, err := m.Execute(context.Background(), "gemini-pro", cfg, func(ctx context.Context) (*ratelimit.Response, error) {
		calls++
		if calls == 1 {
			return &ratelimit.Response{StatusCode: 429, RetryInfo: retryinfo.Info{RetryDelay: "100ms"}}, nil
		}
		return &ratelimit.Response{StatusCode: 200}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected a retry after the window, got %d calls", calls)
	}
	if time.Since(start) < 80*time.Millisecond {
		t.Fatal("expected the manager to actually sleep through the retry window")
	}

	var waits []telemetry.Event
	for _, e := range rec.Events() {
		if e.Kind == telemetry.Wait {
			waits = append(waits, e)
		}
	}
	if len(waits) != 1 {
		t.Fatalf("expected exactly one wait event, got %d", len(waits))
	}
	wantRetryAt := start.Add(100 * time.Millisecond)
	if diff := waits[0].RetryAt.Sub(wantRetryAt); diff < -50*time.Millisecond || diff > 50*time.Millisecond {
		t.Fatalf("wait event retry_at %v not within ±50ms of %v", waits[0].RetryAt, wantRetryAt)
	}

	key := statestore.Key{Model: "gemini-pro", Location: "global", Metric: "token-count"}
	if until := store.GetRetryUntil(key); !until.IsZero() {
		t.Fatalf("expected retry state cleared after the eventual success, got %v", until)
	}
}

func TestExecuteReleasesReservationOnTransientExhaustion(t *testing.T) {
	m, store, _ := newManager(t)
	cfg := baseConfig()
	cfg.MaxAttempts = 2

	_, err := m.Execute(context.Background(), "gemini-pro", cfg, func(ctx context.Context) (*ratelimit.Response, error) {
		return &ratelimit.Response{StatusCode: 503}, errors.New("unavailable")
	})
	var tfe *retry.TransientFailureError
	if !errors.As(err, &tfe) {
		t.Fatalf("expected the underlying *TransientFailureError to surface, got %v", err)
	}

	window := store.PeekUsage(statestore.Key{Model: "gemini-pro", Location: "global", Metric: "token-count"})
	if window.ReservedTokens != 0 {
		t.Fatalf("expected the reservation released on failure, got %d still reserved", window.ReservedTokens)
	}
}

func TestExecuteConcurrencyLimitRejectsSecondCallerNonBlocking(t *testing.T) {
	m, _, _ := newManager(t)
	cfg := baseConfig()
	cfg.MaxConcurrencyPerModel = 1
	cfg.NonBlocking = true

	release1, err := m.ExecuteStreaming(context.Background(), "gemini-pro", cfg)
	if err != nil {
		t.Fatalf("unexpected error acquiring first permit: %v", err)
	}
	defer release1(ratelimit.OutcomeCompleted, nil)

	_, err = m.ExecuteStreaming(context.Background(), "gemini-pro", cfg)
	var rle *ratelimit.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("expected the second caller to be rejected, got %v", err)
	}
	if rle.Reason != ratelimit.ReasonNoPermitAvailable {
		t.Fatalf("expected ReasonNoPermitAvailable, got %v", rle.Reason)
	}
}

func TestExecuteStreamingReleaseFnIsSingleShot(t *testing.T) {
	m, store, rec := newManager(t)
	cfg := baseConfig()

	release, err := m.ExecuteStreaming(context.Background(), "gemini-pro", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	usage := &ratelimit.UsageMetadata{PromptTokenCount: 80, CandidatesTokenCount: 40}
	release(ratelimit.OutcomeCompleted, usage)
	release(ratelimit.OutcomeCompleted, usage) // second call must be a no-op
	release(ratelimit.OutcomeErrored, nil)     // likewise

	window := store.PeekUsage(statestore.Key{Model: "gemini-pro", Location: "global", Metric: "token-count"})
	if window.InputTokens+window.OutputTokens != 120 {
		t.Fatalf("expected usage charged exactly once (120 tokens), got %d", window.InputTokens+window.OutputTokens)
	}
	if rec.CountOf(telemetry.StreamCompleted) != 1 {
		t.Fatalf("expected exactly one stream.completed event, got %d", rec.CountOf(telemetry.StreamCompleted))
	}
	if rec.CountOf(telemetry.StreamError) != 0 {
		t.Fatalf("expected no stream.error event from the no-op calls")
	}
}

func TestCheckStatusReportsOverBudgetWithoutReserving(t *testing.T) {
	m, store, _ := newManager(t)
	cfg := baseConfig()
	cfg.TokenBudgetPerWindow = 90

	status := m.CheckStatus("gemini-pro", cfg)
	if status.State != ratelimit.StatusOverBudget {
		t.Fatalf("expected StatusOverBudget, got %v", status.State)
	}

	window := store.PeekUsage(statestore.Key{Model: "gemini-pro", Location: "global", Metric: "token-count"})
	if window.ReservedTokens != 0 {
		t.Fatalf("CheckStatus must never reserve, got %d reserved", window.ReservedTokens)
	}
}

func TestCheckStatusOKWhenRoomAvailable(t *testing.T) {
	m, _, _ := newManager(t)
	cfg := baseConfig()

	if status := m.CheckStatus("gemini-pro", cfg); status.State != ratelimit.StatusOK {
		t.Fatalf("expected StatusOK, got %v", status.State)
	}
}

func TestExecuteDisabledBypassesAdmission(t *testing.T) {
	m, _, rec := newManager(t)
	cfg := baseConfig()
	cfg.DisableRateLimiter = true

	calls := 0
	_, err := m.Execute(context.Background(), "gemini-pro", cfg, func(ctx context.Context) (*ratelimit.Response, error) {
		calls++
		return &ratelimit.Response{StatusCode: 200}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one call, got %d", calls)
	}
	if len(rec.Events()) != 0 {
		t.Fatalf("expected no telemetry when the rate limiter is disabled, got %d events", len(rec.Events()))
	}
}

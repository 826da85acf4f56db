package statestore_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nshkrdotcom/gemini-ex-sub004/internal/retryinfo"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/statestore"
)

func TestBaselineAdmission(t *testing.T) {
	s := statestore.NewMemory()
	key := statestore.Key{Model: "gemini-pro"}

	r, err := s.TryReserve(key, 100, 1000, 1.0, time.Minute)
	if err != nil {
		t.Fatalf("unexpected reserve error: %v", err)
	}
	s.Reconcile(key, r, statestore.Usage{Input: 90, Output: 40})

	r2, err := s.TryReserve(key, 870, 1000, 1.0, time.Minute)
	if err != nil {
		t.Fatalf("expected room for 870 more tokens (130 used of 1000): %v", err)
	}
	s.Release(key, r2)
}

func TestOverBudgetFastFail(t *testing.T) {
	s := statestore.NewMemory()
	key := statestore.Key{Model: "gemini-pro"}

	_, err := s.TryReserve(key, 600, 500, 1.0, time.Minute)
	if err == nil {
		t.Fatal("expected over-budget error")
	}
	var obErr *statestore.OverBudgetError
	if !errors.As(err, &obErr) {
		t.Fatalf("expected *OverBudgetError, got %T", err)
	}
	if !obErr.Details.RequestTooLarge {
		t.Fatal("expected RequestTooLarge=true when estimate exceeds entire budget")
	}
}

func TestWindowFullReturnsWindowEnd(t *testing.T) {
	s := statestore.NewMemory()
	key := statestore.Key{Model: "gemini-pro"}

	_, err := s.TryReserve(key, 900, 1000, 1.0, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error on first reservation: %v", err)
	}

	_, err = s.TryReserve(key, 200, 1000, 1.0, time.Minute)
	var obErr *statestore.OverBudgetError
	if !errors.As(err, &obErr) {
		t.Fatalf("expected over-budget error, got %v", err)
	}
	if obErr.Details.RequestTooLarge {
		t.Fatal("should be a window-full rejection, not request-too-large")
	}
	if obErr.Details.WindowEnd.IsZero() {
		t.Fatal("expected a non-zero WindowEnd so the caller can wait")
	}
}

func TestReservationTerminatesExactlyOnce(t *testing.T) {
	s := statestore.NewMemory()
	key := statestore.Key{Model: "gemini-pro"}

	r, err := s.TryReserve(key, 100, 1000, 1.0, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var wg sync.WaitGroup
	terminations := make([]bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			terminations[i] = r.Terminate()
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range terminations {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one Terminate() to succeed, got %d", count)
	}
}

func TestRetryWindowLifecycle(t *testing.T) {
	s := statestore.NewMemory()
	key := statestore.Key{Model: "gemini-pro"}

	if got := s.GetRetryUntil(key); !got.IsZero() {
		t.Fatalf("expected no retry state initially, got %v", got)
	}

	s.SetRetry(key, retryinfo.Info{RetryDelay: "10s"})
	until := s.GetRetryUntil(key)
	if until.IsZero() {
		t.Fatal("expected a retry deadline after SetRetry")
	}
	wantMin := time.Now().Add(9 * time.Second)
	wantMax := time.Now().Add(11 * time.Second)
	if until.Before(wantMin) || until.After(wantMax) {
		t.Fatalf("retry deadline %v not within expected ±1s window of now+10s", until)
	}

	s.ClearRetry(key)
	if got := s.GetRetryUntil(key); !got.IsZero() {
		t.Fatalf("expected retry state cleared, got %v", got)
	}
}

func TestResetAllIsIdempotent(t *testing.T) {
	s := statestore.NewMemory()
	key := statestore.Key{Model: "gemini-pro"}
	s.TryReserve(key, 100, 1000, 1.0, time.Minute)

	s.ResetAll()
	s.ResetAll()

	r, err := s.TryReserve(key, 1000, 1000, 1.0, time.Minute)
	if err != nil {
		t.Fatalf("expected full budget available after reset, got error: %v", err)
	}
	s.Release(key, r)
}

func TestMissingLocationCollapsesToDefault(t *testing.T) {
	s := statestore.NewMemory()
	withLoc := statestore.Key{Model: "gemini-pro", Location: "global"}
	withoutLoc := statestore.Key{Model: "gemini-pro"}

	r, err := s.TryReserve(withoutLoc, 500, 1000, 1.0, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = s.TryReserve(withLoc, 600, 1000, 1.0, time.Minute)
	if err == nil {
		t.Fatal("expected the implicit default location to share the window with an explicit \"global\" location")
	}
	s.Release(withoutLoc, r)
}

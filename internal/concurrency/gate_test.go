package concurrency_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nshkrdotcom/gemini-ex-sub004/internal/concurrency"
)

func TestAcquireReleaseBasic(t *testing.T) {
	g := concurrency.New()
	cfg := concurrency.Config{Max: 2}

	l1, err := g.Acquire(context.Background(), "gemini-pro", uuid.NewString(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l2, err := g.Acquire(context.Background(), "gemini-pro", uuid.NewString(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Current("gemini-pro") != 2 {
		t.Fatalf("expected current=2, got %d", g.Current("gemini-pro"))
	}

	cfg.NonBlocking = true
	_, err = g.Acquire(context.Background(), "gemini-pro", uuid.NewString(), cfg)
	if !errors.Is(err, concurrency.ErrNoPermitAvailable) {
		t.Fatalf("expected ErrNoPermitAvailable, got %v", err)
	}

	l1.Release()
	l2.Release()
	if g.Current("gemini-pro") != 0 {
		t.Fatalf("expected current=0 after release, got %d", g.Current("gemini-pro"))
	}
}

func TestConcurrencyDisabled(t *testing.T) {
	g := concurrency.New()
	_, err := g.Acquire(context.Background(), "k", uuid.NewString(), concurrency.Config{Max: 0})
	if !errors.Is(err, concurrency.ErrConcurrencyDisabled) {
		t.Fatalf("expected ErrConcurrencyDisabled, got %v", err)
	}
}

func TestAdaptiveDownshiftAndRecovery(t *testing.T) {
	g := concurrency.New()
	cfg := concurrency.Config{Max: 8, Adaptive: true, AdaptiveCeiling: 8}

	if got := g.EffectiveMax("gemini-pro", cfg); got != 8 {
		t.Fatalf("expected initial effective max 8, got %d", got)
	}

	g.SignalRateLimited("gemini-pro", cfg)
	if got := g.EffectiveMax("gemini-pro", cfg); got != 6 {
		t.Fatalf("expected effective max 6 after one 429 signal (8*0.75), got %d", got)
	}

	for i := 0; i < 6; i++ {
		g.SignalSuccess("gemini-pro", cfg)
	}
	if got := g.EffectiveMax("gemini-pro", cfg); got != 8 {
		t.Fatalf("expected effective max back to ceiling 8 after six successes, got %d", got)
	}
}

func TestAdaptiveFloorIsOne(t *testing.T) {
	g := concurrency.New()
	cfg := concurrency.Config{Max: 1, Adaptive: true, AdaptiveCeiling: 1}
	for i := 0; i < 5; i++ {
		g.SignalRateLimited("k", cfg)
	}
	if got := g.EffectiveMax("k", cfg); got != 1 {
		t.Fatalf("expected adaptive max to floor at 1, got %d", got)
	}
}

func TestCrashedHolderReleasesPermit(t *testing.T) {
	g := concurrency.New()
	cfg := concurrency.Config{Max: 1, NonBlocking: true}

	ctxA, cancelA := context.WithCancel(context.Background())
	_, err := g.Acquire(ctxA, "k", uuid.NewString(), cfg)
	if err != nil {
		t.Fatalf("unexpected error acquiring for holder A: %v", err)
	}

	_, err = g.Acquire(context.Background(), "k", uuid.NewString(), cfg)
	if !errors.Is(err, concurrency.ErrNoPermitAvailable) {
		t.Fatalf("expected no permit available while A holds it, got %v", err)
	}

	cancelA() // holder A terminates abnormally

	deadline := time.Now().Add(200 * time.Millisecond)
	var lastErr error
	for time.Now().Before(deadline) {
		_, lastErr = g.Acquire(context.Background(), "k", uuid.NewString(), cfg)
		if lastErr == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected holder B to acquire within 200ms after A's watcher fired, last error: %v", lastErr)
}

func TestBlockingAcquireTimesOut(t *testing.T) {
	g := concurrency.New()
	cfg := concurrency.Config{Max: 1}

	l1, err := g.Acquire(context.Background(), "k", uuid.NewString(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer l1.Release()

	cfg.PermitTimeout = 50 * time.Millisecond
	start := time.Now()
	_, err = g.Acquire(context.Background(), "k", uuid.NewString(), cfg)
	if !errors.Is(err, concurrency.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Fatalf("expected the wait to last roughly PermitTimeout, took %v", elapsed)
	}
}

func TestPermitTimeoutDoesNotCutHeldLeaseShort(t *testing.T) {
	g := concurrency.New()
	cfg := concurrency.Config{Max: 1, PermitTimeout: 10 * time.Millisecond}

	lease, err := g.Acquire(context.Background(), "k", uuid.NewString(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The acquire deadline must bound only the wait for a permit, never
	// the hold itself.
	time.Sleep(50 * time.Millisecond)
	if got := g.Current("k"); got != 1 {
		t.Fatalf("expected the permit still held after PermitTimeout elapsed, got current=%d", got)
	}
	lease.Release()
}

func TestBlockingAcquireWakesFIFO(t *testing.T) {
	g := concurrency.New()
	cfg := concurrency.Config{Max: 1}

	l1, err := g.Acquire(context.Background(), "k", uuid.NewString(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 1; i <= 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
			lease, err := g.Acquire(context.Background(), "k", uuid.NewString(), cfg)
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			lease.Release()
		}(i)
	}

	time.Sleep(30 * time.Millisecond)
	l1.Release()
	wg.Wait()

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected FIFO wake order [1 2], got %v", order)
	}
}

package telemetry_test

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nshkrdotcom/gemini-ex-sub004/internal/telemetry"
)

func TestFacadeFansOutToEverySink(t *testing.T) {
	facade := telemetry.New()
	a := telemetry.NewRecordingSink()
	b := telemetry.NewRecordingSink()
	facade.Register(a)
	facade.Register(b)

	facade.Emit(telemetry.Event{Kind: telemetry.RequestStart, Model: "gemini-1.5-flash"})

	if got := a.CountOf(telemetry.RequestStart); got != 1 {
		t.Errorf("sink a CountOf(RequestStart) = %d, want 1", got)
	}
	if got := b.CountOf(telemetry.RequestStart); got != 1 {
		t.Errorf("sink b CountOf(RequestStart) = %d, want 1", got)
	}
}

func TestEmitStampsAtWhenUnset(t *testing.T) {
	facade := telemetry.New()
	rec := telemetry.NewRecordingSink()
	facade.Register(rec)

	before := time.Now()
	facade.Emit(telemetry.Event{Kind: telemetry.Wait})
	after := time.Now()

	events := rec.Events()
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].At.Before(before) || events[0].At.After(after) {
		t.Errorf("At = %v, want between %v and %v", events[0].At, before, after)
	}
}

func TestEmitPreservesExplicitAt(t *testing.T) {
	facade := telemetry.New()
	rec := telemetry.NewRecordingSink()
	facade.Register(rec)

	stamp := time.Now().Add(-time.Hour)
	facade.Emit(telemetry.Event{Kind: telemetry.Wait, At: stamp})

	events := rec.Events()
	if !events[0].At.Equal(stamp) {
		t.Errorf("At = %v, want %v", events[0].At, stamp)
	}
}

func TestRecordingSinkCountOfDistinguishesKinds(t *testing.T) {
	rec := telemetry.NewRecordingSink()
	rec.Observe(telemetry.Event{Kind: telemetry.StreamStarted})
	rec.Observe(telemetry.Event{Kind: telemetry.StreamStarted})
	rec.Observe(telemetry.Event{Kind: telemetry.StreamCompleted})

	if got := rec.CountOf(telemetry.StreamStarted); got != 2 {
		t.Errorf("CountOf(StreamStarted) = %d, want 2", got)
	}
	if got := rec.CountOf(telemetry.StreamCompleted); got != 1 {
		t.Errorf("CountOf(StreamCompleted) = %d, want 1", got)
	}
	if got := rec.CountOf(telemetry.StreamError); got != 0 {
		t.Errorf("CountOf(StreamError) = %d, want 0", got)
	}
}

func TestLogSinkDoesNotPanic(t *testing.T) {
	log := zerolog.New(io.Discard)
	sink := telemetry.NewLogSink(log)
	sink.Observe(telemetry.Event{
		Kind:           telemetry.BudgetReserved,
		Model:          "gemini-1.5-flash",
		Location:       "us-central1",
		Duration:       2 * time.Second,
		ReservedTokens: 128,
		RetryAt:        time.Now(),
		Reason:         "budget_exceeded",
		StreamID:       "stream-1",
		EstimatedCost:  0.0012,
	})
}

func TestSinkFuncAdapter(t *testing.T) {
	var got telemetry.Event
	sink := telemetry.SinkFunc(func(e telemetry.Event) { got = e })
	sink.Observe(telemetry.Event{Kind: telemetry.BudgetRejected})
	if got.Kind != telemetry.BudgetRejected {
		t.Errorf("got.Kind = %v, want %v", got.Kind, telemetry.BudgetRejected)
	}
}

package streaming_test

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nshkrdotcom/gemini-ex-sub004/internal/concurrency"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/ratelimit"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/retry"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/statestore"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/streaming"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/telemetry"
)

func newTestRateLimitManager() (*ratelimit.Manager, *telemetry.RecordingSink) {
	store := statestore.NewMemory()
	gate := concurrency.New()
	retryMgr := retry.New(store)
	facade := telemetry.New()
	rec := telemetry.NewRecordingSink()
	facade.Register(rec)
	return ratelimit.New(store, gate, retryMgr, facade, nil), rec
}

func baseStreamConfig() ratelimit.Config {
	return ratelimit.Config{
		MaxConcurrencyPerModel: 2,
		TokenBudgetPerWindow:   1000,
		WindowDurationMS:       int64(time.Minute / time.Millisecond),
		BudgetSafetyMultiplier: 1.0,
		EstimatedInputTokens:   50,
	}
}

type recordingSubscriber struct {
	mu     sync.Mutex
	events []streaming.Event
	done   chan struct{}
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{done: make(chan struct{})}
}

func (s *recordingSubscriber) Notify(e streaming.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	if e.Kind == streaming.EventComplete || e.Kind == streaming.EventError {
		close(s.done)
	}
	return nil
}

func (s *recordingSubscriber) snapshot() []streaming.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]streaming.Event, len(s.events))
	copy(out, s.events)
	return out
}

func sseSource(body string) streaming.Source {
	return func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	}
}

func TestStartStreamDeliversChunksThenCompletes(t *testing.T) {
	rl, rec := newTestRateLimitManager()
	mgr := streaming.New(rl)

	body := "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hi\"}]}}]}\n\n" +
		"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\" there\"}]}}],\"usageMetadata\":{\"promptTokenCount\":50,\"candidatesTokenCount\":10}}\n\n"

	sub := newRecordingSubscriber()
	id, err := mgr.StartStream(context.Background(), "gemini-pro", baseStreamConfig(), sseSource(body), sub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty stream id")
	}

	select {
	case <-sub.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream completion")
	}

	events := sub.snapshot()
	var chunks, completes int
	for _, e := range events {
		switch e.Kind {
		case streaming.EventChunk:
			chunks++
		case streaming.EventComplete:
			completes++
		case streaming.EventError:
			t.Fatalf("unexpected error event: %s", e.Reason)
		}
	}
	if chunks != 2 {
		t.Fatalf("expected 2 chunk events, got %d", chunks)
	}
	if completes != 1 {
		t.Fatalf("expected exactly 1 stream_complete event, got %d", completes)
	}
	if rec.CountOf(telemetry.StreamStarted) != 1 {
		t.Fatalf("expected 1 stream.started event")
	}
	if rec.CountOf(telemetry.StreamCompleted) != 1 {
		t.Fatalf("expected 1 stream.completed event")
	}
}

func TestStartStreamOpenFailureTerminatesErrored(t *testing.T) {
	rl, rec := newTestRateLimitManager()
	mgr := streaming.New(rl)

	failingSource := func(ctx context.Context) (io.ReadCloser, error) {
		return nil, errBoom
	}

	sub := newRecordingSubscriber()
	_, err := mgr.StartStream(context.Background(), "gemini-pro", baseStreamConfig(), failingSource, sub)
	if err != nil {
		t.Fatalf("unexpected error from StartStream itself: %v", err)
	}

	select {
	case <-sub.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error terminal event")
	}

	events := sub.snapshot()
	if len(events) != 1 || events[0].Kind != streaming.EventError {
		t.Fatalf("expected exactly one error event, got %+v", events)
	}
	if rec.CountOf(telemetry.StreamError) != 1 {
		t.Fatalf("expected 1 stream.error event")
	}
}

func TestStopStreamInvokesReleaseExactlyOnce(t *testing.T) {
	rl, rec := newTestRateLimitManager()
	mgr := streaming.New(rl)

	// A body that stays open after its first event, simulating a
	// long-lived stream that is still open when StopStream is called.
	pr, pw := io.Pipe()
	go pw.Write([]byte("data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"partial\"}]}}]}\n\n"))

	source := func(ctx context.Context) (io.ReadCloser, error) { return pr, nil }
	sub := newRecordingSubscriber()

	id, err := mgr.StartStream(context.Background(), "gemini-pro", baseStreamConfig(), source, sub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Give the reader a moment to deliver the first chunk before stopping.
	time.Sleep(50 * time.Millisecond)

	if err := mgr.StopStream(id); err != nil {
		t.Fatalf("unexpected error from StopStream: %v", err)
	}
	if err := mgr.StopStream(id); err != streaming.ErrUnknownStream {
		t.Fatalf("expected ErrUnknownStream on double-stop, got %v", err)
	}
	if got := rec.CountOf(telemetry.StreamStopped); got != 1 {
		t.Fatalf("expected release_fn to run exactly once (one stream.stopped event), got %d", got)
	}
	pw.Close()
}

var errBoom = &boomError{}

type boomError struct{}

func (e *boomError) Error() string { return "boom" }

/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Typed telemetry façade: every admission decision the
             rate-limit manager makes, for unary calls and for the
             streams the streaming manager and tool orchestrator
             open, is emitted as one of a fixed set of event kinds
             to zero or more pluggable sinks.
Root Cause:  Callers need to observe admission behavior (waits,
             rejections, stream outcomes) without the core taking
             a hard dependency on any one metrics backend.
Context:     Sinks are additive — registering a Prometheus sink
             never changes what a caller observes from the rate
             limiter itself.
Suitability: L2 — a typed event bus, mechanical once the event
             shape is fixed.
──────────────────────────────────────────────────────────────
*/

package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind is one of the fixed event kinds the core emits.
type Kind string

const (
	RequestStart    Kind = "request.start"
	RequestStop     Kind = "request.stop"
	RequestError    Kind = "request.error"
	Wait            Kind = "wait"
	BudgetReserved  Kind = "budget.reserved"
	BudgetRejected  Kind = "budget.rejected"
	StreamStarted   Kind = "stream.started"
	StreamCompleted Kind = "stream.completed"
	StreamError     Kind = "stream.error"
	StreamStopped   Kind = "stream.stopped"
)

// Event is one telemetry observation. Measurement fields not relevant to
// Kind are left zero.
type Event struct {
	Kind     Kind
	Model    string
	Location string
	At       time.Time

	Duration       time.Duration
	ReservedTokens int64
	RetryAt        time.Time
	Reason         string
	StreamID       string
	EstimatedCost  float64
}

// Sink receives every emitted Event. Implementations must not block the
// caller for long — Façade.Emit calls sinks synchronously.
type Sink interface {
	Observe(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Observe(e Event) { f(e) }

// Facade fans out events to every registered sink.
type Facade struct {
	mu    sync.RWMutex
	sinks []Sink
}

// New creates a Facade with no sinks registered.
func New() *Facade {
	return &Facade{}
}

// Register adds sink. Safe to call concurrently with Emit.
func (f *Facade) Register(sink Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, sink)
}

// Emit dispatches e to every registered sink, stamping At if unset. A
// panic inside a sink is recovered so it never reaches the caller.
func (f *Facade) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()
	for _, s := range sinks {
		func() {
			defer func() { _ = recover() }()
			s.Observe(e)
		}()
	}
}

// RecordingSink buffers every event it observes, for tests and monitors
// that want to inspect history rather than react per-event.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

// NewRecordingSink creates an empty RecordingSink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

func (r *RecordingSink) Observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a snapshot of every event observed so far.
func (r *RecordingSink) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// CountOf returns how many recorded events match kind.
func (r *RecordingSink) CountOf(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// LogSink mirrors the gateway's habit of a log-based fallback sink: every
// event becomes one structured log line, so telemetry is never silently
// dropped in a deployment with no metrics backend wired up.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a sink that forwards every event to log.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Observe(e Event) {
	evt := s.log.Debug().
		Str("event", string(e.Kind)).
		Str("model", e.Model).
		Str("location", e.Location)
	if e.Duration > 0 {
		evt = evt.Dur("duration", e.Duration)
	}
	if e.ReservedTokens != 0 {
		evt = evt.Int64("reserved_tokens", e.ReservedTokens)
	}
	if !e.RetryAt.IsZero() {
		evt = evt.Time("retry_at", e.RetryAt)
	}
	if e.Reason != "" {
		evt = evt.Str("reason", e.Reason)
	}
	if e.StreamID != "" {
		evt = evt.Str("stream_id", e.StreamID)
	}
	if e.EstimatedCost != 0 {
		evt = evt.Float64("estimated_cost", e.EstimatedCost)
	}
	evt.Msg("telemetry")
}

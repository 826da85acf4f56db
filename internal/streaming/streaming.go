/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Owns the lifecycle of long-lived request/response
             streams: opens the raw SSE body, parses it line by
             line into typed frames, forwards them to a subscriber,
             and guarantees the rate-limit manager's release_fn
             fires exactly once no matter which of completion,
             error, or caller-initiated stop reaches the record
             first.
Root Cause:  A streaming call holds a budget reservation and a
             concurrency permit for its entire, unbounded
             duration; if the release path has more than one exit
             that can double-fire or never fire, permits leak or
             the library double-charges its own budget.
Context:     Sits directly atop internal/ratelimit.ExecuteStreaming.
             internal/toolorchestrator is itself a Subscriber that
             buffers one turn at a time before deciding whether to
             re-open a new stream.
Suitability: L3 — the SSE parsing is mechanical; the single-shot
             termination race between the reader goroutine and an
             explicit StopStream is the part worth care.
──────────────────────────────────────────────────────────────
*/

package streaming

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nshkrdotcom/gemini-ex-sub004/internal/ratelimit"
)

// EventKind is the kind of event delivered to a Subscriber.
type EventKind string

const (
	EventChunk    EventKind = "stream_event"
	EventComplete EventKind = "stream_complete"
	EventError    EventKind = "stream_error"
)

// ReasonSubscriberDown is the Event.Reason used when a subscriber's
// Notify call itself returns an error: a subscriber that reports failure
// terminates its stream. A Notify call that is merely slow is waited for.
const ReasonSubscriberDown = "subscriber_down"

// Event is one notification delivered to a stream's Subscriber.
type Event struct {
	Kind   EventKind
	ID     string
	Chunk  json.RawMessage // populated when Kind == EventChunk
	Reason string          // populated when Kind == EventError
}

// Subscriber receives events for one stream. Notify is called
// synchronously from the stream's reader goroutine, so a slow Notify call
// holds up the reader until it returns; a Notify call that returns an
// error is treated as the subscriber having gone away and terminates the
// stream as errored.
type Subscriber interface {
	Notify(Event) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(Event) error

func (f SubscriberFunc) Notify(e Event) error { return f(e) }

// Status is a StreamRecord's lifecycle state.
type Status string

const (
	StatusOpening   Status = "opening"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
	StatusStopped   Status = "stopped"
)

// Source opens the raw SSE body for one stream attempt. The returned
// ReadCloser is closed by the manager once the stream terminates.
type Source func(ctx context.Context) (io.ReadCloser, error)

// ErrUnknownStream is returned by StopStream for an id the manager does
// not (or no longer) own.
var ErrUnknownStream = errors.New("streaming: unknown stream id")

// record is the manager's private bookkeeping for one active stream; a
// Subscriber only ever sees its id.
type record struct {
	id     string
	cancel context.CancelFunc
	once   sync.Once

	mu     sync.Mutex
	status Status
	usage  ratelimit.UsageMetadata

	release ratelimit.ReleaseFn
}

func (r *record) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

func (r *record) setUsage(u ratelimit.UsageMetadata) {
	r.mu.Lock()
	r.usage = u
	r.mu.Unlock()
}

func (r *record) snapshotUsage() ratelimit.UsageMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usage
}

// Manager owns every active StreamRecord.
type Manager struct {
	rl *ratelimit.Manager

	mu      sync.Mutex
	streams map[string]*record
}

// New creates a streaming manager backed by rl.
func New(rl *ratelimit.Manager) *Manager {
	return &Manager{rl: rl, streams: make(map[string]*record)}
}

func (m *Manager) register(rec *record) {
	m.mu.Lock()
	m.streams[rec.id] = rec
	m.mu.Unlock()
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
}

func (m *Manager) get(id string) *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[id]
}

// StartStream acquires budget and a concurrency permit via the
// rate-limit manager, then spawns a reader goroutine that parses open's
// SSE body and forwards typed events to sub until a terminal event is
// reached. It returns the new stream's id immediately; StartStream
// itself never blocks on the stream's body.
func (m *Manager) StartStream(ctx context.Context, model string, cfg ratelimit.Config, open Source, sub Subscriber) (string, error) {
	release, err := m.rl.ExecuteStreaming(ctx, model, cfg)
	if err != nil {
		return "", err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	rec := &record{
		id:      uuid.NewString(),
		cancel:  cancel,
		status:  StatusOpening,
		release: release,
	}
	m.register(rec)

	go m.run(streamCtx, rec, open, sub)
	return rec.id, nil
}

// StopStream cancels id's reader, marks it stopped, and invokes its
// release_fn with whatever usage has accumulated so far. Safe to call
// concurrently with the reader reaching its own terminal state; only
// the first of the two wins. The subscriber is not notified — the
// caller driving StopStream already knows it stopped the stream.
func (m *Manager) StopStream(id string) error {
	rec := m.get(id)
	if rec == nil {
		return ErrUnknownStream
	}
	rec.cancel()
	m.terminate(rec, StatusStopped, nil, "", rec.snapshotUsage())
	return nil
}

// terminate fires rec's release_fn and notifies sub exactly once,
// regardless of how many of {natural completion, read error, subscriber
// failure, StopStream} race to call it.
func (m *Manager) terminate(rec *record, status Status, sub Subscriber, reason string, usage ratelimit.UsageMetadata) {
	rec.once.Do(func() {
		rec.setStatus(status)
		outcome := ratelimit.OutcomeCompleted
		switch status {
		case StatusErrored:
			outcome = ratelimit.OutcomeErrored
		case StatusStopped:
			outcome = ratelimit.OutcomeStopped
		}
		rec.release(outcome, &usage)
		m.unregister(rec.id)

		if sub == nil {
			return
		}
		switch status {
		case StatusCompleted:
			sub.Notify(Event{Kind: EventComplete, ID: rec.id})
		case StatusErrored:
			sub.Notify(Event{Kind: EventError, ID: rec.id, Reason: reason})
		}
	})
}

// Frame is the minimal shape of one SSE JSON payload this core inspects:
// content parts to forward (or scan for function calls) and an optional
// terminal usageMetadata block. Exported so internal/toolorchestrator can
// decode the same chunks this reader already validated.
type Frame struct {
	Candidates    []Candidate `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount        int64 `json:"promptTokenCount"`
		CachedContentTokenCount int64 `json:"cachedContentTokenCount"`
		CandidatesTokenCount    int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// Candidate is one generated alternative in a Frame.
type Candidate struct {
	Content struct {
		Role  string `json:"role,omitempty"`
		Parts []Part `json:"parts"`
	} `json:"content"`
}

// Part is one piece of a candidate's content: text, a model-issued
// function call, or (when re-injected into history) a function response.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// FunctionCall is a model-emitted tool invocation request.
type FunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// FunctionResponse is a tool's result fed back into the next turn.
type FunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

// Turn is one entry in a chat history: a role and its content parts.
// Immutable once appended, per the spec's ChatHistory invariant.
type Turn struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

const (
	RoleUser  = "user"
	RoleModel = "model"
	RoleTool  = "tool" // function-response turns; sent on the wire with this role unchanged.
)

func (m *Manager) run(ctx context.Context, rec *record, open Source, sub Subscriber) {
	body, err := open(ctx)
	if err != nil {
		m.terminate(rec, StatusErrored, sub, err.Error(), rec.snapshotUsage())
		return
	}
	defer body.Close()
	rec.setStatus(StatusActive)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var dataLines []string
	var usage ratelimit.UsageMetadata

	// flushFrame parses one buffered SSE event (its "data:" lines joined)
	// and forwards it. It returns true when the stream should stop.
	flushFrame := func() bool {
		if len(dataLines) == 0 {
			return false
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]

		var f Frame
		if err := json.Unmarshal([]byte(payload), &f); err != nil {
			m.terminate(rec, StatusErrored, sub, "malformed stream frame: "+err.Error(), usage)
			return true
		}
		if f.UsageMetadata != nil {
			usage = ratelimit.UsageMetadata{
				PromptTokenCount:        f.UsageMetadata.PromptTokenCount,
				CachedContentTokenCount: f.UsageMetadata.CachedContentTokenCount,
				CandidatesTokenCount:    f.UsageMetadata.CandidatesTokenCount,
			}
			rec.setUsage(usage)
		}

		if err := sub.Notify(Event{Kind: EventChunk, ID: rec.id, Chunk: json.RawMessage(payload)}); err != nil {
			m.terminate(rec, StatusErrored, sub, ReasonSubscriberDown, usage)
			return true
		}
		return false
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			// Cancelled mid-read: either StopStream already terminated the
			// record (terminate below is then a no-op) or the caller's
			// parent context died and the release must happen here.
			m.terminate(rec, StatusStopped, nil, "", usage)
			return
		default:
		}

		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			if flushFrame() {
				return
			}
		}
	}
	if flushFrame() {
		return
	}

	if err := scanner.Err(); err != nil {
		m.terminate(rec, StatusErrored, sub, err.Error(), usage)
		return
	}

	m.terminate(rec, StatusCompleted, sub, "", usage)
}

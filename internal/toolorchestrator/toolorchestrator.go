/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Automatic function-calling loop built on top of the
             streaming manager: buffer one model turn in full,
             detect function-call parts, run the matching tools
             with bounded parallelism, re-inject a model turn plus
             a tool turn into history, and open the next stream —
             until the model stops calling tools, max_turns is
             hit, or a stream/tool execution fails.
Root Cause:  Multi-turn tool use needs the full candidate before
             it can decide whether to call a tool or forward text,
             and every re-opened stream must still flow through
             the same admission path as any other call.
Context:     A thin Subscriber of internal/streaming that never
             talks to internal/ratelimit directly — StartStream
             already does that for each turn it opens.
Suitability: L3 — the state machine is small; the bounded worker
             pool and panic recovery are the parts worth care.
──────────────────────────────────────────────────────────────
*/

package toolorchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nshkrdotcom/gemini-ex-sub004/internal/ratelimit"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/streaming"
)

// DefaultMaxTurns is used when New is given maxTurns <= 0.
const DefaultMaxTurns = 10

// defaultMaxParallelTools is used when New is given maxParallelTools <= 0.
const defaultMaxParallelTools = 4

// ErrMaxTurnsReached is returned when the model is still emitting
// function calls after the configured turn budget is exhausted.
var ErrMaxTurnsReached = errors.New("toolorchestrator: max_turns reached with pending function calls")

// ToolFunc executes one named tool. A panic inside fn is recovered by
// the orchestrator and turned into a ToolResult error, never a crash.
type ToolFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Registry maps tool names to their implementations.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]ToolFunc
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]ToolFunc)}
}

// Register adds or replaces the implementation for name.
func (r *Registry) Register(name string, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = fn
}

func (r *Registry) lookup(name string) (ToolFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.tools[name]
	return fn, ok
}

// ToolCall is one model-requested tool invocation, associated with its
// ToolResult by ID.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolResult is the outcome of one ToolCall. Exactly one of Value or Err
// is set.
type ToolResult struct {
	CallID string
	Name   string
	Value  json.RawMessage
	Err    string
}

// Opener builds the next stream's Source from the chat history
// accumulated so far — the caller owns request construction (system
// instructions, tool declarations, generation config); the orchestrator
// only owns the turn-taking loop.
type Opener func(ctx context.Context, history []streaming.Turn) (streaming.Source, error)

// Orchestrator runs the buffer -> decide -> execute -> re-inject loop.
type Orchestrator struct {
	streams          *streaming.Manager
	registry         *Registry
	maxTurns         int
	maxParallelTools int
}

// New creates an Orchestrator. maxTurns <= 0 uses DefaultMaxTurns;
// maxParallelTools <= 0 uses a built-in default.
func New(streams *streaming.Manager, registry *Registry, maxTurns, maxParallelTools int) *Orchestrator {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Orchestrator{streams: streams, registry: registry, maxTurns: maxTurns, maxParallelTools: maxParallelTools}
}

// bufferEvent is the terminal notification a bufferingSubscriber
// forwards to Run once a buffered turn finishes or errors.
type bufferEvent struct {
	kind   streaming.EventKind
	reason string
}

// bufferingSubscriber accumulates every chunk of one stream instead of
// forwarding it, so Run can inspect the complete turn before deciding
// whether to call tools or forward it verbatim.
type bufferingSubscriber struct {
	mu     sync.Mutex
	raw    []json.RawMessage
	frames []streaming.Frame
	done   chan bufferEvent
}

func newBufferingSubscriber() *bufferingSubscriber {
	return &bufferingSubscriber{done: make(chan bufferEvent, 1)}
}

func (b *bufferingSubscriber) Notify(e streaming.Event) error {
	switch e.Kind {
	case streaming.EventChunk:
		b.mu.Lock()
		b.raw = append(b.raw, e.Chunk)
		var f streaming.Frame
		if err := json.Unmarshal(e.Chunk, &f); err == nil {
			b.frames = append(b.frames, f)
		}
		b.mu.Unlock()
	case streaming.EventComplete:
		b.done <- bufferEvent{kind: e.Kind}
	case streaming.EventError:
		b.done <- bufferEvent{kind: e.Kind, reason: e.Reason}
	}
	return nil
}

// mergeParts concatenates every candidate[0] part seen across the
// buffered chunks into a single model turn, and collects any function
// calls found among them.
func mergeParts(frames []streaming.Frame) (streaming.Turn, []ToolCall) {
	turn := streaming.Turn{Role: streaming.RoleModel}
	var calls []ToolCall
	for _, f := range frames {
		if len(f.Candidates) == 0 {
			continue
		}
		for _, part := range f.Candidates[0].Content.Parts {
			turn.Parts = append(turn.Parts, part)
			if part.FunctionCall != nil {
				calls = append(calls, ToolCall{
					ID:   uuid.NewString(),
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				})
			}
		}
	}
	return turn, calls
}

func buildToolTurn(results []ToolResult) streaming.Turn {
	parts := make([]streaming.Part, 0, len(results))
	for _, r := range results {
		parts = append(parts, streaming.Part{
			FunctionResponse: &streaming.FunctionResponse{Name: r.Name, Response: r.Value},
		})
	}
	return streaming.Turn{Role: streaming.RoleTool, Parts: parts}
}

// executeCalls runs every call concurrently, bounded by
// maxParallelTools, and returns results in the same order as calls.
func (o *Orchestrator) executeCalls(ctx context.Context, calls []ToolCall) []ToolResult {
	maxParallel := o.maxParallelTools
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallelTools
	}
	sem := make(chan struct{}, maxParallel)
	results := make([]ToolResult, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, call ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = o.executeOne(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) executeOne(ctx context.Context, call ToolCall) (result ToolResult) {
	result = ToolResult{CallID: call.ID, Name: call.Name}
	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Sprintf("tool %q panicked: %v", call.Name, r)
		}
	}()

	fn, ok := o.registry.lookup(call.Name)
	if !ok {
		result.Err = fmt.Sprintf("tool %q is not registered", call.Name)
		return result
	}
	value, err := fn(ctx, call.Args)
	if err != nil {
		result.Err = err.Error()
		return result
	}
	result.Value = value
	return result
}

// Run drives the initial-buffer -> decision -> execute -> re-inject loop
// until the model stops calling tools, max_turns is exhausted, a stream
// errors, or a tool execution fails. Terminal text is forwarded to sub
// verbatim; on those terminal outcomes sub.Notify(EventComplete) (or
// EventError) is called exactly once, right before Run returns. When
// opening a stream or its admission fails, or ctx is done, Run returns
// the error without notifying sub; when sub rejects a forwarded chunk,
// Run returns nil with no further events.
func (o *Orchestrator) Run(ctx context.Context, model string, cfg ratelimit.Config, history []streaming.Turn, open Opener, sub streaming.Subscriber) error {
	for turn := 0; turn < o.maxTurns; turn++ {
		src, err := open(ctx, history)
		if err != nil {
			return err
		}

		buf := newBufferingSubscriber()
		if _, err := o.streams.StartStream(ctx, model, cfg, src, buf); err != nil {
			return err
		}

		var term bufferEvent
		select {
		case <-ctx.Done():
			return ctx.Err()
		case term = <-buf.done:
		}

		if term.kind == streaming.EventError {
			sub.Notify(streaming.Event{Kind: streaming.EventError, Reason: term.reason})
			return fmt.Errorf("toolorchestrator: stream errored: %s", term.reason)
		}

		modelTurn, calls := mergeParts(buf.frames)
		if len(calls) == 0 {
			for _, raw := range buf.raw {
				if err := sub.Notify(streaming.Event{Kind: streaming.EventChunk, Chunk: raw}); err != nil {
					return nil // the caller's subscriber failed; the buffered stream already completed
				}
			}
			sub.Notify(streaming.Event{Kind: streaming.EventComplete})
			return nil
		}

		if turn == o.maxTurns-1 {
			sub.Notify(streaming.Event{Kind: streaming.EventError, Reason: "max_turns_reached"})
			return ErrMaxTurnsReached
		}

		results := o.executeCalls(ctx, calls)
		for _, r := range results {
			if r.Err != "" {
				reason := fmt.Sprintf("Tool execution failed: %s", r.Err)
				sub.Notify(streaming.Event{Kind: streaming.EventError, Reason: reason})
				return errors.New(reason)
			}
		}

		history = append(history, modelTurn, buildToolTurn(results))
	}
	return ErrMaxTurnsReached
}

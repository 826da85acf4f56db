/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       ChatSession wraps an append-only, immutable-once-
             appended []streaming.Turn history around Generate and
             StreamGenerate, so a caller does not have to thread
             history through every call by hand.
Root Cause:  Multi-turn conversations are the common case; the
             history invariant (never mutate a prior turn, only
             append) is easy to violate by hand and easy to hold
             in one small type instead.
Context:     A thin convenience layer over Client; holds no
             admission state of its own.
Suitability: L2 — append-only slice management.
──────────────────────────────────────────────────────────────
*/

package gemini

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nshkrdotcom/gemini-ex-sub004/internal/streaming"
)

// ChatSession maintains one conversation's turn history and the tool
// declarations (if any) attached to every StreamGenerate call it drives.
type ChatSession struct {
	client *Client
	model  string
	tools  json.RawMessage
	ov     *Overlay

	mu      sync.Mutex
	history []streaming.Turn
}

// NewChat creates a ChatSession for model, seeded with any prior history
// (e.g. restored from storage). history is copied; the session never
// mutates the caller's slice.
func (c *Client) NewChat(model string, history []streaming.Turn, tools json.RawMessage, ov *Overlay) *ChatSession {
	seeded := make([]streaming.Turn, len(history))
	copy(seeded, history)
	return &ChatSession{client: c, model: model, tools: tools, ov: ov, history: seeded}
}

// History returns a copy of the turns appended so far.
func (s *ChatSession) History() []streaming.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]streaming.Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Send appends a user turn containing text, runs one non-streaming
// generateContent call, and appends the model's reply turn.
func (s *ChatSession) Send(ctx context.Context, text string) (*GenerateResponse, error) {
	s.mu.Lock()
	history := append(append([]streaming.Turn{}, s.history...), streaming.Turn{
		Role:  streaming.RoleUser,
		Parts: []streaming.Part{{Text: text}},
	})
	s.mu.Unlock()

	resp, err := s.client.Generate(ctx, s.model, history, s.ov)
	if err != nil {
		return nil, err
	}

	modelTurn := streaming.Turn{Role: streaming.RoleModel, Parts: []streaming.Part{{Text: resp.Text}}}
	s.mu.Lock()
	s.history = append(history, modelTurn)
	s.mu.Unlock()
	return resp, nil
}

// SendStream appends a user turn containing text and drives StreamGenerate
// against the accumulated history. The caller's subscriber receives events
// as usual; the session does not learn the model's reply text itself
// (callers that need it to persist into history should accumulate it from
// sub and call Append once the stream completes).
func (s *ChatSession) SendStream(ctx context.Context, text string, sub streaming.Subscriber) error {
	s.mu.Lock()
	history := append(append([]streaming.Turn{}, s.history...), streaming.Turn{
		Role:  streaming.RoleUser,
		Parts: []streaming.Part{{Text: text}},
	})
	s.history = history
	s.mu.Unlock()

	_, err := s.client.StreamGenerate(ctx, s.model, history, s.tools, s.ov, sub)
	return err
}

// Append adds turns to the session's history without issuing a call —
// used by SendStream callers to record the model's reply once a stream
// completes, and by tool-calling flows to record tool turns.
func (s *ChatSession) Append(turns ...streaming.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, turns...)
}

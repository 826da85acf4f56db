/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       LiveSession wraps a caller-supplied bidirectional
             transport (the actual WebSocket framing is an external
             collaborator this module never implements) with the
             same admission and release contract every other stream
             gets: one budget reservation and concurrency permit
             held for the session's lifetime, released exactly once
             on Close.
Root Cause:  Bidirectional live sessions hold a permit just as long
             as a one-way stream does; reusing ExecuteStreaming's
             release_fn contract means the session never needs its
             own admission bookkeeping.
Context:     LiveTransport is implemented by the caller (e.g. a
             gorilla/websocket or nhooyr.io/websocket connection
             wrapper); this module only sequences calls against it.
Suitability: L2 — thin state-machine around a caller-owned
             connection.
──────────────────────────────────────────────────────────────
*/

package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/nshkrdotcom/gemini-ex-sub004/internal/ratelimit"
)

// LiveTransport is the bidirectional connection a LiveSession drives.
// Implementations own the actual wire protocol (WebSocket framing,
// reconnection, etc.); this module only sequences calls against it.
type LiveTransport interface {
	// SendClientContent delivers one turn's worth of client content.
	SendClientContent(ctx context.Context, payload json.RawMessage) error
	// SendRealtimeInput delivers one chunk of realtime audio/video input.
	SendRealtimeInput(ctx context.Context, payload json.RawMessage) error
	// SendToolResponse delivers the result of a server-requested tool call.
	SendToolResponse(ctx context.Context, payload json.RawMessage) error
	// Close closes the underlying connection.
	Close() error
}

// ErrLiveSessionClosed is returned by any LiveSession method called after
// Close.
var ErrLiveSessionClosed = errors.New("gemini: live session is closed")

// LiveSession sequences calls against a caller-supplied LiveTransport
// while holding one admission reservation for the session's lifetime.
type LiveSession struct {
	transport LiveTransport
	release   ratelimit.ReleaseFn

	mu     sync.Mutex
	closed bool
}

// Connect reserves budget and a concurrency permit for model, then wraps
// transport in a LiveSession. The caller is responsible for having
// already established transport's underlying connection.
func (c *Client) Connect(ctx context.Context, model string, transport LiveTransport, ov *Overlay) (*LiveSession, error) {
	_, rlCfg, err := buildEffective(c.cfg, ov)
	if err != nil {
		return nil, err
	}
	release, err := c.rl.ExecuteStreaming(ctx, model, rlCfg)
	if err != nil {
		return nil, err
	}
	return &LiveSession{transport: transport, release: release}, nil
}

func (s *LiveSession) guard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrLiveSessionClosed
	}
	return nil
}

// SendClientContent forwards payload to the transport.
func (s *LiveSession) SendClientContent(ctx context.Context, payload json.RawMessage) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.transport.SendClientContent(ctx, payload)
}

// SendRealtimeInput forwards payload to the transport.
func (s *LiveSession) SendRealtimeInput(ctx context.Context, payload json.RawMessage) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.transport.SendRealtimeInput(ctx, payload)
}

// SendToolResponse forwards payload to the transport.
func (s *LiveSession) SendToolResponse(ctx context.Context, payload json.RawMessage) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.transport.SendToolResponse(ctx, payload)
}

// Close closes the transport and releases the session's reservation and
// permit exactly once.
func (s *LiveSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.transport.Close()
	s.release(ratelimit.OutcomeCompleted, nil)
	return err
}

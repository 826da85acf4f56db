/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Streaming surface: StreamGenerate opens one
             streamGenerateContent call directly through
             internal/streaming when no tools are registered for
             the call, or drives internal/toolorchestrator's
             buffer -> decide -> execute -> re-inject loop when
             they are.
Root Cause:  Tool-calling and plain streaming share the same
             backend request shape and the same admission path;
             only the turn-taking behavior around function calls
             differs, and that behavior already lives in
             internal/toolorchestrator.
Context:     Builds on backend.go's streamSource and overlay.go's
             buildEffective.
Suitability: L3 — routing between the two paths is the only
             judgment call; both paths delegate the hard parts.
──────────────────────────────────────────────────────────────
*/

package gemini

import (
	"context"
	"encoding/json"

	"github.com/nshkrdotcom/gemini-ex-sub004/internal/streaming"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/toolorchestrator"
)

// StreamGenerate opens a streaming generateContent call against model with
// the given chat history, delivering events to sub. For a tool-free call
// it returns the new stream's id (usable with StopStream) as soon as the
// stream is admitted. When tools is non-empty, the call is instead driven
// through the tool-orchestration loop — function calls the model emits are
// executed via the client's tool registry and their results re-injected as
// a follow-up turn before the next stream opens — and StreamGenerate
// blocks until the loop terminates, returning an empty id since each
// inner stream lives only for its own turn.
func (c *Client) StreamGenerate(ctx context.Context, model string, history []streaming.Turn, tools json.RawMessage, ov *Overlay, sub streaming.Subscriber) (string, error) {
	authOpts, rlCfg, err := buildEffective(c.cfg, ov)
	if err != nil {
		return "", err
	}
	creds, err := c.auth.Resolve(ctx, authOpts)
	if err != nil {
		return "", err
	}

	opener := func(ctx context.Context, h []streaming.Turn) (streaming.Source, error) {
		req := backendRequest{Contents: h, Tools: tools}
		return c.streamSource(creds, model, req), nil
	}

	if len(tools) == 0 {
		src, err := opener(ctx, history)
		if err != nil {
			return "", err
		}
		return c.streams.StartStream(ctx, model, rlCfg, src, sub)
	}

	orch := toolorchestrator.New(c.streams, c.tools, c.maxToolTurns, c.maxParallelRun)
	return "", orch.Run(ctx, model, rlCfg, history, opener, sub)
}

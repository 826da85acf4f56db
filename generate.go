/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Unary surface: Generate, EmbedContent, CountTokens.
             Each resolves credentials, builds one backend request,
             and runs it through the shared admission pipeline via
             ratelimit.Manager.Execute.
Root Cause:  These three operations share the same error taxonomy
             (rate-limited / transient / fatal / auth-failed) and
             the same admission path; only the request/response
             shape differs between them.
Context:     Built on top of backend.go's request/response glue and
             overlay.go's buildEffective.
Suitability: L2 — each method is a short, linear call sequence.
──────────────────────────────────────────────────────────────
*/

package gemini

import (
	"context"
	"fmt"

	"github.com/nshkrdotcom/gemini-ex-sub004/internal/streaming"
)

// Generate runs one non-streaming generateContent call against model with
// the given chat history.
func (c *Client) Generate(ctx context.Context, model string, history []streaming.Turn, ov *Overlay) (*GenerateResponse, error) {
	authOpts, rlCfg, err := buildEffective(c.cfg, ov)
	if err != nil {
		return nil, err
	}
	creds, err := c.auth.Resolve(ctx, authOpts)
	if err != nil {
		return nil, err
	}

	req := backendRequest{Contents: history}
	var decoded *backendResponse
	call := c.generateCall(creds, model, req, &decoded)

	rlResp, err := c.rl.Execute(ctx, model, rlCfg, call)
	if err != nil {
		return nil, err
	}
	if decoded == nil {
		return nil, fmt.Errorf("gemini: backend returned no body")
	}

	text := ""
	if len(decoded.Candidates) > 0 {
		for _, part := range decoded.Candidates[0].Content.Parts {
			text += part.Text
		}
	}
	return &GenerateResponse{
		Text:       text,
		Candidates: decoded.Candidates,
		Usage:      rlResp.Usage,
	}, nil
}

// EmbedContentResponse is the result of one EmbedContent call.
type EmbedContentResponse struct {
	Values []float64
}

// EmbedContent runs one embedContent call against model.
func (c *Client) EmbedContent(ctx context.Context, model, text string, ov *Overlay) (*EmbedContentResponse, error) {
	authOpts, rlCfg, err := buildEffective(c.cfg, ov)
	if err != nil {
		return nil, err
	}
	creds, err := c.auth.Resolve(ctx, authOpts)
	if err != nil {
		return nil, err
	}

	req := embedRequest{
		Model:   "models/" + model,
		Content: streaming.Turn{Parts: []streaming.Part{{Text: text}}},
	}

	var decoded *embedResponse
	call := c.embedCall(creds, model, req, &decoded)
	if _, err := c.rl.Execute(ctx, model, rlCfg, call); err != nil {
		return nil, err
	}
	if decoded == nil {
		return nil, fmt.Errorf("gemini: backend returned no body")
	}
	return &EmbedContentResponse{Values: decoded.Embedding.Values}, nil
}

// CountTokensResponse is the result of one CountTokens call.
type CountTokensResponse struct {
	TotalTokens int64
}

// CountTokens runs one countTokens call against model with the given
// history. It disables the rate limiter for the call (a token count
// costs nothing against the caller's budget), so the call runs once with
// no budget reservation, permit or retry; auth resolution still applies.
func (c *Client) CountTokens(ctx context.Context, model string, history []streaming.Turn, ov *Overlay) (*CountTokensResponse, error) {
	merged := Overlay{}
	if ov != nil {
		merged = *ov
	}
	disabled := true
	merged.DisableRateLimiter = &disabled
	merged.Profile = ""

	authOpts, rlCfg, err := buildEffective(c.cfg, &merged)
	if err != nil {
		return nil, err
	}
	creds, err := c.auth.Resolve(ctx, authOpts)
	if err != nil {
		return nil, err
	}

	req := countTokensRequest{Contents: history}
	var decoded *countTokensResponse
	call := c.countTokensCall(creds, model, req, &decoded)
	if _, err := c.rl.Execute(ctx, model, rlCfg, call); err != nil {
		return nil, err
	}
	if decoded == nil {
		return nil, fmt.Errorf("gemini: backend returned no body")
	}
	return &CountTokensResponse{TotalTokens: decoded.TotalTokens}, nil
}

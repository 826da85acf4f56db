/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Binds the admission core to the concrete Generative
             Language REST API: builds :generateContent,
             :streamGenerateContent (SSE), :embedContent, and
             :countTokens requests, attaches auth headers, and
             decodes both success bodies and the backend's
             error.details[].retryInfo shape into the types
             internal/ratelimit and internal/retryinfo expect.
Root Cause:  internal/ratelimit and internal/streaming are
             transport-agnostic by design; something has to turn
             "call the model" into an actual HTTP request, and that
             binding is backend-specific in a way neither of those
             packages should know about.
Context:     Every exported Client method builds a ratelimit.Call
             or streaming.Source here before handing it to the
             admission pipeline.
Suitability: L3 — URL/JSON shape translation is mechanical; the
             error-body -> RetryInfo decode is the part worth care.
──────────────────────────────────────────────────────────────
*/

package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nshkrdotcom/gemini-ex-sub004/internal/auth"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/ratelimit"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/retryinfo"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/streaming"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// backendRequest is the wire shape for generateContent and
// streamGenerateContent, matching the history format this module already
// uses for chat turns.
type backendRequest struct {
	Contents          []streaming.Turn  `json:"contents"`
	SystemInstruction *streaming.Turn   `json:"systemInstruction,omitempty"`
	Tools             json.RawMessage   `json:"tools,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

// GenerationConfig mirrors the backend's per-call generation knobs.
type GenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	TopK             *int     `json:"topK,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	CandidateCount   *int     `json:"candidateCount,omitempty"`
	ResponseMIMEType string   `json:"responseMimeType,omitempty"`
}

// backendUsage mirrors the success-path usageMetadata block.
type backendUsage struct {
	PromptTokenCount        int64 `json:"promptTokenCount"`
	CachedContentTokenCount int64 `json:"cachedContentTokenCount"`
	CandidatesTokenCount    int64 `json:"candidatesTokenCount"`
	TotalTokenCount         int64 `json:"totalTokenCount"`
}

// backendResponse is the success-path shape for generateContent.
type backendResponse struct {
	Candidates    []streaming.Candidate `json:"candidates"`
	UsageMetadata *backendUsage         `json:"usageMetadata,omitempty"`
}

// GenerateResponse is the unary result surfaced to callers.
type GenerateResponse struct {
	Text       string
	Candidates []streaming.Candidate
	Usage      ratelimit.UsageMetadata
}

// backendErrorBody mirrors the Google API's standard error envelope,
// including the retryInfo detail a 429 response carries.
type backendErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type            string            `json:"@type"`
			RetryDelay      string            `json:"retryDelay"`
			QuotaMetric     string            `json:"quotaMetric,omitempty"`
			QuotaID         string            `json:"quotaId,omitempty"`
			QuotaDimensions map[string]string `json:"quotaDimensions,omitempty"`
			QuotaValue      string            `json:"quotaValue,omitempty"`
		} `json:"details"`
	} `json:"error"`
}

// parseErrorBody decodes a non-2xx body into a retryinfo.Info plus a
// human-readable message. Absence of a retryInfo detail (any status other
// than 429 from a quota violation) leaves Info zero-valued.
func parseErrorBody(statusCode int, body []byte) (retryinfo.Info, string) {
	var parsed backendErrorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return retryinfo.Info{}, fmt.Sprintf("backend returned status %d: %s", statusCode, string(body))
	}
	var info retryinfo.Info
	for _, d := range parsed.Error.Details {
		if d.RetryDelay == "" && d.QuotaID == "" {
			continue
		}
		info = retryinfo.Info{
			RetryDelay:      d.RetryDelay,
			QuotaMetric:     d.QuotaMetric,
			QuotaID:         d.QuotaID,
			QuotaDimensions: d.QuotaDimensions,
			QuotaValue:      d.QuotaValue,
		}
		break
	}
	msg := parsed.Error.Message
	if msg == "" {
		msg = fmt.Sprintf("backend returned status %d", statusCode)
	}
	return info, msg
}

func (c *Client) endpoint(model, method string) string {
	return fmt.Sprintf("%s/models/%s:%s", c.baseURL, model, method)
}

// postJSON issues one POST request and decodes its body into a fresh T on
// success. The returned ratelimit.Response carries the status code and
// (on a 4xx/5xx) the decoded retryInfo; usage is left zero since only
// generateContent's response shape reports usageMetadata.
func postJSON[T any](ctx context.Context, hc *http.Client, creds *auth.Credentials, url string, reqBody any) (*T, *ratelimit.Response, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("gemini: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range creds.Headers() {
		httpReq.Header.Set(k, v)
	}

	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("gemini: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		info, msg := parseErrorBody(resp.StatusCode, body)
		return nil, &ratelimit.Response{StatusCode: resp.StatusCode, RetryInfo: info}, fmt.Errorf("gemini: %s", msg)
	}

	var decoded T
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, nil, fmt.Errorf("gemini: decode response: %w", err)
	}
	return &decoded, &ratelimit.Response{StatusCode: resp.StatusCode}, nil
}

// generateCall builds the ratelimit.Call for one generateContent attempt.
// out receives the last decoded success body so the caller can read it
// once Execute returns (Call's own signature only carries what the
// admission pipeline needs to classify and reconcile).
func (c *Client) generateCall(creds *auth.Credentials, model string, req backendRequest, out **backendResponse) ratelimit.Call {
	url := c.endpoint(model, "generateContent")
	return func(ctx context.Context) (*ratelimit.Response, error) {
		decoded, rlResp, err := postJSON[backendResponse](ctx, c.httpClient, creds, url, req)
		if decoded != nil {
			*out = decoded
			if decoded.UsageMetadata != nil {
				rlResp.Usage = ratelimit.UsageMetadata{
					PromptTokenCount:        decoded.UsageMetadata.PromptTokenCount,
					CachedContentTokenCount: decoded.UsageMetadata.CachedContentTokenCount,
					CandidatesTokenCount:    decoded.UsageMetadata.CandidatesTokenCount,
				}
			}
		}
		return rlResp, err
	}
}

// embedCall builds the ratelimit.Call for one embedContent attempt.
// Embeddings carry no usageMetadata block, so reconciliation always sees
// zero usage and the reservation is released rather than charged.
func (c *Client) embedCall(creds *auth.Credentials, model string, req embedRequest, out **embedResponse) ratelimit.Call {
	url := c.endpoint(model, "embedContent")
	return func(ctx context.Context) (*ratelimit.Response, error) {
		decoded, rlResp, err := postJSON[embedResponse](ctx, c.httpClient, creds, url, req)
		if decoded != nil {
			*out = decoded
		}
		return rlResp, err
	}
}

// countTokensCall builds the ratelimit.Call for one countTokens attempt.
func (c *Client) countTokensCall(creds *auth.Credentials, model string, req countTokensRequest, out **countTokensResponse) ratelimit.Call {
	url := c.endpoint(model, "countTokens")
	return func(ctx context.Context) (*ratelimit.Response, error) {
		decoded, rlResp, err := postJSON[countTokensResponse](ctx, c.httpClient, creds, url, req)
		if decoded != nil {
			*out = decoded
		}
		return rlResp, err
	}
}

// streamSource builds the streaming.Source that opens a
// streamGenerateContent SSE body for one attempt.
func (c *Client) streamSource(creds *auth.Credentials, model string, req backendRequest) streaming.Source {
	url := c.endpoint(model, "streamGenerateContent") + "?alt=sse"
	return func(ctx context.Context) (io.ReadCloser, error) {
		payload, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("gemini: marshal stream request: %w", err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("gemini: build stream request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		for k, v := range creds.Headers() {
			httpReq.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			_, msg := parseErrorBody(resp.StatusCode, body)
			return nil, fmt.Errorf("gemini: %s", msg)
		}
		return resp.Body, nil
	}
}

type embedRequest struct {
	Model   string         `json:"model"`
	Content streaming.Turn `json:"content"`
}

type embedResponse struct {
	Embedding struct {
		Values []float64 `json:"values"`
	} `json:"embedding"`
}

type countTokensRequest struct {
	Contents []streaming.Turn `json:"contents"`
}

type countTokensResponse struct {
	TotalTokens int64 `json:"totalTokens"`
}

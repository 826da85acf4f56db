/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       HTTP handlers exposing the client's generate and
             streaming surface: POST /v1/generate runs one
             non-streaming call and returns JSON; POST /v1/stream
             drives StreamGenerate and relays each chunk to the
             caller as a server-sent event.
Root Cause:  The client library has no outer HTTP surface of its
             own; this binary is the thin proxy a browser or curl
             client actually talks to.
Context:     Shares one *gemini.Client across every request.
Suitability: L3 — request decoding is mechanical, SSE relay needs
             care around flushing and client disconnect.
──────────────────────────────────────────────────────────────
*/

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	gemini "github.com/nshkrdotcom/gemini-ex-sub004"
	"github.com/nshkrdotcom/gemini-ex-sub004/config"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/ratelimit"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/streaming"
)

type server struct {
	client *gemini.Client
	log    zerolog.Logger
}

type generateRequest struct {
	Model   string           `json:"model"`
	History []streaming.Turn `json:"history"`
	Profile string           `json:"profile,omitempty"`
}

type generateResponse struct {
	Text  string                  `json:"text"`
	Usage ratelimit.UsageMetadata `json:"usage"`
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}

func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" || len(req.History) == 0 {
		writeJSONError(w, http.StatusBadRequest, "model and history are required")
		return
	}

	var ov *gemini.Overlay
	if req.Profile != "" {
		ov = &gemini.Overlay{Profile: profileFromString(req.Profile)}
	}

	resp, err := s.client.Generate(r.Context(), req.Model, req.History, ov)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(generateResponse{Text: resp.Text, Usage: resp.Usage})
}

type streamRequest struct {
	Model   string           `json:"model"`
	History []streaming.Turn `json:"history"`
	Tools   json.RawMessage  `json:"tools,omitempty"`
	Profile string           `json:"profile,omitempty"`
}

// handleStream relays stream events to the client as text/event-stream.
// Each Notify call is forwarded as one SSE "data:" line; the handler
// blocks until the stream (or tool-orchestration loop) terminates.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" || len(req.History) == 0 {
		writeJSONError(w, http.StatusBadRequest, "model and history are required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported by this response writer")
		return
	}

	var ov *gemini.Overlay
	if req.Profile != "" {
		ov = &gemini.Overlay{Profile: profileFromString(req.Profile)}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	done := make(chan struct{})
	var once sync.Once
	sub := streaming.SubscriberFunc(func(e streaming.Event) error {
		switch e.Kind {
		case streaming.EventChunk:
			fmt.Fprintf(w, "event: chunk\ndata: %s\n\n", e.Chunk)
		case streaming.EventComplete:
			fmt.Fprintf(w, "event: complete\ndata: {}\n\n")
		case streaming.EventError:
			payload, _ := json.Marshal(map[string]string{"reason": e.Reason})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
		}
		flusher.Flush()
		if e.Kind == streaming.EventComplete || e.Kind == streaming.EventError {
			once.Do(func() { close(done) })
		}
		return nil
	})

	id, err := s.client.StreamGenerate(r.Context(), req.Model, req.History, req.Tools, ov, sub)
	if err != nil {
		payload, _ := json.Marshal(map[string]string{"reason": err.Error()})
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
		flusher.Flush()
		return
	}
	if id == "" {
		// Tool-orchestrated call: Run already blocked until the loop's
		// terminal event was delivered.
		return
	}

	// Tool-free call: StartStream returned as soon as the stream was
	// admitted; hold the handler open until it terminates or the caller
	// disconnects.
	select {
	case <-done:
	case <-r.Context().Done():
		_ = s.client.StopStream(id)
	}
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func profileFromString(p string) config.Profile { return config.Profile(p) }

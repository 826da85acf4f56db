/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Fixed-duration request timeout middleware using Go
             context cancellation. Wraps the response writer so a
             handler goroutine still running after the deadline
             can no longer write to the client.
Root Cause:  Streaming handlers run open-ended while a plain
             generate call should fail fast; a flat deadline on
             every request (with streaming routes given their own
             longer budget) is the only timeout knob this front
             end needs.
Context:     Mounted in the chi middleware chain between the
             request logger and the route handlers.
Suitability: L2 — well-understood context-cancellation pattern.
──────────────────────────────────────────────────────────────
*/

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// timeoutMiddleware bounds every request to d, writing a 504 if the
// handler is still running when the deadline passes.
func timeoutMiddleware(log zerolog.Logger, d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			done := make(chan struct{})
			tw := &timeoutWriter{ResponseWriter: w}

			go func() {
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
				return
			case <-ctx.Done():
				tw.mu.Lock()
				tw.timedOut = true
				if !tw.wroteHeader {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusGatewayTimeout)
					json.NewEncoder(w).Encode(map[string]any{
						"error": map[string]any{"type": "timeout", "message": "request timed out after " + d.String()},
					})
					tw.wroteHeader = true
				}
				tw.mu.Unlock()
				log.Warn().Str("path", r.URL.Path).Dur("timeout", d).Msg("request timed out")
				<-done
			}
		})
	}
}

// timeoutWriter suppresses writes from a handler goroutine still running
// after its deadline has passed.
type timeoutWriter struct {
	http.ResponseWriter
	mu          sync.Mutex
	wroteHeader bool
	timedOut    bool
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.wroteHeader {
		return
	}
	tw.wroteHeader = true
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, context.DeadlineExceeded
	}
	if !tw.wroteHeader {
		tw.wroteHeader = true
		tw.ResponseWriter.WriteHeader(http.StatusOK)
	}
	return tw.ResponseWriter.Write(b)
}

func (tw *timeoutWriter) Flush() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Process entrypoint: loads config, wires one
             *gemini.Client with a Prometheus registry attached,
             mounts the CORS / security-header / request-ID /
             recoverer / logger / body-size-limit middleware chain
             in front of /v1/generate, /v1/stream, /metrics, and
             /healthz, and shuts the HTTP server down gracefully on
             SIGINT/SIGTERM.
Root Cause:  Something has to own the listener, the signal
             handling, and the middleware ordering; every other
             package in this module is a library with no main of
             its own.
Context:     The only binary in this module; everything else is
             importable as a library.
Suitability: L3 — mechanical wiring, the shutdown sequencing is
             the one part worth getting right.
──────────────────────────────────────────────────────────────
*/

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	gemini "github.com/nshkrdotcom/gemini-ex-sub004"
	"github.com/nshkrdotcom/gemini-ex-sub004/config"
	"github.com/nshkrdotcom/gemini-ex-sub004/logger"
	"github.com/nshkrdotcom/gemini-ex-sub004/middleware"
)

const (
	generateTimeout = 60 * time.Second
	streamTimeout   = 10 * time.Minute
	gracefulTimeout = 15 * time.Second
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	reg := prometheus.NewRegistry()
	client, err := gemini.New(cfg, gemini.WithPrometheus(reg))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct client")
	}
	defer client.Close()

	srv := &server{client: client, log: log}

	r := chi.NewRouter()
	r.Use(middleware.CORSMiddleware([]string{"*"}))
	r.Use(middleware.SecurityHeadersMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(log))
	r.Use(maxBodySize(1 << 20))

	r.Get("/healthz", srv.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(log, generateTimeout))
		r.Post("/v1/generate", srv.handleGenerate)
	})
	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(log, streamTimeout))
		r.Post("/v1/stream", srv.handleStream)
	})

	addr := getEnv("GEMINI_DEMO_ADDR", ":8080")
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: streamTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", addr).Msg("demo server listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("demo server stopped gracefully")
	}
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}

func maxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				http.Error(w, `{"error":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Default pooled HTTP transport for the backend
             collaborator, adapted from the gateway's per-provider
             connection pool down to the single backend this
             client talks to, plus a metrics-observing wrapper.
Root Cause:  HTTP transport is explicitly out of the CORE's scope
             (the spec treats it as an external collaborator), but
             the library still ships a sane default rather than
             forcing every caller to hand-tune an http.Transport.
Context:     Used by cmd/demo and by callers who don't supply
             their own *http.Client via client Options.
Suitability: L2 — standard pooled-transport construction.
──────────────────────────────────────────────────────────────
*/

package transport

import (
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// PoolConfig tunes the default transport's connection pool.
type PoolConfig struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration
}

// DefaultPoolConfig returns production-grade pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		DialTimeout:           10 * time.Second,
		KeepAlive:             30 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// Metrics counts round trips through the default transport.
type Metrics struct {
	Active int64
	Total  int64
	Errors int64
	Reused int64
}

type observingRoundTripper struct {
	inner   http.RoundTripper
	metrics *Metrics
}

func (o *observingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	atomic.AddInt64(&o.metrics.Active, 1)
	atomic.AddInt64(&o.metrics.Total, 1)
	defer atomic.AddInt64(&o.metrics.Active, -1)

	resp, err := o.inner.RoundTrip(req)
	if err != nil {
		atomic.AddInt64(&o.metrics.Errors, 1)
		return nil, err
	}
	if !resp.Close {
		atomic.AddInt64(&o.metrics.Reused, 1)
	}
	return resp, nil
}

// Pool is a single shared pooled transport plus its observed metrics.
type Pool struct {
	transport *http.Transport
	metrics   *Metrics
}

// NewPool builds a Pool from cfg.
func NewPool(cfg PoolConfig) *Pool {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive}
	t := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		ForceAttemptHTTP2:     true,
	}
	return &Pool{transport: t, metrics: &Metrics{}}
}

// DefaultPool builds a Pool with DefaultPoolConfig.
func DefaultPool() *Pool {
	return NewPool(DefaultPoolConfig())
}

// Client returns an *http.Client backed by this pool's transport, wrapped
// so RoundTrip calls are counted in Metrics.
func (p *Pool) Client(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &observingRoundTripper{inner: p.transport, metrics: p.metrics},
		Timeout:   timeout,
	}
}

// Metrics returns a snapshot of this pool's round-trip counters.
func (p *Pool) Metrics() Metrics {
	return Metrics{
		Active: atomic.LoadInt64(&p.metrics.Active),
		Total:  atomic.LoadInt64(&p.metrics.Total),
		Errors: atomic.LoadInt64(&p.metrics.Errors),
		Reused: atomic.LoadInt64(&p.metrics.Reused),
	}
}

// Close releases idle connections held by the pool.
func (p *Pool) Close() {
	p.transport.CloseIdleConnections()
}

/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Top-level client: wires auth coordinator, state
             store (memory or Redis-backed), concurrency gate,
             retry manager, telemetry façade, cost table, rate-
             limit manager, and streaming manager into one
             constructed value, then exposes generate / embed /
             count-tokens / stream / chat / live-session on top.
Root Cause:  Every other package in this module is a collaborator
             with an explicit constructor and no global state;
             something has to own wiring them together exactly
             once per process, the way the gateway's main.go wires
             its provider registry, router, and background pollers.
Context:     cmd/demo constructs exactly one Client and shares it
             across every HTTP request it serves.
Suitability: L3 — wiring is mechanical; the only judgment call is
             which collaborators are optional vs. required.
──────────────────────────────────────────────────────────────
*/

package gemini

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nshkrdotcom/gemini-ex-sub004/config"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/auth"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/concurrency"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/cost"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/ratelimit"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/retry"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/statestore"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/statestore/redisstore"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/streaming"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/telemetry"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/toolorchestrator"
	"github.com/nshkrdotcom/gemini-ex-sub004/internal/transport"
	"github.com/nshkrdotcom/gemini-ex-sub004/logger"
	"github.com/nshkrdotcom/gemini-ex-sub004/redisclient"
	"github.com/rs/zerolog"
)

// Client is the library's single entry point: every generate/stream/embed
// call flows through its rate-limit manager before reaching the backend.
type Client struct {
	cfg *config.Config
	log zerolog.Logger

	httpClient *http.Client
	pool       *transport.Pool
	baseURL    string

	auth      *auth.Coordinator
	store     statestore.Store
	gate      *concurrency.Gate
	decay     *concurrency.DecayLoop
	rl        *ratelimit.Manager
	streams   *streaming.Manager
	telemetry *telemetry.Facade
	cost      *cost.Table

	tools          *toolorchestrator.Registry
	maxToolTurns   int
	maxParallelRun int
}

// Option customizes Client construction beyond what config.Config covers.
type Option func(*clientOptions)

type clientOptions struct {
	httpClient     *http.Client
	baseURL        string
	prometheusReg  prometheus.Registerer
	costTable      *cost.Table
	toolRegistry   *toolorchestrator.Registry
	maxToolTurns   int
	maxParallelRun int
}

// WithBaseURL overrides the backend's base URL. Used by tests to point
// the client at an httptest.Server instead of the live API.
func WithBaseURL(url string) Option {
	return func(o *clientOptions) { o.baseURL = url }
}

// WithHTTPClient overrides the client's outbound transport. Useful for
// tests (httptest.Server) and for callers with their own connection pool.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = hc }
}

// WithPrometheus registers a Prometheus telemetry sink against reg.
func WithPrometheus(reg prometheus.Registerer) Option {
	return func(o *clientOptions) { o.prometheusReg = reg }
}

// WithCostTable overrides the default pricing table.
func WithCostTable(t *cost.Table) Option {
	return func(o *clientOptions) { o.costTable = t }
}

// WithTools registers a tool registry; StreamGenerate calls that supply
// tool declarations drive the tool-orchestrator loop against it.
func WithTools(reg *toolorchestrator.Registry, maxTurns, maxParallel int) Option {
	return func(o *clientOptions) {
		o.toolRegistry = reg
		o.maxToolTurns = maxTurns
		o.maxParallelRun = maxParallel
	}
}

// New wires a Client from cfg. redisURL-backed state and auth-token
// caching are used automatically when cfg.RedisURL is set.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	log := logger.New(cfg)

	pool := transport.DefaultPool()
	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = pool.Client(2 * time.Minute)
	}

	var rdb *redisclient.Client
	var store statestore.Store = statestore.NewMemory()
	if cfg.RedisURL != "" {
		var err error
		rdb, err = redisclient.New(cfg)
		if err != nil {
			return nil, err
		}
		if rdb != nil {
			store = redisstore.New(rdb.C, 2*time.Second)
		}
	}

	gate := concurrency.New()
	var decay *concurrency.DecayLoop
	if cfg.AdaptiveConcurrency {
		decay = concurrency.NewDecayLoop(gate, 60*time.Second, func(key string) concurrency.Config {
			return concurrency.Config{
				Max:             cfg.MaxConcurrencyPerModel,
				Adaptive:        cfg.AdaptiveConcurrency,
				AdaptiveCeiling: cfg.AdaptiveCeiling,
			}
		})
		decay.Start(context.Background())
	}
	retryMgr := retry.New(store)

	facade := telemetry.New()
	facade.Register(telemetry.NewLogSink(log))
	if o.prometheusReg != nil {
		facade.Register(telemetry.NewPrometheusSink(o.prometheusReg))
	}

	costTable := o.costTable
	if costTable == nil {
		costTable = cost.DefaultTable()
	}

	rl := ratelimit.New(store, gate, retryMgr, facade, costTable)
	streams := streaming.New(rl)

	var authCoordinator *auth.Coordinator
	if rdb != nil {
		authCoordinator = auth.New(httpClient, rdb.C)
	} else {
		authCoordinator = auth.New(httpClient, nil)
	}

	toolRegistry := o.toolRegistry
	if toolRegistry == nil {
		toolRegistry = toolorchestrator.NewRegistry()
	}

	baseURL := o.baseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		cfg:            cfg,
		log:            log,
		httpClient:     httpClient,
		pool:           pool,
		baseURL:        baseURL,
		auth:           authCoordinator,
		store:          store,
		gate:           gate,
		decay:          decay,
		rl:             rl,
		streams:        streams,
		telemetry:      facade,
		cost:           costTable,
		tools:          toolRegistry,
		maxToolTurns:   o.maxToolTurns,
		maxParallelRun: o.maxParallelRun,
	}, nil
}

// Tools returns the client's tool registry so callers can Register
// functions the tool orchestrator may invoke during StreamGenerate.
func (c *Client) Tools() *toolorchestrator.Registry { return c.tools }

// Telemetry returns the client's telemetry façade so a caller can
// register additional sinks after construction.
func (c *Client) Telemetry() *telemetry.Facade { return c.telemetry }

// CheckStatus reports whether a call for model would currently be
// admitted, without reserving anything.
func (c *Client) CheckStatus(model string, ov *Overlay) (ratelimit.Status, error) {
	_, rlCfg, err := buildEffective(c.cfg, ov)
	if err != nil {
		return ratelimit.Status{}, err
	}
	return c.rl.CheckStatus(model, rlCfg), nil
}

// StopStream cancels an in-flight stream started by a tool-free
// StreamGenerate call and releases its reservation and permit. It has no
// effect on a tool-orchestrated call, which owns a new stream per turn.
func (c *Client) StopStream(id string) error {
	return c.streams.StopStream(id)
}

// Close releases idle transport connections and stops the concurrency
// gate's decay loop, if one is running. The Redis connection behind a
// Redis-backed state store, if any, is left open; the in-memory store and
// the telemetry sinks hold no resources beyond process memory.
func (c *Client) Close() {
	if c.decay != nil {
		c.decay.Stop()
	}
	c.pool.Close()
}

/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Prometheus sink for the telemetry façade: one counter
             vector labelled by event kind, histograms for wait and
             request/stream durations, keyed by model/location.
Root Cause:  The gateway declared prometheus/client_golang in
             go.mod but never registered a single metric with it;
             this gives the dependency the concrete, exercised
             home SPEC_FULL.md calls for.
Context:     Registered into a caller-supplied *prometheus.Registry
             (or prometheus.DefaultRegisterer) so cmd/demo can
             expose /metrics without the core importing net/http.
Suitability: L2 — standard client_golang instrumentation.
──────────────────────────────────────────────────────────────
*/

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink records every Event into client_golang metrics.
type PrometheusSink struct {
	events   *prometheus.CounterVec
	waitSecs *prometheus.HistogramVec
	reqSecs  *prometheus.HistogramVec
	reserved *prometheus.CounterVec
	estCost  *prometheus.CounterVec
}

// NewPrometheusSink creates and registers the sink's metrics against reg.
// Pass prometheus.DefaultRegisterer to use the global registry.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geminiclient",
			Name:      "events_total",
			Help:      "Count of telemetry events emitted by the rate-limit core, by kind.",
		}, []string{"kind", "model", "location"}),
		waitSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "geminiclient",
			Name:      "wait_seconds",
			Help:      "Time callers spent waiting on a budget window or a server retry window.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model", "location"}),
		reqSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "geminiclient",
			Name:      "request_duration_seconds",
			Help:      "End-to-end duration of an admitted request or stream.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model", "location", "kind"}),
		reserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geminiclient",
			Name:      "reserved_tokens_total",
			Help:      "Tokens reserved against the per-key budget window.",
		}, []string{"model", "location"}),
		estCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geminiclient",
			Name:      "estimated_cost_usd_total",
			Help:      "Estimated USD cost attached to completed requests and streams.",
		}, []string{"model", "location"}),
	}
	reg.MustRegister(s.events, s.waitSecs, s.reqSecs, s.reserved, s.estCost)
	return s
}

func (s *PrometheusSink) Observe(e Event) {
	s.events.WithLabelValues(string(e.Kind), e.Model, e.Location).Inc()

	switch e.Kind {
	case Wait:
		s.waitSecs.WithLabelValues(e.Model, e.Location).Observe(e.Duration.Seconds())
	case RequestStop, StreamCompleted, StreamError, StreamStopped:
		s.reqSecs.WithLabelValues(e.Model, e.Location, string(e.Kind)).Observe(e.Duration.Seconds())
	}
	if e.ReservedTokens > 0 {
		s.reserved.WithLabelValues(e.Model, e.Location).Add(float64(e.ReservedTokens))
	}
	if e.EstimatedCost > 0 {
		s.estCost.WithLabelValues(e.Model, e.Location).Add(e.EstimatedCost)
	}
}

var _ Sink = (*PrometheusSink)(nil)

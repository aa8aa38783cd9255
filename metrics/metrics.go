// Package metrics registers and exposes the forwarder's Prometheus
// instrumentation. Every metric is built and registered at construction,
// never lazily from the query path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter/gauge the core updates.
type Metrics struct {
	CacheSize     prometheus.Gauge
	CacheCapacity prometheus.Gauge

	UpstreamRequests *prometheus.CounterVec
	UpstreamErrors   *prometheus.CounterVec
	UpstreamLatency  *prometheus.HistogramVec

	RuleTierMatches *prometheus.CounterVec
	Responses       *prometheus.CounterVec

	RemoteFeedParseWarnings *prometheus.CounterVec
	JSONUnsupportedRType    *prometheus.CounterVec
}

// New builds and registers every metric against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dohfwd_cache_size",
			Help: "Current number of entries held in the response cache.",
		}),
		CacheCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dohfwd_cache_capacity",
			Help: "Configured maximum number of entries in the response cache.",
		}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dohfwd_upstream_requests_total",
			Help: "Total upstream DoH requests issued, by group.",
		}, []string{"group"}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dohfwd_upstream_errors_total",
			Help: "Total upstream DoH request failures, by group.",
		}, []string{"group"}),
		UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "dohfwd_upstream_latency_seconds",
			Help: "Upstream DoH request latency, by group.",
		}, []string{"group"}),
		RuleTierMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dohfwd_rule_tier_matches_total",
			Help: "Rule matches, by tier and phase.",
		}, []string{"tier", "phase"}),
		Responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dohfwd_responses_total",
			Help: "Responses returned to clients, by rcode.",
		}, []string{"rcode"}),
		RemoteFeedParseWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dohfwd_remote_feed_parse_warnings_total",
			Help: "Remote rule-list lines skipped as unparsable, by feed URL.",
		}, []string{"feed"}),
		JSONUnsupportedRType: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dohfwd_doh_json_unsupported_rtype_total",
			Help: "Records dropped from a JSON-dialect response because their type has no JSON encoding.",
		}, []string{"rtype"}),
	}

	reg.MustRegister(
		m.CacheSize,
		m.CacheCapacity,
		m.UpstreamRequests,
		m.UpstreamErrors,
		m.UpstreamLatency,
		m.RuleTierMatches,
		m.Responses,
		m.RemoteFeedParseWarnings,
		m.JSONUnsupportedRType,
	)

	return m
}

// Package metrics exposes prometheus collectors for admission decisions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Limiter decision results.
const (
	ResultAllowed    = "allowed"
	ResultRejected   = "rejected"
	ResultFailOpen   = "fail_open"
	ResultFailClosed = "fail_closed"
)

// Metrics groups the counters recorded by the services and handlers.
type Metrics struct {
	LimiterDecisions *prometheus.CounterVec
	QuotaDecisions   *prometheus.CounterVec
	StoreErrors      *prometheus.CounterVec
	SessionOps       *prometheus.CounterVec
	TrustLevels      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which tests use to get isolated counters.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LimiterDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anon_ratelimit_decisions_total",
			Help: "Sliding window decisions by window and result.",
		}, []string{"window", "result"}),
		QuotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anon_quota_decisions_total",
			Help: "Daily quota increments by result.",
		}, []string{"result"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anon_store_errors_total",
			Help: "Shared store failures by operation.",
		}, []string{"op"}),
		SessionOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anon_session_operations_total",
			Help: "Session lifecycle operations by kind.",
		}, []string{"op"}),
		TrustLevels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anon_trust_evaluations_total",
			Help: "Trust evaluations by resulting level.",
		}, []string{"level"}),
	}
	if reg != nil {
		reg.MustRegister(m.LimiterDecisions, m.QuotaDecisions, m.StoreErrors, m.SessionOps, m.TrustLevels)
	}
	return m
}

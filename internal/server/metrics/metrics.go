// Package metrics exposes Prometheus counters for the refresh-token lifecycle.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the token counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry        *prometheus.Registry
	issued          prometheus.Counter
	rotated         prometheus.Counter
	reuseDetected   prometheus.Counter
	familiesRevoked prometheus.Counter
	purged          prometheus.Counter
	rotateFailures  *prometheus.CounterVec
}

// New registers the counters on reg. Passing a fresh registry per test keeps
// tests independent.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_refresh_tokens_issued_total",
			Help: "Refresh tokens written to the ledger, including rotation successors.",
		}),
		rotated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_refresh_tokens_rotated_total",
			Help: "Successful refresh token rotations.",
		}),
		reuseDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_refresh_token_reuse_detected_total",
			Help: "Rotations rejected because a retired, expired or forged credential was presented.",
		}),
		familiesRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_refresh_token_families_revoked_total",
			Help: "Token families revoked as a whole.",
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_refresh_tokens_purged_total",
			Help: "Ledger rows removed by retention housekeeping.",
		}),
		rotateFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_refresh_token_rotate_failures_total",
			Help: "Rejected rotations by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.issued, m.rotated, m.reuseDetected, m.familiesRevoked, m.purged, m.rotateFailures)
	return m
}

func (m *Metrics) Issued() {
	if m != nil {
		m.issued.Inc()
	}
}

func (m *Metrics) Rotated() {
	if m != nil {
		m.rotated.Inc()
	}
}

func (m *Metrics) ReuseDetected() {
	if m != nil {
		m.reuseDetected.Inc()
	}
}

func (m *Metrics) FamilyRevoked() {
	if m != nil {
		m.familiesRevoked.Inc()
	}
}

func (m *Metrics) Purged(n int64) {
	if m != nil && n > 0 {
		m.purged.Add(float64(n))
	}
}

// RotateFailed counts a rejected rotation under reason
// ("malformed", "not_found", "reuse", "internal").
func (m *Metrics) RotateFailed(reason string) {
	if m != nil {
		m.rotateFailures.WithLabelValues(reason).Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

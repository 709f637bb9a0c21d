// Package metrics registers the daemon's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Set struct {
	RedemptionsTotal   *prometheus.CounterVec
	VerifyAttempts     *prometheus.CounterVec
	VaultWriteFailures prometheus.Counter
	RedemptionSeconds  prometheus.Histogram
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production; tests use a fresh registry to avoid duplicate
// registration panics.
func New(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)
	return &Set{
		RedemptionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keyring_redemptions_total",
			Help: "Ticket redemption attempts by terminal outcome.",
		}, []string{"outcome"}),
		VerifyAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keyring_verify_attempts_total",
			Help: "Consistency verification polls by result.",
		}, []string{"result"}),
		VaultWriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "keyring_vault_write_failures_total",
			Help: "Vault writes that failed after all fallbacks.",
		}),
		RedemptionSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "keyring_redemption_duration_seconds",
			Help:    "Wall time of complete redemption attempts.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ObserveVerifyAttempt adapts the set to the verifier's attempt hook.
func (s *Set) ObserveVerifyAttempt(ok bool) {
	if s == nil {
		return
	}
	result := "miss"
	if ok {
		result = "hit"
	}
	s.VerifyAttempts.WithLabelValues(result).Inc()
}

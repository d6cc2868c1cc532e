package verification

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verigate_verification_sessions_started_total",
		Help: "Provider sessions opened by track",
	}, []string{"track"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verigate_verification_transitions_total",
		Help: "Track status transitions by track and resulting status",
	}, []string{"track", "to"})

	refreshErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verigate_verification_refresh_errors_total",
		Help: "Provider fetch failures during refresh by track",
	}, []string{"track"})

	refreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "verigate_verification_refresh_duration_seconds",
		Help:    "Latency of one full status refresh across both tracks",
		Buckets: prometheus.DefBuckets,
	})

	pollingStalledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "verigate_verification_polling_stalled_total",
		Help: "Poll loops that crossed the stall threshold without a terminal status",
	})
)

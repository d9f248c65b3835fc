// Package metrics declares the Prometheus collectors shared by the fermata
// services. Collectors register on the default registry; each binary exposes
// them through the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubmissionsTotal counts POST /v1/runs outcomes: accepted, replayed,
	// conflict, drained, rejected, error.
	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fermata_submissions_total",
		Help: "Run submissions by outcome.",
	}, []string{"outcome"})

	// FinalizeTotal counts two-phase finalize commits by the role that drove
	// them (worker, reaper, reconciler) and the terminal outcome.
	FinalizeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fermata_finalize_total",
		Help: "Finalize commits by role and outcome.",
	}, []string{"role", "outcome"})

	// FinalizeLostClaims counts Phase A claims lost to a concurrent finalizer.
	FinalizeLostClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fermata_finalize_lost_claims_total",
		Help: "Finalize claims that observed zero affected rows.",
	}, []string{"role"})

	// ReaperClaims counts expired leases reclaimed by the reaper.
	ReaperClaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fermata_reaper_claims_total",
		Help: "Expired-lease runs claimed by the reaper.",
	})

	// ReconcilerRepairs counts stale claims repaired by the reconciler.
	ReconcilerRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fermata_reconciler_repairs_total",
		Help: "Stale claimed runs repaired, by outcome.",
	}, []string{"outcome"})

	// RateLimitRejections counts polls rejected by the per-tenant bucket.
	RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fermata_rate_limit_rejections_total",
		Help: "Polls rejected by the per-tenant rate limiter.",
	})

	// SettleRefundMicros observes the refund size on settle, a quick way to
	// spot systematically over-sized reservations.
	SettleRefundMicros = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fermata_settle_refund_micros",
		Help:    "Refund returned to balance at settle time, in micros.",
		Buckets: prometheus.ExponentialBuckets(1000, 10, 6),
	})

	// HTTPDuration observes request latency on the REST surface.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fermata_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)

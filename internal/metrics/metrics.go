package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "oktamirror"
)

var (
	syncDurationBuckets = []float64{1, 2, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600}

	// Sync metrics
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_duration_seconds",
		Help:      "Time taken for a full tenant sync to complete.",
		Buckets:   syncDurationBuckets,
	}, []string{"tenant"})

	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Count of sync executions by terminal status.",
	}, []string{"tenant", "status"})

	SyncLastSuccessTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful sync.",
	}, []string{"tenant"})

	EntitiesSyncedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entities_synced_total",
		Help:      "Count of entities written to the staging snapshot.",
	}, []string{"tenant", "entity"})

	WriteErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "write_errors_total",
		Help:      "Count of records skipped due to graph write errors.",
	}, []string{"tenant", "entity"})

	// Okta API client metrics
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "okta_api_requests_total",
		Help:      "Count of outbound Okta API requests by method and outcome.",
	}, []string{"method", "outcome"})

	RateLimitWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "okta_rate_limit_waits_total",
		Help:      "Count of 429-induced waits by rate-limit regime.",
	}, []string{"regime"})

	RateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "okta_rate_limit_wait_seconds",
		Help:      "Duration of 429-induced waits.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	// Snapshot metrics
	CurrentGraphVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "graph_current_version",
		Help:      "Reader-visible graph snapshot version.",
	})

	PromotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "graph_promotions_total",
		Help:      "Count of staging snapshots promoted to current.",
	})
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// Dispatch metrics
	Dispatches      *prometheus.CounterVec // provider, outcome
	DispatchLatency prometheus.Histogram
	CacheHits       prometheus.Counter

	// Quota metrics
	QuotaDenials *prometheus.CounterVec // class

	// Insight store metrics
	InsightAppends   prometheus.Counter
	InsightEvictions prometheus.Counter
}

// Init registers and returns the application metrics
func Init() *Metrics {
	return &Metrics{
		Dispatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsecrm_dispatches_total",
			Help: "Total provider dispatches by provider and outcome",
		}, []string{"provider", "outcome"}),

		DispatchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pulsecrm_dispatch_duration_seconds",
			Help:    "Provider call latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}, // up to 2 minutes for LLM responses
		}),

		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulsecrm_dispatch_cache_hits_total",
			Help: "Dispatches served from the memoization cache",
		}),

		QuotaDenials: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsecrm_quota_denials_total",
			Help: "Quota admission denials by operation class",
		}, []string{"class"}),

		InsightAppends: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulsecrm_insight_appends_total",
			Help: "Insights appended to subject records",
		}),

		InsightEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulsecrm_insight_evictions_total",
			Help: "Insights evicted by the per-record cap",
		}),
	}
}

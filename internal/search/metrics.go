package search

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	searchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "search",
			Name:      "requests_total",
			Help:      "Total number of semantic searches",
		},
		[]string{"result"},
	)

	searchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "recalld",
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "Duration of semantic searches in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	// enrichMisses counts hits returned without a registry document.
	enrichMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "search",
			Name:      "enrich_misses_total",
			Help:      "Search hits with no matching registry document",
		},
	)
)

func observeSearch(start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	searchesTotal.WithLabelValues(result).Inc()
	searchDuration.Observe(time.Since(start).Seconds())
}

package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess  = "success"
	outcomeError    = "error"
	outcomeEnqueued = "enqueued"
	outcomeExists   = "exists"
	outcomeNoText   = "no_text"
)

var (
	// sweepsTotal counts finished sweeps by outcome (success, error).
	sweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "sync",
			Name:      "sweeps_total",
			Help:      "Total number of sync sweeps",
		},
		[]string{"outcome"},
	)

	// recordsTotal counts source records by what the sweep did with them.
	recordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Source records seen by sync sweeps",
		},
		[]string{"outcome"},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "recalld",
			Subsystem: "sync",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of sync sweeps in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

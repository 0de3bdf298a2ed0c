package pipeline

import (
	"time"

	"github.com/fyrsmithlabs/recalld/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultSuccess   = "success"
	resultRetry     = "retry"
	resultExhausted = "exhausted"
	resultSkipped   = "skipped"
)

var (
	// stepsTotal counts step outcomes.
	// Labels: step (begin, embed, index), result (success, retry, exhausted, skipped)
	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "pipeline",
			Name:      "steps_total",
			Help:      "Total number of pipeline step outcomes",
		},
		[]string{"step", "result"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "recalld",
			Subsystem: "pipeline",
			Name:      "step_duration_seconds",
			Help:      "Duration of pipeline steps in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"step"},
	)

	inflightTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "recalld",
			Subsystem: "pipeline",
			Name:      "inflight_tasks",
			Help:      "Number of pipeline tasks currently running",
		},
	)
)

func observeStep(step registry.Step, start time.Time) {
	stepDuration.WithLabelValues(string(step)).Observe(time.Since(start).Seconds())
}

package workflows

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/recalld/internal/workflows"

var (
	metricsOnce sync.Once

	workflowStarts   metric.Int64Counter
	activityDuration metric.Float64Histogram
	activityErrCount metric.Int64Counter
)

// initMetrics creates the instruments on first use so a meter provider
// installed at startup is picked up.
func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter(instrumentationName)

		// Instrument creation only fails on invalid names; the noop
		// instruments returned alongside the error are safe to use.
		workflowStarts, _ = meter.Int64Counter(
			"recalld.workflows.pipeline.starts",
			metric.WithDescription("Embedding pipeline workflows started, by outcome"),
			metric.WithUnit("{execution}"),
		)
		activityDuration, _ = meter.Float64Histogram(
			"recalld.workflows.activity.duration",
			metric.WithDescription("Duration of pipeline activity attempts"),
			metric.WithUnit("s"),
		)
		activityErrCount, _ = meter.Int64Counter(
			"recalld.workflows.activity.errors",
			metric.WithDescription("Failed pipeline activity attempts"),
			metric.WithUnit("{error}"),
		)
	})
}

func recordStart(ctx context.Context, outcome string) {
	initMetrics()
	workflowStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func recordActivity(ctx context.Context, name string, start time.Time) {
	initMetrics()
	activityDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("activity", name)))
}

func activityErrors(ctx context.Context, name string) {
	initMetrics()
	activityErrCount.Add(ctx, 1, metric.WithAttributes(attribute.String("activity", name)))
}

// Package telemetry wires OpenTelemetry tracing and metrics for recalld.
//
// Spans and metrics are exported over OTLP (gRPC by default, or
// http/protobuf) to a collector. New installs the providers globally, so
// instrumented packages call otel.Tracer and otel.Meter directly. When
// telemetry is disabled the global no-op providers stay in place.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
//	defer tel.Shutdown(ctx)
//
// Exporter failures degrade the instance instead of failing startup.
package telemetry

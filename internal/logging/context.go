package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// contextFields extracts correlation data from context.
func contextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	for _, k := range correlationKeys {
		if v, ok := ctx.Value(k).(string); ok && v != "" {
			fields = append(fields, zap.String(k.field, v))
		}
	}
	return fields
}

type correlationKey struct{ field string }

var (
	requestKey  = correlationKey{"request.id"}
	ownerKey    = correlationKey{"owner.id"}
	documentKey = correlationKey{"document.id"}
	taskKey     = correlationKey{"task.id"}

	correlationKeys = []correlationKey{requestKey, ownerKey, documentKey, taskKey}
)

// WithRequestID tags ctx with the HTTP request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestKey, id)
}

// WithOwnerID tags ctx with the document owner (user id).
func WithOwnerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ownerKey, id)
}

// WithDocumentID tags ctx with the registry document id.
func WithDocumentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, documentKey, id)
}

// WithTaskID tags ctx with a pipeline or tracked task id.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskKey, id)
}

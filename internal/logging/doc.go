// Package logging provides structured logging with OpenTelemetry integration.
//
// Logger wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - stdout and optional OpenTelemetry output
//   - correlation fields pulled from context (trace, request, owner,
//     document and pipeline task ids)
//   - redaction of sensitive keys and value patterns
//   - level-aware sampling (errors are never sampled)
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithDocumentID(ctx, doc.ID)
//	logger.Info(ctx, "document indexed", zap.String("vector_ref", ref))
//
// Output:
//
//	{"ts":"2025-11-24T10:15:30Z","level":"info","msg":"document indexed",
//	 "service":"recalld","document.id":"7f0c...","vector_ref":"7f0c..."}
package logging

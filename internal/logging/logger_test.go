package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithOwnerID(ctx, "user-9")
	ctx = WithDocumentID(ctx, "doc-3")
	ctx = WithTaskID(ctx, "task-7")

	tl := NewTestLogger()
	tl.Info(ctx, "document indexed", zap.Int("dimension", 384))

	tl.AssertLogged(t, zapcore.InfoLevel, "document indexed")
	tl.AssertField(t, "document indexed", "request.id", "req-1")
	tl.AssertField(t, "document indexed", "owner.id", "user-9")
	tl.AssertField(t, "document indexed", "document.id", "doc-3")
	tl.AssertField(t, "document indexed", "task.id", "task-7")
}

func TestContextFields_TraceIDs(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	fields := contextFields(ctx)
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, f.Key)
	}
	assert.Equal(t, []string{"trace_id", "span_id"}, keys)
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, contextFields(context.Background()))
}

func TestTraceLevel(t *testing.T) {
	tl := NewTestLogger()
	tl.Trace(context.Background(), "raw vector", zap.Int("len", 3))
	tl.AssertLogged(t, TraceLevel, "raw vector")

	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)
}

func TestFromSettings(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		want    zapcore.Level
		wantErr bool
	}{
		{name: "defaults", want: zapcore.InfoLevel},
		{name: "debug console", level: "debug", format: "console", want: zapcore.DebugLevel},
		{name: "bad level", level: "chatty", wantErr: true},
		{name: "bad format", format: "xml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := FromSettings(config.LoggingConfig{Level: tt.level, Format: tt.format})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Level)
			assert.Equal(t, "recalld", cfg.Fields["service"])
		})
	}
}

func TestRedactingEncoder(t *testing.T) {
	cfg := NewDefaultConfig().Redaction
	enc, err := newRedactingEncoder(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), cfg)
	require.NoError(t, err)

	var buf bytes.Buffer
	core := zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.DebugLevel)
	log := zap.New(core)
	log.Info("connecting",
		zap.String("api_key", "sk-123"),
		zap.String("header", "Bearer abc.def"),
		zap.String("collection", "journal_embeddings"),
		zap.String("content", "slept badly again"),
	)
	require.NoError(t, log.Sync())

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "[REDACTED]", out["api_key"])
	assert.Equal(t, "[REDACTED:pattern]", out["header"])
	assert.Equal(t, "journal_embeddings", out["collection"])
	assert.Equal(t, "[REDACTED]", out["content"])
}

func TestNewRedactingEncoder_RejectsBadPatterns(t *testing.T) {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())

	_, err := newRedactingEncoder(base, RedactionConfig{Enabled: true, Patterns: []string{"("}})
	assert.Error(t, err)

	long := make([]byte, maxPatternLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = newRedactingEncoder(base, RedactionConfig{Enabled: true, Patterns: []string{string(long)}})
	assert.Error(t, err)
}

func TestSampledCore_ErrorsAlwaysPass(t *testing.T) {
	tl := NewTestLogger()
	cfg := NewDefaultConfig().Sampling
	cfg.Initial = 1
	cfg.Thereafter = 1000
	sampled := zap.New(newSampledCore(tl.Underlying().Core(), cfg))

	for i := 0; i < 5; i++ {
		sampled.Info("repeated")
		sampled.Error("failure")
	}
	assert.Equal(t, 1, tl.FilterMessage("repeated").Len())
	assert.Equal(t, 5, tl.FilterMessage("failure").Len())
}

func TestSecretField(t *testing.T) {
	f := Secret("api_key", "abcd")
	assert.Equal(t, "[REDACTED:4]", f.String)
}

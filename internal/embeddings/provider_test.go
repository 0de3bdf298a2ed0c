package embeddings

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func newTestProvider(m Model, opts Options) *Provider {
	if opts.Dimension == 0 {
		opts.Dimension = m.Dimension()
	}
	return NewProvider(StaticLoader(m), opts)
}

func TestProvider_EmbedDimensionAndDeterminism(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(NewKeywordModel(8, "anxious", "happy"), Options{ModelName: "kw"})

	a, err := p.Embed(ctx, "I feel anxious today")
	require.NoError(t, err)
	b, err := p.Embed(ctx, "I feel anxious today")
	require.NoError(t, err)

	assert.Len(t, a, 8)
	assert.Equal(t, a, b)
	assert.Equal(t, 8, p.Dimension())
}

func TestProvider_EmbedEmpty(t *testing.T) {
	p := newTestProvider(NewKeywordModel(4), Options{})
	_, err := p.Embed(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestProvider_LazyLoadOnce(t *testing.T) {
	var loads atomic.Int32
	m := NewKeywordModel(4, "a")
	p := NewProvider(func(context.Context) (Model, error) {
		loads.Add(1)
		return m, nil
	}, Options{Dimension: 4})

	assert.False(t, p.Ready())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Embed(context.Background(), "a")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
	assert.True(t, p.Ready())
}

func TestProvider_LoadFailureIsSticky(t *testing.T) {
	var loads atomic.Int32
	boom := errors.New("onnx session failed")
	p := NewProvider(func(context.Context) (Model, error) {
		if loads.Add(1) == 1 {
			return nil, boom
		}
		return NewKeywordModel(4), nil
	}, Options{Dimension: 4})

	_, err := p.Embed(context.Background(), "text")
	require.ErrorIs(t, err, ErrModelUnavailable)
	assert.ErrorIs(t, err, boom)

	_, err = p.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Equal(t, int32(1), loads.Load(), "failure must not retry the load")

	require.NoError(t, p.Reload(context.Background()))
	_, err = p.Embed(context.Background(), "text")
	assert.NoError(t, err)
	assert.Equal(t, int32(2), loads.Load())
}

// gatedLoader blocks until release is closed or its ctx ends.
func gatedLoader(m Model, release <-chan struct{}, loads *atomic.Int32) Loader {
	return func(ctx context.Context) (Model, error) {
		loads.Add(1)
		select {
		case <-release:
			return m, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestProvider_CallerCancellationDoesNotPoisonLoad(t *testing.T) {
	var loads atomic.Int32
	release := make(chan struct{})
	p := NewProvider(gatedLoader(NewKeywordModel(4, "a"), release, &loads), Options{Dimension: 4})

	short, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := p.Embed(short, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrModelUnavailable)

	close(release)
	vec, err := p.Embed(context.Background(), "a")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
	assert.Equal(t, int32(1), loads.Load(), "the abandoned load is reused")
	assert.True(t, p.Ready())
}

func TestProvider_LoadTimeoutIsAFailure(t *testing.T) {
	var loads atomic.Int32
	p := NewProvider(gatedLoader(NewKeywordModel(4), make(chan struct{}), &loads),
		Options{Dimension: 4, LoadTimeout: 5 * time.Millisecond})

	_, err := p.Embed(context.Background(), "a")
	require.ErrorIs(t, err, ErrModelUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProvider_Health(t *testing.T) {
	t.Run("loading", func(t *testing.T) {
		var loads atomic.Int32
		release := make(chan struct{})
		p := NewProvider(gatedLoader(NewKeywordModel(4), release, &loads), Options{Dimension: 4})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		defer cancel()
		err := p.Health(ctx)
		assert.ErrorIs(t, err, ErrModelUnavailable)

		close(release)
		assert.NoError(t, p.Health(context.Background()))
		assert.Equal(t, int32(1), loads.Load())
	})

	t.Run("failed", func(t *testing.T) {
		p := NewProvider(func(context.Context) (Model, error) {
			return nil, errors.New("no weights")
		}, Options{})
		assert.ErrorIs(t, p.Health(context.Background()), ErrModelUnavailable)
	})

	t.Run("closed", func(t *testing.T) {
		p := newTestProvider(NewKeywordModel(4), Options{})
		require.NoError(t, p.Close())
		assert.ErrorIs(t, p.Health(context.Background()), ErrModelUnavailable)
	})
}

func TestProvider_DimensionMismatchFailsLoad(t *testing.T) {
	m := NewKeywordModel(16)
	p := NewProvider(StaticLoader(m), Options{Dimension: 384})

	err := p.Load(context.Background())
	require.ErrorIs(t, err, ErrModelUnavailable)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.True(t, m.Closed())
	assert.False(t, p.Ready())
}

func TestProvider_Truncation(t *testing.T) {
	rec := &recordingModel{KeywordModel: NewKeywordModel(4)}
	p := newTestProvider(rec, Options{MaxChars: 10})

	_, err := p.Embed(context.Background(), strings.Repeat("é", 25))
	require.NoError(t, err)
	require.Len(t, rec.seen, 1)
	assert.Equal(t, strings.Repeat("é", 10), rec.seen[0])
}

func TestProvider_EmbedBatchPreservesOrder(t *testing.T) {
	rec := &recordingModel{KeywordModel: NewKeywordModel(6, "one", "two", "three")}
	p := newTestProvider(rec, Options{BatchSize: 2})

	texts := []string{"one", "two", "three", "one two", "nothing"}
	vecs, err := p.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))

	for i, text := range texts {
		single, err := p.Embed(context.Background(), text)
		require.NoError(t, err)
		assert.Equal(t, single, vecs[i], text)
	}
	assert.Equal(t, 3+len(texts), rec.KeywordModel.Calls(), "batches of two plus singles")

	empty, err := p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestProvider_Similarity(t *testing.T) {
	p := newTestProvider(NewKeywordModel(8, "anxious", "calm"), Options{})
	ctx := context.Background()

	same, err := p.Similarity(ctx, "anxious", "so anxious")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, same, 1e-6)

	diff, err := p.Similarity(ctx, "anxious", "calm")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, diff, float32(0))
	assert.Less(t, diff, float32(0.1))
}

func TestProvider_EmbedFailureIsNotSticky(t *testing.T) {
	m := NewKeywordModel(4)
	m.FailNext(1, errors.New("busy"))
	p := newTestProvider(m, Options{})

	_, err := p.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrModelUnavailable)

	_, err = p.Embed(context.Background(), "x")
	assert.NoError(t, err)
}

func TestProvider_RecordsMetrics(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	metrics := NewMetricsWithMeter(mp.Meter(instrumentationName), zap.NewNop())

	m := NewKeywordModel(4)
	m.FailNext(1, errors.New("busy"))
	p := newTestProvider(m, Options{ModelName: "kw", Metrics: metrics})

	ctx := context.Background()
	_, _ = p.Embed(ctx, "x")
	_, _ = p.Embed(ctx, "x")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = true
			if md.Name == "recalld.embedding.errors_total" {
				sum, ok := md.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				assert.Equal(t, int64(1), total)
			}
		}
	}
	assert.True(t, found["recalld.embedding.duration_seconds"])
	assert.True(t, found["recalld.embedding.batch_size"])
	assert.True(t, found["recalld.embedding.errors_total"])
}

func TestNewLoader(t *testing.T) {
	for _, provider := range []string{"fastembed", "tei", "openai"} {
		_, err := NewLoader(config.EmbeddingsConfig{Provider: provider}, nil)
		assert.NoError(t, err, provider)
	}
	_, err := NewLoader(config.EmbeddingsConfig{Provider: "word2vec"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

type recordingModel struct {
	*KeywordModel
	mu   sync.Mutex
	seen []string
}

func (r *recordingModel) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	r.mu.Lock()
	r.seen = append(r.seen, texts...)
	r.mu.Unlock()
	return r.KeywordModel.EmbedDocuments(ctx, texts)
}

package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Options tunes a Provider.
type Options struct {
	// ModelName labels metrics and log lines.
	ModelName string
	// Dimension is the size the vector index expects. 0 skips the check.
	Dimension int
	// MaxChars is the per-text character budget. 0 disables truncation.
	MaxChars int
	// BatchSize bounds texts per backend call in EmbedBatch.
	BatchSize int
	// LoadTimeout bounds a model load. 0 means no limit.
	LoadTimeout time.Duration
	Logger      *zap.Logger
	Metrics     *Metrics
}

// Provider is the shared, lazily loaded embedding service.
type Provider struct {
	load    Loader
	opts    Options
	logger  *zap.Logger
	metrics *Metrics

	mu      sync.Mutex
	model   Model
	loadErr error
	loading chan struct{}
	closed  bool
}

// NewProvider wraps load. Nothing is loaded until first use.
func NewProvider(load Loader, opts Options) *Provider {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(opts.Logger)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	return &Provider{
		load:    load,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Load loads the model if it has not been loaded yet.
func (p *Provider) Load(ctx context.Context) error {
	_, err := p.acquire(ctx)
	return err
}

// Health reports a failed load, or a load still running when ctx ends.
// It starts the load when none has happened yet.
func (p *Provider) Health(ctx context.Context) error {
	_, err := p.acquire(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return fmt.Errorf("%w: model still loading", ErrModelUnavailable)
	}
	return err
}

// Ready reports whether a model is loaded.
func (p *Provider) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model != nil
}

// Reload waits for any running load, discards the current model and any
// sticky load error, then loads again.
func (p *Provider) Reload(ctx context.Context) error {
	p.mu.Lock()
	for p.loading != nil {
		done := p.loading
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		p.mu.Lock()
	}
	if p.model != nil {
		if err := p.model.Close(); err != nil {
			p.logger.Warn("closing embedding model", zap.Error(err))
		}
	}
	p.model = nil
	p.loadErr = nil
	p.mu.Unlock()
	return p.Load(ctx)
}

// Dimension returns the configured dimension, or the loaded model's when
// none was configured.
func (p *Provider) Dimension() int {
	if p.opts.Dimension > 0 {
		return p.opts.Dimension
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != nil {
		return p.model.Dimension()
	}
	return 0
}

// ModelName returns the configured model name.
func (p *Provider) ModelName() string {
	return p.opts.ModelName
}

// acquire returns the loaded model. The first caller starts the load on
// a context detached from its own; every caller waits for that load or
// for its own ctx, whichever ends first. Only a failure of the load itself
// is kept until Reload.
func (p *Provider) acquire(ctx context.Context) (Model, error) {
	p.mu.Lock()
	if m, err := p.model, p.loadErr; m != nil || err != nil {
		p.mu.Unlock()
		return m, err
	}
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: model was closed", ErrModelUnavailable)
	}
	done := p.loading
	if done == nil {
		done = make(chan struct{})
		p.loading = done
		go p.loadModel(context.WithoutCancel(ctx), done)
	}
	p.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.model != nil:
		return p.model, nil
	case p.loadErr != nil:
		return nil, p.loadErr
	default:
		return nil, fmt.Errorf("%w: model was closed", ErrModelUnavailable)
	}
}

func (p *Provider) loadModel(ctx context.Context, done chan struct{}) {
	defer close(done)

	if p.opts.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.LoadTimeout)
		defer cancel()
	}

	start := time.Now()
	m, err := p.load(ctx)
	if err == nil && p.opts.Dimension > 0 && m.Dimension() != p.opts.Dimension {
		err = fmt.Errorf("%w: model %q produces %d, index expects %d",
			ErrDimensionMismatch, p.opts.ModelName, m.Dimension(), p.opts.Dimension)
		_ = m.Close()
	}
	p.metrics.RecordGeneration(ctx, p.opts.ModelName, "load", time.Since(start), 0, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.loading = nil
	if err == nil && p.closed {
		_ = m.Close()
		return
	}
	if err != nil {
		p.loadErr = fmt.Errorf("%w: %w", ErrModelUnavailable, err)
		p.logger.Error("embedding model load failed",
			zap.String("model", p.opts.ModelName),
			zap.Error(err))
		return
	}
	p.logger.Info("embedding model loaded",
		zap.String("model", p.opts.ModelName),
		zap.Int("dimension", m.Dimension()),
		zap.Duration("took", time.Since(start)))
	p.model = m
}

// Embed returns the embedding of text after truncation.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	m, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	vecs, err := m.EmbedDocuments(ctx, []string{Truncate(text, p.opts.MaxChars)})
	if err == nil && len(vecs) != 1 {
		err = fmt.Errorf("%w: expected 1 vector, got %d", ErrEmbeddingFailed, len(vecs))
	}
	p.metrics.RecordGeneration(ctx, p.opts.ModelName, "embed", time.Since(start), 1, err)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in order, calling the backend at most BatchSize
// texts at a time.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	for i, t := range texts {
		if t == "" {
			return nil, fmt.Errorf("%w: text %d", ErrEmptyInput, i)
		}
	}
	m, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	out := make([][]float32, 0, len(texts))
	for lo := 0; lo < len(texts); lo += p.opts.BatchSize {
		hi := min(lo+p.opts.BatchSize, len(texts))
		chunk := make([]string, hi-lo)
		for i, t := range texts[lo:hi] {
			chunk[i] = Truncate(t, p.opts.MaxChars)
		}

		start := time.Now()
		vecs, err := m.EmbedDocuments(ctx, chunk)
		if err == nil && len(vecs) != len(chunk) {
			err = fmt.Errorf("%w: expected %d vectors, got %d", ErrEmbeddingFailed, len(chunk), len(vecs))
		}
		p.metrics.RecordGeneration(ctx, p.opts.ModelName, "embed_batch", time.Since(start), len(chunk), err)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// Similarity embeds both texts and returns their cosine similarity in
// [0, 1].
func (p *Provider) Similarity(ctx context.Context, a, b string) (float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{a, b})
	if err != nil {
		return 0, err
	}
	return Cosine(vecs[0], vecs[1]), nil
}

// Close releases the loaded model.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.model == nil {
		return nil
	}
	err := p.model.Close()
	p.model = nil
	return err
}

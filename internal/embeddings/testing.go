package embeddings

import (
	"context"
	"strings"
	"sync"
	"unicode"
)

// KeywordModel is a deterministic Model for tests. Each vocabulary word
// owns one axis; the last axis carries a small constant so no vector is
// zero. Texts sharing a vocabulary word score high, others near zero.
type KeywordModel struct {
	dim   int
	vocab map[string]int

	mu      sync.Mutex
	calls   int
	failN   int
	failErr error
	closed  bool
}

// NewKeywordModel returns a model of dimension dim. Words beyond dim-1
// are ignored.
func NewKeywordModel(dim int, vocab ...string) *KeywordModel {
	m := &KeywordModel{dim: dim, vocab: make(map[string]int)}
	for i, w := range vocab {
		if i >= dim-1 {
			break
		}
		m.vocab[strings.ToLower(w)] = i
	}
	return m
}

// FailNext makes the next n embedding calls return err.
func (m *KeywordModel) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failN = n
	m.failErr = err
}

// Calls returns the number of embedding calls made.
func (m *KeywordModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Closed reports whether Close was called.
func (m *KeywordModel) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *KeywordModel) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := m.call(ctx); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m.vector(t)
	}
	return out, nil
}

func (m *KeywordModel) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := m.call(ctx); err != nil {
		return nil, err
	}
	return m.vector(text), nil
}

func (m *KeywordModel) Dimension() int { return m.dim }

func (m *KeywordModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *KeywordModel) call(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failN > 0 {
		m.failN--
		return m.failErr
	}
	return nil
}

func (m *KeywordModel) vector(text string) []float32 {
	v := make([]float32, m.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if i, ok := m.vocab[w]; ok {
			v[i] = 1
		}
	}
	v[m.dim-1] = 0.1
	return v
}

// StaticLoader returns a Loader that always yields m.
func StaticLoader(m Model) Loader {
	return func(context.Context) (Model, error) { return m, nil }
}

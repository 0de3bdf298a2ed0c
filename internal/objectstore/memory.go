package objectstore

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store for tests and single-node development.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
	types   map[string]string
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		buckets: make(map[string]map[string][]byte),
		types:   make(map[string]string),
	}
}

func (m *Memory) EnsureBuckets(_ context.Context, buckets ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range buckets {
		if _, ok := m.buckets[b]; !ok && b != "" {
			m.buckets[b] = make(map[string][]byte)
		}
	}
	return nil
}

func (m *Memory) Put(_ context.Context, bucket, object string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, ok := m.buckets[bucket]
	if !ok {
		return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
	}
	objs[object] = data
	m.types[Ref(bucket, object)] = contentType
	return nil
}

func (m *Memory) Get(_ context.Context, bucket, object string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.buckets[bucket][object]
	if !ok {
		return nil, fmt.Errorf("%s: %w", Ref(bucket, object), ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// ContentType returns the content type an object was stored with.
func (m *Memory) ContentType(bucket, object string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.types[Ref(bucket, object)]
}

func (m *Memory) Delete(_ context.Context, bucket, object string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets[bucket], object)
	delete(m.types, Ref(bucket, object))
	return nil
}

func (m *Memory) List(_ context.Context, bucket, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	objs, ok := m.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
	}
	var keys []string
	for k := range objs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Health(context.Context) error { return nil }

package vectorstore

import (
	"context"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/recalld/internal/qdrant"
)

// fakeQdrant is an in-memory qdrant.Client.
type fakeQdrant struct {
	mu          sync.Mutex
	collections map[string]uint64
	points      map[string]*qdrant.Point
	healthErr   error
	upsertErr   error
	lastSearch  qdrant.SearchRequest
	deletes     int
}

func newFakeQdrant() *fakeQdrant {
	return &fakeQdrant{collections: map[string]uint64{}, points: map[string]*qdrant.Point{}}
}

func (f *fakeQdrant) CreateCollection(_ context.Context, name string, size uint64, _ qdrant.Distance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[name] = size
	return nil
}

func (f *fakeQdrant) DeleteCollection(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.collections, name)
	return nil
}

func (f *fakeQdrant) CollectionInfo(_ context.Context, name string) (*qdrant.CollectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size, ok := f.collections[name]
	if !ok {
		return nil, qdrant.ErrNotFound
	}
	return &qdrant.CollectionInfo{Name: name, VectorSize: size, Points: uint64(len(f.points))}, nil
}

func (f *fakeQdrant) ListCollections(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthErr != nil {
		return nil, f.healthErr
	}
	names := make([]string, 0, len(f.collections))
	for n := range f.collections {
		names = append(names, n)
	}
	return names, nil
}

func (f *fakeQdrant) Upsert(_ context.Context, _ string, points []*qdrant.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	for _, p := range points {
		f.points[p.ID] = p
	}
	return nil
}

func (f *fakeQdrant) Search(_ context.Context, _ string, req qdrant.SearchRequest) ([]*qdrant.ScoredPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSearch = req

	var out []*qdrant.ScoredPoint
	for _, p := range f.points {
		if !matches(p.Payload, req.Filter) {
			continue
		}
		var score float32
		for i := range p.Vector {
			score += p.Vector[i] * req.Vector[i]
		}
		if req.ScoreThreshold != nil && score < *req.ScoreThreshold {
			continue
		}
		out = append(out, &qdrant.ScoredPoint{Point: *p, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if uint64(len(out)) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

func matches(payload map[string]interface{}, f *qdrant.Filter) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Must {
		if payload[c.Field] != c.Match {
			return false
		}
	}
	return true
}

func (f *fakeQdrant) Get(_ context.Context, _ string, ids []string) ([]*qdrant.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*qdrant.Point
	for _, id := range ids {
		if p, ok := f.points[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeQdrant) Delete(_ context.Context, _ string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	for _, id := range ids {
		delete(f.points, id)
	}
	return nil
}

func (f *fakeQdrant) Health(context.Context) error { return f.healthErr }
func (f *fakeQdrant) Close() error                 { return nil }

var _ qdrant.Client = (*fakeQdrant)(nil)

package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/qdrant"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var qdrantTracer = otel.Tracer("recalld.vectorstore.qdrant")

// QdrantIndex implements Index over a Qdrant collection.
type QdrantIndex struct {
	client qdrant.Client
	logger *logging.Logger

	collection string
	dimension  int
}

// NewQdrantIndex wraps client. Point ids must be UUIDs.
func NewQdrantIndex(client qdrant.Client, logger *logging.Logger) *QdrantIndex {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &QdrantIndex{client: client, logger: logger}
}

// EnsureCollection implements Index.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, name string, dimension int, metric Metric) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.EnsureCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name), attribute.Int("dimension", dimension))

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, dimension)
	}

	names, err := q.client.ListCollections(ctx)
	if err != nil {
		return mapQdrantErr(err)
	}

	if !slices.Contains(names, name) {
		if err := q.client.CreateCollection(ctx, name, uint64(dimension), qdrant.Distance(metric)); err != nil {
			return mapQdrantErr(err)
		}
		q.logger.Info(ctx, "created qdrant collection",
			zap.String("collection", name),
			zap.Int("dimension", dimension),
			zap.String("metric", string(metric)))
	} else {
		info, err := q.client.CollectionInfo(ctx, name)
		if err != nil {
			return mapQdrantErr(err)
		}
		if int(info.VectorSize) != dimension {
			return fmt.Errorf("%w: collection %q has dimension %d, expected %d",
				ErrDimensionMismatch, name, info.VectorSize, dimension)
		}
	}

	q.collection = name
	q.dimension = dimension
	return nil
}

// Upsert implements Index.
func (q *QdrantIndex) Upsert(ctx context.Context, id string, vector []float32, payload map[string]interface{}) (string, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Upsert")
	defer span.End()

	if q.collection == "" {
		return "", ErrCollectionNotBound
	}
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("%w: %q is not a UUID", ErrInvalidPointID, id)
	}
	if err := checkVector(vector, q.dimension); err != nil {
		return "", err
	}
	if err := ValidatePayload(payload); err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("point_id", id))

	start := time.Now()
	err := q.client.Upsert(ctx, q.collection, []*qdrant.Point{{ID: id, Vector: vector, Payload: payload}})
	observe("qdrant", "upsert", start, err)
	if err != nil {
		return "", mapQdrantErr(err)
	}
	return id, nil
}

// Search implements Index.
func (q *QdrantIndex) Search(ctx context.Context, vector []float32, limit int, scoreThreshold float32, filter Filter) ([]Hit, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", limit))

	if q.collection == "" {
		return nil, ErrCollectionNotBound
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if err := checkVector(vector, q.dimension); err != nil {
		return nil, err
	}

	threshold := scoreThreshold
	req := qdrant.SearchRequest{
		Vector:         vector,
		Limit:          uint64(limit),
		ScoreThreshold: &threshold,
		Filter:         toQdrantFilter(filter),
	}

	start := time.Now()
	points, err := q.client.Search(ctx, q.collection, req)
	observe("qdrant", "search", start, err)
	if err != nil {
		return nil, mapQdrantErr(err)
	}

	hits := make([]Hit, len(points))
	for i, p := range points {
		hits[i] = Hit{ID: p.ID, Score: p.Score, Payload: p.Payload}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// Retrieve implements Index.
func (q *QdrantIndex) Retrieve(ctx context.Context, id string) (*Point, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Retrieve")
	defer span.End()

	if q.collection == "" {
		return nil, ErrCollectionNotBound
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	start := time.Now()
	points, err := q.client.Get(ctx, q.collection, []string{id})
	observe("qdrant", "retrieve", start, err)
	if err != nil {
		return nil, mapQdrantErr(err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	p := points[0]
	return &Point{ID: p.ID, Vector: p.Vector, Payload: p.Payload}, nil
}

// Delete implements Index. Qdrant ignores absent ids, so the point is
// looked up first.
func (q *QdrantIndex) Delete(ctx context.Context, id string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Delete")
	defer span.End()

	if _, err := q.Retrieve(ctx, id); err != nil {
		return err
	}

	start := time.Now()
	err := q.client.Delete(ctx, q.collection, []string{id})
	observe("qdrant", "delete", start, err)
	return mapQdrantErr(err)
}

// Health implements Index.
func (q *QdrantIndex) Health(ctx context.Context) error {
	return mapQdrantErr(q.client.Health(ctx))
}

// Close implements Index.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

func toQdrantFilter(f Filter) *qdrant.Filter {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := &qdrant.Filter{Must: make([]qdrant.Condition, 0, len(keys))}
	for _, k := range keys {
		out.Must = append(out.Must, qdrant.Condition{Field: k, Match: f[k]})
	}
	return out
}

func mapQdrantErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, qdrant.ErrUnavailable):
		return fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	case errors.Is(err, qdrant.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	default:
		return err
	}
}

var _ Index = (*QdrantIndex)(nil)

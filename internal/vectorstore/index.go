package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Sentinel errors for index operations.
var (
	// ErrIndexUnavailable marks connection failures. Callers may retry.
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// ErrNotFound is returned when a point does not exist.
	ErrNotFound = errors.New("point not found")

	// ErrDimensionMismatch is returned when an existing collection or a
	// vector has a different size than the index expects.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrInvalidPayload is returned when a required payload key is missing
	// or empty.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInvalidPointID is returned for ids the backend cannot store.
	ErrInvalidPointID = errors.New("invalid point id")

	// ErrCollectionNotBound is returned by point operations issued before
	// EnsureCollection.
	ErrCollectionNotBound = errors.New("no collection bound")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Required payload keys. Every point carries all three, non-empty.
const (
	KeyDocumentID   = "document_id"
	KeyUserID       = "user_id"
	KeyDocumentType = "document_type"
)

var requiredKeys = []string{KeyDocumentID, KeyUserID, KeyDocumentType}

// Metric is the similarity function of a collection.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricDot       Metric = "dot"
	MetricEuclidean Metric = "euclid"
)

// Filter is a conjunction of exact keyword matches on payload keys.
type Filter map[string]string

// Point is a stored vector with its payload.
type Point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// Hit is one search result.
type Hit struct {
	ID      string                 `json:"id"`
	Score   float32                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// Index is a single vector collection.
//
// EnsureCollection binds the index to a collection and must be called
// before any point operation. Search results are sorted by descending
// score and the filter is applied inside the backend, so limit counts only
// matching points.
type Index interface {
	// EnsureCollection creates name if absent and binds the index to it.
	// An existing collection of another dimension fails with
	// ErrDimensionMismatch.
	EnsureCollection(ctx context.Context, name string, dimension int, metric Metric) error

	// Upsert writes a point, overwriting any point with the same id. An
	// empty id is replaced by a generated UUID. Returns the stored id.
	Upsert(ctx context.Context, id string, vector []float32, payload map[string]interface{}) (string, error)

	// Search returns up to limit points scoring at least scoreThreshold.
	Search(ctx context.Context, vector []float32, limit int, scoreThreshold float32, filter Filter) ([]Hit, error)

	// Retrieve returns the stored point or ErrNotFound.
	Retrieve(ctx context.Context, id string) (*Point, error)

	// Delete removes a point. Absent points fail with ErrNotFound.
	Delete(ctx context.Context, id string) error

	Health(ctx context.Context) error
	Close() error
}

// ValidatePayload checks the required keys.
func ValidatePayload(payload map[string]interface{}) error {
	for _, k := range requiredKeys {
		v, ok := payload[k]
		if !ok || v == nil {
			return fmt.Errorf("%w: missing %q", ErrInvalidPayload, k)
		}
		if s, isString := v.(string); !isString || s == "" {
			return fmt.Errorf("%w: %q must be a non-empty string", ErrInvalidPayload, k)
		}
	}
	return nil
}

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName accepts lowercase alphanumerics and underscores.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidConfig, name)
	}
	return nil
}

func checkVector(vector []float32, dimension int) error {
	if len(vector) != dimension {
		return fmt.Errorf("%w: got %d, collection has %d", ErrDimensionMismatch, len(vector), dimension)
	}
	return nil
}

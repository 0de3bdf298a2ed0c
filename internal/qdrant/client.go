// Package qdrant wraps the official Qdrant gRPC client with retries,
// timeouts and plain Go point types.
package qdrant

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable marks transport failures: dial errors and the
	// transient gRPC codes, after retries are spent.
	ErrUnavailable = errors.New("qdrant unavailable")

	// ErrNotFound marks a missing collection.
	ErrNotFound = errors.New("qdrant: not found")
)

// Client is the subset of Qdrant recalld uses.
type Client interface {
	CreateCollection(ctx context.Context, name string, vectorSize uint64, distance Distance) error
	DeleteCollection(ctx context.Context, name string) error
	// CollectionInfo returns the vector size of an existing collection,
	// or ErrNotFound.
	CollectionInfo(ctx context.Context, name string) (*CollectionInfo, error)
	ListCollections(ctx context.Context) ([]string, error)

	Upsert(ctx context.Context, collection string, points []*Point) error
	Search(ctx context.Context, collection string, req SearchRequest) ([]*ScoredPoint, error)
	// Get returns only the points that exist, with vectors and payload.
	Get(ctx context.Context, collection string, ids []string) ([]*Point, error)
	Delete(ctx context.Context, collection string, ids []string) error

	Health(ctx context.Context) error
	Close() error
}

// Distance is a collection similarity metric.
type Distance string

const (
	DistanceCosine    Distance = "cosine"
	DistanceDot       Distance = "dot"
	DistanceEuclidean Distance = "euclid"
)

// CollectionInfo describes an existing collection.
type CollectionInfo struct {
	Name       string
	VectorSize uint64
	Points     uint64
}

// Point is a vector with payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]interface{}
}

// ScoredPoint is a search hit.
type ScoredPoint struct {
	Point
	Score float32
}

// SearchRequest is a nearest-neighbour query.
type SearchRequest struct {
	Vector []float32
	Limit  uint64
	// ScoreThreshold drops hits scoring below it. Nil disables it.
	ScoreThreshold *float32
	Filter         *Filter
}

// Filter is evaluated server-side, before the limit applies.
type Filter struct {
	Must    []Condition
	MustNot []Condition
}

// Condition matches a payload field exactly or by range.
type Condition struct {
	Field string
	Match interface{}
	Range *RangeCondition
}

// RangeCondition bounds a numeric payload field.
type RangeCondition struct {
	Gte *float64
	Lte *float64
	Gt  *float64
	Lt  *float64
}

package embeddings

import "errors"

var (
	// ErrModelUnavailable is returned while the backend model cannot be
	// loaded. It wraps the load failure.
	ErrModelUnavailable = errors.New("embedding model unavailable")

	// ErrEmptyInput indicates empty or nil input text.
	ErrEmptyInput = errors.New("empty input text")

	// ErrInvalidConfig indicates invalid backend configuration.
	ErrInvalidConfig = errors.New("invalid embeddings configuration")

	// ErrEmbeddingFailed indicates the backend rejected a request.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrDimensionMismatch indicates the model produces vectors of a
	// different size than the index expects.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrFastEmbedNotAvailable is returned by binaries built without cgo.
	ErrFastEmbedNotAvailable = errors.New("fastembed: not available (binary built without cgo, use the tei or openai provider)")
)

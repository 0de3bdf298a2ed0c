// Package embeddings turns text into vectors.
//
// Provider is the single embedding entry point shared by ingestion and
// search. It truncates input to the configured character budget, lazily
// loads one backend Model per process, and checks the model dimension
// against the configured index dimension. A failed load is sticky until
// Reload.
//
// Backends: FastEmbed (local ONNX, cgo builds only), TEI (HuggingFace
// Text-Embeddings-Inference over HTTP) and any OpenAI-compatible
// embeddings endpoint.
package embeddings

// Package vectorstore stores document embeddings in a single vector
// collection and answers filtered nearest-neighbour queries.
//
// Two backends implement Index:
//
//   - QdrantIndex talks to a Qdrant server over gRPC (see internal/qdrant).
//     Point ids must be UUIDs.
//   - ChromemIndex embeds chromem-go and persists to a local directory.
//     Only cosine similarity is supported.
//
// Both validate the payload before writing: document_id, user_id and
// document_type are required.
//
// Connection failures are reported as ErrIndexUnavailable and absent
// points as ErrNotFound; the two are never conflated.
package vectorstore

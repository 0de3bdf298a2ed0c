// Package services wires recalld's components.
//
// Open builds every service from configuration once at startup: the
// registry database, source store, object store, vector index, embedding
// provider, pipeline runner (local or Temporal), event publisher, task
// tracker and scheduler. Handlers and commands receive the resulting
// Registry and never construct services themselves.
package services

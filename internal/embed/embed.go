// Package embed turns entity text into vectors. It holds the embedding
// model clients (ollama, openai-compatible), a circuit breaker around their
// HTTP calls, and the content-hash cache that makes re-embedding unchanged
// text free.
package embed

import (
	"context"
	"errors"
)

// ErrEmbedding wraps model inference failures for one text. During a batch
// refresh these are counted per entity, never raised for the whole batch.
var ErrEmbedding = errors.New("embed: embedding failed")

// Generator is the interface to an embedding model. Implementations return
// float32 (the wire format of every supported model); the cache converts to
// float64 for storage.
type Generator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

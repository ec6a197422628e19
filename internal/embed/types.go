// Package embed turns query and chunk text into vectors.
//
// Case chunks are embedded in batches by the vector index builder; a search
// embeds its normalized query once. Both sides must use the same Embedder
// (model and dimensions) or the HNSW graph rejects the query vector.
package embed

import (
	"context"
	"math"
	"time"
)

const (
	// MaxBatchSize bounds the chunks sent in one EmbedBatch call.
	MaxBatchSize = 256
	// DefaultBatchSize is the build-time batch when embeddings.batch_size is unset.
	DefaultBatchSize = 32

	// DefaultTimeout and DefaultMaxRetries apply to one Ollama request.
	DefaultTimeout    = 60 * time.Second
	DefaultMaxRetries = 3

	// StaticDimensions is the static embedder's vector width.
	StaticDimensions = 256
)

// Embedder maps legal text to unit-length vectors.
type Embedder interface {
	// Embed returns the vector for a single text, usually a search query.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per chunk text, in input order. A
	// returned error fails the whole batch; the builder records every chunk
	// in it as failed and keeps going.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the vector width; 0 means unknown until the first call.
	Dimensions() int
	// ModelName is stored with each build so a model switch can be detected.
	ModelName() string
	// Available reports whether the backend can serve requests now. Builds
	// refuse to start when it is false and there is work pending.
	Available(ctx context.Context) bool
	Close() error
}

// normalizeVector scales v to unit length so cosine similarity in the graph
// reduces to a dot product. Zero vectors are returned unchanged.
func normalizeVector(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}

	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

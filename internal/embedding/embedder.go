// Package embedding maps text to fixed-length vectors.
package embedding

import "context"

// Embedder produces vector embeddings for text. Repeated calls on the same text must be
// stable enough for caching.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

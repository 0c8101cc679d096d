// Package vector provides an in-memory vector index used by embedded retrieval stores.
package vector

import "context"

// Index defines vector storage and similarity search keyed by document id.
type Index interface {
	// Upsert stores vec under id, replacing any previous vector for id.
	Upsert(ctx context.Context, id string, vec []float32) error
	// Search returns up to k hits ordered by descending cosine similarity.
	Search(ctx context.Context, query []float32, k int) ([]Result, error)
	Remove(ctx context.Context, ids ...string) error
	Reset()
	Size() int
}

// Result is a single vector search hit.
type Result struct {
	ID    string
	Score float64 // cosine similarity in [-1, 1]
}

// Distance returns the cosine distance (1 - similarity) of the hit.
func (r Result) Distance() float64 {
	return 1 - r.Score
}

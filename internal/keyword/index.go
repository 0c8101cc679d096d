// Package keyword provides full-text (BM25-style) indexing used by the hybrid embedded store.
package keyword

import "context"

// Index defines keyword search operations over document content.
type Index interface {
	Index(ctx context.Context, id, content string) error
	Search(ctx context.Context, query string, limit int) ([]Result, error)
	Delete(ctx context.Context, id string) error
	DocCount() (uint64, error)
	Close() error
}

// Result is a single keyword search hit.
type Result struct {
	ID    string
	Score float64
}

// Package ragstore stores text passages with their embeddings and retrieves them by query or by
// exact attribute match. Postgres, SQLite, chromem-go, Azure AI Search, MongoDB and SQL Server
// backends implement the same Store interface.
package ragstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/hyperjump/ragwire/internal/errs"
)

const (
	// DefaultNumberItems is the number of items returned by QueryText and Get.
	DefaultNumberItems = 5
	// DefaultMaxDistance is the largest cosine distance a vector candidate may have.
	DefaultMaxDistance = 0.8
	// DefaultTable is the table (or collection) name used by the embedded and SQL backends.
	DefaultTable = "rag_data"
)

// Item is a retrieved passage. Attributes always carries "id".
type Item struct {
	Content    string         `json:"content"`
	RankScore  float64        `json:"rank_score"`
	Attributes map[string]any `json:"attributes"`
}

// ID returns the stored document id of the item.
func (i Item) ID() string {
	if i.Attributes == nil {
		return ""
	}
	return idString(i.Attributes["id"])
}

// Store is a retrieval backend.
type Store interface {
	// SaveText embeds content and upserts it under the id derived from attributes.
	SaveText(ctx context.Context, content string, attributes map[string]any) error
	// QueryText returns at most NumberItems items, best first.
	QueryText(ctx context.Context, query string) ([]Item, error)
	// Get returns items whose attributes equal every given attribute, with RankScore 0.
	Get(ctx context.Context, attributes map[string]any) ([]Item, error)
	Close() error
}

// Resetter is implemented by stores that can drop and recreate their state.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Options bound the result set of a store.
type Options struct {
	NumberItems int
	MaxDistance float64
}

// WithDefaults fills zero fields with DefaultNumberItems and DefaultMaxDistance.
func (o Options) WithDefaults() Options {
	if o.NumberItems <= 0 {
		o.NumberItems = DefaultNumberItems
	}
	if o.MaxDistance <= 0 {
		o.MaxDistance = DefaultMaxDistance
	}
	return o
}

// lifecycle lets Close wait for in-flight calls and rejects calls made after it.
type lifecycle struct {
	mu     sync.RWMutex
	closed bool
}

// enter returns the release func for one call, or ErrClosed.
func (l *lifecycle) enter() (func(), error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil, errs.ErrClosed
	}
	return l.mu.RUnlock, nil
}

// close runs release once, after every in-flight call has returned.
func (l *lifecycle) close(release func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if release == nil {
		return nil
	}
	return release()
}

func embedError(backend string, err error) error {
	return fmt.Errorf("%s: embed: %w", backend, err)
}

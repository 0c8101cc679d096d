// Package indexer loads sources, splits them into chunks and saves the chunks into a retrieval
// store.
package indexer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/ragwire/internal/errs"
	"github.com/hyperjump/ragwire/internal/fileid"
	"github.com/hyperjump/ragwire/internal/ragstore"
	"github.com/hyperjump/ragwire/pkg/utils"
)

// Attribute keys the pipeline reads or writes.
const (
	AttrID     = "id"
	AttrURL    = "url"
	AttrSource = "source"
	AttrChunk  = "chunk"
)

// Document is a unit of text with its attributes, as produced by a Loader and as saved per chunk.
type Document struct {
	Content    string
	Attributes map[string]any
}

// Loader turns a source (path, URL, ...) into documents.
type Loader interface {
	Load(ctx context.Context, source string) ([]Document, error)
}

// Chunker splits content into the passages that are embedded and stored.
type Chunker interface {
	Split(content string) []string
}

// Hook transforms a document. Returning false drops it.
type Hook func(Document) (Document, bool)

// Stats counts what an indexing run did.
type Stats struct {
	Sources   int `json:"sources"`
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
	Skipped   int `json:"skipped"`
	// Failed counts feed articles that could not be indexed.
	Failed int `json:"failed,omitempty"`
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.Sources += other.Sources
	s.Documents += other.Documents
	s.Chunks += other.Chunks
	s.Skipped += other.Skipped
	s.Failed += other.Failed
}

// Pipeline indexes sources into a store: load, pre-chunk hooks, split, post-chunk hooks, save.
type Pipeline struct {
	loader  Loader
	chunker Chunker
	store   ragstore.Store
	pre     []Hook
	post    []Hook
	skipKey string
	logger  *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPreChunk adds hooks that run on loaded documents before splitting.
func WithPreChunk(hooks ...Hook) Option {
	return func(p *Pipeline) { p.pre = append(p.pre, hooks...) }
}

// WithPostChunk adds hooks that run on every chunk before it is saved.
func WithPostChunk(hooks ...Hook) Option {
	return func(p *Pipeline) { p.post = append(p.post, hooks...) }
}

// WithSkipExisting skips a source when the store already holds a document whose key attribute
// equals the source.
func WithSkipExisting(key string) Option {
	return func(p *Pipeline) { p.skipKey = key }
}

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline returns a pipeline. chunker may be nil, in which case documents are saved whole.
func NewPipeline(loader Loader, chunker Chunker, store ragstore.Store, opts ...Option) (*Pipeline, error) {
	if loader == nil || store == nil {
		return nil, fmt.Errorf("%w: pipeline needs a loader and a store", errs.ErrInvalidArgument)
	}
	p := &Pipeline{loader: loader, chunker: chunker, store: store}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = utils.OrNop(p.logger)
	return p, nil
}

// Index indexes one source. Chunks are saved in order, one at a time; the first failure stops
// the run and the returned stats count what was saved before it.
func (p *Pipeline) Index(ctx context.Context, source string) (Stats, error) {
	return p.index(ctx, source, nil)
}

// IndexFeed indexes every article linked from feedURL as a source of its own, so skip checks
// and chunk ids apply per article. Articles carry AttrFeed. A failing article does not stop the
// others; their errors are joined.
func (p *Pipeline) IndexFeed(ctx context.Context, feeds *FeedReader, feedURL string) (Stats, error) {
	links, err := feeds.Links(ctx, feedURL)
	if err != nil {
		return Stats{}, err
	}
	var (
		total  Stats
		failed []error
	)
	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		stats, err := p.index(ctx, link, map[string]any{AttrFeed: feedURL})
		total.Add(stats)
		if err != nil {
			total.Failed++
			p.logger.Warn("indexer feed article failed", zap.String("feed", feedURL), zap.String("url", link), zap.Error(err))
			failed = append(failed, err)
		}
	}
	p.logger.Debug("indexer feed indexed",
		zap.String("feed", feedURL),
		zap.Int("articles", len(links)),
		zap.Int("failed", len(failed)))
	return total, errors.Join(failed...)
}

func (p *Pipeline) index(ctx context.Context, source string, extra map[string]any) (Stats, error) {
	stats := Stats{Sources: 1}
	if p.skipKey != "" {
		existing, err := p.store.Get(ctx, map[string]any{p.skipKey: source})
		if err != nil {
			return stats, fmt.Errorf("check existing %s: %w", source, err)
		}
		if len(existing) > 0 {
			p.logger.Debug("indexer skipping indexed source", zap.String("source", source), zap.String("key", p.skipKey))
			stats.Skipped++
			return stats, nil
		}
	}

	docs, err := p.loader.Load(ctx, source)
	if err != nil {
		return stats, fmt.Errorf("load %s: %w", source, err)
	}
	for _, doc := range docs {
		if len(extra) > 0 {
			attrs := make(map[string]any, len(doc.Attributes)+len(extra))
			for k, v := range doc.Attributes {
				attrs[k] = v
			}
			for k, v := range extra {
				attrs[k] = v
			}
			doc.Attributes = attrs
		}
		doc, ok := applyHooks(doc, p.pre)
		if !ok {
			continue
		}
		stats.Documents++
		for _, chunk := range p.chunks(doc) {
			chunk, ok := applyHooks(chunk, p.post)
			if !ok {
				continue
			}
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			if err := p.store.SaveText(ctx, chunk.Content, chunk.Attributes); err != nil {
				return stats, fmt.Errorf("save chunk %v of %s: %w", chunk.Attributes[AttrChunk], source, err)
			}
			stats.Chunks++
		}
	}
	p.logger.Debug("indexer source indexed",
		zap.String("source", source),
		zap.Int("documents", stats.Documents),
		zap.Int("chunks", stats.Chunks))
	return stats, nil
}

// IndexAll indexes sources in order and stops at the first error.
func (p *Pipeline) IndexAll(ctx context.Context, sources []string) (Stats, error) {
	var total Stats
	for _, source := range sources {
		stats, err := p.Index(ctx, source)
		total.Add(stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// chunks splits doc and gives every chunk a copy of the parent attributes plus its index. When
// the document names its origin, chunk ids are derived from it so re-indexing overwrites.
func (p *Pipeline) chunks(doc Document) []Document {
	parts := []string{doc.Content}
	if p.chunker != nil {
		parts = p.chunker.Split(doc.Content)
	}
	origin := chunkOrigin(doc.Attributes)
	out := make([]Document, 0, len(parts))
	for i, part := range parts {
		attrs := make(map[string]any, len(doc.Attributes)+2)
		for k, v := range doc.Attributes {
			attrs[k] = v
		}
		attrs[AttrChunk] = i
		if origin != "" {
			attrs[AttrID] = fileid.ChunkID(origin, i)
		}
		out = append(out, Document{Content: part, Attributes: attrs})
	}
	return out
}

func chunkOrigin(attributes map[string]any) string {
	for _, key := range []string{AttrURL, AttrSource, AttrID} {
		if v, ok := attributes[key]; ok && v != nil {
			if s := fmt.Sprint(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func applyHooks(doc Document, hooks []Hook) (Document, bool) {
	for _, h := range hooks {
		var ok bool
		if doc, ok = h(doc); !ok {
			return doc, false
		}
	}
	return doc, true
}

// Store returns the store the pipeline writes to.
func (p *Pipeline) Store() ragstore.Store {
	return p.store
}

// Close closes the store the pipeline writes to.
func (p *Pipeline) Close() error {
	return p.store.Close()
}

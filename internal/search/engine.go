package search

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/ragwire/internal/ragstore"
	"github.com/hyperjump/ragwire/pkg/utils"
)

// DefaultParallelism bounds the number of queries sent to a store at once.
const DefaultParallelism = 4

// Engine runs query batches against a store and fuses the answers.
type Engine struct {
	rrfK        int
	parallelism int
	logger      *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRRFConstant sets the k used by Fuse.
func WithRRFConstant(k int) Option {
	return func(e *Engine) {
		if k > 0 {
			e.rrfK = k
		}
	}
}

// WithParallelism sets how many queries run concurrently.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = utils.OrNop(l)
	}
}

// NewEngine returns an engine with the default RRF constant and parallelism.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		rrfK:        DefaultRRFConstant,
		parallelism: DefaultParallelism,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MultiQuery runs every query against store concurrently. The results keep the order of
// queries. The first failing query cancels the rest and its error is returned.
func (e *Engine) MultiQuery(ctx context.Context, store ragstore.Store, queries []string) ([]QueryResult, error) {
	results := make([]QueryResult, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			items, err := store.QueryText(gctx, q)
			if err != nil {
				return fmt.Errorf("query %q: %w", q, err)
			}
			results[i] = QueryResult{Query: q, Items: items}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Search runs MultiQuery and fuses the per-query lists.
func (e *Engine) Search(ctx context.Context, store ragstore.Store, queries []string) ([]ragstore.Item, error) {
	start := time.Now()
	results, err := e.MultiQuery(ctx, store, queries)
	if err != nil {
		return nil, err
	}
	fused := Fuse(results, e.rrfK)
	e.logger.Debug("multi query search complete",
		zap.Int("queries", len(queries)),
		zap.Int("results", len(fused)),
		zap.Duration("duration", time.Since(start)))
	return fused, nil
}

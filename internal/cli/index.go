package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/ragwire/internal/components"
	"github.com/hyperjump/ragwire/internal/indexer"
)

// pipelineOptions are the flags shared by index and watch.
type pipelineOptions struct {
	pipeline     string
	maxChars     int
	extensions   []string
	skipExisting bool
	feed         bool
}

func (o *pipelineOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.pipeline, "pipeline", "", "use the named indexer descriptor instead of building one")
	cmd.Flags().IntVar(&o.maxChars, "max-chars", 0, "maximum characters per chunk (default from config)")
	cmd.Flags().StringSliceVar(&o.extensions, "ext", nil, "file extensions to load (default from config)")
	cmd.Flags().BoolVar(&o.skipExisting, "skip-existing", false, "skip sources already in the store (matched on indexer.skip_existing_key)")
}

func (o *pipelineOptions) registerFeed(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.feed, "feed", false, "treat every source as an RSS, Atom or JSON feed and index the articles it links to")
}

// buildPipeline returns the --pipeline descriptor, or a pipeline writing into storeName made
// from the indexer config and the flags.
func (a *app) buildPipeline(ctx context.Context, storeName string, o pipelineOptions, extensions []string) (*indexer.Pipeline, error) {
	if o.pipeline != "" {
		f, err := a.factory(ctx)
		if err != nil {
			return nil, err
		}
		p, err := components.OpenPipeline(ctx, f, o.pipeline)
		if err != nil {
			return nil, describe(err)
		}
		return p, nil
	}

	store, err := a.openStore(ctx, storeName)
	if err != nil {
		return nil, err
	}
	maxChars := o.maxChars
	if maxChars <= 0 {
		maxChars = a.cfg.Indexer.MaxChars
	}
	chunker, err := indexer.NewSentenceChunker(maxChars)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if len(o.extensions) > 0 {
		extensions = o.extensions
	}
	loader := indexer.NewAutoLoader(
		indexer.NewHTTPLoader(nil, a.logger),
		indexer.NewFileLoader(indexer.WithExtensions(extensions...), indexer.WithFileLogger(a.logger)),
	)
	opts := []indexer.Option{
		indexer.WithLogger(a.logger),
		indexer.WithPreChunk(indexer.NormalizeWhitespace),
	}
	if o.skipExisting {
		key := a.cfg.Indexer.SkipExistingKey
		if key == "" {
			key = indexer.AttrURL
		}
		opts = append(opts, indexer.WithSkipExisting(key))
	}
	p, err := indexer.NewPipeline(loader, chunker, store, opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return p, nil
}

// resolveSources makes file sources absolute so that attributes and skip checks agree between
// runs started from different directories.
func resolveSources(sources []string) ([]string, error) {
	out := make([]string, len(sources))
	for i, s := range sources {
		if indexer.IsURL(s) {
			out[i] = s
			continue
		}
		abs, err := filepath.Abs(s)
		if err != nil {
			return nil, err
		}
		out[i] = abs
	}
	return out, nil
}

func newIndexCmd(a *app) *cobra.Command {
	var opts pipelineOptions

	cmd := &cobra.Command{
		Use:   "index <store> <source>...",
		Short: "Index files, directories or URLs into a store",
		Long: `Load every source, split it into sentence-packed chunks and save the chunks into the
store. Chunk ids are derived from the source, so indexing a source again overwrites its chunks.

With --feed every source is a feed URL; each article it links to is indexed as its own source,
so --skip-existing skips articles already in the store.

With --pipeline the named indexer descriptor is used and every argument is a source.`,
		Example: `  ragwire index docs ./handbook https://example.com/changelog.html
  ragwire index news --feed --skip-existing https://feeds.example.com/world.xml
  ragwire index --pipeline news https://example.com/feed/item-1`,
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.pipeline != "" {
				return cobra.MinimumNArgs(1)(cmd, args)
			}
			return cobra.MinimumNArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			storeName, sources := "", args
			if opts.pipeline == "" {
				storeName, sources = args[0], args[1:]
			}
			return runIndex(cmd, a, storeName, sources, opts)
		},
	}
	opts.register(cmd)
	opts.registerFeed(cmd)
	return cmd
}

func runIndex(cmd *cobra.Command, a *app, storeName string, sources []string, opts pipelineOptions) error {
	ctx := cmd.Context()
	sources, err := resolveSources(sources)
	if err != nil {
		return err
	}
	p, err := a.buildPipeline(ctx, storeName, opts, a.cfg.Indexer.Extensions)
	if err != nil {
		return err
	}
	defer p.Close()

	var feeds *indexer.FeedReader
	if opts.feed {
		feeds = indexer.NewFeedReader(nil, a.logger)
	}

	var total indexer.Stats
	var failed int
	for _, source := range sources {
		var stats indexer.Stats
		if feeds != nil {
			stats, err = p.IndexFeed(ctx, feeds, source)
		} else {
			stats, err = p.Index(ctx, source)
		}
		total.Add(stats)
		if err != nil {
			failed++
			a.logger.Error("index source failed", zap.String("source", source), zap.Error(err))
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", source, err)
			continue
		}
		a.logger.Info("indexed source", zap.String("source", source), zap.Int("chunks", stats.Chunks))
	}
	// feed stats count articles, so only their failed articles are subtracted
	indexed := total.Sources - total.Failed
	if feeds == nil {
		indexed -= failed
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d sources: %d documents, %d chunks, %d skipped\n",
		indexed, total.Documents, total.Chunks, total.Skipped)
	if failed > 0 {
		return fmt.Errorf("%d of %d sources failed", failed, len(sources))
	}
	return nil
}

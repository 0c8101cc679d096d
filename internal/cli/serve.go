package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/ragwire/internal/indexer"
	"github.com/hyperjump/ragwire/internal/search"
	"github.com/hyperjump/ragwire/internal/server"
	"github.com/hyperjump/ragwire/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the descriptor and store API. When watch.store and watch.directories are
configured, changed files in those directories are indexed into that store while the server
runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if host != "" {
				a.cfg.Server.Host = host
			}
			if port > 0 {
				a.cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, a)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default from config)")
	return cmd
}

func runServe(ctx context.Context, a *app) error {
	f, err := a.factory(ctx)
	if err != nil {
		return err
	}

	engine := search.NewEngine(
		search.WithRRFConstant(a.cfg.Search.RRFK),
		search.WithParallelism(a.cfg.Search.Parallelism),
		search.WithLogger(a.logger),
	)
	srv := server.NewServer(f, engine, &a.cfg.Server, a.logger)

	var w *watcher.Watcher
	if a.cfg.Watch.Store != "" && len(a.cfg.Watch.Directories) > 0 {
		var p *indexer.Pipeline
		w, p, err = a.startWatcher(ctx, a.cfg.Watch.Store, a.cfg.Watch.Directories, pipelineOptions{})
		if err != nil {
			return err
		}
		// Embedded backends lock their files, so the API shares the watcher's store.
		srv.AddStore(a.cfg.Watch.Store, p.Store())
	}
	shutdown := func() error {
		if w != nil {
			w.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Stop(shutdownCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		_ = shutdown()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down...")
	if err := shutdown(); err != nil {
		a.logger.Warn("server shutdown failed", zap.Error(err))
	}
	return nil
}

// startWatcher builds the pipeline for storeName and starts watching dirs. Files already in
// the directories are indexed first.
func (a *app) startWatcher(ctx context.Context, storeName string, dirs []string, opts pipelineOptions) (*watcher.Watcher, *indexer.Pipeline, error) {
	p, err := a.buildPipeline(ctx, storeName, opts, a.cfg.Watch.Extensions)
	if err != nil {
		return nil, nil, err
	}
	extensions := a.cfg.Watch.Extensions
	if len(opts.extensions) > 0 {
		extensions = opts.extensions
	}
	w := watcher.New(p,
		watcher.WithDirectories(dirs...),
		watcher.WithExtensions(extensions...),
		watcher.WithRecursive(a.cfg.Watch.RecursiveOrDefault()),
		watcher.WithDebounce(time.Duration(a.cfg.Watch.DebounceMS)*time.Millisecond),
		watcher.WithLogger(a.logger),
	)
	if err := w.Start(ctx); err != nil {
		_ = p.Close()
		return nil, nil, err
	}
	w.SyncExisting()
	a.logger.Info("watching directories",
		zap.String("store", storeName),
		zap.Strings("directories", w.Directories()))
	return w, p, nil
}

package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newWatchCmd(a *app) *cobra.Command {
	var opts pipelineOptions
	var dirs []string

	cmd := &cobra.Command{
		Use:   "watch <store>",
		Short: "Index files as they change",
		Long: `Index every file in the watched directories, then keep indexing files as they are
created or written until interrupted. Directories come from --dir or watch.directories.
Removing a file does not remove its chunks.`,
		Example: `  ragwire watch docs --dir ./handbook --dir ./notes`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(dirs) == 0 {
				dirs = a.cfg.Watch.Directories
			}
			if len(dirs) == 0 {
				return fmt.Errorf("no directories to watch: pass --dir or set watch.directories")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w, p, err := a.startWatcher(ctx, args[0], dirs, opts)
			if err != nil {
				return err
			}
			defer p.Close()

			<-ctx.Done()
			w.Stop()
			stats, failures := w.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d files: %d chunks, %d failed\n",
				stats.Sources, stats.Chunks, failures)
			return nil
		},
	}
	opts.register(cmd)
	cmd.Flags().StringSliceVar(&dirs, "dir", nil, "directory to watch (repeatable)")
	return cmd
}

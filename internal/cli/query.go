package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hyperjump/ragwire/internal/errs"
	"github.com/hyperjump/ragwire/internal/ragstore"
	"github.com/hyperjump/ragwire/internal/search"
)

func newQueryCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "query <store> <query>...",
		Short: "Run one or more queries and fuse the results",
		Long: `Run every query against the store concurrently and fuse the per-query lists with
reciprocal rank fusion. Each argument is one query; quote multi-word queries.`,
		Example: `  ragwire query news "interest rates" "central bank decision"
  ragwire query news --format rag "football results"`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := ParseOutputFormat(format)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := a.openStore(ctx, args[0])
			if err != nil {
				return err
			}
			defer store.Close()

			engine := search.NewEngine(
				search.WithRRFConstant(a.cfg.Search.RRFK),
				search.WithParallelism(a.cfg.Search.Parallelism),
				search.WithLogger(a.logger),
			)
			items, err := engine.Search(ctx, store, args[1:])
			if err != nil {
				return err
			}
			return WriteItems(cmd.OutOrStdout(), items, out)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", string(OutputText), "output format: text, json or rag")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	var format string
	var typed bool

	cmd := &cobra.Command{
		Use:   "get <store> <key=value>...",
		Short: "List documents whose attributes match exactly",
		Long: `List the documents whose attributes equal every key=value pair. Values are strings
unless --typed is given, in which case numbers, booleans and [lists] are parsed as YAML.`,
		Example: `  ragwire get news url=https://example.com/a
  ragwire get news --typed year=2024 published=true`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := ParseOutputFormat(format)
			if err != nil {
				return err
			}
			filter, err := parseAssignments(args[1:], typed)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := a.openStore(ctx, args[0])
			if err != nil {
				return err
			}
			defer store.Close()

			items, err := store.Get(ctx, filter)
			if err != nil {
				return err
			}
			return WriteItems(cmd.OutOrStdout(), items, out)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", string(OutputText), "output format: text, json or rag")
	cmd.Flags().BoolVar(&typed, "typed", false, "parse values as YAML scalars instead of strings")
	return cmd
}

func newResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <store>",
		Short: "Drop every document from a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx, args[0])
			if err != nil {
				return err
			}
			defer store.Close()

			r, ok := store.(ragstore.Resetter)
			if !ok {
				return fmt.Errorf("%w: store %s (%T) cannot be reset", errs.ErrInvalidArgument, args[0], store)
			}
			if err := r.Reset(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Store %s reset\n", args[0])
			return nil
		},
	}
}

// parseAssignments turns key=value arguments into a map. With typed, values are decoded as YAML
// so that 2024 is an int and true a bool; values YAML reads as null (including "#..." reference
// tokens) stay strings.
func parseAssignments(args []string, typed bool) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: expected key=value, got %q", errs.ErrInvalidArgument, arg)
		}
		if typed {
			out[key] = parseValue(value)
		} else {
			out[key] = value
		}
	}
	return out, nil
}

func parseValue(s string) any {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil || v == nil {
		return s
	}
	if _, isMap := v.(map[string]any); isMap {
		return s
	}
	return v
}

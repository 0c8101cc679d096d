package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hyperjump/ragwire/internal/config"
	"github.com/hyperjump/ragwire/internal/configstore"
	"github.com/hyperjump/ragwire/internal/errs"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage descriptors in the config store",
		Long: `Manage the descriptors the factory builds objects from. A descriptor has a type
(embedding, ragstore, tool, loader, chunker, indexer), a name, the implementation to
instantiate and its metadata. Metadata values of the form #|:type:name:|# refer to other
descriptors and are built first.`,
		Example: `  ragwire config init
  ragwire config put embedding mock MockEmbedding dimensions=64
  ragwire config put ragstore local SQLiteStore path=./rag.db "embedding_function=#|:embedding:mock:|#"
  ragwire config import descriptors.yaml
  ragwire config list ragstore`,
	}

	cmd.AddCommand(newConfigInitCmd(a))
	cmd.AddCommand(newConfigPutCmd(a))
	cmd.AddCommand(newConfigGetCmd(a))
	cmd.AddCommand(newConfigListCmd(a))
	cmd.AddCommand(newConfigImportCmd(a))

	return cmd
}

func newConfigInitCmd(a *app) *cobra.Command {
	var overwrite bool
	var writeFile string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the config store",
		Long: `Create the config store named by config_store in the application config. With
--overwrite every stored descriptor is removed. With --write-config the effective
application config is also written to the given path.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.configStore(ctx)
			if err != nil {
				return err
			}
			if overwrite {
				if err := store.Initialize(ctx, true); err != nil {
					return err
				}
			}
			if writeFile != "" {
				if _, err := os.Stat(writeFile); err == nil && !overwrite {
					return fmt.Errorf("%s already exists (use --overwrite)", writeFile)
				}
				if err := config.Save(writeFile, a.cfg); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", writeFile)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config store ready (%s at %s)\n", a.cfg.ConfigStore.Driver, a.cfg.ConfigStore.Path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "remove every existing descriptor")
	cmd.Flags().StringVar(&writeFile, "write-config", "", "also write the application config to this path")
	return cmd
}

func newConfigPutCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <type> <name> <instance> [key=value]...",
		Short: "Store a descriptor",
		Long: `Store a descriptor, replacing any descriptor with the same type and name. Metadata
values are parsed as YAML scalars, so numbers and booleans keep their type and [a, b]
is a list. Quote reference tokens so the shell leaves the # alone.`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := parseAssignments(args[3:], true)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := a.configStore(ctx)
			if err != nil {
				return err
			}
			d := configstore.Descriptor{Type: args[0], Name: args[1], Instance: args[2], Metadata: metadata}
			if err := a.checkInstance(d); err != nil {
				return err
			}
			if _, err := store.StoreConfig(ctx, d); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s (%s)\n", d.Key(), d.Instance)
			return nil
		},
	}
	return cmd
}

func newConfigGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <type> <name>",
		Short: "Print a descriptor as YAML",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.configStore(ctx)
			if err != nil {
				return err
			}
			d, ok, err := store.GetConfig(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if !ok {
				return describe(errs.Wrap("get", "config", args[0]+"/"+args[1], errs.ErrNotFound))
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(d); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func newConfigListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list <type>",
		Short: "List the descriptors of a type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.configStore(ctx)
			if err != nil {
				return err
			}
			entities, err := store.GetEntities(ctx, args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCREATED")
			for _, e := range entities {
				fmt.Fprintf(w, "%s\t%s\n", e.Name, time.Unix(e.Created, 0).UTC().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newConfigImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Store every descriptor listed in a YAML file",
		Long: `Store every descriptor of a YAML list. Each entry has type, name, instance and
metadata. Entries are validated before anything is written.`,
		Example: `  # descriptors.yaml
  - type: embedding
    name: mock
    instance: MockEmbedding
    metadata: {dimensions: 64}
  - type: ragstore
    name: local
    instance: ChromemStore
    metadata:
      embedding_function: "#|:embedding:mock:|#"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			descriptors, err := readDescriptors(args[0])
			if err != nil {
				return err
			}
			for _, d := range descriptors {
				if err := a.checkInstance(d); err != nil {
					return err
				}
			}
			ctx := cmd.Context()
			store, err := a.configStore(ctx)
			if err != nil {
				return err
			}
			for _, d := range descriptors {
				if _, err := store.StoreConfig(ctx, d); err != nil {
					return fmt.Errorf("store %s: %w", d.Key(), err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d descriptors\n", len(descriptors))
			return nil
		},
	}
}

func readDescriptors(path string) ([]configstore.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptors: %w", err)
	}
	var descriptors []configstore.Descriptor
	if err := yaml.Unmarshal(data, &descriptors); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", errs.ErrInvalidArgument, path, err)
	}
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("%w: %s lists no descriptors", errs.ErrInvalidArgument, path)
	}
	return descriptors, nil
}

// checkInstance rejects descriptors no constructor is registered for, so typos fail at write
// time instead of at first use.
func (a *app) checkInstance(d configstore.Descriptor) error {
	if _, ok := a.registry.Lookup(d.Type, d.Instance); ok {
		return nil
	}
	known := a.registry.Instances(d.Type)
	if len(known) == 0 {
		return fmt.Errorf("%w: unknown descriptor type %q", errs.ErrUnknownImplementation, d.Type)
	}
	return errors.Join(
		fmt.Errorf("%w: %s has no implementation %q", errs.ErrUnknownImplementation, d.Key(), d.Instance),
		fmt.Errorf("known %s implementations: %v", d.Type, known),
	)
}

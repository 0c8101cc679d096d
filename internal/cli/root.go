// Package cli implements the ragwire command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/ragwire/internal/components"
	"github.com/hyperjump/ragwire/internal/config"
	"github.com/hyperjump/ragwire/internal/configstore"
	"github.com/hyperjump/ragwire/internal/errs"
	"github.com/hyperjump/ragwire/internal/factory"
	"github.com/hyperjump/ragwire/internal/ragstore"
	"github.com/hyperjump/ragwire/internal/secret"
	"github.com/hyperjump/ragwire/pkg/utils"
)

// Version is set at build time with -ldflags "-X github.com/hyperjump/ragwire/internal/cli.Version=...".
var Version = "dev"

const localConfigFile = "ragwire.yaml"

// app carries what every command needs. Commands fill it lazily so that `version` and `--help`
// work without a config store.
type app struct {
	configPath string
	debug      bool

	cfg      *config.Config
	loaded   string
	logger   *zap.Logger
	store    configstore.Store
	registry *factory.Registry
	fac      *factory.Factory
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	a := &app{registry: components.NewRegistry()}

	cmd := &cobra.Command{
		Use:   "ragwire",
		Short: "Configurable retrieval stores for RAG pipelines",
		Long: `ragwire stores text passages with embeddings in Postgres, SQLite, chromem-go or
Azure AI Search and retrieves them by hybrid query or exact attribute match.

Stores, embedding functions, loaders and chunkers are described by descriptors kept in a
config store and wired together by reference.`,
		Version:           Version,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}
	cmd.SetVersionTemplate("ragwire version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ./ragwire.yaml, then ~/.ragwire/config.yaml)")
	cmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newServeCmd(a))
	cmd.AddCommand(newConfigCmd(a))
	cmd.AddCommand(newIndexCmd(a))
	cmd.AddCommand(newQueryCmd(a))
	cmd.AddCommand(newGetCmd(a))
	cmd.AddCommand(newResetCmd(a))
	cmd.AddCommand(newWatchCmd(a))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// setup loads the application config and builds the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	a.cfg, a.loaded = cfg, path
	logger, err := utils.NewLogger(cfg.Debug || a.debug)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	a.logger = logger
	a.logger.Debug("config loaded",
		zap.String("config_path", path),
		zap.String("config_store", cfg.ConfigStore.Path))
	return nil
}

func (a *app) close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
		a.store, a.fac = nil, nil
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return err
}

// loadConfig loads path. Without a path it tries ./ragwire.yaml and ~/.ragwire/config.yaml and
// falls back to the defaults when neither exists. Returns the path that was loaded, or "".
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, "", err
		}
		return cfg, path, nil
	}
	candidates := []string{localConfigFile}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".ragwire", "config.yaml"))
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		abs, err := filepath.Abs(candidate)
		if err != nil {
			return nil, "", err
		}
		cfg, err := config.Load(abs)
		if err != nil {
			return nil, "", err
		}
		return cfg, abs, nil
	}
	return config.Default(), "", nil
}

// configStore opens the descriptor store named by the config, creating its medium if needed.
func (a *app) configStore(ctx context.Context) (configstore.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := configstore.Open(a.cfg.ConfigStore.Driver, a.cfg.ConfigStore.Path)
	if err != nil {
		return nil, err
	}
	if err := store.Initialize(ctx, false); err != nil {
		_ = store.Close()
		return nil, err
	}
	a.store = store
	return store, nil
}

// secrets returns the environment, followed by the dotenv file when one is configured.
func (a *app) secrets() (secret.Provider, error) {
	providers := []secret.Provider{secret.NewEnvProvider()}
	if a.cfg.Secrets.DotenvFile != "" {
		dotenv, err := secret.NewDotenvProvider(a.cfg.Secrets.DotenvFile)
		if err != nil {
			return nil, fmt.Errorf("load dotenv file: %w", err)
		}
		providers = append(providers, dotenv)
	}
	return secret.Chain(providers...), nil
}

func (a *app) factory(ctx context.Context) (*factory.Factory, error) {
	if a.fac != nil {
		return a.fac, nil
	}
	store, err := a.configStore(ctx)
	if err != nil {
		return nil, err
	}
	secrets, err := a.secrets()
	if err != nil {
		return nil, err
	}
	a.fac = factory.New(store, a.registry, factory.WithSecrets(secrets), factory.WithLogger(a.logger))
	return a.fac, nil
}

// openStore instantiates the named ragstore descriptor.
func (a *app) openStore(ctx context.Context, name string) (ragstore.Store, error) {
	f, err := a.factory(ctx)
	if err != nil {
		return nil, err
	}
	store, err := components.OpenStore(ctx, f, name)
	if err != nil {
		return nil, describe(err)
	}
	return store, nil
}

// describe adds a hint to errors a user can fix from the command line.
func describe(err error) error {
	if errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("%w (list descriptors with `ragwire config list <type>`)", err)
	}
	return err
}

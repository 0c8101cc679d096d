// Package config provides configuration loading and structs for ragwire.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug       bool              `yaml:"debug"`
	Server      ServerConfig      `yaml:"server"`
	ConfigStore ConfigStoreConfig `yaml:"config_store"`
	Secrets     SecretsConfig     `yaml:"secrets"`
	Indexer     IndexerConfig     `yaml:"indexer"`
	Search      SearchConfig      `yaml:"search"`
	Watch       WatchConfig       `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// RequestTimeoutSeconds bounds each API request.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ConfigStoreConfig selects where descriptors are persisted.
type ConfigStoreConfig struct {
	// Driver is "json" (one file per descriptor in Path) or "sqlite" (database file at Path).
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// SecretsConfig configures secret lookup. The process environment is always consulted first.
type SecretsConfig struct {
	DotenvFile string `yaml:"dotenv_file"`
}

// IndexerConfig holds defaults for the index and watch commands.
type IndexerConfig struct {
	MaxChars        int      `yaml:"max_chars"`
	SkipExistingKey string   `yaml:"skip_existing_key"`
	Extensions      []string `yaml:"extensions"`
}

// SearchConfig holds multi-query fusion settings.
type SearchConfig struct {
	RRFK        int `yaml:"rrf_k"`
	Parallelism int `yaml:"parallelism"`
}

// WatchConfig holds directory watch settings.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
	Recursive   *bool    `yaml:"recursive"`
	// Store names the ragstore descriptor changed files are indexed into.
	Store      string `yaml:"store"`
	DebounceMS int    `yaml:"debounce_ms"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// Default returns a config with every default applied and paths left relative to the home
// directory.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.ConfigStore.Path = expandPath(cfg.ConfigStore.Path, ".")
	return cfg
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.ConfigStore.Path = expandPath(cfg.ConfigStore.Path, configDir)
	if cfg.Secrets.DotenvFile != "" {
		cfg.Secrets.DotenvFile = expandPath(cfg.Secrets.DotenvFile, configDir)
	}
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.ConfigStore.Driver {
	case "", "json", "sqlite":
	default:
		return fmt.Errorf("invalid config: config_store.driver must be json or sqlite, got %q", c.ConfigStore.Driver)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	if c.Search.RRFK < 0 || c.Search.Parallelism < 0 || c.Indexer.MaxChars < 0 {
		return fmt.Errorf("invalid config: search and indexer settings must not be negative")
	}
	return nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}

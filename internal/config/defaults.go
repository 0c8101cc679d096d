package config

import (
	"github.com/hyperjump/ragwire/internal/extract"
	"github.com/hyperjump/ragwire/internal/indexer"
	"github.com/hyperjump/ragwire/internal/search"
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeoutSeconds == 0 {
		cfg.Server.RequestTimeoutSeconds = 60
	}
	if cfg.ConfigStore.Driver == "" {
		cfg.ConfigStore.Driver = "json"
	}
	if cfg.ConfigStore.Path == "" {
		if cfg.ConfigStore.Driver == "sqlite" {
			cfg.ConfigStore.Path = ".ragwire/config.db"
		} else {
			cfg.ConfigStore.Path = ".ragwire/config"
		}
	}
	if cfg.Indexer.MaxChars == 0 {
		cfg.Indexer.MaxChars = indexer.DefaultMaxChars
	}
	if cfg.Indexer.Extensions == nil {
		cfg.Indexer.Extensions = extract.SupportedExtensions()
	}
	if cfg.Search.RRFK == 0 {
		cfg.Search.RRFK = search.DefaultRRFConstant
	}
	if cfg.Search.Parallelism == 0 {
		cfg.Search.Parallelism = search.DefaultParallelism
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = cfg.Indexer.Extensions
	}
	if cfg.Watch.DebounceMS == 0 {
		cfg.Watch.DebounceMS = 500
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}

// Package secret resolves named credentials. The provider is passed explicitly to the
// constructors that need it; the composition root defaults to the process environment.
package secret

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/hyperjump/ragwire/internal/errs"
)

// Provider resolves a credential by name.
type Provider interface {
	Secret(name string) (string, error)
}

// EnvProvider reads secrets from environment variables.
type EnvProvider struct{}

// NewEnvProvider returns a provider backed by os.LookupEnv.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// Secret returns the value of the environment variable name. Unset and empty values are not found.
func (p *EnvProvider) Secret(name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", notFound(name)
	}
	return v, nil
}

// MapProvider serves secrets from a fixed map.
type MapProvider map[string]string

// Secret returns the mapped value for name.
func (m MapProvider) Secret(name string) (string, error) {
	v, ok := m[name]
	if !ok || v == "" {
		return "", notFound(name)
	}
	return v, nil
}

// NewDotenvProvider reads a .env file without touching the process environment.
func NewDotenvProvider(path string) (MapProvider, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dotenv file %s: %w", path, err)
	}
	return MapProvider(values), nil
}

type chain []Provider

// Chain returns a provider that tries each provider in order and returns the first hit.
func Chain(providers ...Provider) Provider {
	return chain(providers)
}

func (c chain) Secret(name string) (string, error) {
	for _, p := range c {
		if p == nil {
			continue
		}
		v, err := p.Secret(name)
		if err == nil {
			return v, nil
		}
	}
	return "", notFound(name)
}

func notFound(name string) error {
	return fmt.Errorf("%w: %s", errs.ErrSecretNotFound, name)
}

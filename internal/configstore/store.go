// Package configstore persists configuration descriptors keyed by (type, name).
package configstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hyperjump/ragwire/internal/errs"
)

// Descriptor describes how to construct one object. Metadata values that are reference
// tokens point at other descriptors.
type Descriptor struct {
	Type     string         `json:"type" yaml:"type"`
	Name     string         `json:"name" yaml:"name"`
	Instance string         `json:"instance" yaml:"instance"`
	Metadata map[string]any `json:"metadata" yaml:"metadata"`
	Created  int64          `json:"created,omitempty" yaml:"created,omitempty"`
}

// Key returns "type/name", used in logs and error keys.
func (d Descriptor) Key() string {
	return d.Type + "/" + d.Name
}

// Entity is a (name, created) pair returned by GetEntities.
type Entity struct {
	Name    string `json:"name"`
	Created int64  `json:"created"`
}

// Store defines descriptor persistence operations.
type Store interface {
	// Initialize clears every descriptor when overwrite is true; otherwise it only makes sure
	// the backing medium exists and is safe to call repeatedly.
	Initialize(ctx context.Context, overwrite bool) error
	// StoreConfig persists d, overwriting any descriptor with the same type and name.
	// The returned descriptor has Created set.
	StoreConfig(ctx context.Context, d Descriptor) (Descriptor, error)
	// GetConfig returns the descriptor and true, or false when it does not exist.
	GetConfig(ctx context.Context, typ, name string) (Descriptor, bool, error)
	// GetEntities lists the names stored under typ, sorted by name.
	GetEntities(ctx context.Context, typ string) ([]Entity, error)
	Close() error
}

// nowFunc is replaced in tests.
var nowFunc = func() int64 { return time.Now().Unix() }

func validateKey(typ, name string) error {
	if typ == "" || name == "" {
		return fmt.Errorf("%w: descriptor type and name are required", errs.ErrInvalidArgument)
	}
	for _, s := range []string{typ, name} {
		if strings.ContainsAny(s, `/\`) || s == "." || s == ".." {
			return fmt.Errorf("%w: invalid descriptor key %q", errs.ErrInvalidArgument, s)
		}
	}
	return nil
}

func prepare(d Descriptor) (Descriptor, error) {
	if err := validateKey(d.Type, d.Name); err != nil {
		return d, err
	}
	if d.Instance == "" {
		return d, fmt.Errorf("%w: descriptor %s has no instance", errs.ErrInvalidArgument, d.Key())
	}
	if d.Created == 0 {
		d.Created = nowFunc()
	}
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}
	return d, nil
}

// Open returns the store for driver: "json" (a directory) or "sqlite" (a database file).
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", "json":
		return NewJSONStore(path), nil
	case "sqlite":
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("%w: unknown config store driver %q", errs.ErrInvalidArgument, driver)
	}
}

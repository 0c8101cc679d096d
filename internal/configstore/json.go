package configstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"

	"github.com/hyperjump/ragwire/internal/errs"
)

const (
	jsonExt      = ".json"
	lockFileName = ".lock"
)

// jsonRecord is the on-disk layout of one descriptor file.
type jsonRecord struct {
	Instance string         `json:"instance"`
	Metadata map[string]any `json:"metadata"`
	Created  int64          `json:"created"`
}

// JSONStore keeps one <type>_<name>.json file per descriptor in a directory.
// Writers take a shared lock on the directory lock file so that a concurrent
// Initialize(overwrite), in this process or another, cannot interleave with them.
type JSONStore struct {
	dir string
}

// NewJSONStore returns a store rooted at dir. The directory is created on Initialize or on the
// first write.
func NewJSONStore(dir string) *JSONStore {
	return &JSONStore{dir: dir}
}

// Dir returns the store directory.
func (s *JSONStore) Dir() string {
	return s.dir
}

// Initialize creates the directory; with overwrite it deletes every descriptor file.
func (s *JSONStore) Initialize(ctx context.Context, overwrite bool) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create config store directory: %w", err)
	}
	if !overwrite {
		return nil
	}
	lock := s.newLock()
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock config store: %w", err)
	}
	defer lock.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to list config store: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), jsonExt) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", e.Name(), err)
		}
	}
	return nil
}

// StoreConfig writes the descriptor to a temp file and renames it into place.
func (s *JSONStore) StoreConfig(ctx context.Context, d Descriptor) (Descriptor, error) {
	d, err := prepare(d)
	if err != nil {
		return d, err
	}
	if strings.Contains(d.Type, "_") {
		return d, fmt.Errorf("%w: descriptor type %q must not contain '_'", errs.ErrInvalidArgument, d.Type)
	}
	data, err := json.MarshalIndent(jsonRecord{Instance: d.Instance, Metadata: d.Metadata, Created: d.Created}, "", "  ")
	if err != nil {
		return d, fmt.Errorf("failed to marshal descriptor %s: %w", d.Key(), err)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return d, fmt.Errorf("failed to create config store directory: %w", err)
	}
	lock := s.newLock()
	if err := lock.RLock(); err != nil {
		return d, fmt.Errorf("failed to lock config store: %w", err)
	}
	defer lock.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+d.Type+"_*.tmp")
	if err != nil {
		return d, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return d, fmt.Errorf("failed to write descriptor %s: %w", d.Key(), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return d, fmt.Errorf("failed to write descriptor %s: %w", d.Key(), err)
	}
	if err := os.Rename(tmpName, s.path(d.Type, d.Name)); err != nil {
		_ = os.Remove(tmpName)
		return d, fmt.Errorf("failed to store descriptor %s: %w", d.Key(), err)
	}
	return d, nil
}

// GetConfig reads <type>_<name>.json. A missing file is reported as (zero, false, nil).
func (s *JSONStore) GetConfig(ctx context.Context, typ, name string) (Descriptor, bool, error) {
	if err := validateKey(typ, name); err != nil {
		return Descriptor{}, false, err
	}
	rec, ok, err := s.read(s.path(typ, name))
	if err != nil || !ok {
		return Descriptor{}, false, err
	}
	return Descriptor{
		Type:     typ,
		Name:     name,
		Instance: rec.Instance,
		Metadata: rec.Metadata,
		Created:  rec.Created,
	}, true, nil
}

// GetEntities scans the directory for files prefixed with "<type>_".
func (s *JSONStore) GetEntities(ctx context.Context, typ string) ([]Entity, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return []Entity{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list config store: %w", err)
	}
	prefix := typ + "_"
	out := make([]Entity, 0)
	for _, e := range entries {
		fname := e.Name()
		if e.IsDir() || !strings.HasPrefix(fname, prefix) || !strings.HasSuffix(fname, jsonExt) {
			continue
		}
		rec, ok, err := s.read(filepath.Join(s.dir, fname))
		if err != nil {
			return nil, err
		}
		if !ok {
			// removed between ReadDir and read
			continue
		}
		out = append(out, Entity{
			Name:    strings.TrimSuffix(strings.TrimPrefix(fname, prefix), jsonExt),
			Created: rec.Created,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Close is a no-op; the lock is only held for the duration of a call.
func (s *JSONStore) Close() error {
	return nil
}

// newLock opens a fresh lock handle per call; flock locks belong to the open file, so
// goroutines sharing one handle would not exclude each other.
func (s *JSONStore) newLock() *flock.Flock {
	return flock.New(filepath.Join(s.dir, lockFileName))
}

func (s *JSONStore) path(typ, name string) string {
	return filepath.Join(s.dir, typ+"_"+name+jsonExt)
}

func (s *JSONStore) read(path string) (jsonRecord, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return jsonRecord{}, false, nil
	}
	if err != nil {
		return jsonRecord{}, false, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	var rec jsonRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return jsonRecord{}, false, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	return rec, true, nil
}

package configstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using a SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS descriptors (
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		instance TEXT NOT NULL,
		metadata TEXT NOT NULL,
		created INTEGER NOT NULL,
		PRIMARY KEY (type, name)
	);
	CREATE INDEX IF NOT EXISTS idx_descriptors_type ON descriptors(type);
	`)
	return err
}

// Initialize recreates the schema; with overwrite it deletes every descriptor.
func (s *SQLiteStore) Initialize(ctx context.Context, overwrite bool) error {
	if err := s.initSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	if !overwrite {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM descriptors`); err != nil {
		return fmt.Errorf("failed to clear descriptors: %w", err)
	}
	return nil
}

// StoreConfig upserts the descriptor.
func (s *SQLiteStore) StoreConfig(ctx context.Context, d Descriptor) (Descriptor, error) {
	d, err := prepare(d)
	if err != nil {
		return d, err
	}
	metadataJSON, err := json.Marshal(d.Metadata)
	if err != nil {
		return d, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO descriptors (type, name, instance, metadata, created)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(type, name) DO UPDATE SET
		   instance = excluded.instance, metadata = excluded.metadata, created = excluded.created`,
		d.Type, d.Name, d.Instance, string(metadataJSON), d.Created,
	)
	if err != nil {
		return d, fmt.Errorf("failed to store descriptor %s: %w", d.Key(), err)
	}
	return d, nil
}

// GetConfig returns the descriptor or false when no row matches.
func (s *SQLiteStore) GetConfig(ctx context.Context, typ, name string) (Descriptor, bool, error) {
	d := Descriptor{Type: typ, Name: name}
	var metadataJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT instance, metadata, created FROM descriptors WHERE type = ? AND name = ?`,
		typ, name,
	).Scan(&d.Instance, &metadataJSON, &d.Created)
	if err == sql.ErrNoRows {
		return Descriptor{}, false, nil
	}
	if err != nil {
		return Descriptor{}, false, fmt.Errorf("failed to read descriptor %s: %w", d.Key(), err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &d.Metadata); err != nil {
		return Descriptor{}, false, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}
	return d, true, nil
}

// GetEntities lists (name, created) for typ ordered by name.
func (s *SQLiteStore) GetEntities(ctx context.Context, typ string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, created FROM descriptors WHERE type = ? ORDER BY name`, typ)
	if err != nil {
		return nil, fmt.Errorf("failed to list descriptors: %w", err)
	}
	defer rows.Close()

	out := make([]Entity, 0)
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.Name, &e.Created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

package ragstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/hyperjump/ragwire/internal/embedding"
	"github.com/hyperjump/ragwire/internal/errs"
	"github.com/hyperjump/ragwire/internal/keyword"
	"github.com/hyperjump/ragwire/internal/vector"
	"github.com/hyperjump/ragwire/pkg/utils"
)

const sqliteBackend = "sqlite"

// SQLiteConfig configures a SQLiteStore. An empty Path keeps the table in memory and an empty
// BlevePath keeps the keyword index in memory.
type SQLiteConfig struct {
	Path      string
	BlevePath string
	RRFK      int
	Options   Options
}

// SQLiteStore is an embedded hybrid store: rows live in SQLite, vectors are mirrored in a
// brute-force memory index and content is indexed by bleve.
type SQLiteStore struct {
	lc       lifecycle
	db       *sql.DB
	embedder embedding.Embedder
	vectors  *vector.MemoryIndex
	keywords *keyword.BleveIndex
	opts     Options
	rrfK     int
	logger   *zap.Logger
}

// NewSQLiteStore opens the database, creates the table if needed and loads the vector and
// keyword indexes from it.
func NewSQLiteStore(ctx context.Context, cfg SQLiteConfig, emb embedding.Embedder, logger *zap.Logger) (*SQLiteStore, error) {
	if emb == nil {
		return nil, fmt.Errorf("%w: sqlite store needs an embedding function", errs.ErrInvalidArgument)
	}
	db, err := openSQLite(cfg.Path)
	if err != nil {
		return nil, err
	}
	vectors, err := vector.NewMemoryIndex(emb.Dimensions())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	keywords, err := keyword.NewBleveIndex(cfg.BlevePath)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &SQLiteStore{
		db:       db,
		embedder: emb,
		vectors:  vectors,
		keywords: keywords,
		opts:     cfg.Options.WithDefaults(),
		rrfK:     cfg.RRFK,
		logger:   utils.OrNop(logger),
	}
	if err := s.initSchema(ctx); err != nil {
		_ = s.closeResources()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.load(ctx); err != nil {
		_ = s.closeResources()
		return nil, err
	}
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		db, err := sql.Open("sqlite3", ":memory:")
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
		return db, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
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
	return db, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS rag_data (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		embedding BLOB NOT NULL,
		metadata TEXT NOT NULL
	);
	`)
	return err
}

// load mirrors stored vectors into memory and rebuilds the keyword index when it is out of sync
// with the table (a mem-only bleve index after restart).
func (s *SQLiteStore) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT id, data, embedding FROM rag_data")
	if err != nil {
		return fmt.Errorf("failed to load vectors: %w", err)
	}
	defer rows.Close()

	indexed, err := s.keywords.DocCount()
	if err != nil {
		return err
	}
	type row struct{ id, data string }
	var all []row
	for rows.Next() {
		var (
			id, data string
			blob     []byte
		)
		if err := rows.Scan(&id, &data, &blob); err != nil {
			return err
		}
		vec, err := vector.DecodeVector(blob)
		if err != nil {
			return fmt.Errorf("document %s: %w", id, err)
		}
		if err := s.vectors.Upsert(ctx, id, vec); err != nil {
			return fmt.Errorf("document %s: %w", id, err)
		}
		all = append(all, row{id, data})
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if indexed != uint64(len(all)) {
		s.logger.Debug("rebuilding keyword index", zap.Int("documents", len(all)), zap.Uint64("indexed", indexed))
		for _, r := range all {
			if err := s.keywords.Index(ctx, r.id, r.data); err != nil {
				return err
			}
		}
	}
	return nil
}

// SaveText embeds content and upserts the row, its vector and its keyword entry.
func (s *SQLiteStore) SaveText(ctx context.Context, content string, attributes map[string]any) error {
	release, err := s.lc.enter()
	if err != nil {
		return err
	}
	defer release()

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return embedError(sqliteBackend, err)
	}
	id := documentID(attributes)
	meta, err := json.Marshal(withID(attributes, id))
	if err != nil {
		return errs.Wrap("save", sqliteBackend, id, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err))
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO rag_data (id, data, embedding, metadata) VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET data = excluded.data, embedding = excluded.embedding, metadata = excluded.metadata
	`, id, content, vector.EncodeVector(vec), string(meta))
	if err != nil {
		return errs.Wrap("save", sqliteBackend, id, err)
	}
	if err := s.vectors.Upsert(ctx, id, vec); err != nil {
		return errs.Wrap("save", sqliteBackend, id, err)
	}
	if err := s.keywords.Index(ctx, id, content); err != nil {
		return errs.Wrap("save", sqliteBackend, id, err)
	}
	return nil
}

// QueryText fuses the vector candidates within MaxDistance and the keyword hits, 2n of each.
func (s *SQLiteStore) QueryText(ctx context.Context, query string) ([]Item, error) {
	release, err := s.lc.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	n := s.opts.NumberItems
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, embedError(sqliteBackend, err)
	}
	hits, err := s.vectors.Search(ctx, vec, s.vectors.Size())
	if err != nil {
		return nil, errs.Wrap("query", sqliteBackend, "", err)
	}
	vectorIDs := make([]string, 0, 2*n)
	for _, h := range hits {
		if len(vectorIDs) == 2*n {
			break
		}
		if h.Distance() <= s.opts.MaxDistance {
			vectorIDs = append(vectorIDs, h.ID)
		}
	}
	keywordHits, err := s.keywords.Search(ctx, query, 2*n)
	if err != nil {
		return nil, errs.Wrap("query", sqliteBackend, "", err)
	}
	keywordIDs := make([]string, 0, len(keywordHits))
	for _, h := range keywordHits {
		keywordIDs = append(keywordIDs, h.ID)
	}

	rows, err := s.fetch(ctx, append(append([]string{}, vectorIDs...), keywordIDs...))
	if err != nil {
		return nil, err
	}
	toItems := func(ids []string) []Item {
		items := make([]Item, 0, len(ids))
		for _, id := range ids {
			if item, ok := rows[id]; ok {
				items = append(items, item)
			}
		}
		return items
	}
	return HybridRRF(s.rrfK, n, toItems(vectorIDs), toItems(keywordIDs)), nil
}

func (s *SQLiteStore) fetch(ctx context.Context, ids []string) (map[string]Item, error) {
	out := make(map[string]Item, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, data, metadata FROM rag_data WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, errs.Wrap("query", sqliteBackend, "", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, data, meta string
		if err := rows.Scan(&id, &data, &meta); err != nil {
			return nil, err
		}
		attrs, err := decodeAttributes([]byte(meta))
		if err != nil {
			return nil, errs.Wrap("query", sqliteBackend, id, err)
		}
		attrs["id"] = id
		out[id] = Item{Content: data, Attributes: attrs}
	}
	return out, rows.Err()
}

// Get scans rows in insertion order and keeps those matching every attribute.
func (s *SQLiteStore) Get(ctx context.Context, attributes map[string]any) ([]Item, error) {
	release, err := s.lc.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	filter, err := normalizeAttributes(attributes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	rows, err := s.db.QueryContext(ctx, "SELECT id, data, metadata FROM rag_data ORDER BY rowid")
	if err != nil {
		return nil, errs.Wrap("get", sqliteBackend, "", err)
	}
	defer rows.Close()

	items := make([]Item, 0, s.opts.NumberItems)
	for rows.Next() && len(items) < s.opts.NumberItems {
		var id, data, meta string
		if err := rows.Scan(&id, &data, &meta); err != nil {
			return nil, err
		}
		attrs, err := decodeAttributes([]byte(meta))
		if err != nil {
			return nil, errs.Wrap("get", sqliteBackend, id, err)
		}
		attrs["id"] = id
		if matchAttributes(attrs, filter) {
			items = append(items, Item{Content: data, Attributes: attrs})
		}
	}
	return items, rows.Err()
}

// Reset deletes every row and clears both indexes.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	release, err := s.lc.enter()
	if err != nil {
		return err
	}
	defer release()

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM rag_data")
	if err != nil {
		return errs.Wrap("reset", sqliteBackend, "", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM rag_data"); err != nil {
		return errs.Wrap("reset", sqliteBackend, "", err)
	}
	s.vectors.Reset()
	for _, id := range ids {
		if err := s.keywords.Delete(ctx, id); err != nil {
			return errs.Wrap("reset", sqliteBackend, id, err)
		}
	}
	return nil
}

// Close waits for in-flight calls, then closes the keyword index and the database.
func (s *SQLiteStore) Close() error {
	return s.lc.close(s.closeResources)
}

func (s *SQLiteStore) closeResources() error {
	var first error
	if s.keywords != nil {
		first = s.keywords.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

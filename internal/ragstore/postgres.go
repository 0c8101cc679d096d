package ragstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/hyperjump/ragwire/internal/embedding"
	"github.com/hyperjump/ragwire/internal/errs"
	"github.com/hyperjump/ragwire/pkg/utils"
)

const postgresBackend = "postgres"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PostgresConfig configures a PostgresStore. DSN, when set, takes precedence over the
// individual connection fields.
type PostgresConfig struct {
	DSN      string
	Host     string
	Port     int
	DBName   string
	User     string
	Password string
	SSLMode  string
	Table    string
	RRFK     int
	Options  Options
}

// ConnString returns the lib/pq connection string.
func (c PostgresConfig) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	parts := []string{
		"host=" + quoteConnValue(host),
		"port=" + strconv.Itoa(port),
	}
	if c.DBName != "" {
		parts = append(parts, "dbname="+quoteConnValue(c.DBName))
	}
	if c.User != "" {
		parts = append(parts, "user="+quoteConnValue(c.User))
	}
	if c.Password != "" {
		parts = append(parts, "password="+quoteConnValue(c.Password))
	}
	parts = append(parts, "sslmode="+quoteConnValue(sslmode))
	return strings.Join(parts, " ")
}

// quoteConnValue quotes a key=value connection parameter when it is empty or contains spaces,
// quotes or backslashes.
func quoteConnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// PostgresStore is a hybrid store on PostgreSQL with pgvector and built-in full-text search.
type PostgresStore struct {
	lc       lifecycle
	db       *sql.DB
	table    string
	embedder embedding.Embedder
	opts     Options
	rrfK     int
	logger   *zap.Logger
}

// NewPostgresStore connects, enables the vector extension and creates the table if needed.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, emb embedding.Embedder, logger *zap.Logger) (*PostgresStore, error) {
	if emb == nil {
		return nil, fmt.Errorf("%w: postgres store needs an embedding function", errs.ErrInvalidArgument)
	}
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("%w: invalid table name %q", errs.ErrInvalidArgument, table)
	}
	db, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		return nil, errs.Unavailable("open", postgresBackend, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errs.Unavailable("open", postgresBackend, err)
	}
	rrfK := cfg.RRFK
	if rrfK <= 0 {
		rrfK = DefaultRRFConstant
	}
	s := &PostgresStore{
		db:       db,
		table:    table,
		embedder: emb,
		opts:     cfg.Options.WithDefaults(),
		rrfK:     rrfK,
		logger:   utils.OrNop(logger),
	}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) quotedTable() string {
	return pq.QuoteIdentifier(s.table)
}

func (s *PostgresStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return errs.Wrap("init", postgresBackend, "vector", err)
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			embedding vector(%d),
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb
		)
	`, s.quotedTable(), s.embedder.Dimensions())
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return errs.Wrap("init", postgresBackend, s.table, err)
	}
	return nil
}

// SaveText upserts the document by id.
func (s *PostgresStore) SaveText(ctx context.Context, content string, attributes map[string]any) error {
	release, err := s.lc.enter()
	if err != nil {
		return err
	}
	defer release()

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return embedError(postgresBackend, err)
	}
	id := documentID(attributes)
	meta, err := json.Marshal(withID(attributes, id))
	if err != nil {
		return errs.Wrap("save", postgresBackend, id, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err))
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, data, embedding, metadata) VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata
	`, s.quotedTable())
	if _, err := s.db.ExecContext(ctx, query, id, content, pgvector.NewVector(vec), string(meta)); err != nil {
		return s.wrap("save", id, err)
	}
	return nil
}

// QueryText ranks vector and full-text candidates separately (2n each) and fuses them with
// reciprocal rank fusion in one statement.
func (s *PostgresStore) QueryText(ctx context.Context, query string) ([]Item, error) {
	release, err := s.lc.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, embedError(postgresBackend, err)
	}
	n := s.opts.NumberItems
	stmt := fmt.Sprintf(`
		WITH vector_search AS (
			SELECT id, data, metadata, RANK() OVER (ORDER BY embedding <=> $1) AS rank
			FROM %[1]s
			WHERE (embedding <=> $1) <= $2
			ORDER BY embedding <=> $1
			LIMIT $3
		),
		fulltext_search AS (
			SELECT id, data, metadata,
				RANK() OVER (ORDER BY ts_rank_cd(to_tsvector('english', data), query) DESC) AS rank
			FROM %[1]s, plainto_tsquery('english', $4) query
			WHERE query @@ to_tsvector('english', data)
			ORDER BY ts_rank_cd(to_tsvector('english', data), query) DESC
			LIMIT $3
		)
		SELECT
			COALESCE(v.id, f.id) AS id,
			COALESCE(v.data, f.data) AS data,
			COALESCE(v.metadata, f.metadata) AS metadata,
			(COALESCE(1.0 / ($5::int + v.rank), 0.0) + COALESCE(1.0 / ($5::int + f.rank), 0.0))::float8 AS score
		FROM vector_search v
		FULL OUTER JOIN fulltext_search f ON v.id = f.id
		ORDER BY score DESC, id ASC
		LIMIT $6
	`, s.quotedTable())
	rows, err := s.db.QueryContext(ctx, stmt,
		pgvector.NewVector(vec), s.opts.MaxDistance, 2*n, query, s.rrfK, n)
	if err != nil {
		return nil, s.wrap("query", "", err)
	}
	defer rows.Close()

	items := make([]Item, 0, n)
	for rows.Next() {
		var (
			item Item
			id   string
			meta []byte
		)
		if err := rows.Scan(&id, &item.Content, &meta, &item.RankScore); err != nil {
			return nil, err
		}
		if item.Attributes, err = decodeAttributes(meta); err != nil {
			return nil, errs.Wrap("query", postgresBackend, id, err)
		}
		item.Attributes["id"] = id
		items = append(items, item)
	}
	return items, rows.Err()
}

// Get uses JSONB containment, so every given attribute must be present with an equal value.
func (s *PostgresStore) Get(ctx context.Context, attributes map[string]any) ([]Item, error) {
	release, err := s.lc.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	filter, err := normalizeAttributes(attributes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	raw, err := json.Marshal(filter)
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf(`SELECT id, data, metadata FROM %s WHERE metadata @> $1::jsonb LIMIT $2`, s.quotedTable())
	rows, err := s.db.QueryContext(ctx, stmt, string(raw), s.opts.NumberItems)
	if err != nil {
		return nil, s.wrap("get", "", err)
	}
	defer rows.Close()

	items := make([]Item, 0, s.opts.NumberItems)
	for rows.Next() {
		var (
			id, data string
			meta     []byte
		)
		if err := rows.Scan(&id, &data, &meta); err != nil {
			return nil, err
		}
		attrs, err := decodeAttributes(meta)
		if err != nil {
			return nil, errs.Wrap("get", postgresBackend, id, err)
		}
		attrs["id"] = id
		// containment also accepts supersets of nested values; keep exact matches only
		if matchAttributes(attrs, filter) {
			items = append(items, Item{Content: data, Attributes: attrs})
		}
	}
	return items, rows.Err()
}

// Reset drops and recreates the table.
func (s *PostgresStore) Reset(ctx context.Context) error {
	release, err := s.lc.enter()
	if err != nil {
		return err
	}
	defer release()

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.quotedTable())); err != nil {
		return s.wrap("reset", s.table, err)
	}
	s.logger.Debug("postgres table dropped", zap.String("table", s.table))
	return s.init(ctx)
}

// Close waits for in-flight calls and closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.lc.close(func() error {
		if s.db == nil {
			return nil
		}
		return s.db.Close()
	})
}

// wrap marks connection-level failures as unavailable and leaves statement errors as they are.
func (s *PostgresStore) wrap(op, key string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// class 08 is connection exception, 28 invalid authorization, 57 operator intervention
		switch pqErr.Code.Class() {
		case "08", "28", "57":
			return errs.Unavailable(op, postgresBackend, err)
		}
		return errs.Wrap(op, postgresBackend, key, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return errs.Unavailable(op, postgresBackend, err)
	}
	return errs.Wrap(op, postgresBackend, key, err)
}

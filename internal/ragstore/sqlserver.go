package ragstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	"github.com/hyperjump/ragwire/internal/embedding"
	"github.com/hyperjump/ragwire/internal/errs"
	"github.com/hyperjump/ragwire/pkg/utils"
)

const sqlServerBackend = "sqlserver"

// SQLServerSecret is the default secret holding the SQL Server password.
const SQLServerSecret = "AZ_SQL_SERVER_PWD"

// SQLServerConfig configures a SQLServerStore. DSN, when set, takes precedence over the
// individual connection fields.
type SQLServerConfig struct {
	DSN      string
	Server   string
	Port     int
	Database string
	User     string
	Password string
	Table    string
	// FullText enables the full-text catalog and the keyword half of the hybrid query.
	FullText bool
	RRFK     int
	Options  Options
}

// ConnString returns the go-mssqldb URL.
func (c SQLServerConfig) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	host := c.Server
	if host == "" {
		host = "localhost"
	}
	if c.Port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(c.Port))
	}
	q := url.Values{}
	if c.Database != "" {
		q.Set("database", c.Database)
	}
	u := url.URL{Scheme: "sqlserver", Host: host, RawQuery: q.Encode()}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	return u.String()
}

// SQLServerStore keeps passages in a data table and one row per vector component in an
// embeddings table, so cosine distance is computed in T-SQL. With FullText the keyword
// ranking comes from FREETEXTTABLE and both rankings are fused with RRF.
type SQLServerStore struct {
	lc       lifecycle
	db       *sql.DB
	table    string
	fullText bool
	embedder embedding.Embedder
	opts     Options
	rrfK     int
	logger   *zap.Logger
}

// NewSQLServerStore connects and creates the tables (and full-text index) if needed.
func NewSQLServerStore(ctx context.Context, cfg SQLServerConfig, emb embedding.Embedder, logger *zap.Logger) (*SQLServerStore, error) {
	if emb == nil {
		return nil, fmt.Errorf("%w: sqlserver store needs an embedding function", errs.ErrInvalidArgument)
	}
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("%w: invalid table name %q", errs.ErrInvalidArgument, table)
	}
	db, err := sql.Open("sqlserver", cfg.ConnString())
	if err != nil {
		return nil, errs.Unavailable("open", sqlServerBackend, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errs.Unavailable("open", sqlServerBackend, err)
	}
	rrfK := cfg.RRFK
	if rrfK <= 0 {
		rrfK = DefaultRRFConstant
	}
	s := &SQLServerStore{
		db:       db,
		table:    table,
		fullText: cfg.FullText,
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

func (s *SQLServerStore) dataTable() string { return "[dbo].[" + s.table + "]" }

func (s *SQLServerStore) vectorTable() string { return "[dbo].[" + s.table + "_embeddings]" }

func (s *SQLServerStore) init(ctx context.Context) error {
	stmt := fmt.Sprintf(`
		IF OBJECT_ID(N'%[1]s', N'U') IS NULL
		CREATE TABLE %[1]s (
			id NVARCHAR(255) NOT NULL CONSTRAINT [pk__%[3]s] PRIMARY KEY,
			data NVARCHAR(MAX) NOT NULL,
			metadata NVARCHAR(MAX) NOT NULL
		);
		IF OBJECT_ID(N'%[2]s', N'U') IS NULL
		CREATE TABLE %[2]s (
			id NVARCHAR(255) NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
			vector_value_id INT NOT NULL,
			vector_value FLOAT NOT NULL
		);
		IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'ix__%[3]s_embeddings' AND object_id = OBJECT_ID(N'%[2]s'))
		CREATE CLUSTERED INDEX [ix__%[3]s_embeddings] ON %[2]s (id, vector_value_id);
	`, s.dataTable(), s.vectorTable(), s.table)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return s.wrap("init", s.table, err)
	}
	if !s.fullText {
		return nil
	}
	// full-text DDL cannot run inside a multi-statement batch with other DDL
	for _, stmt := range []string{
		`IF NOT EXISTS (SELECT 1 FROM sys.fulltext_catalogs WHERE name = 'FullTextCatalog')
			CREATE FULLTEXT CATALOG [FullTextCatalog] AS DEFAULT`,
		fmt.Sprintf(`IF NOT EXISTS (SELECT 1 FROM sys.fulltext_indexes WHERE object_id = OBJECT_ID(N'%[1]s'))
			CREATE FULLTEXT INDEX ON %[1]s (data) KEY INDEX [pk__%[2]s]`, s.dataTable(), s.table),
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return s.wrap("init", "fulltext", err)
		}
	}
	return nil
}

// SaveText replaces the document and its vector rows in one transaction.
func (s *SQLServerStore) SaveText(ctx context.Context, content string, attributes map[string]any) error {
	release, err := s.lc.enter()
	if err != nil {
		return err
	}
	defer release()

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return embedError(sqlServerBackend, err)
	}
	id := documentID(attributes)
	meta, err := json.Marshal(withID(attributes, id))
	if err != nil {
		return errs.Wrap("save", sqlServerBackend, id, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err))
	}
	vecJSON, err := json.Marshal(vec)
	if err != nil {
		return errs.Wrap("save", sqlServerBackend, id, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap("save", id, err)
	}
	defer func() { _ = tx.Rollback() }()
	stmt := fmt.Sprintf(`
		DELETE FROM %[1]s WITH (UPDLOCK, HOLDLOCK) WHERE id = @id;
		INSERT INTO %[1]s (id, data, metadata) VALUES (@id, @data, @metadata);
		INSERT INTO %[2]s (id, vector_value_id, vector_value)
			SELECT @id, CAST([key] AS INT), CAST([value] AS FLOAT) FROM OPENJSON(@embedding);
	`, s.dataTable(), s.vectorTable())
	if _, err := tx.ExecContext(ctx, stmt,
		sql.Named("id", id),
		sql.Named("data", content),
		sql.Named("metadata", string(meta)),
		sql.Named("embedding", string(vecJSON)),
	); err != nil {
		return s.wrap("save", id, err)
	}
	if err := tx.Commit(); err != nil {
		return s.wrap("save", id, err)
	}
	return nil
}

// QueryText ranks vector candidates within MaxDistance and, with FullText, keyword candidates
// (2n each), then fuses them with reciprocal rank fusion.
func (s *SQLServerStore) QueryText(ctx context.Context, query string) ([]Item, error) {
	release, err := s.lc.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, embedError(sqlServerBackend, err)
	}
	vecJSON, err := json.Marshal(vec)
	if err != nil {
		return nil, err
	}
	n := s.opts.NumberItems

	semantic := fmt.Sprintf(`
		WITH query_vector AS (
			SELECT CAST([key] AS INT) AS vector_value_id, CAST([value] AS FLOAT) AS vector_value
			FROM OPENJSON(@embedding)
		),
		nearest AS (
			SELECT TOP (@n) e.id,
				1 - SUM(q.vector_value * e.vector_value) /
					NULLIF(SQRT(SUM(q.vector_value * q.vector_value)) * SQRT(SUM(e.vector_value * e.vector_value)), 0)
					AS distance
			FROM query_vector q
			INNER JOIN %[2]s e ON q.vector_value_id = e.vector_value_id
			GROUP BY e.id
			ORDER BY distance, e.id
		)
		SELECT d.id, d.data, d.metadata
		FROM nearest s INNER JOIN %[1]s d ON d.id = s.id
		WHERE s.distance <= @max_distance
		ORDER BY s.distance, d.id
	`, s.dataTable(), s.vectorTable())
	vectorHits, err := s.queryItems(ctx, "query", semantic,
		sql.Named("embedding", string(vecJSON)),
		sql.Named("n", 2*n),
		sql.Named("max_distance", s.opts.MaxDistance),
	)
	if err != nil {
		return nil, err
	}
	if !s.fullText {
		return HybridRRF(s.rrfK, n, vectorHits), nil
	}

	keyword := fmt.Sprintf(`
		SELECT TOP (@n) d.id, d.data, d.metadata
		FROM %[1]s d
		INNER JOIN FREETEXTTABLE(%[1]s, data, @text) AS ft ON d.id = ft.[KEY]
		ORDER BY ft.[RANK] DESC, d.id
	`, s.dataTable())
	keywordHits, err := s.queryItems(ctx, "query", keyword, sql.Named("text", query), sql.Named("n", 2*n))
	if err != nil {
		return nil, err
	}
	return HybridRRF(s.rrfK, n, vectorHits, keywordHits), nil
}

// Get narrows rows with JSON_VALUE on scalar attributes and keeps exact matches, ordered by id.
func (s *SQLServerStore) Get(ctx context.Context, attributes map[string]any) ([]Item, error) {
	release, err := s.lc.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	filter, err := normalizeAttributes(attributes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	where, args := jsonValueFilter(filter)
	stmt := fmt.Sprintf(`SELECT id, data, metadata FROM %s WHERE %s ORDER BY id`, s.dataTable(), where)
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, s.wrap("get", "", err)
	}
	defer rows.Close()

	items := make([]Item, 0, s.opts.NumberItems)
	for len(items) < s.opts.NumberItems && rows.Next() {
		item, err := scanSQLServerItem(rows)
		if err != nil {
			return nil, errs.Wrap("get", sqlServerBackend, "", err)
		}
		if matchAttributes(item.Attributes, filter) {
			items = append(items, item)
		}
	}
	return items, rows.Err()
}

// jsonValueFilter builds the WHERE clause for the scalar attributes of filter. JSON_VALUE
// returns the scalar as text, so values are compared in their JSON form.
func jsonValueFilter(filter map[string]any) (string, []any) {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		conds []string
		args  []any
	)
	for _, k := range keys {
		var text string
		switch v := filter[k].(type) {
		case string:
			// JSON_VALUE yields NULL for strings longer than 4000 characters
			if len(v) > 4000 {
				continue
			}
			text = v
		case float64, bool:
			b, err := json.Marshal(v)
			if err != nil {
				continue
			}
			text = string(b)
		default:
			continue
		}
		i := len(args) / 2
		conds = append(conds, fmt.Sprintf("JSON_VALUE(metadata, @p%d) = @v%d", i, i))
		args = append(args,
			sql.Named(fmt.Sprintf("p%d", i), jsonPath(k)),
			sql.Named(fmt.Sprintf("v%d", i), text),
		)
	}
	if len(conds) == 0 {
		return "1=1", nil
	}
	return strings.Join(conds, " AND "), args
}

// jsonPath quotes key as a single member of a SQL Server JSON path.
func jsonPath(key string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `$."` + r.Replace(key) + `"`
}

func (s *SQLServerStore) queryItems(ctx context.Context, op, stmt string, args ...any) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, s.wrap(op, "", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanSQLServerItem(rows)
		if err != nil {
			return nil, errs.Wrap(op, sqlServerBackend, "", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanSQLServerItem(rows *sql.Rows) (Item, error) {
	var id, data, meta string
	if err := rows.Scan(&id, &data, &meta); err != nil {
		return Item{}, err
	}
	attrs, err := decodeAttributes([]byte(meta))
	if err != nil {
		return Item{}, err
	}
	attrs["id"] = id
	return Item{Content: data, Attributes: attrs}, nil
}

// Reset drops and recreates both tables.
func (s *SQLServerStore) Reset(ctx context.Context) error {
	release, err := s.lc.enter()
	if err != nil {
		return err
	}
	defer release()

	stmt := fmt.Sprintf(`
		IF OBJECT_ID(N'%[2]s', N'U') IS NOT NULL DROP TABLE %[2]s;
		IF OBJECT_ID(N'%[1]s', N'U') IS NOT NULL DROP TABLE %[1]s;
	`, s.dataTable(), s.vectorTable())
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return s.wrap("reset", s.table, err)
	}
	s.logger.Debug("sqlserver tables dropped", zap.String("table", s.table))
	return s.init(ctx)
}

// Close waits for in-flight calls and closes the connection pool.
func (s *SQLServerStore) Close() error {
	return s.lc.close(func() error {
		if s.db == nil {
			return nil
		}
		return s.db.Close()
	})
}

// wrap marks connection and login failures as unavailable and leaves statement errors as they are.
func (s *SQLServerStore) wrap(op, key string, err error) error {
	var msErr mssql.Error
	if errors.As(err, &msErr) {
		// 18456 login failed, 4060 cannot open database
		switch msErr.Number {
		case 18456, 4060:
			return errs.Unavailable(op, sqlServerBackend, err)
		}
		return errs.Wrap(op, sqlServerBackend, key, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return errs.Unavailable(op, sqlServerBackend, err)
	}
	return errs.Wrap(op, sqlServerBackend, key, err)
}

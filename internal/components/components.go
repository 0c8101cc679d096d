// Package components registers every constructor the factory can build from a descriptor.
package components

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hyperjump/ragwire/internal/embedding"
	"github.com/hyperjump/ragwire/internal/errs"
	"github.com/hyperjump/ragwire/internal/factory"
	"github.com/hyperjump/ragwire/internal/indexer"
	"github.com/hyperjump/ragwire/internal/ragstore"
	"github.com/hyperjump/ragwire/internal/search"
	"github.com/hyperjump/ragwire/internal/tool"
)

// Descriptor types.
const (
	TypeEmbedding = "embedding"
	TypeRagStore  = "ragstore"
	TypeTool      = "tool"
	TypeLoader    = "loader"
	TypeChunker   = "chunker"
	TypeIndexer   = "indexer"
)

// OpenAIKeySecret is the default secret holding the OpenAI API key.
const OpenAIKeySecret = "OPENAI_API_KEY"

const defaultCacheSize = 1024

// NewRegistry returns a registry with every component registered.
func NewRegistry() *factory.Registry {
	r := factory.NewRegistry()
	Register(r)
	return r
}

// Register adds the component constructors to r.
func Register(r *factory.Registry) {
	r.Register(TypeEmbedding, "OpenAIEmbedding", newOpenAIEmbedding)
	r.Register(TypeEmbedding, "MockEmbedding", newMockEmbedding)

	r.Register(TypeRagStore, "PostgresStore", newPostgresStore)
	r.Register(TypeRagStore, "SQLiteStore", newSQLiteStore)
	r.Register(TypeRagStore, "ChromemStore", newChromemStore)
	r.Register(TypeRagStore, "AzureSearchStore", newAzureSearchStore)
	r.Register(TypeRagStore, "MongoStore", newMongoStore)
	r.Register(TypeRagStore, "SQLServerStore", newSQLServerStore)

	r.Register(TypeTool, "RagTool", newRagTool)

	r.Register(TypeLoader, "FileLoader", newFileLoader)
	r.Register(TypeLoader, "HTTPLoader", newHTTPLoader)
	r.Register(TypeLoader, "AutoLoader", newAutoLoader)
	r.Register(TypeLoader, "FeedLoader", newFeedLoader)

	r.Register(TypeChunker, "SentenceChunk", newSentenceChunk)
	r.Register(TypeChunker, "WordChunk", newWordChunk)

	r.Register(TypeIndexer, "Pipeline", newPipeline)
}

// withCache wraps emb in an LRU unless size is negative.
func withCache(emb embedding.Embedder, size int) (embedding.Embedder, error) {
	if size < 0 {
		return emb, nil
	}
	if size == 0 {
		size = defaultCacheSize
	}
	return embedding.NewCachedEmbedder(emb, size)
}

func newOpenAIEmbedding(_ context.Context, args factory.Args, deps factory.Deps) (any, error) {
	secretName, err := args.String("api_key_secret", OpenAIKeySecret)
	if err != nil {
		return nil, err
	}
	key, err := deps.Secrets.Secret(secretName)
	if err != nil {
		return nil, err
	}
	var cfg embedding.OpenAIConfig
	cfg.APIKey = key
	if cfg.Model, err = args.String("model", embedding.DefaultOpenAIModel); err != nil {
		return nil, err
	}
	if cfg.BaseURL, err = args.String("base_url", ""); err != nil {
		return nil, err
	}
	if cfg.Dimensions, err = args.Int("dimensions", 0); err != nil {
		return nil, err
	}
	cacheSize, err := args.Int("cache_size", 0)
	if err != nil {
		return nil, err
	}
	emb, err := embedding.NewOpenAIEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	return withCache(emb, cacheSize)
}

func newMockEmbedding(_ context.Context, args factory.Args, _ factory.Deps) (any, error) {
	dims, err := args.Int("dimensions", 0)
	if err != nil {
		return nil, err
	}
	return embedding.NewMockEmbedder(dims), nil
}

// storeArgs reads the arguments every retrieval store shares.
func storeArgs(args factory.Args) (embedding.Embedder, ragstore.Options, error) {
	var opts ragstore.Options
	emb, err := factory.ObjectAs[embedding.Embedder](args, "embedding_function")
	if err != nil {
		return nil, opts, err
	}
	if opts.NumberItems, err = args.Int("number_items_to_return", ragstore.DefaultNumberItems); err != nil {
		return nil, opts, err
	}
	if opts.MaxDistance, err = args.Float("max_distance", ragstore.DefaultMaxDistance); err != nil {
		return nil, opts, err
	}
	if opts.NumberItems <= 0 {
		return nil, opts, fmt.Errorf("%w: number_items_to_return must be positive", errs.ErrInvalidArgument)
	}
	return emb, opts, nil
}

// stringArgs reads optional string arguments into the given targets.
func stringArgs(args factory.Args, targets map[string]*string) error {
	for key, dst := range targets {
		v, err := args.String(key, *dst)
		if err != nil {
			return err
		}
		*dst = v
	}
	return nil
}

func newPostgresStore(ctx context.Context, args factory.Args, deps factory.Deps) (any, error) {
	emb, opts, err := storeArgs(args)
	if err != nil {
		return nil, err
	}
	cfg := ragstore.PostgresConfig{Options: opts}
	var passwordSecret string
	if err := stringArgs(args, map[string]*string{
		"dsn":             &cfg.DSN,
		"host":            &cfg.Host,
		"db_name":         &cfg.DBName,
		"user":            &cfg.User,
		"password":        &cfg.Password,
		"password_secret": &passwordSecret,
		"sslmode":         &cfg.SSLMode,
		"table":           &cfg.Table,
	}); err != nil {
		return nil, err
	}
	if cfg.Port, err = args.Int("port", 5432); err != nil {
		return nil, err
	}
	if cfg.RRFK, err = args.Int("rrf_k", ragstore.DefaultRRFConstant); err != nil {
		return nil, err
	}
	if cfg.Password == "" && passwordSecret != "" {
		if cfg.Password, err = deps.Secrets.Secret(passwordSecret); err != nil {
			return nil, err
		}
	}
	return ragstore.NewPostgresStore(ctx, cfg, emb, deps.Logger)
}

func newSQLiteStore(ctx context.Context, args factory.Args, deps factory.Deps) (any, error) {
	emb, opts, err := storeArgs(args)
	if err != nil {
		return nil, err
	}
	cfg := ragstore.SQLiteConfig{Options: opts}
	if err := stringArgs(args, map[string]*string{"path": &cfg.Path, "bleve_path": &cfg.BlevePath}); err != nil {
		return nil, err
	}
	if cfg.RRFK, err = args.Int("rrf_k", ragstore.DefaultRRFConstant); err != nil {
		return nil, err
	}
	return ragstore.NewSQLiteStore(ctx, cfg, emb, deps.Logger)
}

func newChromemStore(_ context.Context, args factory.Args, deps factory.Deps) (any, error) {
	emb, opts, err := storeArgs(args)
	if err != nil {
		return nil, err
	}
	cfg := ragstore.ChromemConfig{Options: opts}
	if err := stringArgs(args, map[string]*string{"path": &cfg.Path, "collection": &cfg.Collection}); err != nil {
		return nil, err
	}
	return ragstore.NewChromemStore(cfg, emb, deps.Logger)
}

func newAzureSearchStore(ctx context.Context, args factory.Args, deps factory.Deps) (any, error) {
	emb, opts, err := storeArgs(args)
	if err != nil {
		return nil, err
	}
	cfg := ragstore.AzureSearchConfig{Options: opts}
	secretName := ragstore.AzureKeySecret
	if err := stringArgs(args, map[string]*string{
		"service":        &cfg.Service,
		"endpoint":       &cfg.Endpoint,
		"index":          &cfg.Index,
		"api_version":    &cfg.APIVersion,
		"api_key_secret": &secretName,
	}); err != nil {
		return nil, err
	}
	if cfg.APIKey, err = deps.Secrets.Secret(secretName); err != nil {
		return nil, err
	}
	return ragstore.NewAzureSearchStore(ctx, cfg, emb, deps.Logger)
}

// newMongoStore reads the password from password_secret unless uri or password is given.
func newMongoStore(ctx context.Context, args factory.Args, deps factory.Deps) (any, error) {
	emb, opts, err := storeArgs(args)
	if err != nil {
		return nil, err
	}
	cfg := ragstore.MongoConfig{Options: opts}
	passwordSecret := ragstore.MongoSecret
	if err := stringArgs(args, map[string]*string{
		"uri":             &cfg.URI,
		"service_name":    &cfg.ServiceName,
		"user":            &cfg.User,
		"password":        &cfg.Password,
		"password_secret": &passwordSecret,
		"database_name":   &cfg.Database,
		"collection_name": &cfg.Collection,
		"search":          &cfg.Search,
	}); err != nil {
		return nil, err
	}
	seconds, err := args.Int("timeout_seconds", 0)
	if err != nil {
		return nil, err
	}
	cfg.Timeout = time.Duration(seconds) * time.Second
	if cfg.URI == "" && cfg.Password == "" && cfg.ServiceName != "" {
		if cfg.Password, err = deps.Secrets.Secret(passwordSecret); err != nil {
			return nil, err
		}
	}
	return ragstore.NewMongoStore(ctx, cfg, emb, deps.Logger)
}

// newSQLServerStore reads the password from password_secret unless dsn or password is given.
func newSQLServerStore(ctx context.Context, args factory.Args, deps factory.Deps) (any, error) {
	emb, opts, err := storeArgs(args)
	if err != nil {
		return nil, err
	}
	cfg := ragstore.SQLServerConfig{Options: opts}
	passwordSecret := ragstore.SQLServerSecret
	if err := stringArgs(args, map[string]*string{
		"dsn":             &cfg.DSN,
		"server":          &cfg.Server,
		"database":        &cfg.Database,
		"username":        &cfg.User,
		"password":        &cfg.Password,
		"password_secret": &passwordSecret,
		"table":           &cfg.Table,
	}); err != nil {
		return nil, err
	}
	if cfg.Port, err = args.Int("port", 0); err != nil {
		return nil, err
	}
	if cfg.FullText, err = args.Bool("full_text", false); err != nil {
		return nil, err
	}
	if cfg.RRFK, err = args.Int("rrf_k", ragstore.DefaultRRFConstant); err != nil {
		return nil, err
	}
	if cfg.DSN == "" && cfg.Password == "" && cfg.User != "" {
		if cfg.Password, err = deps.Secrets.Secret(passwordSecret); err != nil {
			return nil, err
		}
	}
	return ragstore.NewSQLServerStore(ctx, cfg, emb, deps.Logger)
}

func newRagTool(_ context.Context, args factory.Args, deps factory.Deps) (any, error) {
	store, err := factory.ObjectAs[ragstore.Store](args, "rag_store")
	if err != nil {
		return nil, err
	}
	var name, description string
	if err := stringArgs(args, map[string]*string{"name": &name, "description": &description}); err != nil {
		return nil, err
	}
	rrfK, err := args.Int("rrf_k", search.DefaultRRFConstant)
	if err != nil {
		return nil, err
	}
	parallelism, err := args.Int("parallelism", search.DefaultParallelism)
	if err != nil {
		return nil, err
	}
	engine := search.NewEngine(
		search.WithRRFConstant(rrfK),
		search.WithParallelism(parallelism),
		search.WithLogger(deps.Logger),
	)
	return tool.NewRagTool(store, engine, name, description)
}

func newFileLoader(_ context.Context, args factory.Args, deps factory.Deps) (any, error) {
	exts, err := args.StringSlice("extensions")
	if err != nil {
		return nil, err
	}
	return indexer.NewFileLoader(indexer.WithExtensions(exts...), indexer.WithFileLogger(deps.Logger)), nil
}

func newHTTPLoader(_ context.Context, args factory.Args, deps factory.Deps) (any, error) {
	return httpLoader(args, deps)
}

func httpLoader(args factory.Args, deps factory.Deps) (*indexer.HTTPLoader, error) {
	seconds, err := args.Int("timeout_seconds", int(indexer.DefaultHTTPTimeout/time.Second))
	if err != nil {
		return nil, err
	}
	if seconds <= 0 {
		return nil, fmt.Errorf("%w: timeout_seconds must be positive", errs.ErrInvalidArgument)
	}
	client := &http.Client{Timeout: time.Duration(seconds) * time.Second}
	return indexer.NewHTTPLoader(client, deps.Logger), nil
}

// newAutoLoader takes the FileLoader and HTTPLoader arguments together.
func newAutoLoader(ctx context.Context, args factory.Args, deps factory.Deps) (any, error) {
	files, err := newFileLoader(ctx, args, deps)
	if err != nil {
		return nil, err
	}
	web, err := httpLoader(args, deps)
	if err != nil {
		return nil, err
	}
	return indexer.NewAutoLoader(web, files.(*indexer.FileLoader)), nil
}

// newFeedLoader shares timeout_seconds between the feed and the article fetches.
func newFeedLoader(_ context.Context, args factory.Args, deps factory.Deps) (any, error) {
	pages, err := httpLoader(args, deps)
	if err != nil {
		return nil, err
	}
	feeds := indexer.NewFeedReader(pages.Client(), deps.Logger)
	return indexer.NewFeedLoader(feeds, pages, deps.Logger), nil
}

func newSentenceChunk(_ context.Context, args factory.Args, _ factory.Deps) (any, error) {
	maxChars, err := args.Int("max_chars", indexer.DefaultMaxChars)
	if err != nil {
		return nil, err
	}
	return indexer.NewSentenceChunker(maxChars)
}

func newWordChunk(_ context.Context, args factory.Args, _ factory.Deps) (any, error) {
	size, err := args.Int("size", 200)
	if err != nil {
		return nil, err
	}
	overlap, err := args.Int("overlap", 0)
	if err != nil {
		return nil, err
	}
	return indexer.NewWordChunker(size, overlap), nil
}

// newPipeline builds an indexing pipeline. The chunker is optional.
func newPipeline(_ context.Context, args factory.Args, deps factory.Deps) (any, error) {
	loader, err := factory.ObjectAs[indexer.Loader](args, "loader")
	if err != nil {
		return nil, err
	}
	store, err := factory.ObjectAs[ragstore.Store](args, "rag_store")
	if err != nil {
		return nil, err
	}
	var chunker indexer.Chunker
	if args.Has("chunker") {
		if chunker, err = factory.ObjectAs[indexer.Chunker](args, "chunker"); err != nil {
			return nil, err
		}
	}
	opts := []indexer.Option{indexer.WithLogger(deps.Logger)}
	skipKey, err := args.String("skip_existing_key", "")
	if err != nil {
		return nil, err
	}
	if skipKey != "" {
		opts = append(opts, indexer.WithSkipExisting(skipKey))
	}
	normalize, err := args.Bool("normalize_whitespace", true)
	if err != nil {
		return nil, err
	}
	if normalize {
		opts = append(opts, indexer.WithPreChunk(indexer.NormalizeWhitespace))
	}
	return indexer.NewPipeline(loader, chunker, store, opts...)
}

// OpenStore instantiates the ragstore descriptor called name.
func OpenStore(ctx context.Context, f *factory.Factory, name string) (ragstore.Store, error) {
	obj, err := f.InstantiateByName(ctx, TypeRagStore, name)
	if err != nil {
		return nil, err
	}
	store, ok := obj.(ragstore.Store)
	if !ok {
		closeObject(obj)
		return nil, fmt.Errorf("%w: %s/%s built %T, not a store", errs.ErrInvalidArgument, TypeRagStore, name, obj)
	}
	return store, nil
}

// OpenPipeline instantiates the indexer descriptor called name.
func OpenPipeline(ctx context.Context, f *factory.Factory, name string) (*indexer.Pipeline, error) {
	obj, err := f.InstantiateByName(ctx, TypeIndexer, name)
	if err != nil {
		return nil, err
	}
	p, ok := obj.(*indexer.Pipeline)
	if !ok {
		closeObject(obj)
		return nil, fmt.Errorf("%w: %s/%s built %T, not a pipeline", errs.ErrInvalidArgument, TypeIndexer, name, obj)
	}
	return p, nil
}

func closeObject(obj any) {
	if c, ok := obj.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

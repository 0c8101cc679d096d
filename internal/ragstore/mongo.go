package ragstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/hyperjump/ragwire/internal/embedding"
	"github.com/hyperjump/ragwire/internal/errs"
	"github.com/hyperjump/ragwire/pkg/utils"
)

const mongoBackend = "mongo"

// MongoSecret is the default secret holding the MongoDB password.
const MongoSecret = "AZ_COSMOS_MONGO_PWD"

// Vector search modes of a MongoStore.
const (
	// MongoSearchCosmos ranks with the cosmosSearch vector index of Azure Cosmos DB for MongoDB vCore.
	MongoSearchCosmos = "cosmos"
	// MongoSearchScan ranks by scanning every stored embedding, which works on any MongoDB server.
	MongoSearchScan = "scan"
)

const (
	mongoVectorIndex    = "embedding_VectorSearchIndex"
	mongoDefaultTimeout = 10 * time.Second
)

// MongoConfig configures a MongoStore. URI, when set, takes precedence over the Cosmos DB
// service fields.
type MongoConfig struct {
	URI         string
	ServiceName string
	User        string
	Password    string
	Database    string
	Collection  string
	// Search is MongoSearchCosmos (default) or MongoSearchScan.
	Search  string
	Timeout time.Duration
	Options Options
}

// ConnString returns the connection URI. Without URI it points at the Cosmos DB vCore cluster
// named by ServiceName.
func (c MongoConfig) ConnString() string {
	if c.URI != "" {
		return c.URI
	}
	u := url.URL{
		Scheme:   "mongodb+srv",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.ServiceName + ".mongocluster.cosmos.azure.com",
		Path:     "/",
		RawQuery: "tls=true&authMechanism=SCRAM-SHA-256&retrywrites=false&maxIdleTimeMS=120000",
	}
	return u.String()
}

// MongoStore keeps passages in a MongoDB collection as {_id, data, embedding, metadata}
// documents. metadata.id is unique, as in the Cosmos DB layout.
type MongoStore struct {
	lc         lifecycle
	client     *mongo.Client
	db         *mongo.Database
	collection *mongo.Collection
	name       string
	search     string
	embedder   embedding.Embedder
	opts       Options
	logger     *zap.Logger
}

type mongoDoc struct {
	ID        string    `bson:"_id"`
	Data      string    `bson:"data"`
	Embedding []float64 `bson:"embedding,omitempty"`
	Metadata  bson.Raw  `bson:"metadata"`
	Score     float64   `bson:"similarityScore,omitempty"`
}

// NewMongoStore connects and creates the unique id index and, in cosmos mode, the vector index.
func NewMongoStore(ctx context.Context, cfg MongoConfig, emb embedding.Embedder, logger *zap.Logger) (*MongoStore, error) {
	if emb == nil {
		return nil, fmt.Errorf("%w: mongo store needs an embedding function", errs.ErrInvalidArgument)
	}
	if cfg.URI == "" && cfg.ServiceName == "" {
		return nil, fmt.Errorf("%w: mongo store needs uri or service_name", errs.ErrInvalidArgument)
	}
	search := strings.ToLower(cfg.Search)
	switch search {
	case "":
		search = MongoSearchCosmos
	case MongoSearchCosmos, MongoSearchScan:
	default:
		return nil, fmt.Errorf("%w: unknown mongo search mode %q", errs.ErrInvalidArgument, cfg.Search)
	}
	dbName := cfg.Database
	if dbName == "" {
		dbName = "ragwire"
	}
	name := cfg.Collection
	if name == "" {
		name = DefaultTable
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = mongoDefaultTimeout
	}

	clientOpts := options.Client().
		ApplyURI(cfg.ConnString()).
		SetServerSelectionTimeout(timeout).
		SetConnectTimeout(timeout)
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, errs.Unavailable("open", mongoBackend, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errs.Unavailable("open", mongoBackend, err)
	}
	db := client.Database(dbName)
	s := &MongoStore{
		client:     client,
		db:         db,
		collection: db.Collection(name),
		name:       name,
		search:     search,
		embedder:   emb,
		opts:       cfg.Options.WithDefaults(),
		logger:     utils.OrNop(logger),
	}
	if err := s.init(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) init(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "metadata.id", Value: -1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return s.wrap("init", s.name, err)
	}
	if s.search != MongoSearchCosmos {
		return nil
	}
	err = s.db.RunCommand(ctx, cosmosIndexCommand(s.name, s.embedder.Dimensions())).Err()
	if err != nil {
		return s.wrap("init", mongoVectorIndex, err)
	}
	return nil
}

func cosmosIndexCommand(collection string, dims int) bson.D {
	return bson.D{
		{Key: "createIndexes", Value: collection},
		{Key: "indexes", Value: bson.A{
			bson.D{
				{Key: "name", Value: mongoVectorIndex},
				{Key: "key", Value: bson.D{{Key: "embedding", Value: "cosmosSearch"}}},
				{Key: "cosmosSearchOptions", Value: bson.D{
					{Key: "kind", Value: "vector-ivf"},
					{Key: "numLists", Value: 1},
					{Key: "similarity", Value: "COS"},
					{Key: "dimensions", Value: dims},
				}},
			},
		}},
	}
}

// SaveText replaces the document with the same id, inserting it when absent. A concurrent
// insert of the same id surfaces as a duplicate key, after which the replace is retried once.
func (s *MongoStore) SaveText(ctx context.Context, content string, attributes map[string]any) error {
	release, err := s.lc.enter()
	if err != nil {
		return err
	}
	defer release()

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return embedError(mongoBackend, err)
	}
	id := documentID(attributes)
	meta, err := normalizeAttributes(withID(attributes, id))
	if err != nil {
		return errs.Wrap("save", mongoBackend, id, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err))
	}
	doc := bson.D{
		{Key: "_id", Value: id},
		{Key: "data", Value: content},
		{Key: "embedding", Value: vec},
		{Key: "metadata", Value: meta},
	}
	filter := bson.D{{Key: "_id", Value: id}}
	upsert := options.Replace().SetUpsert(true)
	_, err = s.collection.ReplaceOne(ctx, filter, doc, upsert)
	if mongo.IsDuplicateKeyError(err) {
		_, err = s.collection.ReplaceOne(ctx, filter, doc, upsert)
	}
	if err != nil {
		return s.wrap("save", id, err)
	}
	return nil
}

// QueryText returns the nearest passages within MaxDistance, best first. RankScore is the
// cosine similarity.
func (s *MongoStore) QueryText(ctx context.Context, query string) ([]Item, error) {
	release, err := s.lc.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, embedError(mongoBackend, err)
	}
	var docs []mongoDoc
	if s.search == MongoSearchCosmos {
		docs, err = s.cosmosSearch(ctx, vec)
	} else {
		docs, err = s.scan(ctx, vec)
	}
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(docs))
	for _, d := range docs {
		if 1-d.Score > s.opts.MaxDistance {
			continue
		}
		item, err := mongoItem(d)
		if err != nil {
			return nil, errs.Wrap("query", mongoBackend, d.ID, err)
		}
		item.RankScore = d.Score
		items = append(items, item)
		if len(items) == s.opts.NumberItems {
			break
		}
	}
	return items, nil
}

func cosmosSearchPipeline(vec []float32, k int) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$search", Value: bson.D{
			{Key: "cosmosSearch", Value: bson.D{
				{Key: "vector", Value: vec},
				{Key: "path", Value: "embedding"},
				{Key: "k", Value: k},
			}},
			{Key: "returnStoredSource", Value: true},
		}}},
		{{Key: "$project", Value: bson.D{
			{Key: "similarityScore", Value: bson.D{{Key: "$meta", Value: "searchScore"}}},
			{Key: "data", Value: 1},
			{Key: "metadata", Value: 1},
		}}},
	}
}

func (s *MongoStore) cosmosSearch(ctx context.Context, vec []float32) ([]mongoDoc, error) {
	cur, err := s.collection.Aggregate(ctx, cosmosSearchPipeline(vec, s.opts.NumberItems))
	if err != nil {
		return nil, s.wrap("query", "", err)
	}
	var docs []mongoDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, s.wrap("query", "", err)
	}
	return docs, nil
}

// scan scores every stored embedding and returns the documents sorted by similarity, then id.
func (s *MongoStore) scan(ctx context.Context, vec []float32) ([]mongoDoc, error) {
	cur, err := s.collection.Find(ctx, bson.D{})
	if err != nil {
		return nil, s.wrap("query", "", err)
	}
	defer cur.Close(ctx)

	var docs []mongoDoc
	for cur.Next(ctx) {
		var d mongoDoc
		if err := cur.Decode(&d); err != nil {
			return nil, errs.Wrap("query", mongoBackend, "", err)
		}
		stored := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			stored[i] = float32(v)
		}
		d.Score = utils.CosineSimilarity(vec, stored)
		d.Embedding = nil
		docs = append(docs, d)
	}
	if err := cur.Err(); err != nil {
		return nil, s.wrap("query", "", err)
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		return docs[i].ID < docs[j].ID
	})
	return docs, nil
}

// Get filters server side on metadata.<key> and keeps exact matches, ordered by id.
func (s *MongoStore) Get(ctx context.Context, attributes map[string]any) ([]Item, error) {
	release, err := s.lc.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	filter, err := normalizeAttributes(attributes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	find := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetProjection(bson.D{{Key: "embedding", Value: 0}})
	cur, err := s.collection.Find(ctx, mongoFilter(filter), find)
	if err != nil {
		return nil, s.wrap("get", "", err)
	}
	defer cur.Close(ctx)

	items := make([]Item, 0, s.opts.NumberItems)
	for len(items) < s.opts.NumberItems && cur.Next(ctx) {
		var d mongoDoc
		if err := cur.Decode(&d); err != nil {
			return nil, errs.Wrap("get", mongoBackend, "", err)
		}
		item, err := mongoItem(d)
		if err != nil {
			return nil, errs.Wrap("get", mongoBackend, d.ID, err)
		}
		// a scalar condition also matches arrays holding it
		if matchAttributes(item.Attributes, filter) {
			items = append(items, item)
		}
	}
	if err := cur.Err(); err != nil {
		return nil, s.wrap("get", "", err)
	}
	return items, nil
}

// mongoFilter turns normalized attributes into metadata.<key> conditions. Nested objects are
// flattened to dotted paths, since embedded document equality depends on key order.
func mongoFilter(filter map[string]any) bson.D {
	out := bson.D{}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			path := prefix + "." + k
			switch v := m[k].(type) {
			case map[string]any:
				walk(path, v)
			case nil:
				// null also matches a missing field; matchAttributes decides
			default:
				out = append(out, bson.E{Key: path, Value: v})
			}
		}
	}
	walk("metadata", filter)
	return out
}

func mongoItem(d mongoDoc) (Item, error) {
	var attrs map[string]any
	if len(d.Metadata) == 0 {
		attrs = map[string]any{}
	} else {
		raw, err := bson.MarshalExtJSON(d.Metadata, false, false)
		if err != nil {
			return Item{}, err
		}
		if attrs, err = decodeAttributes(raw); err != nil {
			return Item{}, err
		}
	}
	attrs["id"] = d.ID
	return Item{Content: d.Data, Attributes: attrs}, nil
}

// Reset drops the collection and recreates its indexes.
func (s *MongoStore) Reset(ctx context.Context) error {
	release, err := s.lc.enter()
	if err != nil {
		return err
	}
	defer release()

	if err := s.collection.Drop(ctx); err != nil {
		return s.wrap("reset", s.name, err)
	}
	s.logger.Debug("mongo collection dropped", zap.String("collection", s.name))
	return s.init(ctx)
}

// Close waits for in-flight calls and disconnects the client.
func (s *MongoStore) Close() error {
	return s.lc.close(func() error {
		if s.client == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), mongoDefaultTimeout)
		defer cancel()
		return s.client.Disconnect(ctx)
	})
}

// wrap marks network, timeout and authentication failures as unavailable.
func (s *MongoStore) wrap(op, key string, err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return errs.Unavailable(op, mongoBackend, err)
	}
	var se mongo.ServerError
	// 13 Unauthorized, 18 AuthenticationFailed
	if errors.As(err, &se) && (se.HasErrorCode(13) || se.HasErrorCode(18)) {
		return errs.Unavailable(op, mongoBackend, err)
	}
	return errs.Wrap(op, mongoBackend, key, err)
}

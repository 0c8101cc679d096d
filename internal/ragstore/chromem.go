package ragstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/hyperjump/ragwire/internal/embedding"
	"github.com/hyperjump/ragwire/internal/errs"
	"github.com/hyperjump/ragwire/pkg/utils"
)

const (
	chromemBackend = "chromem"
	// attributesKey holds the JSON-encoded attributes in chromem's string-only metadata.
	attributesKey = "_attributes"
)

// ChromemConfig configures a ChromemStore. An empty Path keeps the collection in memory.
type ChromemConfig struct {
	Path       string
	Collection string
	Options    Options
}

// ChromemStore is an embedded pure vector store backed by chromem-go.
type ChromemStore struct {
	lc         lifecycle
	db         *chromem.DB
	name       string
	collection *chromem.Collection
	embedder   embedding.Embedder
	opts       Options
	logger     *zap.Logger
}

// NewChromemStore opens (or creates) the collection.
func NewChromemStore(cfg ChromemConfig, emb embedding.Embedder, logger *zap.Logger) (*ChromemStore, error) {
	if emb == nil {
		return nil, fmt.Errorf("%w: chromem store needs an embedding function", errs.ErrInvalidArgument)
	}
	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, errs.Unavailable("open", chromemBackend, err)
		}
	}
	name := cfg.Collection
	if name == "" {
		name = DefaultTable
	}
	s := &ChromemStore{
		db:       db,
		name:     name,
		embedder: emb,
		opts:     cfg.Options.WithDefaults(),
		logger:   utils.OrNop(logger),
	}
	if err := s.openCollection(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ChromemStore) openCollection() error {
	c, err := s.db.GetOrCreateCollection(s.name, nil, s.embed)
	if err != nil {
		return errs.Wrap("open", chromemBackend, s.name, err)
	}
	s.collection = c
	return nil
}

func (s *ChromemStore) embed(ctx context.Context, text string) ([]float32, error) {
	return s.embedder.Embed(ctx, text)
}

// SaveText stores the document. Attributes are kept as JSON under _attributes and scalar
// attributes are mirrored as strings so that Get can filter with chromem's where clause.
func (s *ChromemStore) SaveText(ctx context.Context, content string, attributes map[string]any) error {
	release, err := s.lc.enter()
	if err != nil {
		return err
	}
	defer release()

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return embedError(chromemBackend, err)
	}
	id := documentID(attributes)
	attrs := withID(attributes, id)
	raw, err := json.Marshal(attrs)
	if err != nil {
		return errs.Wrap("save", chromemBackend, id, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err))
	}
	// mirror the JSON form so that Get, which filters on normalized values, sees the same strings
	mirror, err := decodeAttributes(raw)
	if err != nil {
		return errs.Wrap("save", chromemBackend, id, err)
	}
	meta := map[string]string{attributesKey: string(raw)}
	for k, v := range mirror {
		if str, ok := scalarString(v); ok && k != attributesKey {
			meta[k] = str
		}
	}
	doc := chromem.Document{ID: id, Metadata: meta, Embedding: vec, Content: content}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		return errs.Wrap("save", chromemBackend, id, err)
	}
	return nil
}

// QueryText returns the nearest documents within MaxDistance. RankScore is the cosine similarity.
func (s *ChromemStore) QueryText(ctx context.Context, query string) ([]Item, error) {
	release, err := s.lc.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	count := s.collection.Count()
	if count == 0 {
		return []Item{}, nil
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, embedError(chromemBackend, err)
	}
	n := min(s.opts.NumberItems, count)
	results, err := s.collection.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, errs.Wrap("query", chromemBackend, "", err)
	}
	items := make([]Item, 0, len(results))
	for _, r := range results {
		similarity := float64(r.Similarity)
		if 1-similarity > s.opts.MaxDistance {
			continue
		}
		item, err := chromemItem(r.ID, r.Content, r.Metadata)
		if err != nil {
			return nil, errs.Wrap("query", chromemBackend, r.ID, err)
		}
		item.RankScore = similarity
		items = append(items, item)
	}
	return items, nil
}

// Get narrows the collection with the mirrored scalar attributes, then checks exact equality on
// the decoded attributes. Results are ordered by id.
func (s *ChromemStore) Get(ctx context.Context, attributes map[string]any) ([]Item, error) {
	release, err := s.lc.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	filter, err := normalizeAttributes(attributes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	count := s.collection.Count()
	if count == 0 {
		return []Item{}, nil
	}
	where := map[string]string{}
	for k, v := range filter {
		if str, ok := scalarString(v); ok {
			where[k] = str
		}
	}
	// chromem has no scan API; a query over the full count with an arbitrary probe returns every
	// document passing the where clause.
	probe := make([]float32, s.embedder.Dimensions())
	probe[0] = 1
	results, err := s.collection.QueryEmbedding(ctx, probe, count, where, nil)
	if err != nil {
		return nil, errs.Wrap("get", chromemBackend, "", err)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })

	items := make([]Item, 0, s.opts.NumberItems)
	for _, r := range results {
		if len(items) == s.opts.NumberItems {
			break
		}
		item, err := chromemItem(r.ID, r.Content, r.Metadata)
		if err != nil {
			return nil, errs.Wrap("get", chromemBackend, r.ID, err)
		}
		if matchAttributes(item.Attributes, filter) {
			items = append(items, item)
		}
	}
	return items, nil
}

// Reset deletes and recreates the collection.
func (s *ChromemStore) Reset(ctx context.Context) error {
	release, err := s.lc.enter()
	if err != nil {
		return err
	}
	defer release()

	if err := s.db.DeleteCollection(s.name); err != nil {
		return errs.Wrap("reset", chromemBackend, s.name, err)
	}
	return s.openCollection()
}

// Close marks the store closed. chromem persists on every write, so nothing is flushed.
func (s *ChromemStore) Close() error {
	return s.lc.close(nil)
}

func chromemItem(id, content string, meta map[string]string) (Item, error) {
	attrs, err := decodeAttributes([]byte(meta[attributesKey]))
	if err != nil {
		return Item{}, err
	}
	attrs["id"] = id
	return Item{Content: content, Attributes: attrs}, nil
}

// scalarString renders a JSON-normalized or native scalar the same way for storage and filters.
func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 64), true
	case int:
		return strconv.FormatFloat(float64(t), 'g', -1, 64), true
	case int32:
		return strconv.FormatFloat(float64(t), 'g', -1, 64), true
	case int64:
		return strconv.FormatFloat(float64(t), 'g', -1, 64), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return "", false
		}
		return strconv.FormatFloat(f, 'g', -1, 64), true
	default:
		return "", false
	}
}

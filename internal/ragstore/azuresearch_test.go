package ragstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/ragwire/internal/embedding"
	"github.com/hyperjump/ragwire/internal/errs"
)

const fakeAzureKey = "test-key"

// fakeAzure emulates the parts of the Azure AI Search REST API the store uses, including schema
// enforcement on document uploads.
type fakeAzure struct {
	mu          sync.Mutex
	definition  map[string]any
	docs        map[string]map[string]any
	order       []string
	indexPuts   int
	uploads     int
	failUploads int
}

func newFakeAzure(t *testing.T) (*fakeAzure, *httptest.Server) {
	f := &fakeAzure{docs: map[string]map[string]any{}}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("api-key") != fakeAzureKey {
				writeAzureError(w, http.StatusForbidden, "Forbidden", "invalid api key")
				return
			}
			if req.URL.Query().Get("api-version") == "" {
				writeAzureError(w, http.StatusBadRequest, "MissingApiVersion", "api-version is required")
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/indexes/{name}", f.getIndex)
	r.Put("/indexes/{name}", f.putIndex)
	r.Post("/indexes/{name}/docs/index", f.indexDocs)
	r.Post("/indexes/{name}/docs/search", f.search)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return f, srv
}

func writeAzureError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": code, "message": message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeAzure) getIndex(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.definition == nil {
		writeAzureError(w, http.StatusNotFound, "ResourceNotFound",
			fmt.Sprintf("No index with the name '%s' was found in the service.", chi.URLParam(r, "name")))
		return
	}
	out := map[string]any{"@odata.context": "https://fake/$metadata#indexes/$entity", "@odata.etag": "\"0x1\""}
	for k, v := range f.definition {
		out[k] = v
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *fakeAzure) putIndex(w http.ResponseWriter, r *http.Request) {
	var def map[string]any
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeAzureError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	for k := range def {
		if strings.HasPrefix(k, "@odata.") {
			writeAzureError(w, http.StatusBadRequest, "InvalidRequest", "unexpected annotation "+k)
			return
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	created := f.definition == nil
	f.definition = def
	f.indexPuts++
	if created {
		writeJSON(w, http.StatusCreated, def)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeAzure) fieldTypes() map[string]string {
	types := map[string]string{}
	fields, _ := f.definition["fields"].([]any)
	for _, raw := range fields {
		field, _ := raw.(map[string]any)
		name, _ := field["name"].(string)
		typ, _ := field["type"].(string)
		types[name] = typ
	}
	return types
}

func convertible(typ string, v any) bool {
	switch typ {
	case edmString:
		_, ok := v.(string)
		return ok
	case edmBoolean:
		_, ok := v.(bool)
		return ok
	case edmDouble:
		_, ok := v.(float64)
		return ok
	case edmInt32, edmInt64:
		n, ok := v.(float64)
		return ok && n == math.Trunc(n)
	case edmStringList:
		list, ok := v.([]any)
		if !ok {
			return false
		}
		for _, e := range list {
			if _, ok := e.(string); !ok {
				return false
			}
		}
		return true
	case edmSingleList:
		_, ok := v.([]any)
		return ok
	}
	return false
}

func (f *fakeAzure) indexDocs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value []map[string]any `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAzureError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.failUploads > 0 {
		f.failUploads--
		writeAzureError(w, http.StatusServiceUnavailable, "ServiceUnavailable", "try again later")
		return
	}
	types := f.fieldTypes()
	for _, doc := range body.Value {
		for k, v := range doc {
			if k == "@search.action" {
				continue
			}
			typ, ok := types[k]
			if !ok {
				writeAzureError(w, http.StatusBadRequest, "",
					fmt.Sprintf("The request is invalid. Details: The property '%s' does not exist on type 'search.documentFields'. Make sure to only use property names that are defined by the type.", k))
				return
			}
			if !convertible(typ, v) {
				writeAzureError(w, http.StatusBadRequest, "",
					fmt.Sprintf("The request is invalid. Details: Cannot convert the literal '%v' to the expected type '%s'.", v, typ))
				return
			}
		}
	}
	results := make([]map[string]any, 0, len(body.Value))
	for _, doc := range body.Value {
		id := doc["id"].(string)
		existing, ok := f.docs[id]
		if !ok {
			existing = map[string]any{}
			f.order = append(f.order, id)
		}
		for k, v := range doc {
			if k != "@search.action" {
				existing[k] = v
			}
		}
		f.docs[id] = existing
		results = append(results, map[string]any{"key": id, "status": true, "statusCode": 200})
	}
	writeJSON(w, http.StatusOK, map[string]any{"value": results})
}

type fakeHit struct {
	id    string
	score float64
}

func (f *fakeAzure) search(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Search        string `json:"search"`
		Top           int    `json:"top"`
		Filter        string `json:"filter"`
		VectorQueries []struct {
			Vector []float64 `json:"vector"`
			Weight float64   `json:"weight"`
		} `json:"vectorQueries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAzureError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var hits []fakeHit
	for _, id := range f.order {
		doc := f.docs[id]
		if body.Filter != "" && !fakeFilterMatch(body.Filter, doc) {
			continue
		}
		if body.Search == "*" && len(body.VectorQueries) == 0 {
			hits = append(hits, fakeHit{id: id, score: 1})
			continue
		}
		score := keywordOverlap(body.Search, doc["data"].(string))
		for _, vq := range body.VectorQueries {
			score += vq.Weight * dot(vq.Vector, doc["embedding"].([]any))
		}
		hits = append(hits, fakeHit{id: id, score: score})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if body.Top > 0 && len(hits) > body.Top {
		hits = hits[:body.Top]
	}

	types := f.fieldTypes()
	value := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		out := map[string]any{"@search.score": h.score}
		for name := range types {
			if name != "embedding" {
				out[name] = f.docs[h.id][name]
			}
		}
		value = append(value, out)
	}
	writeJSON(w, http.StatusOK, map[string]any{"@odata.context": "https://fake", "value": value})
}

func keywordOverlap(query, text string) float64 {
	words := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		words[w] = true
	}
	var n float64
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if words[w] {
			n++
		}
	}
	return n
}

func dot(a []float64, b []any) float64 {
	var sum float64
	for i := range a {
		if i < len(b) {
			sum += a[i] * b[i].(float64)
		}
	}
	return sum
}

// fakeFilterMatch understands "field eq literal" terms joined with " and ".
func fakeFilterMatch(filter string, doc map[string]any) bool {
	for _, term := range strings.Split(filter, " and ") {
		field, literal, ok := strings.Cut(term, " eq ")
		if !ok {
			return false
		}
		var want any
		switch {
		case strings.HasPrefix(literal, "'"):
			want = strings.ReplaceAll(strings.Trim(literal, "'"), "''", "'")
		case literal == "true" || literal == "false":
			want = literal == "true"
		default:
			n, err := strconv.ParseFloat(literal, 64)
			if err != nil {
				return false
			}
			want = n
		}
		if doc[field] != want {
			return false
		}
	}
	return true
}

func openAzure(t *testing.T, srv *httptest.Server, opts Options) *AzureSearchStore {
	s, err := NewAzureSearchStore(context.Background(), AzureSearchConfig{
		Endpoint: srv.URL,
		Index:    "rag-test",
		APIKey:   fakeAzureKey,
		Options:  opts,
	}, embedding.NewMockEmbedder(16), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAzureSearchStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T, opts Options) Store {
		_, srv := newFakeAzure(t)
		return openAzure(t, srv, opts)
	})
}

func TestAzureSearchStore_CreatesIndexOnce(t *testing.T) {
	fake, srv := newFakeAzure(t)
	openAzure(t, srv, Options{})
	openAzure(t, srv, Options{})
	assert.Equal(t, 1, fake.indexPuts)

	types := fake.fieldTypes()
	assert.Equal(t, edmString, types["id"])
	assert.Equal(t, edmString, types["data"])
	assert.Equal(t, edmSingleList, types["embedding"])
}

func TestAzureSearchStore_SchemaEvolution(t *testing.T) {
	ctx := context.Background()
	fake, srv := newFakeAzure(t)
	s := openAzure(t, srv, Options{})

	require.NoError(t, s.SaveText(ctx, "annual report", map[string]any{
		"id":        "r1",
		"category":  "news",
		"year":      2024,
		"score":     0.75,
		"published": true,
		"tags":      []string{"finance", "report"},
	}))
	assert.Equal(t, 2, fake.indexPuts)
	assert.Equal(t, 2, fake.uploads)

	types := fake.fieldTypes()
	assert.Equal(t, edmString, types["category"])
	assert.Equal(t, edmInt32, types["year"])
	assert.Equal(t, edmDouble, types["score"])
	assert.Equal(t, edmBoolean, types["published"])
	assert.Equal(t, edmStringList, types["tags"])

	// known fields need no migration
	require.NoError(t, s.SaveText(ctx, "second report", map[string]any{"id": "r2", "category": "news", "year": 2023}))
	assert.Equal(t, 2, fake.indexPuts)
	assert.Equal(t, 3, fake.uploads)

	items, err := s.Get(ctx, map[string]any{"category": "news", "year": 2024})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "r1", items[0].ID())
	assert.Equal(t, []any{"finance", "report"}, items[0].Attributes["tags"])
	assert.Zero(t, items[0].RankScore)

	// r2 never set these fields; the service returns them as null
	items, err = s.Get(ctx, map[string]any{"id": "r2"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.NotContains(t, items[0].Attributes, "tags")
	assert.NotContains(t, items[0].Attributes, "embedding")
}

func TestAzureSearchStore_SchemaMismatchIsFatal(t *testing.T) {
	ctx := context.Background()
	fake, srv := newFakeAzure(t)
	s := openAzure(t, srv, Options{})
	require.NoError(t, s.SaveText(ctx, "typed", map[string]any{"id": "a", "year": 2024}))
	puts := fake.indexPuts

	err := s.SaveText(ctx, "wrong type", map[string]any{"id": "b", "year": "last year"})
	assert.ErrorIs(t, err, errs.ErrSchemaMismatch)
	assert.Equal(t, puts, fake.indexPuts)

	// an unknown field whose value the inferred type cannot hold fails after one migration
	uploads := fake.uploads
	err = s.SaveText(ctx, "nested", map[string]any{"id": "c", "nested": map[string]any{"k": "v"}})
	assert.ErrorIs(t, err, errs.ErrSchemaMismatch)
	var opErr *errs.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "c", opErr.Key)
	assert.Equal(t, puts+1, fake.indexPuts)
	assert.Equal(t, uploads+2, fake.uploads)
}

func TestAzureSearchStore_Unavailable(t *testing.T) {
	ctx := context.Background()
	fake, srv := newFakeAzure(t)
	s := openAzure(t, srv, Options{})

	fake.mu.Lock()
	fake.failUploads = 1
	fake.mu.Unlock()
	err := s.SaveText(ctx, "retry later", map[string]any{"id": "x"})
	assert.ErrorIs(t, err, errs.ErrBackendUnavailable)
	assert.NotErrorIs(t, err, errs.ErrSchemaMismatch)

	_, err = NewAzureSearchStore(ctx, AzureSearchConfig{Endpoint: srv.URL, Index: "rag-test", APIKey: "wrong"},
		embedding.NewMockEmbedder(16), nil)
	assert.ErrorIs(t, err, errs.ErrBackendUnavailable)
}

func TestAzureSearchStore_ReservedAttributes(t *testing.T) {
	_, srv := newFakeAzure(t)
	s := openAzure(t, srv, Options{})
	for _, name := range []string{"data", "embedding", "@search.score"} {
		err := s.SaveText(context.Background(), "x", map[string]any{name: "y"})
		assert.ErrorIs(t, err, errs.ErrInvalidArgument, name)
	}
}

func TestNewAzureSearchStore_Validation(t *testing.T) {
	emb := embedding.NewMockEmbedder(4)
	tests := []struct {
		name string
		cfg  AzureSearchConfig
	}{
		{"no service", AzureSearchConfig{Index: "i", APIKey: "k"}},
		{"no index", AzureSearchConfig{Service: "s", APIKey: "k"}},
		{"no key", AzureSearchConfig{Service: "s", Index: "i"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAzureSearchStore(context.Background(), tt.cfg, emb, nil)
			assert.ErrorIs(t, err, errs.ErrInvalidArgument)
		})
	}
	assert.Equal(t, "https://acme.search.windows.net", AzureSearchConfig{Service: "acme"}.BaseURL())
	assert.Equal(t, "http://localhost:8080", AzureSearchConfig{Endpoint: "http://localhost:8080/"}.BaseURL())
}

func TestInferFieldType(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"s", edmString},
		{true, edmBoolean},
		{1, edmInt32},
		{int64(1) << 40, edmInt64},
		{json.Number("12"), edmInt32},
		{json.Number("1.5"), edmDouble},
		{1.5, edmDouble},
		{float64(2024), edmInt32},
		{float32(-3), edmInt32},
		{float64(1 << 40), edmDouble},
		{math.NaN(), edmDouble},
		{[]string{"a"}, edmStringList},
		{[]any{"a"}, edmStringList},
		{map[string]any{}, edmString},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, inferFieldType(tt.in), "%#v", tt.in)
	}

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"year":2024,"score":0.5}`), &decoded))
	assert.Equal(t, edmInt32, inferFieldType(decoded["year"]))
	assert.Equal(t, edmDouble, inferFieldType(decoded["score"]))
}

func TestODataFilter(t *testing.T) {
	f, err := odataFilter(map[string]any{"author": "O'Brien", "year": 2024, "draft": false, "ratio": 0.5})
	require.NoError(t, err)
	assert.Equal(t, "author eq 'O''Brien' and draft eq false and ratio eq 0.5 and year eq 2024", f)

	f, err = odataFilter(nil)
	require.NoError(t, err)
	assert.Empty(t, f)

	_, err = odataFilter(map[string]any{"tags": []string{"a"}})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestMissingFields(t *testing.T) {
	def := map[string]any{"fields": []any{
		map[string]any{"name": "id", "type": edmString},
		map[string]any{"name": "category", "type": edmString},
	}}
	fields := missingFields(def, map[string]any{"id": "1", "category": "x", "year": 1, "b": true, "skip": nil})
	require.Len(t, fields, 2)
	assert.Equal(t, "b", fields[0].Name)
	assert.Equal(t, edmBoolean, fields[0].Type)
	assert.Equal(t, "year", fields[1].Name)
	assert.True(t, *fields[1].Filterable)

	addFields(def, fields)
	assert.Len(t, def["fields"], 4)
}

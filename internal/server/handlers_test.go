package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperjump/ragwire/internal/components"
	"github.com/hyperjump/ragwire/internal/config"
	"github.com/hyperjump/ragwire/internal/configstore"
	"github.com/hyperjump/ragwire/internal/embedding"
	"github.com/hyperjump/ragwire/internal/errs"
	"github.com/hyperjump/ragwire/internal/factory"
	"github.com/hyperjump/ragwire/internal/ragstore"
	"github.com/hyperjump/ragwire/internal/secret"
)

func newTestServer(t *testing.T, register ...func(*factory.Registry)) *Server {
	t.Helper()
	ctx := context.Background()
	store := configstore.NewJSONStore(t.TempDir())
	require.NoError(t, store.Initialize(ctx, false))
	for _, d := range []configstore.Descriptor{
		{
			Type: components.TypeEmbedding, Name: "mock", Instance: "MockEmbedding",
			Metadata: map[string]any{"dimensions": 16},
		},
		{
			Type: components.TypeRagStore, Name: "news", Instance: "ChromemStore",
			Metadata: map[string]any{
				"embedding_function":     factory.Token(components.TypeEmbedding, "mock"),
				"number_items_to_return": 3,
				"max_distance":           2,
			},
		},
	} {
		_, err := store.StoreConfig(ctx, d)
		require.NoError(t, err)
	}
	registry := components.NewRegistry()
	for _, fn := range register {
		fn(registry)
	}
	f := factory.New(store, registry, factory.WithSecrets(secret.MapProvider{}))
	srv := NewServer(f, nil, &config.ServerConfig{Host: "localhost", Port: 8080}, zap.NewNop())
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return srv
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeItems(t *testing.T, w *httptest.ResponseRecorder) []ragstore.Item {
	t.Helper()
	var out itemsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out.Items
}

func TestHandleHealth(t *testing.T) {
	h := newTestServer(t).Handler()
	w := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestConfigRoutes(t *testing.T) {
	h := newTestServer(t).Handler()

	w := do(t, h, http.MethodGet, "/api/v1/configs/ragstore/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPut, "/api/v1/configs/chunker/short", map[string]any{
		"instance": "SentenceChunk",
		"metadata": map[string]any{"max_chars": 200},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, http.MethodGet, "/api/v1/configs/chunker/short", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var d configstore.Descriptor
	require.NoError(t, json.NewDecoder(w.Body).Decode(&d))
	assert.Equal(t, "SentenceChunk", d.Instance)
	assert.EqualValues(t, 200, d.Metadata["max_chars"])
	assert.NotZero(t, d.Created)

	w = do(t, h, http.MethodGet, "/api/v1/configs/ragstore", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Entities []configstore.Entity `json:"entities"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list.Entities, 1)
	assert.Equal(t, "news", list.Entities[0].Name)

	w = do(t, h, http.MethodGet, "/api/v1/configs/tool", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"type":"tool","entities":[]}`, w.Body.String())

	w = do(t, h, http.MethodPut, "/api/v1/configs/chunker/bad", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStoreRoutes(t *testing.T) {
	h := newTestServer(t).Handler()
	passages := []string{
		"The central bank raised interest rates again",
		"Local football club wins the championship",
		"New library opens downtown with free workshops",
	}
	for i, p := range passages {
		w := do(t, h, http.MethodPost, "/api/v1/stores/news/documents", map[string]any{
			"content":    p,
			"attributes": map[string]any{"id": fmt.Sprintf("p%d", i), "url": fmt.Sprintf("https://example.com/%d", i)},
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := do(t, h, http.MethodPost, "/api/v1/stores/news/query", map[string]any{
		"queries": []string{passages[1]},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	items := decodeItems(t, w)
	require.NotEmpty(t, items)
	assert.Equal(t, "p1", items[0].ID())
	assert.Greater(t, items[0].RankScore, 0.0)

	w = do(t, h, http.MethodPost, "/api/v1/stores/news/get", map[string]any{
		"attributes": map[string]any{"url": "https://example.com/2"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	items = decodeItems(t, w)
	require.Len(t, items, 1)
	assert.Equal(t, passages[2], items[0].Content)

	w = do(t, h, http.MethodPost, "/api/v1/stores/news/get", map[string]any{
		"attributes": map[string]any{"url": "nowhere"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeItems(t, w))
}

func TestStoreRoutes_Errors(t *testing.T) {
	h := newTestServer(t).Handler()

	w := do(t, h, http.MethodPost, "/api/v1/stores/missing/query", map[string]any{"queries": []string{"x"}})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/stores/news/query", map[string]any{"queries": []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/stores/news/documents", bytes.NewBufferString("{"))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStoreCache(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	first, err := srv.store(ctx, "news")
	require.NoError(t, err)
	second, err := srv.store(ctx, "news")
	require.NoError(t, err)
	assert.Same(t, first, second)

	srv.forgetStores()
	third, err := srv.store(ctx, "news")
	require.NoError(t, err)
	assert.NotSame(t, first, third)

	require.NoError(t, srv.Stop(ctx))
	_, err = third.QueryText(ctx, "closed")
	assert.ErrorIs(t, err, errs.ErrClosed)
}

// gatedStores builds in-memory stores and holds the first build until release is closed.
type gatedStores struct {
	entered chan struct{}
	release chan struct{}
	builds  atomic.Int32
}

func newGatedStores() *gatedStores {
	return &gatedStores{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedStores) register(r *factory.Registry) {
	r.Register(components.TypeRagStore, "GatedStore", func(context.Context, factory.Args, factory.Deps) (any, error) {
		if g.builds.Add(1) == 1 {
			close(g.entered)
			<-g.release
		}
		return ragstore.NewChromemStore(ragstore.ChromemConfig{}, embedding.NewMockEmbedder(8), nil)
	})
}

func addGatedDescriptor(t *testing.T, srv *Server) {
	t.Helper()
	_, err := srv.factory.Store().StoreConfig(context.Background(), configstore.Descriptor{
		Type: components.TypeRagStore, Name: "slow", Instance: "GatedStore",
	})
	require.NoError(t, err)
}

func TestStoreCache_SlowOpenDoesNotBlockOthers(t *testing.T) {
	g := newGatedStores()
	srv := newTestServer(t, g.register)
	addGatedDescriptor(t, srv)
	ctx := context.Background()

	news, err := srv.store(ctx, "news")
	require.NoError(t, err)

	results := make(chan ragstore.Store, 2)
	for i := 0; i < 2; i++ {
		go func() {
			st, err := srv.store(ctx, "slow")
			assert.NoError(t, err)
			results <- st
		}()
	}
	<-g.entered

	done := make(chan ragstore.Store, 1)
	go func() {
		st, _ := srv.store(ctx, "news")
		done <- st
	}()
	select {
	case st := <-done:
		assert.Same(t, news, st)
	case <-time.After(2 * time.Second):
		t.Fatal("cached store waited for another store to open")
	}

	// a caller that gives up does not wait for the open to finish
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = srv.store(short, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(g.release)
	first, second := <-results, <-results
	require.NotNil(t, first)
	assert.Same(t, first, second)
	assert.EqualValues(t, 1, g.builds.Load())
}

func TestPutConfig_ClearsStoreCache(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()
	ctx := context.Background()

	before, err := srv.store(ctx, "news")
	require.NoError(t, err)

	// the store descriptor is unchanged, only the embedding it references
	w := do(t, h, http.MethodPut, "/api/v1/configs/embedding/mock", map[string]any{
		"instance": "MockEmbedding",
		"metadata": map[string]any{"dimensions": 32},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_, err = before.QueryText(ctx, "stale")
	assert.ErrorIs(t, err, errs.ErrClosed)

	after, err := srv.store(ctx, "news")
	require.NoError(t, err)
	assert.NotSame(t, before, after)

	w = do(t, h, http.MethodPost, "/api/v1/stores/news/documents", map[string]any{
		"content": "Fresh embeddings after the update", "attributes": map[string]any{"id": "f1"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestPutConfig_DuringOpenIsNotCachedStale(t *testing.T) {
	g := newGatedStores()
	srv := newTestServer(t, g.register)
	addGatedDescriptor(t, srv)
	h := srv.Handler()
	ctx := context.Background()

	opened := make(chan ragstore.Store, 1)
	go func() {
		st, err := srv.store(ctx, "slow")
		assert.NoError(t, err)
		opened <- st
	}()
	<-g.entered

	w := do(t, h, http.MethodPut, "/api/v1/configs/embedding/mock", map[string]any{
		"instance": "MockEmbedding",
		"metadata": map[string]any{"dimensions": 32},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	close(g.release)

	st := <-opened
	require.NotNil(t, st)
	assert.EqualValues(t, 2, g.builds.Load())
	cached, err := srv.store(ctx, "slow")
	require.NoError(t, err)
	assert.Same(t, st, cached)
	_, err = st.Get(ctx, nil)
	assert.NoError(t, err)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errs.Wrap("instantiate", "factory", "ragstore/x", errs.ErrNotFound), http.StatusNotFound},
		{errs.ErrInvalidArgument, http.StatusBadRequest},
		{errs.ErrUnresolvedReference, http.StatusBadRequest},
		{errs.ErrSchemaMismatch, http.StatusUnprocessableEntity},
		{errs.Unavailable("query", "postgres", fmt.Errorf("dial")), http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

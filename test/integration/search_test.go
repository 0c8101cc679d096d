// Package integration wires descriptors, the factory, embedded stores and the indexing pipeline
// together the way the CLI does.
package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/ragwire/internal/components"
	"github.com/hyperjump/ragwire/internal/configstore"
	"github.com/hyperjump/ragwire/internal/factory"
	"github.com/hyperjump/ragwire/internal/tool"
)

func setup(t *testing.T, storeInstance string, storeMeta map[string]any) (*factory.Factory, string) {
	t.Helper()
	dir := t.TempDir()
	cs, err := configstore.Open("sqlite", filepath.Join(dir, "config.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	ctx := context.Background()
	require.NoError(t, cs.Initialize(ctx, false))

	storeMeta["embedding_function"] = factory.Token(components.TypeEmbedding, "mock")
	storeMeta["max_distance"] = 2
	descriptors := []configstore.Descriptor{
		{Type: components.TypeEmbedding, Name: "mock", Instance: "MockEmbedding", Metadata: map[string]any{"dimensions": 16}},
		{Type: components.TypeRagStore, Name: "docs", Instance: storeInstance, Metadata: storeMeta},
		{Type: components.TypeLoader, Name: "files", Instance: "FileLoader", Metadata: map[string]any{"extensions": []any{"md"}}},
		{Type: components.TypeChunker, Name: "sentences", Instance: "SentenceChunk", Metadata: map[string]any{"max_chars": 80}},
		{Type: components.TypeIndexer, Name: "docs", Instance: "Pipeline", Metadata: map[string]any{
			"loader":    factory.Token(components.TypeLoader, "files"),
			"chunker":   factory.Token(components.TypeChunker, "sentences"),
			"rag_store": factory.Token(components.TypeRagStore, "docs"),
		}},
		{Type: components.TypeTool, Name: "search", Instance: "RagTool", Metadata: map[string]any{
			"rag_store": factory.Token(components.TypeRagStore, "docs"),
		}},
	}
	for _, d := range descriptors {
		_, err := cs.StoreConfig(ctx, d)
		require.NoError(t, err)
	}

	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	files := map[string]string{
		"ml.md":     "Machine learning algorithms learn from data.",
		"search.md": "Semantic search uses embeddings to find similar content.",
		"skip.txt":  "This file has an extension the loader ignores.",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(src, name), []byte(content), 0o600))
	}
	return factory.New(cs, components.NewRegistry()), src
}

func indexAndSearch(t *testing.T, f *factory.Factory, src string) {
	t.Helper()
	ctx := context.Background()

	p, err := components.OpenPipeline(ctx, f, "docs")
	require.NoError(t, err)
	stats, err := p.Index(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Documents)
	assert.Equal(t, 2, stats.Chunks)
	require.NoError(t, p.Close())

	obj, err := f.InstantiateByName(ctx, components.TypeTool, "search")
	require.NoError(t, err)
	rag, ok := obj.(*tool.RagTool)
	require.True(t, ok)
	defer rag.Close()

	out, err := rag.Call(ctx, []string{"Machine learning algorithms learn from data."})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "#URL:file://"), out)
	first, _, _ := strings.Cut(out, "\n\n")
	assert.Contains(t, first, "ml.md")
	assert.Contains(t, first, "Machine learning algorithms")
	assert.NotContains(t, out, "extension the loader ignores")

	items, err := rag.Store().Get(ctx, map[string]any{"title": "search.md"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Semantic search uses embeddings to find similar content.", items[0].Content)
}

func TestIntegration_SQLiteStore(t *testing.T) {
	f, src := setup(t, "SQLiteStore", map[string]any{
		"path":       filepath.Join(t.TempDir(), "rag.db"),
		"bleve_path": filepath.Join(t.TempDir(), "rag.bleve"),
	})
	indexAndSearch(t, f, src)
}

func TestIntegration_ChromemStore(t *testing.T) {
	f, src := setup(t, "ChromemStore", map[string]any{
		"path":       filepath.Join(t.TempDir(), "chromem"),
		"collection": "docs",
	})
	indexAndSearch(t, f, src)
}

package benchmark

import (
	"context"
	"fmt"
	"testing"

	"github.com/hyperjump/ragwire/internal/embedding"
	"github.com/hyperjump/ragwire/internal/indexer"
	"github.com/hyperjump/ragwire/internal/ragstore"
	"github.com/hyperjump/ragwire/internal/search"
	"github.com/hyperjump/ragwire/internal/vector"
)

func BenchmarkFuse(b *testing.B) {
	results := make([]search.QueryResult, 4)
	for q := range results {
		items := make([]ragstore.Item, 100)
		for i := range items {
			id := fmt.Sprintf("doc-%d", (i*(q+1))%150)
			items[i] = ragstore.Item{Content: id, Attributes: map[string]any{"id": id}}
		}
		results[q] = search.QueryResult{Query: fmt.Sprint(q), Items: items}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = search.Fuse(results, search.DefaultRRFConstant)
	}
}

func BenchmarkMemoryIndexSearch(b *testing.B) {
	idx, _ := vector.NewMemoryIndex(384)
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		vec := make([]float32, 384)
		vec[0] = float32(i) / 1000
		vec[1] = 1
		_ = idx.Upsert(ctx, fmt.Sprintf("doc-%d", i), vec)
	}
	query := make([]float32, 384)
	query[0] = 1.0
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = idx.Search(ctx, query, 10)
	}
}

func BenchmarkMockEmbedder_Embed(b *testing.B) {
	e := embedding.NewMockEmbedder(384)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = e.Embed(ctx, "benchmark query text for embedding")
	}
}

func BenchmarkEngineSearch(b *testing.B) {
	ctx := context.Background()
	store, err := ragstore.NewChromemStore(ragstore.ChromemConfig{
		Options: ragstore.Options{NumberItems: 10, MaxDistance: 2},
	}, embedding.NewMockEmbedder(64), nil)
	if err != nil {
		b.Fatal(err)
	}
	defer store.Close()
	for i := 0; i < 500; i++ {
		if err := store.SaveText(ctx, fmt.Sprintf("passage %d about topic %d", i, i%17), nil); err != nil {
			b.Fatal(err)
		}
	}
	engine := search.NewEngine()
	queries := []string{"topic 3", "passage about topic", "topic 11"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.Search(ctx, store, queries); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSentenceChunker(b *testing.B) {
	c, err := indexer.NewSentenceChunker(200)
	if err != nil {
		b.Fatal(err)
	}
	text := ""
	for i := 0; i < 50; i++ {
		text += fmt.Sprintf("Sentence number %d describes the benchmark corpus. ", i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.Split(text)
	}
}

package search

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/ragwire/internal/embedding"
	"github.com/hyperjump/ragwire/internal/ragstore"
)

// scriptedStore answers QueryText from a fixed table and records concurrency.
type scriptedStore struct {
	answers  map[string][]ragstore.Item
	fail     map[string]error
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
	mu       sync.Mutex
	seen     []string
}

func (s *scriptedStore) QueryText(ctx context.Context, query string) ([]ragstore.Item, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	s.mu.Lock()
	s.seen = append(s.seen, query)
	s.mu.Unlock()
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := s.fail[query]; err != nil {
		return nil, err
	}
	return s.answers[query], nil
}

func (s *scriptedStore) SaveText(context.Context, string, map[string]any) error { return nil }
func (s *scriptedStore) Get(context.Context, map[string]any) ([]ragstore.Item, error) {
	return nil, nil
}
func (s *scriptedStore) Close() error { return nil }

func TestEngine_MultiQueryKeepsOrder(t *testing.T) {
	store := &scriptedStore{
		answers: map[string][]ragstore.Item{
			"A": {item("id1"), item("id2")},
			"B": {item("id2"), item("id3")},
			"C": {item("id4")},
		},
		delay: 5 * time.Millisecond,
	}
	e := NewEngine(WithParallelism(2))
	results, err := e.MultiQuery(context.Background(), store, []string{"A", "B", "C"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "A", results[0].Query)
	assert.Equal(t, "B", results[1].Query)
	assert.Equal(t, "C", results[2].Query)
	assert.Equal(t, []string{"id4"}, ids(results[2].Items))
	assert.LessOrEqual(t, store.peak.Load(), int32(2))
}

func TestEngine_SearchFuses(t *testing.T) {
	store := &scriptedStore{answers: map[string][]ragstore.Item{
		"A": {item("id1"), item("id2")},
		"B": {item("id2"), item("id3")},
	}}
	fused, err := NewEngine().Search(context.Background(), store, []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, []string{"id2", "id1"}, ids(fused))

	fused, err = NewEngine().Search(context.Background(), store, nil)
	require.NoError(t, err)
	assert.Empty(t, fused)
}

func TestEngine_FirstErrorCancels(t *testing.T) {
	boom := errors.New("boom")
	store := &scriptedStore{
		answers: map[string][]ragstore.Item{"ok": {item("a")}},
		fail:    map[string]error{"bad": boom},
	}
	_, err := NewEngine().MultiQuery(context.Background(), store, []string{"ok", "bad"})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), `query "bad"`)
}

func TestEngine_WithSQLiteStore(t *testing.T) {
	ctx := context.Background()
	store, err := ragstore.NewSQLiteStore(ctx, ragstore.SQLiteConfig{
		// mock embeddings carry no meaning; keep only exact vector matches
		Options: ragstore.Options{NumberItems: 3, MaxDistance: 0.05},
	}, embedding.NewMockEmbedder(16), nil)
	require.NoError(t, err)
	defer store.Close()

	docs := map[string]string{
		"rates":    "The central bank raised interest rates to fight inflation",
		"football": "The football season opens with a derby",
		"housing":  "Mortgage costs climb as interest rates rise",
	}
	for id, text := range docs {
		require.NoError(t, store.SaveText(ctx, text, map[string]any{"id": id}))
	}

	fused, err := NewEngine().Search(ctx, store, []string{"interest rates", "mortgage costs"})
	require.NoError(t, err)
	require.NotEmpty(t, fused)
	assert.Equal(t, "housing", fused[0].ID())
	assert.NotContains(t, ids(fused), "football")
}

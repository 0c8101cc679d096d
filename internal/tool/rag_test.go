package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/ragwire/internal/embedding"
	"github.com/hyperjump/ragwire/internal/errs"
	"github.com/hyperjump/ragwire/internal/ragstore"
	"github.com/hyperjump/ragwire/internal/search"
)

func TestRender(t *testing.T) {
	items := []ragstore.Item{
		{Content: "first passage", Attributes: map[string]any{"id": "1", "url": "https://a.example"}},
		{Content: "second passage", Attributes: map[string]any{"id": "2"}},
	}
	want := "#URL:https://a.example\n first passage\n\n" + "\n\n" + "#URL:\n second passage\n\n"
	assert.Equal(t, want, Render(items))
	assert.Equal(t, "", Render(nil))
}

func TestRagTool_Call(t *testing.T) {
	ctx := context.Background()
	store, err := ragstore.NewChromemStore(ragstore.ChromemConfig{
		Options: ragstore.Options{NumberItems: 1, MaxDistance: 0.05},
	}, embedding.NewMockEmbedder(16), nil)
	require.NoError(t, err)

	require.NoError(t, store.SaveText(ctx, "rates are up", map[string]any{"id": "r", "url": "https://news.example/rates"}))
	require.NoError(t, store.SaveText(ctx, "football tonight", map[string]any{"id": "f", "url": "https://news.example/football"}))

	rt, err := NewRagTool(store, search.NewEngine(search.WithParallelism(1)), "", "")
	require.NoError(t, err)
	defer rt.Close()
	assert.Equal(t, DefaultRagToolName, rt.Name())
	assert.Equal(t, DefaultRagToolDescription, rt.Description())

	out, err := rt.Call(ctx, []string{"rates are up"})
	require.NoError(t, err)
	assert.Equal(t, "#URL:https://news.example/rates\n rates are up\n\n", out)

	out, err = rt.Call(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRagTool_ClosedStore(t *testing.T) {
	store, err := ragstore.NewChromemStore(ragstore.ChromemConfig{}, embedding.NewMockEmbedder(8), nil)
	require.NoError(t, err)
	rt, err := NewRagTool(store, nil, "news", "search news")
	require.NoError(t, err)
	require.NoError(t, rt.Close())

	_, err = rt.Call(context.Background(), []string{"anything"})
	assert.ErrorIs(t, err, errs.ErrClosed)
	assert.Equal(t, "news", rt.Name())

	_, err = NewRagTool(nil, nil, "", "")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

package indexer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/ragwire/internal/errs"
)

func rssFeed(base string, links ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>World News</title><link>%s</link><description>Headlines</description>`, base)
	for i, link := range links {
		if link == "" {
			fmt.Fprintf(&b, "<item><title>Item %d</title><description>no link</description></item>", i)
			continue
		}
		fmt.Fprintf(&b, "<item><title>Item %d</title><link>%s</link></item>", i, link)
	}
	b.WriteString("</channel></rss>")
	return b.String()
}

// newNewsServer serves three feeds and the articles they link to. /articles/gone.html is a 404.
func newNewsServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	feeds := map[string]string{
		"/feed.xml": rssFeed(srv.URL,
			srv.URL+"/articles/rates.html",
			"/articles/derby.html",
			srv.URL+"/articles/rates.html",
			""),
		"/mixed.xml": rssFeed(srv.URL, srv.URL+"/articles/rates.html", srv.URL+"/articles/gone.html"),
		"/dead.xml":  rssFeed(srv.URL, srv.URL+"/articles/gone.html"),
	}
	for path, body := range feeds {
		body := body
		mux.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/rss+xml")
			_, _ = w.Write([]byte(body))
		})
	}
	pages := map[string]string{
		"/articles/rates.html": "<html><head><title>Rates</title></head><body><p>The central bank raised interest rates.</p></body></html>",
		"/articles/derby.html": "<html><head><title>Derby</title></head><body><p>The derby ended in a draw.</p></body></html>",
	}
	for path, body := range pages {
		body := body
		mux.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(body))
		})
	}
	mux.HandleFunc("/busy.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	return srv
}

func TestFeedReader_Links(t *testing.T) {
	srv := newNewsServer(t)
	r := NewFeedReader(srv.Client(), nil)

	links, err := r.Links(context.Background(), srv.URL+"/feed.xml")
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL + "/articles/rates.html", srv.URL + "/articles/derby.html"}, links)
}

func TestFeedReader_Errors(t *testing.T) {
	srv := newNewsServer(t)
	r := NewFeedReader(srv.Client(), nil)
	ctx := context.Background()

	_, err := r.Links(ctx, "./feed.xml")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = r.Links(ctx, srv.URL+"/articles/rates.html")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = r.Links(ctx, srv.URL+"/missing.xml")
	require.Error(t, err)
	assert.NotErrorIs(t, err, errs.ErrBackendUnavailable)
	assert.Contains(t, err.Error(), "404")

	_, err = r.Links(ctx, srv.URL+"/busy.xml")
	assert.ErrorIs(t, err, errs.ErrBackendUnavailable)
}

func TestFeedLoader(t *testing.T) {
	srv := newNewsServer(t)
	pages := NewHTTPLoader(srv.Client(), nil)
	l := NewFeedLoader(NewFeedReader(srv.Client(), nil), pages, nil)
	ctx := context.Background()

	docs, err := l.Load(ctx, srv.URL+"/feed.xml")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Contains(t, docs[0].Content, "central bank")
	assert.Equal(t, srv.URL+"/articles/rates.html", docs[0].Attributes[AttrURL])
	assert.Equal(t, "Rates", docs[0].Attributes[AttrTitle])
	assert.Equal(t, srv.URL+"/feed.xml", docs[0].Attributes[AttrFeed])
	assert.Equal(t, srv.URL+"/articles/derby.html", docs[1].Attributes[AttrURL])

	// one broken article is left out
	docs, err = l.Load(ctx, srv.URL+"/mixed.xml")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, srv.URL+"/articles/rates.html", docs[0].Attributes[AttrURL])

	_, err = l.Load(ctx, srv.URL+"/dead.xml")
	assert.ErrorContains(t, err, "gone.html")
}

func TestPipeline_IndexFeed(t *testing.T) {
	srv := newNewsServer(t)
	feeds := NewFeedReader(srv.Client(), nil)
	store := &recordingStore{}
	p, err := NewPipeline(NewHTTPLoader(srv.Client(), nil), nil, store, WithSkipExisting(AttrURL))
	require.NoError(t, err)
	ctx := context.Background()

	stats, err := p.IndexFeed(ctx, feeds, srv.URL+"/feed.xml")
	require.NoError(t, err)
	assert.Equal(t, Stats{Sources: 2, Documents: 2, Chunks: 2}, stats)
	require.Len(t, store.saves, 2)
	for _, sv := range store.saves {
		assert.Equal(t, srv.URL+"/feed.xml", sv.attributes[AttrFeed])
	}

	// every article is already stored under its url
	stats, err = p.IndexFeed(ctx, feeds, srv.URL+"/feed.xml")
	require.NoError(t, err)
	assert.Equal(t, Stats{Sources: 2, Skipped: 2}, stats)
	assert.Len(t, store.saves, 2)

	stats, err = p.IndexFeed(ctx, feeds, srv.URL+"/mixed.xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gone.html")
	assert.Equal(t, Stats{Sources: 2, Skipped: 1, Failed: 1}, stats)

	_, err = p.IndexFeed(ctx, feeds, srv.URL+"/busy.xml")
	assert.ErrorIs(t, err, errs.ErrBackendUnavailable)
}

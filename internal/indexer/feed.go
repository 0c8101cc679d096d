package indexer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/hyperjump/ragwire/internal/errs"
	"github.com/hyperjump/ragwire/pkg/utils"
)

// AttrFeed names the feed an article was found in.
const AttrFeed = "feed"

// FeedReader lists the article links of an RSS, Atom or JSON feed.
type FeedReader struct {
	parser *gofeed.Parser
	logger *zap.Logger
}

// NewFeedReader returns a reader using client, or a client with DefaultHTTPTimeout when nil.
func NewFeedReader(client *http.Client, logger *zap.Logger) *FeedReader {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	parser := gofeed.NewParser()
	parser.Client = client
	parser.UserAgent = userAgent
	return &FeedReader{parser: parser, logger: utils.OrNop(logger)}
}

// Links fetches feedURL and returns the link of every entry in feed order. Relative links are
// resolved against the feed URL, duplicates and entries without a link are dropped.
func (r *FeedReader) Links(ctx context.Context, feedURL string) ([]string, error) {
	base, err := url.Parse(feedURL)
	if err != nil || !IsURL(feedURL) {
		return nil, fmt.Errorf("%w: feed must be an http or https URL: %q", errs.ErrInvalidArgument, feedURL)
	}
	feed, err := r.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, feedError(feedURL, err)
	}

	seen := make(map[string]bool, len(feed.Items))
	links := make([]string, 0, len(feed.Items))
	for _, item := range feed.Items {
		link := strings.TrimSpace(item.Link)
		if link == "" && len(item.Links) > 0 {
			link = strings.TrimSpace(item.Links[0])
		}
		if link == "" {
			continue
		}
		ref, err := url.Parse(link)
		if err != nil {
			r.logger.Debug("feed entry has a malformed link", zap.String("feed", feedURL), zap.String("link", link))
			continue
		}
		link = base.ResolveReference(ref).String()
		if seen[link] {
			continue
		}
		seen[link] = true
		links = append(links, link)
	}
	r.logger.Debug("feed read", zap.String("feed", feedURL), zap.Int("links", len(links)))
	return links, nil
}

func feedError(feedURL string, err error) error {
	var httpErr gofeed.HTTPError
	if errors.As(err, &httpErr) {
		err := fmt.Errorf("fetch feed %s: %s", feedURL, httpErr.Status)
		if httpErr.StatusCode >= http.StatusInternalServerError || httpErr.StatusCode == http.StatusTooManyRequests {
			return errs.Unavailable("feed", "http", err)
		}
		return err
	}
	if errors.Is(err, gofeed.ErrFeedTypeNotDetected) {
		return fmt.Errorf("%w: %s is not a feed", errs.ErrInvalidArgument, feedURL)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.Unavailable("feed", "http", err)
	}
	return fmt.Errorf("parse feed %s: %w", feedURL, err)
}

// FeedLoader loads every article of a feed with Pages. Each document records the feed in
// AttrFeed. A failing article is logged and left out.
type FeedLoader struct {
	Feeds  *FeedReader
	Pages  Loader
	logger *zap.Logger
}

// NewFeedLoader returns a loader expanding feeds with feeds and loading articles with pages.
func NewFeedLoader(feeds *FeedReader, pages Loader, logger *zap.Logger) *FeedLoader {
	return &FeedLoader{Feeds: feeds, Pages: pages, logger: utils.OrNop(logger)}
}

// Load implements Loader. It fails only when the feed itself cannot be read, or when every
// article failed.
func (l *FeedLoader) Load(ctx context.Context, source string) ([]Document, error) {
	links, err := l.Feeds.Links(ctx, source)
	if err != nil {
		return nil, err
	}
	var (
		docs   []Document
		failed []error
	)
	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		loaded, err := l.Pages.Load(ctx, link)
		if err != nil {
			l.logger.Warn("feed article failed", zap.String("feed", source), zap.String("url", link), zap.Error(err))
			failed = append(failed, fmt.Errorf("%s: %w", link, err))
			continue
		}
		for _, doc := range loaded {
			if doc.Attributes == nil {
				doc.Attributes = map[string]any{}
			}
			doc.Attributes[AttrFeed] = source
			docs = append(docs, doc)
		}
	}
	if len(failed) > 0 && len(failed) == len(links) {
		return nil, errors.Join(failed...)
	}
	return docs, nil
}

package indexer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/ragwire/internal/errs"
	"github.com/hyperjump/ragwire/internal/extract"
	"github.com/hyperjump/ragwire/pkg/utils"
)

const (
	// DefaultHTTPTimeout bounds a single fetch.
	DefaultHTTPTimeout = 30 * time.Second
	maxBodyBytes       = 20 << 20
	userAgent          = "ragwire-loader/1.0"
)

// HTTPLoader fetches a URL and extracts its readable text. HTML pages yield the title and the
// visible body text; PDF and office payloads go through the file extractor.
type HTTPLoader struct {
	client    *http.Client
	extractor *extract.Extractor
	logger    *zap.Logger
	now       func() time.Time
}

// NewHTTPLoader returns a loader using client, or a client with DefaultHTTPTimeout when nil.
func NewHTTPLoader(client *http.Client, logger *zap.Logger) *HTTPLoader {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &HTTPLoader{
		client:    client,
		extractor: extract.NewExtractor(),
		logger:    utils.OrNop(logger),
		now:       time.Now,
	}
}

// Client returns the HTTP client used for fetches.
func (l *HTTPLoader) Client() *http.Client {
	return l.client
}

// Load fetches source. A page without text yields no documents.
func (l *HTTPLoader) Load(ctx context.Context, source string) ([]Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, errs.Unavailable("load", "http", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("fetch %s: %s", source, resp.Status)
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return nil, errs.Unavailable("load", "http", err)
		}
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errs.Unavailable("load", "http", err)
	}

	title, text, err := l.extract(source, resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		l.logger.Debug("http loader found no text", zap.String("url", source))
		return nil, nil
	}
	return []Document{{
		Content: text,
		Attributes: map[string]any{
			AttrURL:           source,
			AttrRetrievalDate: l.now().UTC().Format(time.RFC3339),
			AttrTitle:         title,
		},
	}}, nil
}

func (l *HTTPLoader) extract(source, contentType string, body []byte) (title, text string, err error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mediaType == "" || mediaType == "text/html" || mediaType == "application/xhtml+xml":
		page, err := extract.ParseHTML(bytes.NewReader(body))
		if err != nil {
			return "", "", err
		}
		return page.Title, page.Text, nil
	case strings.HasPrefix(mediaType, "text/"):
		text, err := l.extractor.ExtractBytes(body, ".txt")
		return "", text, err
	}
	ext := mediaExtension(mediaType)
	if ext == "" {
		ext = strings.ToLower(path.Ext(strings.SplitN(source, "?", 2)[0]))
	}
	text, err = l.extractor.ExtractBytes(body, ext)
	if err != nil {
		return "", "", fmt.Errorf("extract %s: %w", source, err)
	}
	return path.Base(strings.SplitN(source, "?", 2)[0]), text, nil
}

var mediaExtensions = map[string]string{
	"application/pdf": ".pdf",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   ".docx",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": ".pptx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         ".xlsx",
	"application/vnd.oasis.opendocument.text":                                   ".odt",
	"application/vnd.oasis.opendocument.presentation":                           ".odp",
	"application/vnd.oasis.opendocument.spreadsheet":                            ".ods",
}

func mediaExtension(mediaType string) string {
	return mediaExtensions[mediaType]
}

package indexer

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperjump/ragwire/internal/errs"
)

// AutoLoader sends http and https sources to the web loader and everything else to the file
// loader.
type AutoLoader struct {
	Web   Loader
	Files Loader
}

// NewAutoLoader returns a loader routing between web and files. Either may be nil, in which case
// sources of that kind are rejected.
func NewAutoLoader(web, files Loader) *AutoLoader {
	return &AutoLoader{Web: web, Files: files}
}

// IsURL reports whether source is an http or https URL.
func IsURL(source string) bool {
	lower := strings.ToLower(source)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Load implements Loader.
func (l *AutoLoader) Load(ctx context.Context, source string) ([]Document, error) {
	next := l.Files
	kind := "file"
	if IsURL(source) {
		next, kind = l.Web, "url"
	}
	if next == nil {
		return nil, fmt.Errorf("%w: no loader for %s source %q", errs.ErrInvalidArgument, kind, source)
	}
	return next.Load(ctx, source)
}

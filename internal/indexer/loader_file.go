package indexer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/ragwire/internal/extract"
	"github.com/hyperjump/ragwire/internal/fileid"
	"github.com/hyperjump/ragwire/pkg/utils"
)

// Attribute keys set by FileLoader.
const (
	AttrSourcePath    = "source_path"
	AttrSourceMtime   = "source_mtime"
	AttrSourceSize    = "source_size"
	AttrTitle         = "title"
	AttrRetrievalDate = "retrieval_date"
)

// FileLoader loads local files, or every matching file below a directory, through the text
// extractor.
type FileLoader struct {
	extractor  *extract.Extractor
	extensions []string
	logger     *zap.Logger
	now        func() time.Time
}

// FileLoaderOption configures a FileLoader.
type FileLoaderOption func(*FileLoader)

// WithExtensions restricts loading to the given extensions (case-insensitive, dot optional).
// Without it every regular file is read.
func WithExtensions(exts ...string) FileLoaderOption {
	return func(l *FileLoader) { l.extensions = exts }
}

// WithFileLogger sets a logger for debug output.
func WithFileLogger(logger *zap.Logger) FileLoaderOption {
	return func(l *FileLoader) { l.logger = logger }
}

// NewFileLoader returns a loader using a new extractor.
func NewFileLoader(opts ...FileLoaderOption) *FileLoader {
	l := &FileLoader{extractor: extract.NewExtractor(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = utils.OrNop(l.logger)
	return l
}

// Load reads source. A file with a disallowed extension is an error; inside a directory such
// files, hidden directories and non-regular files are skipped.
func (l *FileLoader) Load(ctx context.Context, source string) ([]Document, error) {
	absPath, err := filepath.Abs(source)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if !info.IsDir() {
		if !l.Allowed(absPath) {
			return nil, fmt.Errorf("extension %q not in allowed list", filepath.Ext(absPath))
		}
		doc, err := l.loadFile(absPath, info)
		if err != nil {
			return nil, err
		}
		return []Document{doc}, nil
	}

	var docs []Document
	err = filepath.WalkDir(absPath, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != absPath && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !l.Allowed(path) {
			return nil
		}
		// resolve symlinks so only regular files are read
		finfo, statErr := os.Stat(path)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		doc, err := l.loadFile(path, finfo)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func (l *FileLoader) loadFile(path string, info os.FileInfo) (Document, error) {
	if !info.Mode().IsRegular() {
		return Document{}, fmt.Errorf("not a regular file: %s", path)
	}
	text, err := l.extractor.Extract(path)
	if err != nil {
		return Document{}, fmt.Errorf("extract %s: %w", path, err)
	}
	l.logger.Debug("file loaded", zap.String("path", path), zap.Int("chars", len(text)))
	return Document{
		Content: text,
		Attributes: map[string]any{
			AttrURL:        fileid.SourceURL(path),
			AttrSourcePath: path,
			AttrTitle:      filepath.Base(path),
			// strings keep nanosecond mtimes exact through JSON
			AttrSourceMtime:   strconv.FormatInt(info.ModTime().UnixNano(), 10),
			AttrSourceSize:    info.Size(),
			AttrRetrievalDate: l.now().UTC().Format(time.RFC3339),
		},
	}, nil
}

// Allowed reports whether path has one of the configured extensions.
func (l *FileLoader) Allowed(path string) bool {
	if len(l.extensions) == 0 {
		return true
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	for _, a := range l.extensions {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == ext {
			return true
		}
	}
	return false
}

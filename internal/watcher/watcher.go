// Package watcher keeps a store current with a set of directories: files that are created or
// written are debounced and then indexed through an indexing pipeline.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/ragwire/internal/indexer"
	"github.com/hyperjump/ragwire/pkg/utils"
)

const (
	// DefaultDebounce is how long a file must stay quiet before it is indexed.
	DefaultDebounce = 500 * time.Millisecond
	queueSize       = 256
)

// Indexer indexes one file. *indexer.Pipeline satisfies it.
type Indexer interface {
	Index(ctx context.Context, source string) (indexer.Stats, error)
}

// Watcher watches directories and indexes changed files one at a time.
type Watcher struct {
	idx        Indexer
	extensions []string
	recursive  bool
	debounce   time.Duration
	onRemove   func(path string)
	logger     *zap.Logger

	mu        sync.Mutex
	roots     []string
	rootPaths map[string][]string // root -> directories added to fsnotify
	pending   map[string]*time.Timer
	fsw       *fsnotify.Watcher
	queue     chan string
	done      chan struct{}
	wg        sync.WaitGroup
	stats     indexer.Stats
	failures  int
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDirectories sets the initial roots.
func WithDirectories(dirs ...string) Option {
	return func(w *Watcher) { w.roots = append(w.roots, dirs...) }
}

// WithExtensions limits watching to files with these extensions. Empty means every file.
func WithExtensions(exts ...string) Option {
	return func(w *Watcher) { w.extensions = exts }
}

// WithRecursive sets whether subdirectories are watched. Default true.
func WithRecursive(recursive bool) Option {
	return func(w *Watcher) { w.recursive = recursive }
}

// WithDebounce sets the quiet period before a changed file is indexed.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithRemoveHandler sets a callback for removed files. Stores cannot delete documents, so
// without a handler removals are only logged.
func WithRemoveHandler(fn func(path string)) Option {
	return func(w *Watcher) { w.onRemove = fn }
}

// WithLogger sets the watcher logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) { w.logger = utils.OrNop(l) }
}

// New creates a watcher that feeds changed files to idx.
func New(idx Indexer, opts ...Option) *Watcher {
	w := &Watcher{
		idx:       idx,
		recursive: true,
		debounce:  DefaultDebounce,
		logger:    zap.NewNop(),
		rootPaths: make(map[string][]string),
		pending:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start adds every root and begins processing events. Missing roots are created. It returns
// immediately; the watcher runs until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	roots := w.roots
	w.roots = nil
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			_ = fsw.Close()
			w.fsw = nil
			return err
		}
		if err := w.addRootLocked(abs); err != nil {
			_ = fsw.Close()
			w.fsw = nil
			return err
		}
		w.roots = append(w.roots, abs)
	}
	w.logger.Debug("watcher starting",
		zap.Strings("roots", w.roots),
		zap.Strings("extensions", w.extensions),
		zap.Bool("recursive", w.recursive))

	w.queue = make(chan string, queueSize)
	w.done = make(chan struct{})
	w.wg.Add(2)
	go w.run(ctx, fsw, w.done)
	go w.work(ctx, w.queue, w.done)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			go w.Stop()
			return
		case <-done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// work indexes queued files serially so a burst of events does not fan out into the store.
func (w *Watcher) work(ctx context.Context, queue chan string, done chan struct{}) {
	defer w.wg.Done()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case path := <-queue:
			w.indexFile(ctx, path)
		}
	}
}

func (w *Watcher) indexFile(ctx context.Context, path string) {
	stats, err := w.idx.Index(ctx, path)
	w.mu.Lock()
	if err != nil {
		w.failures++
	} else {
		w.stats.Add(stats)
	}
	w.mu.Unlock()
	if err != nil {
		w.logger.Warn("index changed file failed", zap.String("path", path), zap.Error(err))
		return
	}
	w.logger.Info("indexed changed file", zap.String("path", path), zap.Int("chunks", stats.Chunks))
}

func (w *Watcher) enqueue(path string) {
	w.mu.Lock()
	queue, done := w.queue, w.done
	w.mu.Unlock()
	if queue == nil {
		return
	}
	select {
	case queue <- path:
	case <-done:
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := ev.Name
	if !w.underRoot(path) || hidden(path) {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			if ev.Has(fsnotify.Create) {
				w.handleNewDirectory(path)
			}
			return
		}
		if matchExtension(path, w.extensions) {
			w.schedule(path)
		}
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.cancel(path)
		if !matchExtension(path, w.extensions) {
			return
		}
		if w.onRemove != nil {
			w.onRemove(path)
			return
		}
		w.logger.Info("file removed; indexed chunks are kept", zap.String("path", path))
	}
}

// handleNewDirectory watches a directory that appeared under a root and indexes what is
// already inside it, since files copied in with it raise no events of their own.
func (w *Watcher) handleNewDirectory(dir string) {
	w.mu.Lock()
	fsw := w.fsw
	recursive := w.recursive
	w.mu.Unlock()
	if fsw == nil || !recursive {
		return
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && hidden(path) {
				return filepath.SkipDir
			}
			if err := fsw.Add(path); err != nil {
				w.logger.Debug("watch new directory failed", zap.String("path", path), zap.Error(err))
			}
			return nil
		}
		if !hidden(path) && matchExtension(path, w.extensions) {
			w.schedule(path)
		}
		return nil
	})
}

// schedule (re)starts the debounce timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.enqueue(path)
	})
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) underRoot(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	clean := filepath.Clean(path)
	for _, root := range w.roots {
		if inDir(root, clean) {
			return true
		}
	}
	return false
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// hidden reports whether the base name starts with a dot, which covers editor swap files.
func hidden(path string) bool {
	base := filepath.Base(path)
	return len(base) > 1 && strings.HasPrefix(base, ".")
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

// AddDirectory starts watching root. When syncExisting is true, the files already in it are
// queued for indexing.
func (w *Watcher) AddDirectory(root string, syncExisting bool) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	for _, r := range w.roots {
		if r == abs {
			w.mu.Unlock()
			return nil
		}
	}
	if w.fsw != nil {
		if err := w.addRootLocked(abs); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	w.roots = append(w.roots, abs)
	started := w.fsw != nil
	w.mu.Unlock()

	w.logger.Debug("watcher directory added", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if syncExisting && started {
		go w.syncDirectory(abs)
	}
	return nil
}

func (w *Watcher) addRootLocked(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	if !w.recursive {
		if err := w.fsw.Add(root); err != nil {
			return err
		}
		w.rootPaths[root] = []string{root}
		return nil
	}
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && hidden(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return err
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return err
	}
	w.rootPaths[root] = paths
	return nil
}

// RemoveDirectory stops watching root. Chunks already indexed from it stay in the store.
func (w *Watcher) RemoveDirectory(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, r := range w.roots {
		if r != abs {
			continue
		}
		if w.fsw != nil {
			for _, p := range w.rootPaths[abs] {
				_ = w.fsw.Remove(p)
			}
		}
		delete(w.rootPaths, abs)
		w.roots = append(w.roots[:i], w.roots[i+1:]...)
		w.logger.Debug("watcher directory removed", zap.String("path", abs))
		return nil
	}
	return nil
}

// Directories returns the watched roots.
func (w *Watcher) Directories() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.roots...)
}

// SyncExisting queues every matching file under the roots. Call it after Start to index files
// that were present before the watcher began.
func (w *Watcher) SyncExisting() {
	for _, root := range w.Directories() {
		w.syncDirectory(root)
	}
}

func (w *Watcher) syncDirectory(root string) {
	w.logger.Debug("watcher syncing directory", zap.String("root", root))
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && (hidden(path) || !w.recursive) {
				return filepath.SkipDir
			}
			return nil
		}
		if !hidden(path) && matchExtension(path, w.extensions) {
			w.enqueue(path)
		}
		return nil
	})
}

// Stats returns the totals of every successful index run and the number of failed runs.
func (w *Watcher) Stats() (indexer.Stats, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats, w.failures
}

// Stop cancels pending timers, closes the fsnotify watcher and waits for the index worker to
// finish the file it is on. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.fsw == nil {
		w.mu.Unlock()
		return
	}
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	fsw := w.fsw
	w.fsw = nil
	close(w.done)
	w.queue = nil
	w.mu.Unlock()

	_ = fsw.Close()
	w.wg.Wait()
}

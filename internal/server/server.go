// Package server provides the HTTP API for ragwire.
package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hyperjump/ragwire/internal/components"
	"github.com/hyperjump/ragwire/internal/config"
	"github.com/hyperjump/ragwire/internal/factory"
	"github.com/hyperjump/ragwire/internal/ragstore"
	"github.com/hyperjump/ragwire/internal/search"
	"github.com/hyperjump/ragwire/pkg/utils"
)

const defaultRequestTimeout = 60 * time.Second

// Server is the HTTP server for the ragwire API.
type Server struct {
	factory *factory.Factory
	engine  *search.Engine
	config  *config.ServerConfig
	logger  *zap.Logger
	server  *http.Server

	mu     sync.Mutex
	stores map[string]ragstore.Store
	// generation changes whenever the cache is cleared; an open that started before the
	// change is not cached.
	generation uint64
	opening    singleflight.Group
}

// NewServer creates a server that builds stores through f and fuses queries with engine.
func NewServer(
	f *factory.Factory,
	engine *search.Engine,
	cfg *config.ServerConfig,
	logger *zap.Logger,
) *Server {
	if engine == nil {
		engine = search.NewEngine(search.WithLogger(logger))
	}
	return &Server{
		factory: f,
		engine:  engine,
		config:  cfg,
		logger:  utils.OrNop(logger),
		stores:  make(map[string]ragstore.Store),
	}
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	timeout := defaultRequestTimeout
	if s.config != nil && s.config.RequestTimeoutSeconds > 0 {
		timeout = time.Duration(s.config.RequestTimeoutSeconds) * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(middleware.Compress(5))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/configs/{type}", s.handleListConfigs)
		r.Get("/configs/{type}/{name}", s.handleGetConfig)
		r.Put("/configs/{type}/{name}", s.handlePutConfig)
		r.Post("/stores/{name}/documents", s.handleSaveText)
		r.Post("/stores/{name}/query", s.handleQuery)
		r.Post("/stores/{name}/get", s.handleGet)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := s.config.Addr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.server = httpServer
	s.mu.Unlock()
	s.logger.Info("Starting server", zap.String("addr", addr))
	return httpServer.ListenAndServe()
}

// Stop gracefully shuts down the server and closes every store it opened.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.server
	s.mu.Unlock()
	var err error
	if httpServer != nil {
		err = httpServer.Shutdown(ctx)
	}
	return errors.Join(err, s.closeStores())
}

// maxOpenAttempts bounds how often an open is repeated because descriptors changed meanwhile.
const maxOpenAttempts = 3

// store returns the cached store called name, instantiating it on first use. Opening happens
// outside the cache lock, and concurrent requests for the same name share one open. The store
// outlives the request that opened it.
func (s *Server) store(ctx context.Context, name string) (ragstore.Store, error) {
	s.mu.Lock()
	st, ok := s.stores[name]
	s.mu.Unlock()
	if ok {
		return st, nil
	}

	ch := s.opening.DoChan(name, func() (any, error) {
		return s.open(context.WithoutCancel(ctx), name)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(ragstore.Store), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// open instantiates name and caches it, unless the cache was cleared while it was opening, in
// which case the store is closed and opened again from the current descriptors.
func (s *Server) open(ctx context.Context, name string) (ragstore.Store, error) {
	for attempt := 1; ; attempt++ {
		s.mu.Lock()
		if st, ok := s.stores[name]; ok {
			s.mu.Unlock()
			return st, nil
		}
		gen := s.generation
		s.mu.Unlock()

		st, err := components.OpenStore(ctx, s.factory, name)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if cached, ok := s.stores[name]; ok {
			// AddStore won
			s.mu.Unlock()
			_ = st.Close()
			return cached, nil
		}
		if gen == s.generation || attempt == maxOpenAttempts {
			s.stores[name] = st
			s.mu.Unlock()
			s.logger.Debug("opened store", zap.String("store", name))
			return st, nil
		}
		s.mu.Unlock()
		s.logger.Debug("descriptors changed while opening store", zap.String("store", name))
		_ = st.Close()
	}
}

// AddStore registers an open store under name, replacing a cached one. The server closes it on
// Stop.
func (s *Server) AddStore(name string, store ragstore.Store) {
	s.mu.Lock()
	old, ok := s.stores[name]
	s.stores[name] = store
	s.mu.Unlock()
	if ok && old != store {
		_ = old.Close()
	}
}

// forgetStores closes every cached store so that the next request rebuilds it from the current
// descriptors. Any descriptor may be referenced by a store, so the whole cache goes.
func (s *Server) forgetStores() {
	s.mu.Lock()
	stores := s.stores
	s.stores = make(map[string]ragstore.Store)
	s.generation++
	s.mu.Unlock()
	for name, st := range stores {
		if err := st.Close(); err != nil {
			s.logger.Warn("close store failed", zap.String("store", name), zap.Error(err))
		}
	}
}

func (s *Server) closeStores() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	var errList []error
	for _, name := range names {
		if err := s.stores[name].Close(); err != nil {
			errList = append(errList, err)
		}
		delete(s.stores, name)
	}
	return errors.Join(errList...)
}

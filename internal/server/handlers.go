package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/ragwire/internal/configstore"
	"github.com/hyperjump/ragwire/internal/errs"
	"github.com/hyperjump/ragwire/internal/ragstore"
)

type saveTextRequest struct {
	Content    string         `json:"content"`
	Attributes map[string]any `json:"attributes"`
}

type queryRequest struct {
	Queries []string `json:"queries"`
}

type getRequest struct {
	Attributes map[string]any `json:"attributes"`
}

type itemsResponse struct {
	Items []ragstore.Item `json:"items"`
}

type putConfigRequest struct {
	Instance string         `json:"instance"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	typ := chi.URLParam(r, "type")
	entities, err := s.factory.Store().GetEntities(r.Context(), typ)
	if err != nil {
		s.respondErr(w, "list configs failed", err)
		return
	}
	if entities == nil {
		entities = []configstore.Entity{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"type": typ, "entities": entities})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	typ, name := chi.URLParam(r, "type"), chi.URLParam(r, "name")
	d, ok, err := s.factory.Store().GetConfig(r.Context(), typ, name)
	if err != nil {
		s.respondErr(w, "get config failed", err)
		return
	}
	if !ok {
		s.respondError(w, http.StatusNotFound, "config not found")
		return
	}
	s.respondJSON(w, http.StatusOK, d)
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var req putConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	d := configstore.Descriptor{
		Type:     chi.URLParam(r, "type"),
		Name:     chi.URLParam(r, "name"),
		Instance: req.Instance,
		Metadata: req.Metadata,
	}
	s.logger.Debug("put config request", zap.String("key", d.Key()), zap.String("instance", d.Instance))
	stored, err := s.factory.Store().StoreConfig(r.Context(), d)
	if err != nil {
		s.respondErr(w, "store config failed", err)
		return
	}
	s.forgetStores()
	s.respondJSON(w, http.StatusOK, stored)
}

func (s *Server) handleSaveText(w http.ResponseWriter, r *http.Request) {
	var req saveTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := chi.URLParam(r, "name")
	store, err := s.store(r.Context(), name)
	if err != nil {
		s.respondErr(w, "open store failed", err)
		return
	}
	s.logger.Debug("save text request", zap.String("store", name), zap.Int("length", len(req.Content)))
	if err := store.SaveText(r.Context(), req.Content, req.Attributes); err != nil {
		s.respondErr(w, "save text failed", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"status": "saved"})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Queries) == 0 {
		s.respondError(w, http.StatusBadRequest, "queries is required")
		return
	}
	name := chi.URLParam(r, "name")
	store, err := s.store(r.Context(), name)
	if err != nil {
		s.respondErr(w, "open store failed", err)
		return
	}
	s.logger.Debug("query request", zap.String("store", name), zap.Int("queries", len(req.Queries)))
	items, err := s.engine.Search(r.Context(), store, req.Queries)
	if err != nil {
		s.respondErr(w, "query failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, itemsResponse{Items: items})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var req getRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := chi.URLParam(r, "name")
	store, err := s.store(r.Context(), name)
	if err != nil {
		s.respondErr(w, "open store failed", err)
		return
	}
	items, err := store.Get(r.Context(), req.Attributes)
	if err != nil {
		s.respondErr(w, "get failed", err)
		return
	}
	if items == nil {
		items = []ragstore.Item{}
	}
	s.respondJSON(w, http.StatusOK, itemsResponse{Items: items})
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrInvalidArgument),
		errors.Is(err, errs.ErrUnresolvedReference),
		errors.Is(err, errs.ErrUnknownImplementation),
		errors.Is(err, errs.ErrCyclicReference):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrSchemaMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrBackendUnavailable), errors.Is(err, errs.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, zap.Error(err))
	} else {
		s.logger.Debug(msg, zap.Error(err))
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

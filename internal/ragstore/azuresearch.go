package ragstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/ragwire/internal/embedding"
	"github.com/hyperjump/ragwire/internal/errs"
	"github.com/hyperjump/ragwire/pkg/utils"
)

const (
	azureBackend = "azure_ai_search"
	// DefaultAzureAPIVersion is the REST API version sent with every request.
	DefaultAzureAPIVersion = "2024-07-01"
	// AzureKeySecret is the secret holding the admin key when no other name is configured.
	AzureKeySecret = "AZ_AI_SEARCH_KEY"

	azureVectorWeight = 0.5
)

// AzureSearchConfig configures an AzureSearchStore. Endpoint, when set, replaces the
// https://<service>.search.windows.net base URL.
type AzureSearchConfig struct {
	Endpoint   string
	Service    string
	Index      string
	APIKey     string
	APIVersion string
	HTTPClient *http.Client
	Options    Options
}

// BaseURL returns the service endpoint without a trailing slash.
func (c AzureSearchConfig) BaseURL() string {
	if c.Endpoint != "" {
		return strings.TrimRight(c.Endpoint, "/")
	}
	return "https://" + c.Service + ".search.windows.net"
}

// AzureSearchStore is a hybrid store on Azure AI Search. Attributes are flattened into top-level
// index fields; fields missing from the index are added on the first write that needs them.
type AzureSearchStore struct {
	lc         lifecycle
	client     *http.Client
	baseURL    string
	index      string
	apiKey     string
	apiVersion string
	embedder   embedding.Embedder
	opts       Options
	logger     *zap.Logger
}

// azureError is an error response of the Azure AI Search REST API.
type azureError struct {
	Status  int
	Code    string
	Message string
}

func (e *azureError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("azure search: status %d: %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("azure search: status %d: %s", e.Status, e.Message)
}

// NewAzureSearchStore checks the index and creates it when it does not exist.
func NewAzureSearchStore(ctx context.Context, cfg AzureSearchConfig, emb embedding.Embedder, logger *zap.Logger) (*AzureSearchStore, error) {
	if emb == nil {
		return nil, fmt.Errorf("%w: azure search store needs an embedding function", errs.ErrInvalidArgument)
	}
	if cfg.Endpoint == "" && cfg.Service == "" {
		return nil, fmt.Errorf("%w: azure search needs a service name or endpoint", errs.ErrInvalidArgument)
	}
	if cfg.Index == "" {
		return nil, fmt.Errorf("%w: azure search needs an index name", errs.ErrInvalidArgument)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: azure search api key is empty", errs.ErrInvalidArgument)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = DefaultAzureAPIVersion
	}
	s := &AzureSearchStore{
		client:     client,
		baseURL:    cfg.BaseURL(),
		index:      cfg.Index,
		apiKey:     cfg.APIKey,
		apiVersion: apiVersion,
		embedder:   emb,
		opts:       cfg.Options.WithDefaults(),
		logger:     utils.OrNop(logger),
	}
	if err := s.ensureIndex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AzureSearchStore) indexPath() string {
	return "/indexes/" + url.PathEscape(s.index)
}

func (s *AzureSearchStore) ensureIndex(ctx context.Context) error {
	var definition map[string]any
	err := s.do(ctx, "open", http.MethodGet, s.indexPath(), nil, &definition)
	var apiErr *azureError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound:
	default:
		return err
	}
	s.logger.Info("creating azure search index", zap.String("index", s.index))
	return s.do(ctx, "open", http.MethodPut, s.indexPath(),
		newIndexDefinition(s.index, s.embedder.Dimensions()), nil)
}

// SaveText uploads the document with mergeOrUpload. When the service rejects an attribute that
// is not in the index, the missing fields are added and the upload is retried once.
func (s *AzureSearchStore) SaveText(ctx context.Context, content string, attributes map[string]any) error {
	release, err := s.lc.enter()
	if err != nil {
		return err
	}
	defer release()

	for k := range attributes {
		if k == "data" || k == "embedding" || strings.HasPrefix(k, "@") {
			return fmt.Errorf("%w: attribute name %q is reserved", errs.ErrInvalidArgument, k)
		}
	}
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return embedError(azureBackend, err)
	}
	id := documentID(attributes)
	attrs := withID(attributes, id)
	doc := make(map[string]any, len(attrs)+3)
	for k, v := range attrs {
		doc[k] = v
	}
	doc["@search.action"] = "mergeOrUpload"
	doc["data"] = content
	doc["embedding"] = vec

	err = s.upload(ctx, doc)
	var apiErr *azureError
	if err == nil || errors.Is(err, errs.ErrBackendUnavailable) || !errors.As(err, &apiErr) {
		return err
	}
	if !isUnknownFieldError(apiErr.Message) {
		return errs.Wrap("save", azureBackend, id, errors.Join(errs.ErrSchemaMismatch, err))
	}
	if err := s.migrate(ctx, attrs); err != nil {
		return errs.Wrap("save", azureBackend, id, err)
	}
	if err := s.upload(ctx, doc); err != nil {
		if errors.Is(err, errs.ErrBackendUnavailable) {
			return err
		}
		return errs.Wrap("save", azureBackend, id, errors.Join(errs.ErrSchemaMismatch, err))
	}
	return nil
}

func (s *AzureSearchStore) upload(ctx context.Context, doc map[string]any) error {
	var resp struct {
		Value []struct {
			Key          string `json:"key"`
			Status       bool   `json:"status"`
			ErrorMessage string `json:"errorMessage"`
			StatusCode   int    `json:"statusCode"`
		} `json:"value"`
	}
	body := map[string]any{"value": []map[string]any{doc}}
	if err := s.do(ctx, "save", http.MethodPost, s.indexPath()+"/docs/index", body, &resp); err != nil {
		return err
	}
	for _, r := range resp.Value {
		if !r.Status {
			return &azureError{Status: r.StatusCode, Message: r.ErrorMessage}
		}
	}
	return nil
}

// migrate adds a filterable field for every attribute the index does not define yet.
func (s *AzureSearchStore) migrate(ctx context.Context, attributes map[string]any) error {
	var definition map[string]any
	if err := s.do(ctx, "migrate", http.MethodGet, s.indexPath(), nil, &definition); err != nil {
		return err
	}
	fields := missingFields(definition, attributes)
	if len(fields) == 0 {
		// a concurrent writer already added them
		return nil
	}
	for _, f := range fields {
		s.logger.Debug("adding azure search field",
			zap.String("index", s.index), zap.String("field", f.Name), zap.String("type", f.Type))
	}
	addFields(definition, fields)
	for k := range definition {
		if strings.HasPrefix(k, "@odata.") {
			delete(definition, k)
		}
	}
	return s.do(ctx, "migrate", http.MethodPut, s.indexPath(), definition, nil)
}

// QueryText runs a hybrid query: full-text on data plus a weighted vector query over 2n
// neighbours. RankScore is @search.score.
func (s *AzureSearchStore) QueryText(ctx context.Context, query string) ([]Item, error) {
	release, err := s.lc.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, embedError(azureBackend, err)
	}
	n := s.opts.NumberItems
	body := map[string]any{
		"search": query,
		"top":    n,
		"vectorQueries": []map[string]any{{
			"kind":   "vector",
			"vector": vec,
			"fields": "embedding",
			"k":      2 * n,
			"weight": azureVectorWeight,
		}},
	}
	return s.search(ctx, "query", body)
}

// Get runs an OData equality filter. RankScore is 0.
func (s *AzureSearchStore) Get(ctx context.Context, attributes map[string]any) ([]Item, error) {
	release, err := s.lc.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	filter, err := odataFilter(attributes)
	if err != nil {
		return nil, err
	}
	body := map[string]any{"search": "*", "top": s.opts.NumberItems}
	if filter != "" {
		body["filter"] = filter
	}
	items, err := s.search(ctx, "get", body)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].RankScore = 0
	}
	return items, nil
}

func (s *AzureSearchStore) search(ctx context.Context, op string, body map[string]any) ([]Item, error) {
	var resp struct {
		Value []map[string]any `json:"value"`
	}
	if err := s.do(ctx, op, http.MethodPost, s.indexPath()+"/docs/search", body, &resp); err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(resp.Value))
	for _, doc := range resp.Value {
		items = append(items, azureItem(doc))
	}
	return items, nil
}

// azureItem strips the service annotations, the vector and unset dynamic fields from a document.
func azureItem(doc map[string]any) Item {
	item := Item{Attributes: map[string]any{}}
	for k, v := range doc {
		switch {
		case k == "data":
			item.Content, _ = v.(string)
		case k == "@search.score":
			item.RankScore, _ = v.(float64)
		case k == "embedding", strings.HasPrefix(k, "@"), v == nil:
		default:
			item.Attributes[k] = v
		}
	}
	return item
}

// Close waits for in-flight calls and releases idle connections.
func (s *AzureSearchStore) Close() error {
	return s.lc.close(func() error {
		if s.client != nil {
			s.client.CloseIdleConnections()
		}
		return nil
	})
}

// do sends one REST call. Transport failures, auth failures, throttling and 5xx responses are
// reported as unavailable; other error statuses are returned as *azureError.
func (s *AzureSearchStore) do(ctx context.Context, op, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return errs.Wrap(op, azureBackend, s.index, err)
		}
		reader = bytes.NewReader(buf)
	}
	endpoint := s.baseURL + path + "?api-version=" + url.QueryEscape(s.apiVersion)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return errs.Wrap(op, azureBackend, s.index, err)
	}
	req.Header.Set("api-key", s.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return errs.Unavailable(op, azureBackend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := decodeAzureError(resp)
		switch {
		case resp.StatusCode == http.StatusUnauthorized,
			resp.StatusCode == http.StatusForbidden,
			resp.StatusCode == http.StatusTooManyRequests,
			resp.StatusCode >= 500:
			return errs.Unavailable(op, azureBackend, apiErr)
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return errs.Wrap(op, azureBackend, s.index, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func decodeAzureError(resp *http.Response) *azureError {
	apiErr := &azureError{Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

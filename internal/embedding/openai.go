package embedding

import (
	"context"
	"fmt"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hyperjump/ragwire/internal/errs"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = string(openai.AdaEmbeddingV2)

var defaultDimensions = map[string]int{
	string(openai.AdaEmbeddingV2):  1536,
	string(openai.SmallEmbedding3): 1536,
	string(openai.LargeEmbedding3): 3072,
}

// OpenAIConfig configures an OpenAIEmbedder.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	// Dimensions overrides the model's native size. Only text-embedding-3 models honor it.
	Dimensions int
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
	reduced    bool
}

// NewOpenAIEmbedder returns an embedder for cfg. The API key is required.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: OpenAI API key", errs.ErrSecretNotFound)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	dims := cfg.Dimensions
	reduced := dims > 0 && cfg.Model != string(openai.AdaEmbeddingV2)
	if dims <= 0 {
		var ok bool
		if dims, ok = defaultDimensions[cfg.Model]; !ok {
			return nil, fmt.Errorf("%w: dimensions must be set for model %q", errs.ErrInvalidArgument, cfg.Model)
		}
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      openai.EmbeddingModel(cfg.Model),
		dimensions: dims,
		reduced:    reduced,
	}, nil
}

// Embed returns the embedding of text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embs[0], nil
}

// EmbedBatch embeds texts in one request. Results follow the input order.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	req := openai.EmbeddingRequest{
		Input: texts,
		Model: e.model,
	}
	if e.reduced {
		req.Dimensions = e.dimensions
	}
	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, errs.Unavailable("embed", "openai", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d texts", len(resp.Data), len(texts))
	}
	data := resp.Data
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		if len(d.Embedding) != e.dimensions {
			return nil, fmt.Errorf("openai embedding dimension mismatch: got %d, expected %d", len(d.Embedding), e.dimensions)
		}
		out[i] = d.Embedding
	}
	return out, nil
}

// Dimensions returns the embedding dimension.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

// Model returns the model name.
func (e *OpenAIEmbedder) Model() string {
	return string(e.model)
}

// Close is a no-op; the HTTP client holds no per-embedder resources.
func (e *OpenAIEmbedder) Close() error {
	return nil
}

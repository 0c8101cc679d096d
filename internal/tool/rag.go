// Package tool exposes retrieval stores to an agent layer as named, described functions.
package tool

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperjump/ragwire/internal/errs"
	"github.com/hyperjump/ragwire/internal/ragstore"
	"github.com/hyperjump/ragwire/internal/search"
)

const (
	// DefaultRagToolName is the name RagTool reports when none is configured.
	DefaultRagToolName = "RagTool"
	// DefaultRagToolDescription tells an agent what RagTool does.
	DefaultRagToolDescription = "Searches a retrieval store for passages relevant to the given queries. " +
		"Every query is run against the store and the results are merged with reciprocal rank fusion."
)

// RagTool answers a list of queries with the fused passages of one store, rendered as text.
type RagTool struct {
	store       ragstore.Store
	engine      *search.Engine
	name        string
	description string
}

// NewRagTool returns a tool over store. Empty name and description take the defaults.
func NewRagTool(store ragstore.Store, engine *search.Engine, name, description string) (*RagTool, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: rag tool needs a rag_store", errs.ErrInvalidArgument)
	}
	if engine == nil {
		engine = search.NewEngine()
	}
	if name == "" {
		name = DefaultRagToolName
	}
	if description == "" {
		description = DefaultRagToolDescription
	}
	return &RagTool{store: store, engine: engine, name: name, description: description}, nil
}

// Name returns the tool name.
func (t *RagTool) Name() string { return t.name }

// Description returns the tool description.
func (t *RagTool) Description() string { return t.description }

// Store returns the store the tool queries.
func (t *RagTool) Store() ragstore.Store { return t.store }

// Call runs queries, fuses the results and renders each passage as "#URL:<url>\n <content>\n\n".
// Passages are separated by a blank line.
func (t *RagTool) Call(ctx context.Context, queries []string) (string, error) {
	items, err := t.engine.Search(ctx, t.store, queries)
	if err != nil {
		return "", err
	}
	return Render(items), nil
}

// Render formats items the way Call returns them.
func Render(items []ragstore.Item) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		url := ""
		if v, ok := item.Attributes["url"]; ok && v != nil {
			url = fmt.Sprint(v)
		}
		parts = append(parts, "#URL:"+url+"\n "+item.Content+"\n\n")
	}
	return strings.Join(parts, "\n\n")
}

// Close closes the underlying store.
func (t *RagTool) Close() error {
	return t.store.Close()
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hyperjump/ragwire/internal/ragstore"
	"github.com/hyperjump/ragwire/internal/tool"
	"github.com/hyperjump/ragwire/pkg/utils"
)

// OutputFormat is the format for item output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
	// OutputRAG is the passage block a RagTool hands to a language model.
	OutputRAG OutputFormat = "rag"
)

const snippetLength = 200

// ParseOutputFormat validates a --format value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case OutputText, OutputJSON, OutputRAG:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, json or rag)", s)
	}
}

// WriteItems writes items to w in the given format.
func WriteItems(w io.Writer, items []ragstore.Item, format OutputFormat) error {
	switch format {
	case OutputJSON:
		if items == nil {
			items = []ragstore.Item{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	case OutputRAG:
		_, err := io.WriteString(w, tool.Render(items))
		return err
	default:
		writeItemsText(w, items)
		return nil
	}
}

func writeItemsText(w io.Writer, items []ragstore.Item) {
	fmt.Fprintf(w, "\nFound %d results\n\n", len(items))
	for i, item := range items {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "Rank: %d | Score: %.4f\n", i+1, item.RankScore)
		fmt.Fprintf(w, "ID: %s\n", item.ID())
		for _, key := range attributeKeys(item.Attributes) {
			fmt.Fprintf(w, "%s: %v\n", key, item.Attributes[key])
		}
		fmt.Fprintf(w, "\n%s\n\n", utils.Snippet(item.Content, snippetLength))
	}
}

// attributeKeys returns the attribute names to print, sorted, without id.
func attributeKeys(attrs map[string]any) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		if k != "id" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

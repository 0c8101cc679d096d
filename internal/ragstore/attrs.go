package ragstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"github.com/google/uuid"
)

// documentID returns attributes["id"] as a string, or a fresh UUID when it is absent.
func documentID(attributes map[string]any) string {
	if v, ok := attributes["id"]; ok && v != nil {
		if id := idString(v); id != "" {
			return id
		}
	}
	return uuid.NewString()
}

// withID returns a shallow copy of attributes with "id" set to id.
func withID(attributes map[string]any, id string) map[string]any {
	out := make(map[string]any, len(attributes)+1)
	for k, v := range attributes {
		out[k] = v
	}
	out["id"] = id
	return out
}

func idString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// normalize round-trips v through JSON so that values from different sources compare equal
// (int 1 and float64 1.0, []string and []any).
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeAttributes(attributes map[string]any) (map[string]any, error) {
	if len(attributes) == 0 {
		return map[string]any{}, nil
	}
	n, err := normalize(attributes)
	if err != nil {
		return nil, fmt.Errorf("attributes are not JSON encodable: %w", err)
	}
	return n.(map[string]any), nil
}

// matchAttributes reports whether stored carries every key of filter with an equal value.
// Both maps must already be normalized.
func matchAttributes(stored, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := stored[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func decodeAttributes(raw []byte) (map[string]any, error) {
	attrs := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return attrs, nil
	}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	if attrs == nil {
		attrs = map[string]any{}
	}
	return attrs, nil
}

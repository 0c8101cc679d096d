package ragstore

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/hyperjump/ragwire/internal/errs"
)

// Azure AI Search field types inferred from attribute values.
const (
	edmString     = "Edm.String"
	edmInt32      = "Edm.Int32"
	edmInt64      = "Edm.Int64"
	edmDouble     = "Edm.Double"
	edmBoolean    = "Edm.Boolean"
	edmStringList = "Collection(Edm.String)"
	edmSingleList = "Collection(Edm.Single)"
)

// inferFieldType maps a Go attribute value to an Azure field type. Integers that do not fit in
// 32 bits become Edm.Int64, whole floats outside 32 bits stay Edm.Double, and values of unknown
// kind fall back to Edm.String, which the service then rejects if the value is not a string.
func inferFieldType(v any) string {
	switch t := v.(type) {
	case string:
		return edmString
	case bool:
		return edmBoolean
	case float32:
		return floatFieldType(float64(t))
	case float64:
		return floatFieldType(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return intFieldType(i)
		}
		return edmDouble
	case int:
		return intFieldType(int64(t))
	case int8, int16, int32, uint8, uint16:
		return edmInt32
	case int64:
		return intFieldType(t)
	case uint32, uint64, uint:
		return edmInt64
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		return edmStringList
	}
	return edmString
}

// floatFieldType treats whole numbers within 32 bits as Edm.Int32, since attributes decoded from
// JSON carry every number as float64.
func floatFieldType(f float64) string {
	if f == math.Trunc(f) && f >= math.MinInt32 && f <= math.MaxInt32 {
		return edmInt32
	}
	return edmDouble
}

func intFieldType(i int64) string {
	if i >= math.MinInt32 && i <= math.MaxInt32 {
		return edmInt32
	}
	return edmInt64
}

// azureField is the subset of an index field definition the store writes.
type azureField struct {
	Name                string `json:"name"`
	Type                string `json:"type"`
	Key                 bool   `json:"key,omitempty"`
	Searchable          *bool  `json:"searchable,omitempty"`
	Filterable          *bool  `json:"filterable,omitempty"`
	Facetable           *bool  `json:"facetable,omitempty"`
	Retrievable         *bool  `json:"retrievable,omitempty"`
	Dimensions          int    `json:"dimensions,omitempty"`
	VectorSearchProfile string `json:"vectorSearchProfile,omitempty"`
}

func boolPtr(b bool) *bool { return &b }

const (
	vectorProfile   = "ragwire-vector-profile"
	vectorAlgorithm = "ragwire-hnsw"
)

// newIndexDefinition returns the definition created when the index does not exist.
func newIndexDefinition(name string, dimensions int) map[string]any {
	return map[string]any{
		"name": name,
		"fields": []azureField{
			{Name: "id", Type: edmString, Key: true, Filterable: boolPtr(true)},
			{Name: "data", Type: edmString, Searchable: boolPtr(true)},
			{
				Name:                "embedding",
				Type:                edmSingleList,
				Searchable:          boolPtr(true),
				Retrievable:         boolPtr(false),
				Dimensions:          dimensions,
				VectorSearchProfile: vectorProfile,
			},
		},
		"vectorSearch": map[string]any{
			"algorithms": []map[string]any{{"name": vectorAlgorithm, "kind": "hnsw"}},
			"profiles":   []map[string]any{{"name": vectorProfile, "algorithm": vectorAlgorithm}},
		},
	}
}

// missingFields returns the attribute fields absent from the index definition, sorted by name.
func missingFields(definition map[string]any, attributes map[string]any) []azureField {
	existing := map[string]bool{}
	if fields, ok := definition["fields"].([]any); ok {
		for _, f := range fields {
			if m, ok := f.(map[string]any); ok {
				if name, ok := m["name"].(string); ok {
					existing[name] = true
				}
			}
		}
	}
	var out []azureField
	for name, v := range attributes {
		if existing[name] || v == nil {
			continue
		}
		out = append(out, azureField{
			Name:       name,
			Type:       inferFieldType(v),
			Filterable: boolPtr(true),
			Facetable:  boolPtr(true),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// addFields appends fields to the definition's field list.
func addFields(definition map[string]any, fields []azureField) {
	list, _ := definition["fields"].([]any)
	for _, f := range fields {
		list = append(list, f)
	}
	definition["fields"] = list
}

// isUnknownFieldError reports whether an Azure error message says a document property is not
// part of the index schema.
func isUnknownFieldError(message string) bool {
	return strings.Contains(message, "does not exist on type")
}

// odataFilter renders an equality filter joined with "and". Keys are sorted for stable output.
func odataFilter(attributes map[string]any) (string, error) {
	keys := make([]string, 0, len(attributes))
	for k := range attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	terms := make([]string, 0, len(keys))
	for _, k := range keys {
		lit, err := odataLiteral(attributes[k])
		if err != nil {
			return "", fmt.Errorf("%w: attribute %s: %v", errs.ErrInvalidArgument, k, err)
		}
		terms = append(terms, k+" eq "+lit)
	}
	return strings.Join(terms, " and "), nil
}

func odataLiteral(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'", nil
	case bool:
		return strconv.FormatBool(t), nil
	case json.Number:
		return t.String(), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(t), nil
	default:
		return "", fmt.Errorf("unsupported filter value of type %T", v)
	}
}

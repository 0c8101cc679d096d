package factory

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/hyperjump/ragwire/internal/errs"
)

// Args are the resolved constructor arguments of a descriptor. Reference tokens have already
// been replaced by the objects they point at.
type Args map[string]any

// Has reports whether key is present and non-nil.
func (a Args) Has(key string) bool {
	v, ok := a[key]
	return ok && v != nil
}

// Keys returns the argument names in sorted order.
func (a Args) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns a string argument, or def when absent.
func (a Args) String(key, def string) (string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", argError(key, "string", v)
	}
	return s, nil
}

// RequiredString returns a non-empty string argument.
func (a Args) RequiredString(key string) (string, error) {
	s, err := a.String(key, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%w: missing required argument %q", errs.ErrInvalidArgument, key)
	}
	return s, nil
}

// Int returns an integer argument. JSON and YAML numbers are accepted when they are whole.
func (a Args) Int(key string, def int) (int, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float32:
		if float32(math.Trunc(float64(n))) == n {
			return int(n), nil
		}
	case float64:
		if math.Trunc(n) == n {
			return int(n), nil
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), nil
		}
	}
	return 0, argError(key, "integer", v)
}

// Float returns a numeric argument as float64.
func (a Args) Float(key string, def float64) (float64, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f, nil
		}
	}
	return 0, argError(key, "number", v)
}

// Bool returns a boolean argument.
func (a Args) Bool(key string, def bool) (bool, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, argError(key, "bool", v)
	}
	return b, nil
}

// StringSlice returns a list of strings.
func (a Args) StringSlice(key string) ([]string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), nil
	case []any:
		out := make([]string, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, argError(key, "list of strings", v)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, argError(key, "list of strings", v)
}

// ObjectAs returns the resolved object under key as T. The argument must be present.
func ObjectAs[T any](a Args, key string) (T, error) {
	var zero T
	v, ok := a[key]
	if !ok || v == nil {
		return zero, fmt.Errorf("%w: missing required argument %q", errs.ErrInvalidArgument, key)
	}
	obj, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: argument %q is %T, want %s", errs.ErrInvalidArgument, key, v,
			strings.TrimPrefix(fmt.Sprintf("%T", (*T)(nil)), "*"))
	}
	return obj, nil
}

func argError(key, want string, got any) error {
	return fmt.Errorf("%w: argument %q must be a %s, got %T", errs.ErrInvalidArgument, key, want, got)
}

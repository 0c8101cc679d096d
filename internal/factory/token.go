package factory

import (
	"strings"
	"unicode"
)

const (
	tokenPrefix = "#|:"
	tokenSuffix = ":|#"
)

// Reference identifies the descriptor a reference token points at.
type Reference struct {
	Type string
	Name string
}

// String renders the reference as a token.
func (r Reference) String() string {
	return Token(r.Type, r.Name)
}

// Token renders the reference token for (typ, name).
func Token(typ, name string) string {
	return tokenPrefix + typ + ":" + name + tokenSuffix
}

// ParseReference reports whether s is exactly one reference token and returns it.
// The whole string must be the token: "#|:type:name:|#" with two non-empty segments and
// no whitespace or further ':' inside. Text that merely contains the delimiters is not a token.
func ParseReference(s string) (Reference, bool) {
	if len(s) < len(tokenPrefix)+len(tokenSuffix)+3 {
		return Reference{}, false
	}
	if !strings.HasPrefix(s, tokenPrefix) || !strings.HasSuffix(s, tokenSuffix) {
		return Reference{}, false
	}
	inner := s[len(tokenPrefix) : len(s)-len(tokenSuffix)]
	typ, name, ok := strings.Cut(inner, ":")
	if !ok || !validSegment(typ) || !validSegment(name) {
		return Reference{}, false
	}
	return Reference{Type: typ, Name: name}, true
}

func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r == ':' || r == '|' || r == '#' || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

package indexer

import (
	"strings"
	"unicode"
)

// Preprocess normalizes text for indexing (trim, collapse whitespace).
func Preprocess(text string) string {
	text = strings.TrimSpace(text)
	var b strings.Builder
	wasSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !wasSpace {
				b.WriteRune(' ')
				wasSpace = true
			}
		} else {
			b.WriteRune(r)
			wasSpace = false
		}
	}
	return b.String()
}

// NormalizeWhitespace is a hook that applies Preprocess and drops documents left empty.
func NormalizeWhitespace(doc Document) (Document, bool) {
	doc.Content = Preprocess(doc.Content)
	return doc, doc.Content != ""
}

// MinLength returns a hook that drops documents shorter than n characters after trimming.
func MinLength(n int) Hook {
	return func(doc Document) (Document, bool) {
		return doc, len([]rune(strings.TrimSpace(doc.Content))) >= n
	}
}

// Package extract turns document files (plain text, HTML, PDF and office formats) into text for
// indexing.
package extract

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// Extractor extracts plain text from document files.
type Extractor struct{}

// NewExtractor returns a new Extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

var formats = map[string]func([]byte) (string, error){
	".pdf":  extractPDF,
	".docx": extractDOCX,
	".xlsx": extractExcel,
	".pptx": extractPPTX,
	".odp":  extractODP,
	".ods":  extractODS,
	".odt":  extractODT,
	".html": extractHTMLText,
	".htm":  extractHTMLText,
	".txt":  extractPlain,
	".md":   extractPlain,
	".rst":  extractPlain,
}

// SupportedExtensions lists the extensions with a dedicated extractor, sorted.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(formats))
	for ext := range formats {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Extract reads the file at path and returns its text content.
func (e *Extractor) Extract(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return e.ExtractBytes(content, strings.ToLower(filepath.Ext(path)))
}

// ExtractBytes extracts text from content by extension (with the leading dot). Unknown
// extensions are read as plain text.
func (e *Extractor) ExtractBytes(content []byte, ext string) (string, error) {
	if fn, ok := formats[strings.ToLower(ext)]; ok {
		return fn(content)
	}
	return extractPlain(content)
}

// extractPlain replaces invalid UTF-8 sequences with the replacement character.
func extractPlain(content []byte) (string, error) {
	if !utf8.Valid(content) {
		content = []byte(strings.ToValidUTF8(string(content), "�"))
	}
	return string(content), nil
}

func extractHTMLText(content []byte) (string, error) {
	page, err := ParseHTML(bytes.NewReader(content))
	if err != nil {
		return "", err
	}
	if page.Title == "" {
		return page.Text, nil
	}
	return page.Title + "\n" + page.Text, nil
}

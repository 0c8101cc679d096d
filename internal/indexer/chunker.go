package indexer

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
)

// DefaultMaxChars is the sentence chunker's default chunk budget in characters.
const DefaultMaxChars = 1500

// SentenceChunker packs whole sentences into chunks of at most maxChars characters.
type SentenceChunker struct {
	maxChars  int
	mu        sync.Mutex
	tokenizer *sentences.DefaultSentenceTokenizer
}

// NewSentenceChunker loads the English sentence tokenizer. maxChars <= 0 uses DefaultMaxChars.
func NewSentenceChunker(maxChars int) (*SentenceChunker, error) {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	tokenizer, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		return nil, fmt.Errorf("load sentence tokenizer: %w", err)
	}
	return &SentenceChunker{maxChars: maxChars, tokenizer: tokenizer}, nil
}

// MaxChars returns the chunk budget.
func (c *SentenceChunker) MaxChars() int {
	return c.maxChars
}

// Split joins sentences with a space while the joined length, separators included, stays within
// the budget. A sentence longer than the budget becomes a chunk of its own.
func (c *SentenceChunker) Split(content string) []string {
	c.mu.Lock()
	sents := c.tokenizer.Tokenize(content)
	c.mu.Unlock()

	var (
		chunks  []string
		current []string
		size    int
	)
	for _, s := range sents {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		n := utf8.RuneCountInString(text)
		if len(current) > 0 && size+1+n > c.maxChars {
			chunks = append(chunks, strings.Join(current, " "))
			current, size = nil, 0
		}
		if len(current) > 0 {
			size++
		}
		current = append(current, text)
		size += n
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}
	return chunks
}

// WordChunker splits text into overlapping windows of words.
type WordChunker struct {
	chunkSize    int
	chunkOverlap int
}

// NewWordChunker creates a chunker with the given size and overlap (in words).
func NewWordChunker(chunkSize, chunkOverlap int) *WordChunker {
	if chunkSize <= 0 {
		chunkSize = 200
	}
	return &WordChunker{chunkSize: chunkSize, chunkOverlap: chunkOverlap}
}

// Split returns windows of chunkSize words, each starting chunkSize-chunkOverlap words after the
// previous one.
func (c *WordChunker) Split(content string) []string {
	words := strings.Fields(content)
	if len(words) == 0 {
		return nil
	}
	step := c.chunkSize - c.chunkOverlap
	if step <= 0 {
		step = 1
	}
	var chunks []string
	for i := 0; i < len(words); i += step {
		end := i + c.chunkSize
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[i:end], " "))
		if end >= len(words) {
			break
		}
	}
	return chunks
}

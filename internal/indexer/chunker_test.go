package indexer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSentenceChunker(t *testing.T, maxChars int) *SentenceChunker {
	t.Helper()
	c, err := NewSentenceChunker(maxChars)
	require.NoError(t, err)
	return c
}

func TestSentenceChunker_PacksSentences(t *testing.T) {
	c := newSentenceChunker(t, 30)
	chunks := c.Split("Hello world. This is a test. Another one here.")
	assert.Equal(t, []string{"Hello world. This is a test.", "Another one here."}, chunks)
}

func TestSentenceChunker_CountsSeparators(t *testing.T) {
	// "Cats purr." and "Dogs bark." are 10 characters each; joined they take 21
	c := newSentenceChunker(t, 20)
	assert.Equal(t, []string{"Cats purr.", "Dogs bark."}, c.Split("Cats purr. Dogs bark."))

	c = newSentenceChunker(t, 21)
	assert.Equal(t, []string{"Cats purr. Dogs bark."}, c.Split("Cats purr. Dogs bark."))

	c = newSentenceChunker(t, 25)
	for _, ch := range c.Split("Cats purr. Dogs bark. Birds sing. Fish swim. Cows moo.") {
		assert.LessOrEqual(t, len(ch), 25, ch)
	}
}

func TestSentenceChunker_LongSentencePassesThrough(t *testing.T) {
	c := newSentenceChunker(t, 10)
	chunks := c.Split("This sentence is definitely longer than ten. Short.")
	assert.Equal(t, []string{"This sentence is definitely longer than ten.", "Short."}, chunks)
}

func TestSentenceChunker_Edges(t *testing.T) {
	c := newSentenceChunker(t, 0)
	assert.Equal(t, DefaultMaxChars, c.MaxChars())
	assert.Empty(t, c.Split(""))
	assert.Empty(t, c.Split("   \n\t  "))

	text := strings.Repeat("Rents went up again this year. ", 200)
	chunks := c.Split(text)
	// 30 characters per sentence plus a space, so 48 sentences fit in 1500
	require.Len(t, chunks, 5)
	for i, ch := range chunks {
		want := 48
		if i == 4 {
			want = 8
		}
		assert.Equal(t, want, strings.Count(ch, "year."))
		assert.LessOrEqual(t, len(ch), DefaultMaxChars)
		assert.Equal(t, strings.TrimSpace(ch), ch)
	}
	assert.Equal(t, strings.Join(strings.Fields(text), " "), strings.Join(chunks, " "))
}

func TestWordChunker_Split(t *testing.T) {
	tests := []struct {
		name          string
		size, overlap int
		text          string
		want          []string
	}{
		{"overlap", 3, 1, "one two three four five six seven", []string{"one two three", "three four five", "five six seven"}},
		{"no overlap", 2, 0, "a b c", []string{"a b", "c"}},
		{"overlap not below size", 2, 5, "a b c", []string{"a b", "b c"}},
		{"short text", 10, 2, "  just  this ", []string{"just this"}},
		{"empty", 5, 1, "   \n\t  ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewWordChunker(tt.size, tt.overlap).Split(tt.text))
		})
	}
}

func TestPreprocess(t *testing.T) {
	assert.Equal(t, "a b", Preprocess("  a  b  "))
	assert.Equal(t, "line one line two", Preprocess("line one\n\n\tline two\n"))
}

func TestHooks(t *testing.T) {
	doc, ok := NormalizeWhitespace(Document{Content: " a \n b "})
	assert.True(t, ok)
	assert.Equal(t, "a b", doc.Content)

	_, ok = NormalizeWhitespace(Document{Content: " \n "})
	assert.False(t, ok)

	_, ok = MinLength(5)(Document{Content: " abcd "})
	assert.False(t, ok)
	_, ok = MinLength(5)(Document{Content: "abcde"})
	assert.True(t, ok)
}

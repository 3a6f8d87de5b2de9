// Package token provides token and word counting for completion budgets.
package token

import (
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter wraps a tiktoken encoder for token counting operations.
type Counter struct {
	encoder  *tiktoken.Tiktoken
	encoding string
}

// Default encoding for fallback.
const defaultEncoding = "cl100k_base"

// tokensPerWord is the usual ratio of English prose tokens to words.
const tokensPerWord = 1.35

// NewCounter creates a new token counter with the specified encoding.
// Supported encodings include:
//   - "cl100k_base" (GPT-4, GPT-4-turbo, GPT-3.5-turbo)
//   - "o200k_base" (GPT-4o)
//
// Falls back to cl100k_base if the specified encoding is not found.
func NewCounter(encoding string) (*Counter, error) {
	if encoding == "" {
		encoding = defaultEncoding
	}

	encoder, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		encoder, err = tiktoken.GetEncoding(defaultEncoding)
		if err != nil {
			return nil, err
		}
		encoding = defaultEncoding
	}

	return &Counter{
		encoder:  encoder,
		encoding: encoding,
	}, nil
}

// Encoding returns the current encoding name.
func (c *Counter) Encoding() string {
	return c.encoding
}

// Count returns the number of tokens in the given text. A nil counter falls
// back to EstimateTokens.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c == nil || c.encoder == nil {
		return EstimateTokens(text)
	}
	return len(c.encoder.Encode(text, nil, nil))
}

// TruncateToFit truncates text to fit within maxTokens.
// If fromEnd is true, keeps the end of the text; otherwise keeps the beginning.
func (c *Counter) TruncateToFit(text string, maxTokens int, fromEnd bool) string {
	if maxTokens <= 0 {
		return ""
	}
	if c == nil || c.encoder == nil {
		return truncateRunes(text, maxTokens*4, fromEnd)
	}

	tokens := c.encoder.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}

	if fromEnd {
		return c.encoder.Decode(tokens[len(tokens)-maxTokens:])
	}
	return c.encoder.Decode(tokens[:maxTokens])
}

func truncateRunes(text string, maxRunes int, fromEnd bool) string {
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	if fromEnd {
		return string(runes[len(runes)-maxRunes:])
	}
	return string(runes[:maxRunes])
}

// EstimateTokens provides a quick estimate of token count without encoding.
// Uses a heuristic of approximately 4 characters per token for English text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	runeCount := utf8.RuneCountInString(text)
	return (runeCount + 3) / 4
}

// CountWords counts whitespace-separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// WordsToTokens converts a word target into an approximate token count.
func WordsToTokens(words int) int {
	if words <= 0 {
		return 0
	}
	return int(float64(words)*tokensPerWord + 0.5)
}

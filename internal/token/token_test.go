package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewCounter tests Counter creation with various encodings.
func TestNewCounter(t *testing.T) {
	tests := []struct {
		name         string
		encoding     string
		wantEncoding string
	}{
		{
			name:         "creates counter with default encoding",
			encoding:     "",
			wantEncoding: "cl100k_base",
		},
		{
			name:         "creates counter with o200k_base",
			encoding:     "o200k_base",
			wantEncoding: "o200k_base",
		},
		{
			name:         "falls back to default for invalid encoding",
			encoding:     "invalid_encoding",
			wantEncoding: "cl100k_base",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter, err := NewCounter(tt.encoding)

			require.NoError(t, err)
			assert.Equal(t, tt.wantEncoding, counter.Encoding())
		})
	}
}

// TestCounter_Count tests token counting with various strings.
func TestCounter_Count(t *testing.T) {
	counter, err := NewCounter("cl100k_base")
	require.NoError(t, err)

	tests := []struct {
		name    string
		text    string
		wantMin int
		wantMax int
	}{
		{name: "empty string returns zero", text: "", wantMin: 0, wantMax: 0},
		{name: "single word", text: "hello", wantMin: 1, wantMax: 1},
		{name: "prose sentence", text: "The lighthouse keeper climbed the stairs.", wantMin: 6, wantMax: 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count := counter.Count(tt.text)
			assert.GreaterOrEqual(t, count, tt.wantMin)
			assert.LessOrEqual(t, count, tt.wantMax)
		})
	}
}

// TestNilCounter covers the estimate fallback used when no encoder loaded.
func TestNilCounter(t *testing.T) {
	var counter *Counter

	assert.Equal(t, 3, counter.Count("twelve chars"))
	assert.Equal(t, "abcd", counter.TruncateToFit("abcdefgh", 1, false))
	assert.Equal(t, "efgh", counter.TruncateToFit("abcdefgh", 1, true))
	assert.Equal(t, "", counter.TruncateToFit("abcdefgh", 0, true))
}

// TestCounter_TruncateToFit keeps either end of the text.
func TestCounter_TruncateToFit(t *testing.T) {
	counter, err := NewCounter("")
	require.NoError(t, err)

	text := strings.Repeat("rain on the harbour ", 50)

	head := counter.TruncateToFit(text, 10, false)
	tail := counter.TruncateToFit(text, 10, true)

	assert.LessOrEqual(t, counter.Count(head), 10)
	assert.LessOrEqual(t, counter.Count(tail), 10)
	assert.True(t, strings.HasPrefix(text, head))
	assert.True(t, strings.HasSuffix(text, tail))
	assert.Equal(t, "short", counter.TruncateToFit("short", 10, false))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcdefgh"))
}

func TestCountWords(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"one", 1},
		{"  two\twords \n", 2},
		{"She said, \"Run.\" He ran.", 5},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CountWords(tt.text), tt.text)
	}
}

// ============================================================================
// Model limit tests
// ============================================================================

func TestMaxTokensForWords(t *testing.T) {
	tests := []struct {
		name  string
		model string
		words int
		want  int
	}{
		{name: "small target adds headroom", model: "gpt-4o", words: 100, want: 135 + outputHeadroom},
		{name: "capped at model output limit", model: "gpt-4", words: 10000, want: 4096},
		{name: "unknown model uses default cap", model: "mystery-model", words: 10000, want: DefaultOutputLimit},
		{name: "zero words still gets headroom", model: "gpt-4o", words: 0, want: outputHeadroom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaxTokensForWords(tt.model, tt.words))
		})
	}
}

func TestContextLimit(t *testing.T) {
	assert.Equal(t, 128000, ContextLimit("gpt-4o"))
	assert.Equal(t, DefaultContextLimit, ContextLimit("unknown"))
}

package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider returns a fixed completion or error.
type stubProvider struct {
	text    string
	err     error
	lastReq CompletionRequest
}

func (s *stubProvider) Complete(_ context.Context, req CompletionRequest) (*CompletionResponse, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &CompletionResponse{Text: s.text, TokensUsed: 10}, nil
}

func (s *stubProvider) Name() string { return "stub" }
func (s *stubProvider) Close() error { return nil }

// ============================================================================
// ExtractJSON Tests
// ============================================================================

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "plain object",
			content: `{"a":1}`,
			want:    `{"a":1}`,
		},
		{
			name:    "json fenced block",
			content: "Here you go:\n```json\n{\"a\":1}\n```\nThanks",
			want:    `{"a":1}`,
		},
		{
			name:    "bare fenced block",
			content: "```\n{\"a\":2}\n```",
			want:    `{"a":2}`,
		},
		{
			name:    "object surrounded by prose",
			content: `The update is {"name":"Mara"} as requested.`,
			want:    `{"name":"Mara"}`,
		},
		{
			name:    "no object",
			content: "  nothing here  ",
			want:    "nothing here",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.content))
		})
	}
}

// ============================================================================
// DecodeJSON Tests
// ============================================================================

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Score int `json:"score"`
	}

	t.Run("decodes fenced json and forces JSON mode", func(t *testing.T) {
		p := &stubProvider{text: "```json\n{\"score\": 82}\n```"}
		var out payload

		resp, err := DecodeJSON(context.Background(), p, CompletionRequest{Prompt: "rate"}, &out)

		require.NoError(t, err)
		assert.Equal(t, 82, out.Score)
		assert.Equal(t, 10, resp.TokensUsed)
		assert.True(t, p.lastReq.JSON)
	})

	t.Run("malformed body wraps ErrMalformedJSON", func(t *testing.T) {
		p := &stubProvider{text: "{score: eighty}"}
		var out payload

		_, err := DecodeJSON(context.Background(), p, CompletionRequest{}, &out)

		assert.ErrorIs(t, err, ErrMalformedJSON)
	})

	t.Run("provider error passes through", func(t *testing.T) {
		p := &stubProvider{err: ErrRateLimited}
		var out payload

		_, err := DecodeJSON(context.Background(), p, CompletionRequest{}, &out)

		assert.True(t, errors.Is(err, ErrRateLimited))
		assert.False(t, errors.Is(err, ErrMalformedJSON))
	})
}

func TestNewUsage(t *testing.T) {
	assert.Equal(t, TokenUsage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7}, NewUsage(3, 4, 0))
	assert.Equal(t, 9, NewUsage(3, 4, 9).TotalTokens)
}

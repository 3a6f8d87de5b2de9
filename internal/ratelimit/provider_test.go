package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azyu/novelforge/internal/llm"
)

type countingProvider struct {
	calls int
	used  int
	err   error
}

func (p *countingProvider) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &llm.CompletionResponse{Text: "ok", TokensUsed: p.used}, nil
}

func (p *countingProvider) Name() string { return "counting" }
func (p *countingProvider) Close() error { return nil }

func TestProviderSettlesActualUsage(t *testing.T) {
	l := New(map[string]Limit{"m": {TokensPerMinute: 10000, RequestsPerMinute: 10}}, WithClock(newFakeClock()))
	next := &countingProvider{used: 42}
	p := NewProvider(next, l, nil, "m")

	_, err := p.Complete(context.Background(), llm.CompletionRequest{Prompt: "write", MaxTokens: 500})
	require.NoError(t, err)

	tokens, requests := l.Usage("m")
	assert.Equal(t, 42, tokens)
	assert.Equal(t, 1, requests)
	assert.Equal(t, "counting", p.Name())
}

func TestProviderFailureKeepsRequestCount(t *testing.T) {
	l := New(map[string]Limit{"m": {TokensPerMinute: 10000, RequestsPerMinute: 10}}, WithClock(newFakeClock()))
	p := NewProvider(&countingProvider{err: errors.New("boom")}, l, nil, "m")

	_, err := p.Complete(context.Background(), llm.CompletionRequest{Model: "m", Prompt: "abcdefgh", MaxTokens: 500})
	require.Error(t, err)

	tokens, requests := l.Usage("m")
	assert.Equal(t, 2, tokens, "only the prompt estimate is kept")
	assert.Equal(t, 1, requests)
}

func TestProviderBlocksWhenExhausted(t *testing.T) {
	l := New(map[string]Limit{"m": {RequestsPerMinute: 1}}, WithClock(newFakeClock()))
	next := &countingProvider{used: 1}
	p := NewProvider(next, l, nil, "m")

	_, err := p.Complete(context.Background(), llm.CompletionRequest{Prompt: "a"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Complete(ctx, llm.CompletionRequest{Prompt: "b"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, next.calls)
}

func TestPriorityFromContext(t *testing.T) {
	assert.Equal(t, PriorityNormal, PriorityFrom(context.Background()))
	assert.Equal(t, PriorityHigh, PriorityFrom(WithPriority(context.Background(), PriorityHigh)))
}

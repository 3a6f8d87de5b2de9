package ratelimit

import (
	"context"

	"github.com/azyu/novelforge/internal/llm"
	"github.com/azyu/novelforge/internal/token"
)

type priorityKey struct{}

// WithPriority attaches a queue priority to ctx for calls made through a
// limited provider.
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFrom returns the priority attached to ctx, or PriorityNormal.
func PriorityFrom(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return PriorityNormal
}

// Provider acquires budget before every completion and settles it with the
// tokens the provider reports.
type Provider struct {
	next         llm.Provider
	limiter      *Limiter
	counter      *token.Counter
	defaultModel string
}

// NewProvider wraps next. defaultModel names the bucket for requests that
// do not set a model. counter may be nil.
func NewProvider(next llm.Provider, limiter *Limiter, counter *token.Counter, defaultModel string) *Provider {
	return &Provider{
		next:         next,
		limiter:      limiter,
		counter:      counter,
		defaultModel: defaultModel,
	}
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	estimate := p.counter.Count(req.SystemPrompt) + p.counter.Count(req.Prompt) + req.MaxTokens
	res, err := p.limiter.Acquire(ctx, model, estimate, PriorityFrom(ctx))
	if err != nil {
		return nil, err
	}

	resp, err := p.next.Complete(ctx, req)
	if err != nil {
		// The request still counts; the unused completion allowance does not.
		p.limiter.Settle(res, estimate-req.MaxTokens)
		return nil, err
	}

	used := resp.TokensUsed
	if used == 0 {
		used = resp.Usage.TotalTokens
	}
	if used > 0 {
		p.limiter.Settle(res, used)
	}
	return resp, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string {
	return p.next.Name()
}

// Close implements llm.Provider.
func (p *Provider) Close() error {
	return p.next.Close()
}

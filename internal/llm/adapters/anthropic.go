package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/azyu/novelforge/internal/llm"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicAdapter implements the Provider interface for Anthropic's Messages API.
type AnthropicAdapter struct {
	client anthropic.Client
	model  string
}

// AnthropicOption configures the underlying SDK client.
type AnthropicOption = option.RequestOption

// WithAnthropicBaseURL points the adapter at a proxy or compatible endpoint.
func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return option.WithBaseURL(baseURL)
}

// WithAnthropicMaxRetries sets how often the SDK retries a failed request.
func WithAnthropicMaxRetries(n int) AnthropicOption {
	return option.WithMaxRetries(n)
}

// NewAnthropicAdapter creates a new Anthropic adapter.
func NewAnthropicAdapter(apiKey, model string, opts ...AnthropicOption) (*AnthropicAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", llm.ErrInvalidAPIKey)
	}
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}

	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicAdapter{
		client: anthropic.NewClient(reqOpts...),
		model:  model,
	}, nil
}

// Complete sends a single-turn message.
func (a *AnthropicAdapter) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	prompt := req.Prompt
	if req.JSON {
		prompt += "\n\nRespond with a single JSON object and nothing else."
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.wrapError(err)
	}

	var parts []string
	for _, block := range message.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: no text blocks in response", llm.ErrEmptyCompletion)
	}

	usage := llm.NewUsage(int(message.Usage.InputTokens), int(message.Usage.OutputTokens), 0)
	return &llm.CompletionResponse{
		Text:         strings.Join(parts, ""),
		TokensUsed:   usage.TotalTokens,
		Usage:        usage,
		Model:        string(message.Model),
		FinishReason: convertStopReason(message.StopReason),
	}, nil
}

func convertStopReason(reason anthropic.StopReason) string {
	switch reason {
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		return llm.FinishReasonStop
	case anthropic.StopReasonMaxTokens:
		return llm.FinishReasonLength
	default:
		return string(reason)
	}
}

// wrapError maps SDK errors onto the llm sentinels.
func (a *AnthropicAdapter) wrapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("request aborted: %w", err)
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return fmt.Errorf("%w: %s", llm.ErrInvalidAPIKey, apiErr.Error())
		case 404:
			return fmt.Errorf("%w: %s", llm.ErrModelNotFound, apiErr.Error())
		case 429, 529:
			return fmt.Errorf("%w: %s", llm.ErrRateLimited, apiErr.Error())
		}
	}
	return fmt.Errorf("%w: %s", llm.ErrAPIError, err.Error())
}

// Name identifies the provider.
func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

// Close releases resources held by the adapter.
func (a *AnthropicAdapter) Close() error {
	return nil
}

// Verify AnthropicAdapter implements Provider interface.
var _ llm.Provider = (*AnthropicAdapter)(nil)

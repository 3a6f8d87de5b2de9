// Package llm abstracts the text-completion service used by every
// generation stage.
package llm

import (
	"context"
	"errors"
)

// Common errors returned by LLM providers.
var (
	// ErrContextTooLong is returned when the input exceeds the model's context window.
	ErrContextTooLong = errors.New("context length exceeds model maximum")

	// ErrRateLimited is returned when the API rate limit has been exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrAPIError is returned when the API returns an unexpected error.
	ErrAPIError = errors.New("API error")

	// ErrInvalidAPIKey is returned when the API key is invalid or missing.
	ErrInvalidAPIKey = errors.New("invalid or missing API key")

	// ErrModelNotFound is returned when the requested model is not available.
	ErrModelNotFound = errors.New("model not found")

	// ErrEmptyCompletion is returned when the provider answered with no text.
	ErrEmptyCompletion = errors.New("empty completion")
)

// FinishReason constants for response completion reasons.
const (
	FinishReasonStop          = "stop"
	FinishReasonLength        = "length"
	FinishReasonContentFilter = "content_filter"
	FinishReasonError         = "error"
)

// Provider is a text-completion service.
// Implementations should be safe for concurrent use.
type Provider interface {
	// Complete sends a single prompt and returns the generated text.
	// Returns ErrContextTooLong if the request exceeds context limits.
	// Returns ErrRateLimited if the provider rejected the call for rate.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Name identifies the provider in logs.
	Name() string

	// Close releases any resources held by the provider.
	Close() error
}

// CompletionRequest is one call to the completion service.
type CompletionRequest struct {
	// Model overrides the provider's default model when set.
	Model string

	// SystemPrompt sets the assistant's role and constraints.
	SystemPrompt string

	// Prompt is the user instruction.
	Prompt string

	// MaxTokens is the maximum number of tokens to generate.
	// If 0, the provider's default is used.
	MaxTokens int

	// Temperature controls randomness in the response (0.0-2.0).
	Temperature float64

	// JSON asks the provider for a JSON object response where supported.
	JSON bool
}

// CompletionResponse is the result of Complete.
type CompletionResponse struct {
	// Text is the generated content.
	Text string

	// TokensUsed is the total tokens billed for the call.
	TokensUsed int

	// Usage breaks TokensUsed down.
	Usage TokenUsage

	// Model is the model that produced the response.
	Model string

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// TokenUsage tracks token consumption for a request.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// NewUsage builds a TokenUsage, deriving the total when the provider omits it.
func NewUsage(prompt, completion, total int) TokenUsage {
	if total == 0 {
		total = prompt + completion
	}
	return TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
	}
}

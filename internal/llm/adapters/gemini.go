package adapters

import (
	"context"
	"fmt"
	"strings"

	"github.com/azyu/novelforge/internal/llm"
	"google.golang.org/genai"
)

// GeminiAdapter implements the Provider interface for Google's Gemini API.
type GeminiAdapter struct {
	client *genai.Client
	model  string
}

// GeminiOption configures the underlying genai client.
type GeminiOption func(*genai.ClientConfig)

// WithGeminiBaseURL overrides the API endpoint.
func WithGeminiBaseURL(baseURL string) GeminiOption {
	return func(c *genai.ClientConfig) {
		c.HTTPOptions.BaseURL = baseURL
	}
}

// NewGeminiAdapter creates a new GeminiAdapter for Google's Gemini API.
// The model is the default model name (e.g., "gemini-2.0-flash").
func NewGeminiAdapter(ctx context.Context, apiKey, model string, opts ...GeminiOption) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, llm.ErrInvalidAPIKey
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	config := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, opt := range opts {
		opt(config)
	}

	client, err := genai.NewClient(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiAdapter{
		client: client,
		model:  model,
	}, nil
}

// Complete generates content for a single prompt.
func (a *GeminiAdapter) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	contents := []*genai.Content{
		{
			Role:  "user",
			Parts: []*genai.Part{{Text: req.Prompt}},
		},
	}

	result, err := a.client.Models.GenerateContent(ctx, model, contents, a.buildConfig(req))
	if err != nil {
		return nil, a.wrapError(err)
	}

	return a.convertResponse(model, result)
}

// buildConfig creates the GenerateContentConfig for a request.
func (a *GeminiAdapter) buildConfig(req llm.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.JSON {
		config.ResponseMIMEType = "application/json"
	}

	return config
}

// convertResponse flattens the first candidate into a CompletionResponse.
func (a *GeminiAdapter) convertResponse(model string, result *genai.GenerateContentResponse) (*llm.CompletionResponse, error) {
	if len(result.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates in response", llm.ErrAPIError)
	}

	candidate := result.Candidates[0]
	var parts []string
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				parts = append(parts, part.Text)
			}
		}
	}

	response := &llm.CompletionResponse{
		Text:         strings.Join(parts, ""),
		Model:        model,
		FinishReason: a.convertFinishReason(candidate.FinishReason),
	}
	if result.UsageMetadata != nil {
		response.Usage = llm.NewUsage(
			int(result.UsageMetadata.PromptTokenCount),
			int(result.UsageMetadata.CandidatesTokenCount),
			int(result.UsageMetadata.TotalTokenCount),
		)
		response.TokensUsed = response.Usage.TotalTokens
	}

	return response, nil
}

// convertFinishReason converts Gemini's finish reason to our format.
func (a *GeminiAdapter) convertFinishReason(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonStop:
		return llm.FinishReasonStop
	case genai.FinishReasonMaxTokens:
		return llm.FinishReasonLength
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist:
		return llm.FinishReasonContentFilter
	default:
		return string(reason)
	}
}

// wrapError wraps Gemini errors in our error types.
func (a *GeminiAdapter) wrapError(err error) error {
	if err == nil {
		return nil
	}

	errStr := err.Error()

	switch {
	case strings.Contains(errStr, "API key"):
		return fmt.Errorf("%w: %s", llm.ErrInvalidAPIKey, errStr)
	case strings.Contains(errStr, "not found") || strings.Contains(errStr, "404"):
		return fmt.Errorf("%w: %s", llm.ErrModelNotFound, errStr)
	case strings.Contains(errStr, "rate limit") || strings.Contains(errStr, "429"):
		return fmt.Errorf("%w: %s", llm.ErrRateLimited, errStr)
	case strings.Contains(errStr, "context") && strings.Contains(errStr, "token"):
		return fmt.Errorf("%w: %s", llm.ErrContextTooLong, errStr)
	default:
		return fmt.Errorf("%w: %s", llm.ErrAPIError, errStr)
	}
}

// Name identifies the provider.
func (a *GeminiAdapter) Name() string {
	return "gemini"
}

// Close releases resources held by the adapter.
func (a *GeminiAdapter) Close() error {
	return nil
}

// Verify GeminiAdapter implements Provider interface.
var _ llm.Provider = (*GeminiAdapter)(nil)

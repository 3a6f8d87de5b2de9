package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/azyu/novelforge/internal/llm"
)

const (
	defaultTimeout     = 120 * time.Second
	defaultMaxTokens   = 2048
	defaultTemperature = 0.7
)

// LocalAdapter implements the Provider interface for local OpenAI-compatible APIs.
// It works with servers like Ollama, LM Studio, vLLM, and other compatible implementations.
type LocalAdapter struct {
	client  *http.Client
	baseURL string
	model   string
}

// LocalAdapterOption configures a LocalAdapter.
type LocalAdapterOption func(*LocalAdapter)

// WithTimeout sets a custom timeout for requests.
func WithTimeout(timeout time.Duration) LocalAdapterOption {
	return func(a *LocalAdapter) {
		a.client.Timeout = timeout
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) LocalAdapterOption {
	return func(a *LocalAdapter) {
		a.client = client
	}
}

// NewLocalAdapter creates a new LocalAdapter for OpenAI-compatible local servers.
// The baseURL should point to the server (e.g., "http://localhost:11434" for Ollama).
func NewLocalAdapter(baseURL, model string, opts ...LocalAdapterOption) *LocalAdapter {
	adapter := &LocalAdapter{
		client: &http.Client{
			Timeout: defaultTimeout,
		},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

type localChatRequest struct {
	Model          string             `json:"model"`
	Messages       []localChatMessage `json:"messages"`
	MaxTokens      int                `json:"max_tokens,omitempty"`
	Temperature    float64            `json:"temperature,omitempty"`
	Stream         bool               `json:"stream"`
	ResponseFormat *localFormat       `json:"response_format,omitempty"`
}

type localFormat struct {
	Type string `json:"type"`
}

type localChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type localChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      localChatMessage `json:"message"`
		FinishReason string           `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type localErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Complete posts a chat completion to the local server.
func (a *LocalAdapter) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	body, err := json.Marshal(a.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("request timed out: %w", err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request canceled: %w", err)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.handleErrorResponse(resp)
	}

	var out localChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in response", llm.ErrAPIError)
	}

	choice := out.Choices[0]
	usage := llm.NewUsage(out.Usage.PromptTokens, out.Usage.CompletionTokens, out.Usage.TotalTokens)
	return &llm.CompletionResponse{
		Text:         choice.Message.Content,
		TokensUsed:   usage.TotalTokens,
		Usage:        usage,
		Model:        out.Model,
		FinishReason: choice.FinishReason,
	}, nil
}

// buildRequest converts a CompletionRequest to the OpenAI-compatible format.
func (a *LocalAdapter) buildRequest(req llm.CompletionRequest) localChatRequest {
	model := req.Model
	if model == "" {
		model = a.model
	}

	var messages []localChatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, localChatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, localChatMessage{Role: "user", Content: req.Prompt})

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}

	out := localChatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	if req.JSON {
		out.ResponseFormat = &localFormat{Type: "json_object"}
	}
	return out
}

// handleErrorResponse processes error responses from the API.
func (a *LocalAdapter) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return llm.ErrInvalidAPIKey
	case http.StatusNotFound:
		return fmt.Errorf("%w: model %q not found", llm.ErrModelNotFound, a.model)
	case http.StatusTooManyRequests:
		return llm.ErrRateLimited
	}

	var errResp localErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Errorf("%w: %s (code: %s)", llm.ErrAPIError, errResp.Error.Message, errResp.Error.Code)
	}

	if resp.StatusCode == http.StatusBadRequest && bytes.Contains(body, []byte("context")) {
		return llm.ErrContextTooLong
	}
	return fmt.Errorf("%w: HTTP %d - %s", llm.ErrAPIError, resp.StatusCode, string(body))
}

// Name identifies the provider.
func (a *LocalAdapter) Name() string {
	return "local"
}

// Close releases resources held by the adapter.
func (a *LocalAdapter) Close() error {
	return nil
}

// Verify LocalAdapter implements Provider interface.
var _ llm.Provider = (*LocalAdapter)(nil)

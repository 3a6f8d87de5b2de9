package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedJSON is returned when a structured response cannot be decoded.
var ErrMalformedJSON = errors.New("malformed JSON in completion")

// ExtractJSON pulls a JSON object out of a response that may be wrapped in
// markdown fences or surrounded by prose.
func ExtractJSON(content string) string {
	if idx := strings.Index(content, "```json"); idx != -1 {
		content = content[idx+7:]
		if endIdx := strings.Index(content, "```"); endIdx != -1 {
			content = content[:endIdx]
		}
	} else if idx := strings.Index(content, "```"); idx != -1 {
		content = content[idx+3:]
		if endIdx := strings.Index(content, "```"); endIdx != -1 {
			content = content[:endIdx]
		}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start != -1 && end != -1 && end > start {
		content = content[start : end+1]
	}

	return strings.TrimSpace(content)
}

// DecodeJSON requests a JSON completion and decodes it into out. Provider
// failures are returned as-is; undecodable output wraps ErrMalformedJSON.
// Callers choose their own neutral default on error.
func DecodeJSON(ctx context.Context, p Provider, req CompletionRequest, out any) (*CompletionResponse, error) {
	req.JSON = true
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	raw := ExtractJSON(resp.Text)
	if raw == "" {
		return resp, fmt.Errorf("%w: empty body", ErrMalformedJSON)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return resp, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	return resp, nil
}

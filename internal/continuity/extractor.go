package continuity

import (
	"context"
	"fmt"
	"strings"

	"github.com/azyu/novelforge/internal/llm"
)

const extractSystemPrompt = `You track story continuity. Read the passage and report only what changed.
Respond with a JSON object with the keys "characters", "locations", "timeline", "world_facts" and "plot_threads".
Each character entry has "name" and any of "status", "location", "physical_state", "emotional_state",
"new_knowledge" and "relationships". Omit fields that did not change.`

// Extractor derives continuity updates from generated prose.
type Extractor struct {
	provider llm.Provider
	model    string
}

// NewExtractor creates an extractor. A nil provider makes every Extract
// call fail, so ExtractOrFallback always takes the heuristic path.
func NewExtractor(provider llm.Provider, model string) *Extractor {
	return &Extractor{provider: provider, model: model}
}

// Extract asks the completion service for the changes in content.
func (e *Extractor) Extract(ctx context.Context, chapter int, content string) (ChapterUpdate, error) {
	if e == nil || e.provider == nil {
		return ChapterUpdate{}, fmt.Errorf("continuity extraction: %w", llm.ErrAPIError)
	}

	var u ChapterUpdate
	_, err := llm.DecodeJSON(ctx, e.provider, llm.CompletionRequest{
		Model:        e.model,
		SystemPrompt: extractSystemPrompt,
		Prompt:       fmt.Sprintf("Chapter %d passage:\n\n%s", chapter, content),
		MaxTokens:    1024,
		Temperature:  0.1,
	}, &u)
	if err != nil {
		return ChapterUpdate{}, fmt.Errorf("failed to extract continuity: %w", err)
	}
	return u, nil
}

// ExtractOrFallback returns the extracted update, or a heuristic one built
// from the tracked state when extraction fails. The error is returned for
// logging only.
func (e *Extractor) ExtractOrFallback(ctx context.Context, s *Store, chapter int, content string) (ChapterUpdate, error) {
	u, err := e.Extract(ctx, chapter, content)
	if err == nil {
		return u, nil
	}
	return HeuristicUpdate(s, chapter, content), err
}

// HeuristicUpdate marks tracked characters named in content as seen and
// records a timeline entry summarising it.
func HeuristicUpdate(s *Store, chapter int, content string) ChapterUpdate {
	var u ChapterUpdate
	for _, c := range s.Characters() {
		if mentions(content, c.Name) {
			u.Characters = append(u.Characters, CharacterUpdate{Name: c.Name})
		}
	}
	if summary := firstSentence(content); summary != "" {
		u.Timeline = append(u.Timeline, TimelineEntry{Chapter: chapter, Description: summary})
	}
	return u
}

func firstSentence(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return ""
	}
	if idx := strings.IndexAny(content, ".!?"); idx != -1 {
		content = content[:idx+1]
	}
	if r := []rune(content); len(r) > 160 {
		content = string(r[:160]) + "..."
	}
	return strings.Join(strings.Fields(content), " ")
}

package quality

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/azyu/novelforge/internal/llm"
	"github.com/azyu/novelforge/internal/token"
)

// ErrProofreadDrift is returned when a model's proofread changed the text
// too much to be a polish.
var ErrProofreadDrift = errors.New("proofread changed the passage length")

// maxDrift is the largest word-count change accepted from a proofread.
const maxDrift = 0.15

var (
	wordPattern   = regexp.MustCompile(`[\p{L}\p{N}']+`)
	spaceBeforeP  = regexp.MustCompile(` +([,.;:!?])`)
	multipleSpace = regexp.MustCompile(`[ \t]{2,}`)
	manyNewlines  = regexp.MustCompile(`\n{3,}`)
)

const proofreadSystemPrompt = `You are a proofreader. Fix spelling, grammar and punctuation only.
Keep the author's voice, wording and paragraph breaks. Return only the corrected passage.`

// Proofreader polishes prose.
type Proofreader struct {
	provider llm.Provider
	model    string
}

// NewProofreader creates a proofreader. With a nil provider only the
// mechanical cleanup runs.
func NewProofreader(provider llm.Provider, model string) *Proofreader {
	return &Proofreader{provider: provider, model: model}
}

// Proofread returns the polished text. On any error the mechanically
// cleaned input is returned alongside it.
func (p *Proofreader) Proofread(ctx context.Context, content string) (string, error) {
	cleaned := Clean(content)
	if p.provider == nil {
		return cleaned, nil
	}

	resp, err := p.provider.Complete(ctx, llm.CompletionRequest{
		Model:        p.model,
		SystemPrompt: proofreadSystemPrompt,
		Prompt:       cleaned,
		MaxTokens:    token.MaxTokensForWords(p.model, token.CountWords(cleaned)),
		Temperature:  0.1,
	})
	if err != nil {
		return cleaned, fmt.Errorf("failed to proofread: %w", err)
	}

	out := strings.TrimSpace(resp.Text)
	if out == "" {
		return cleaned, llm.ErrEmptyCompletion
	}
	before, after := token.CountWords(cleaned), token.CountWords(out)
	if before > 0 {
		drift := float64(after-before) / float64(before)
		if drift > maxDrift || drift < -maxDrift {
			return cleaned, fmt.Errorf("%w: %d to %d words", ErrProofreadDrift, before, after)
		}
	}
	return Clean(out), nil
}

// Clean removes doubled words, stray spaces before punctuation and runs of
// blank lines.
func Clean(content string) string {
	out := dropRepeatedWords(content)
	out = spaceBeforeP.ReplaceAllString(out, "$1")
	out = multipleSpace.ReplaceAllString(out, " ")
	out = manyNewlines.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// dropRepeatedWords removes a word repeated on the same line, as in
// "the the".
func dropRepeatedWords(content string) string {
	locs := wordPattern.FindAllStringIndex(content, -1)
	var b strings.Builder
	last := 0
	for i := 1; i < len(locs); i++ {
		prev, cur := locs[i-1], locs[i]
		gap := content[prev[1]:cur[0]]
		if gap == "" || strings.Trim(gap, " \t") != "" {
			continue
		}
		if !strings.EqualFold(content[prev[0]:prev[1]], content[cur[0]:cur[1]]) {
			continue
		}
		b.WriteString(content[last:prev[1]])
		last = cur[1]
	}
	b.WriteString(content[last:])
	return b.String()
}

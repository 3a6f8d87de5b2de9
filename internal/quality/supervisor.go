// Package quality scores generated prose and decides whether a section is
// accepted, polished or flagged for revision.
package quality

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/azyu/novelforge/internal/llm"
	"github.com/azyu/novelforge/internal/token"
)

// Issue severities, ordered from least to most urgent.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// NeutralScore is used when a model review cannot be obtained.
const NeutralScore = 70

// Issue is a supervision finding.
type Issue struct {
	Area        string `json:"area"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// Metrics are the raw measurements behind a Score.
type Metrics struct {
	Words              int     `json:"words"`
	Sentences          int     `json:"sentences"`
	Paragraphs         int     `json:"paragraphs"`
	EmotionalDensity   float64 `json:"emotional_density"`
	AvgSentenceLength  float64 `json:"avg_sentence_length"`
	AvgParagraphLength float64 `json:"avg_paragraph_length"`
	DialogueDensity    float64 `json:"dialogue_density"`
}

// Score is a supervision result on a 0-100 scale.
type Score struct {
	Overall   int     `json:"overall"`
	Emotional int     `json:"emotional"`
	Pacing    int     `json:"pacing"`
	Arc       int     `json:"arc"`
	Metrics   Metrics `json:"metrics"`
	Issues    []Issue `json:"issues,omitempty"`
}

// HasCritical reports whether any issue is critical.
func (s Score) HasCritical() bool {
	for _, is := range s.Issues {
		if is.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

var emotionalWords = map[string]struct{}{
	"afraid": {}, "anger": {}, "angry": {}, "anguish": {}, "anxious": {}, "ache": {}, "ached": {},
	"bitter": {}, "calm": {}, "cried": {}, "cry": {}, "dread": {}, "desperate": {}, "despair": {},
	"fear": {}, "feared": {}, "furious": {}, "glad": {}, "grief": {}, "guilt": {}, "happy": {},
	"hate": {}, "hated": {}, "heart": {}, "hope": {}, "hoped": {}, "horror": {}, "joy": {},
	"laughed": {}, "lonely": {}, "longing": {}, "love": {}, "loved": {}, "panic": {}, "proud": {},
	"rage": {}, "regret": {}, "relief": {}, "sad": {}, "scared": {}, "shame": {}, "smiled": {},
	"sorrow": {}, "tears": {}, "terror": {}, "trembled": {}, "wept": {}, "worried": {},
}

// Supervisor scores prose with fixed rules and, when a provider is set,
// asks a model for an editorial review.
type Supervisor struct {
	md       goldmark.Markdown
	provider llm.Provider
	model    string
}

// NewSupervisor creates a supervisor. provider may be nil.
func NewSupervisor(provider llm.Provider, model string) *Supervisor {
	return &Supervisor{
		md:       goldmark.New(),
		provider: provider,
		model:    model,
	}
}

// Score rates content. previous is the tail of the preceding section and
// targetWords the section's word target; both may be zero values.
func (s *Supervisor) Score(content, previous string, targetWords int) Score {
	m := s.measure(content)
	sc := Score{Metrics: m}

	sc.Emotional = bandScore(m.EmotionalDensity, 1.0, 4.0, 25)
	if m.EmotionalDensity > 7 {
		sc.Emotional = 65
	}

	sentence := bandScore(m.AvgSentenceLength, 10, 24, 4)
	paragraph := bandScore(m.AvgParagraphLength, 30, 140, 0.8)
	dialogue := bandScore(m.DialogueDensity, 0.1, 0.65, 150)
	sc.Pacing = int(math.Round((float64(sentence) + float64(paragraph) + float64(dialogue)) / 3))

	sc.Arc = arcScore(m.Words, targetWords)
	if previous != "" && firstSentenceOf(content) != "" && firstSentenceOf(content) == lastSentenceOf(previous) {
		sc.Arc -= 20
		sc.Issues = append(sc.Issues, Issue{Area: "arc", Severity: SeverityMedium, Description: "section repeats the previous section's closing line"})
	}
	sc.Arc = clampScore(sc.Arc)

	switch {
	case m.Words < 50:
		sc.Issues = append(sc.Issues, Issue{Area: "arc", Severity: SeverityCritical, Description: fmt.Sprintf("section is nearly empty (%d words)", m.Words)})
	case targetWords > 0 && m.Words < targetWords/2:
		sc.Issues = append(sc.Issues, Issue{Area: "arc", Severity: SeverityHigh, Description: fmt.Sprintf("section has %d of %d target words", m.Words, targetWords)})
	}
	if sc.Pacing < 60 {
		sc.Issues = append(sc.Issues, Issue{Area: "pacing", Severity: SeverityHigh, Description: "sentence, paragraph or dialogue rhythm is off"})
	}
	if sc.Emotional < 50 {
		sc.Issues = append(sc.Issues, Issue{Area: "emotional", Severity: SeverityMedium, Description: "little emotional language"})
	}

	sc.Overall = int(math.Round((float64(sc.Emotional) + float64(sc.Pacing) + float64(sc.Arc)) / 3))
	return sc
}

func (s *Supervisor) measure(content string) Metrics {
	var m Metrics
	m.Words = token.CountWords(content)
	if m.Words == 0 {
		return m
	}

	emotional := 0
	for _, w := range strings.Fields(content) {
		w = strings.ToLower(strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) }))
		if _, ok := emotionalWords[w]; ok {
			emotional++
		}
	}
	m.EmotionalDensity = float64(emotional) / float64(m.Words) * 100

	m.Sentences = countSentences(content)
	m.AvgSentenceLength = float64(m.Words) / float64(m.Sentences)

	paragraphs := s.paragraphs(content)
	m.Paragraphs = len(paragraphs)
	if m.Paragraphs == 0 {
		m.Paragraphs = 1
		paragraphs = []string{content}
	}
	m.AvgParagraphLength = float64(m.Words) / float64(m.Paragraphs)

	dialogue := 0
	for _, p := range paragraphs {
		if strings.ContainsAny(p, "\"“”") {
			dialogue++
		}
	}
	m.DialogueDensity = float64(dialogue) / float64(m.Paragraphs)
	return m
}

// paragraphs returns the text of each paragraph node.
func (s *Supervisor) paragraphs(content string) []string {
	src := []byte(content)
	doc := s.md.Parser().Parse(text.NewReader(src))

	var out []string
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || n.Kind() != ast.KindParagraph {
			return ast.WalkContinue, nil
		}
		var b strings.Builder
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			b.Write(seg.Value(src))
		}
		out = append(out, b.String())
		return ast.WalkSkipChildren, nil
	})
	return out
}

func countSentences(content string) int {
	n := 0
	prevEnd := false
	for _, r := range content {
		end := r == '.' || r == '!' || r == '?'
		if end && !prevEnd {
			n++
		}
		prevEnd = end
	}
	if n == 0 {
		n = 1
	}
	return n
}

// bandScore is 90 inside [lo, hi] and loses slope points per unit outside,
// down to 30.
func bandScore(v, lo, hi, slope float64) int {
	var gap float64
	switch {
	case v < lo:
		gap = lo - v
	case v > hi:
		gap = v - hi
	default:
		return 90
	}
	s := 90 - gap*slope
	if s < 30 {
		s = 30
	}
	return int(math.Round(s))
}

func arcScore(words, target int) int {
	if target <= 0 {
		switch {
		case words >= 800:
			return 85
		case words >= 300:
			return 70
		default:
			return 50
		}
	}
	ratio := float64(words) / float64(target)
	switch {
	case ratio >= 0.8 && ratio <= 1.2:
		return 90
	case ratio >= 0.6 && ratio <= 1.5:
		return 75
	case ratio >= 0.4:
		return 60
	default:
		return 40
	}
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

func firstSentenceOf(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexAny(s, ".!?"); idx != -1 {
		s = s[:idx+1]
	}
	return strings.Join(strings.Fields(s), " ")
}

func lastSentenceOf(s string) string {
	s = strings.TrimRight(strings.TrimSpace(s), ".!?\"”")
	if idx := strings.LastIndexAny(s, ".!?"); idx != -1 {
		s = s[idx+1:]
	}
	return firstSentenceOf(s + ".")
}

// Review is a model's editorial assessment.
type Review struct {
	Score  int     `json:"score"`
	Issues []Issue `json:"issues,omitempty"`
}

const reviewSystemPrompt = `You are a supervising editor. Rate the passage from 0 to 100 for how well it serves
the chapter purpose, and list problems. Respond with JSON: {"score": <int>, "issues": [{"area": "...",
"severity": "low|medium|high|critical", "description": "..."}]}`

// Review asks the model to assess content.
func (s *Supervisor) Review(ctx context.Context, content, purpose string) (Review, error) {
	if s.provider == nil {
		return Review{}, fmt.Errorf("supervision review: %w", llm.ErrAPIError)
	}
	var r Review
	_, err := llm.DecodeJSON(ctx, s.provider, llm.CompletionRequest{
		Model:        s.model,
		SystemPrompt: reviewSystemPrompt,
		Prompt:       fmt.Sprintf("Chapter purpose: %s\n\nPassage:\n%s", purpose, content),
		MaxTokens:    600,
		Temperature:  0.2,
	}, &r)
	if err != nil {
		return Review{}, fmt.Errorf("failed to review section: %w", err)
	}
	if r.Score < 0 || r.Score > 100 {
		return Review{}, fmt.Errorf("%w: score %d out of range", llm.ErrMalformedJSON, r.Score)
	}
	return r, nil
}

// ScoreOrNeutral returns r, or a neutral review when err is set.
func ScoreOrNeutral(r Review, err error) Review {
	if err != nil {
		return Review{Score: NeutralScore}
	}
	return r
}

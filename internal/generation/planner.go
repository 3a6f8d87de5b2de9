package generation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/azyu/novelforge/internal/llm"
	"github.com/azyu/novelforge/internal/logger"
	"github.com/azyu/novelforge/internal/ratelimit"
	"github.com/azyu/novelforge/pkg/types"
)

// wordsPerPlannedChapter sizes the basic structure.
const wordsPerPlannedChapter = 3000

// Structure is the chapter skeleton produced before the story bible.
type Structure struct {
	Acts          []string            `json:"acts"`
	ClimaxChapter int                 `json:"climax_chapter"`
	Chapters      []types.ChapterPlan `json:"chapters"`
}

// Planner produces the planning artifacts of a book: back cover, research,
// structure, story bible and quality plan. Each call has a deterministic
// Basic* counterpart used when the model is unavailable or not entitled.
type Planner struct {
	provider llm.Provider
	log      *logger.Logger
}

var structValidator = validator.New()

// NewPlanner creates a planner. provider may be nil, in which case every
// model call fails and callers fall back.
func NewPlanner(provider llm.Provider, log *logger.Logger) *Planner {
	if log == nil {
		log = logger.NewNop()
	}
	return &Planner{
		provider: provider,
		log:      log.With("component", "planner"),
	}
}

func (p *Planner) complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	if p.provider == nil {
		return "", fmt.Errorf("planner: %w", llm.ErrAPIError)
	}
	resp, err := p.provider.Complete(ratelimit.WithPriority(ctx, ratelimit.PriorityHigh), req)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", llm.ErrEmptyCompletion
	}
	return text, nil
}

func (p *Planner) decode(ctx context.Context, req llm.CompletionRequest, out any) error {
	if p.provider == nil {
		return fmt.Errorf("planner: %w", llm.ErrAPIError)
	}
	_, err := llm.DecodeJSON(ratelimit.WithPriority(ctx, ratelimit.PriorityHigh), p.provider, req, out)
	return err
}

func describeSettings(s types.BookSettings) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\nGenre: %s\nTarget length: %d words\n", s.Title, s.Genre, s.TargetWords)
	if s.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", s.Tone)
	}
	if s.Audience != "" {
		fmt.Fprintf(&b, "Audience: %s\n", s.Audience)
	}
	if s.POV != "" {
		fmt.Fprintf(&b, "Point of view: %s\n", s.POV)
	}
	return b.String()
}

// BackCover writes the back-cover copy for a prompt.
func (p *Planner) BackCover(ctx context.Context, model string, settings types.BookSettings, prompt string) (string, error) {
	text, err := p.complete(ctx, llm.CompletionRequest{
		Model:        model,
		SystemPrompt: "You write compelling back-cover copy for novels. Two or three paragraphs, no headings.",
		Prompt:       fmt.Sprintf("%s\nPremise: %s", describeSettings(settings), prompt),
		MaxTokens:    600,
		Temperature:  0.8,
	})
	if err != nil {
		return "", fmt.Errorf("failed to write back cover: %w", err)
	}
	return text, nil
}

// BasicBackCover builds back-cover copy from the prompt alone.
func BasicBackCover(settings types.BookSettings, prompt string) string {
	premise := strings.TrimSpace(prompt)
	if premise == "" {
		premise = settings.Prompt
	}
	return fmt.Sprintf("%s\n\nA %s novel. %s", settings.Title, strings.ToLower(settings.Genre), premise)
}

// Research gathers background facts for the book.
func (p *Planner) Research(ctx context.Context, model string, settings types.BookSettings, backCover string) (*types.Research, error) {
	var r types.Research
	err := p.decode(ctx, llm.CompletionRequest{
		Model: model,
		SystemPrompt: `You are a research assistant for novelists. Respond with JSON:
{"summary": "...", "facts": [{"topic": "...", "fact": "..."}]}`,
		Prompt:      fmt.Sprintf("%s\nBack cover:\n%s\n\nList the real-world facts a writer needs to get right.", describeSettings(settings), backCover),
		MaxTokens:   1200,
		Temperature: 0.3,
	}, &r)
	if err != nil {
		return nil, fmt.Errorf("failed to research: %w", err)
	}
	return &r, nil
}

// ChiefEditorStructure asks for a chapter structure sized to the book.
func (p *Planner) ChiefEditorStructure(ctx context.Context, model string, settings types.BookSettings, backCover string) (*Structure, error) {
	var s Structure
	err := p.decode(ctx, llm.CompletionRequest{
		Model: model,
		SystemPrompt: `You are a chief editor planning a novel's structure. Respond with JSON:
{"acts": ["..."], "climax_chapter": <int>, "chapters": [{"number": 1, "title": "...", "purpose": "..."}]}`,
		Prompt:      fmt.Sprintf("%s\nBack cover:\n%s", describeSettings(settings), backCover),
		MaxTokens:   2000,
		Temperature: 0.5,
	}, &s)
	if err != nil {
		return nil, fmt.Errorf("failed to plan structure: %w", err)
	}
	if len(s.Chapters) == 0 {
		return nil, fmt.Errorf("%w: structure has no chapters", llm.ErrMalformedJSON)
	}
	return &s, nil
}

// BasicStructure builds a three-act structure of evenly sized chapters.
func BasicStructure(settings types.BookSettings) *Structure {
	count := int(math.Round(float64(settings.TargetWords) / wordsPerPlannedChapter))
	if count < 1 {
		count = 1
	}
	s := &Structure{
		Acts:          []string{"Setup", "Confrontation", "Resolution"},
		ClimaxChapter: int(math.Ceil(float64(count) * 0.8)),
	}
	for i := 1; i <= count; i++ {
		pos := float64(i) / float64(count)
		var purpose string
		switch {
		case i == 1:
			purpose = "Introduce the protagonist, the world and the central problem"
		case pos <= 0.25:
			purpose = "Set up the stakes and push the protagonist into the conflict"
		case pos <= 0.75:
			purpose = "Complicate the conflict and raise the stakes"
		case i == s.ClimaxChapter:
			purpose = "Bring the central conflict to its climax"
		case i == count:
			purpose = "Resolve the story and show what has changed"
		default:
			purpose = "Drive toward the climax"
		}
		s.Chapters = append(s.Chapters, types.ChapterPlan{
			Number:  i,
			Title:   fmt.Sprintf("Chapter %d", i),
			Purpose: purpose,
		})
	}
	return s
}

// StoryBible asks for the full story bible, shaped by structure.
func (p *Planner) StoryBible(ctx context.Context, model string, settings types.BookSettings, backCover string, research *types.Research, structure *Structure) (*types.StoryBible, error) {
	var b strings.Builder
	b.WriteString(describeSettings(settings))
	fmt.Fprintf(&b, "\nBack cover:\n%s\n", backCover)
	if !research.IsEmpty() {
		fmt.Fprintf(&b, "\nResearch summary: %s\n", research.Summary)
		for _, f := range research.Facts {
			fmt.Fprintf(&b, "- %s: %s\n", f.Topic, f.Fact)
		}
	}
	if structure != nil {
		fmt.Fprintf(&b, "\nUse this chapter structure (%d chapters):\n", len(structure.Chapters))
		for _, ch := range structure.Chapters {
			fmt.Fprintf(&b, "%d. %s: %s\n", ch.Number, ch.Title, ch.Purpose)
		}
	}

	var bible types.StoryBible
	err := p.decode(ctx, llm.CompletionRequest{
		Model: model,
		SystemPrompt: `You are a story architect. Produce a story bible as JSON with keys
overview {premise, theme, tone}, characters [{name, role, description, arc, start_location, relationships}],
world_rules [{element, description, prohibits}], locations [{name, description, importance}],
structure {acts, climax_chapter}, chapters [{number, title, purpose, scenes [{purpose, setting, characters, conflict, mood}],
research_focus, character_arcs}], plot_threads [{name, description, introduced_chapter}], timeline [{chapter, description, when}].`,
		Prompt:      b.String(),
		MaxTokens:   4000,
		Temperature: 0.7,
	}, &bible)
	if err != nil {
		return nil, fmt.Errorf("failed to build story bible: %w", err)
	}
	if len(bible.Chapters) == 0 {
		return nil, fmt.Errorf("%w: story bible has no chapters", llm.ErrMalformedJSON)
	}
	return &bible, nil
}

// BasicStoryBible builds a minimal bible from the structure.
func BasicStoryBible(settings types.BookSettings, backCover string, structure *Structure) *types.StoryBible {
	if structure == nil {
		structure = BasicStructure(settings)
	}
	premise := settings.Prompt
	if premise == "" {
		premise = backCover
	}
	chapters := make([]types.ChapterPlan, len(structure.Chapters))
	copy(chapters, structure.Chapters)
	return &types.StoryBible{
		Overview: types.StoryOverview{Premise: premise, Tone: settings.Tone},
		Structure: types.StoryStructure{
			Acts:          structure.Acts,
			ClimaxChapter: structure.ClimaxChapter,
		},
		Chapters: chapters,
	}
}

// QualityPlan asks for the book's quality focus areas.
func (p *Planner) QualityPlan(ctx context.Context, model string, settings types.BookSettings, bible *types.StoryBible) (*types.QualityPlan, error) {
	var plan types.QualityPlan
	err := p.decode(ctx, llm.CompletionRequest{
		Model: model,
		SystemPrompt: `You are a quality editor. Name the areas this book must get right. Respond with JSON:
{"focus_areas": ["..."], "target_score": <int 0-100>}`,
		Prompt:      fmt.Sprintf("%s\nPremise: %s\nChapters: %d", describeSettings(settings), bible.Overview.Premise, len(bible.Chapters)),
		MaxTokens:   500,
		Temperature: 0.3,
	}, &plan)
	if err != nil {
		return nil, fmt.Errorf("failed to build quality plan: %w", err)
	}
	if plan.TargetScore <= 0 || plan.TargetScore > 100 {
		plan.TargetScore = defaultTargetScore
	}
	return &plan, nil
}

const defaultTargetScore = 75

// DefaultQualityPlan is the plan used without quality enhancement.
func DefaultQualityPlan() *types.QualityPlan {
	return &types.QualityPlan{
		FocusAreas:  []string{"continuity", "pacing"},
		TargetScore: defaultTargetScore,
	}
}

// planOrBasic returns v, or basic() when err is set.
func planOrBasic[T any](log *logger.Logger, stage string, v T, err error, basic func() T) T {
	if err != nil {
		log.Warn("planning stage failed, using basic fallback", "stage", stage, "error", err)
		return basic()
	}
	return v
}

// ValidateBible checks the bible's structure and returns the problems as
// warnings. An invalid bible is still usable.
func (p *Planner) ValidateBible(bible *types.StoryBible) []string {
	var warnings []string
	if err := structValidator.Struct(bible); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				warnings = append(warnings, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
		} else {
			warnings = append(warnings, err.Error())
		}
	}
	for i, ch := range bible.Chapters {
		if ch.Number != i+1 {
			warnings = append(warnings, fmt.Sprintf("chapter at position %d is numbered %d", i+1, ch.Number))
			break
		}
	}
	known := make(map[string]bool, len(bible.Characters))
	for _, c := range bible.Characters {
		known[strings.ToLower(c.Name)] = true
	}
	for _, ch := range bible.Chapters {
		for _, sc := range ch.Scenes {
			for _, name := range sc.Characters {
				if !known[strings.ToLower(name)] {
					warnings = append(warnings, fmt.Sprintf("chapter %d scene names unknown character %q", ch.Number, name))
				}
			}
		}
	}
	return warnings
}

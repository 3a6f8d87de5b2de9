package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/azyu/novelforge/internal/budget"
	"github.com/azyu/novelforge/internal/continuity"
	"github.com/azyu/novelforge/internal/llm"
	"github.com/azyu/novelforge/internal/logger"
	"github.com/azyu/novelforge/internal/ratelimit"
	"github.com/azyu/novelforge/internal/token"
	"github.com/azyu/novelforge/pkg/types"
)

// transitionWords is how much of the previous section is carried into the
// next prompt.
const transitionWords = 150

// SceneContext is everything the writer needs to know about one section.
// It is built from the chapter plan and checked with Validate before any
// completion call.
type SceneContext struct {
	ChapterNumber int      `validate:"min=1"`
	ChapterTitle  string   `validate:"required"`
	SectionNumber int      `validate:"min=1,ltefield=TotalSections"`
	TotalSections int      `validate:"min=1,max=4"`
	SectionType   string   `validate:"oneof=opening development bridge"`
	Purpose       string   `validate:"required"`
	Setting       string
	Characters    []string
	Conflict      string
	Mood          string
	TargetWords   int      `validate:"min=1"`
	// TransitionStyle is the genre's preferred way into the next section.
	TransitionStyle string
}

// Validate reports the first structural problem of the context.
func (c SceneContext) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid scene context: %s failed %s", verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid scene context: %w", err)
	}
	return nil
}

// BuildSceneContext fills the context of section number of a chapter,
// picking the plan scene at the same position. Chapters with fewer scenes
// than sections reuse the last scene.
func BuildSceneContext(plan types.ChapterPlan, sp budget.SectionPlan, number int) SceneContext {
	target := sp.Sections[number-1]
	sc := SceneContext{
		ChapterNumber:   plan.Number,
		ChapterTitle:    plan.Title,
		SectionNumber:   target.Number,
		TotalSections:   sp.Count(),
		SectionType:     target.SectionType,
		Purpose:         plan.Purpose,
		TargetWords:     target.Words,
		TransitionStyle: sp.TransitionStyle,
	}
	if len(plan.Scenes) > 0 {
		idx := target.Number - 1
		if idx >= len(plan.Scenes) {
			idx = len(plan.Scenes) - 1
		}
		scene := plan.Scenes[idx]
		if scene.Purpose != "" {
			sc.Purpose = scene.Purpose
		}
		sc.Setting = scene.Setting
		sc.Characters = scene.Characters
		sc.Conflict = scene.Conflict
		sc.Mood = scene.Mood
	}
	if sc.Purpose == "" {
		sc.Purpose = "Advance the story"
	}
	if strings.TrimSpace(sc.ChapterTitle) == "" {
		sc.ChapterTitle = fmt.Sprintf("Chapter %d", plan.Number)
	}
	return sc
}

// SectionRequest is one section to write.
type SectionRequest struct {
	BookID   string
	Model    string
	Scene    SceneContext
	Settings types.BookSettings
	// Voice is nil until the first section of the book fixed it.
	Voice *types.NarrativeVoice
	// Characters is the continuity snapshot of the characters on stage.
	Characters []continuity.CharacterState
	// Previous is the content of the preceding section, if any.
	Previous string
}

// SectionResult is generated prose and what it cost.
type SectionResult struct {
	Content    string
	Words      int
	TokensUsed int
	Model      string
	// Fallback is set when the reduced-context writer produced the text.
	Fallback bool
}

// SectionGenerator writes section prose. It has no side effects beyond the
// completion call.
type SectionGenerator struct {
	provider llm.Provider
	log      *logger.Logger
}

// NewSectionGenerator creates a generator.
func NewSectionGenerator(provider llm.Provider, log *logger.Logger) *SectionGenerator {
	if log == nil {
		log = logger.NewNop()
	}
	return &SectionGenerator{
		provider: provider,
		log:      log.With("component", "section_generator"),
	}
}

// Write generates a section, falling back to the reduced-context writer
// when the full generation fails.
func (g *SectionGenerator) Write(ctx context.Context, req SectionRequest) (SectionResult, error) {
	if err := req.Scene.Validate(); err != nil {
		return SectionResult{}, err
	}
	res, err := g.Generate(ctx, req)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return SectionResult{}, ctx.Err()
	}
	g.log.Warn("section generation failed, using fallback writer",
		"book_id", req.BookID, "chapter", req.Scene.ChapterNumber, "section", req.Scene.SectionNumber, "error", err)

	res, ferr := g.GenerateFallback(ctx, req)
	if ferr != nil {
		return SectionResult{}, fmt.Errorf("failed to write section %d: %w", req.Scene.SectionNumber, errors.Join(err, ferr))
	}
	return res, nil
}

// Generate writes a section with the full scene, voice, continuity and
// transition context.
func (g *SectionGenerator) Generate(ctx context.Context, req SectionRequest) (SectionResult, error) {
	return g.run(ctx, req, llm.CompletionRequest{
		Model:        req.Model,
		SystemPrompt: writerSystemPrompt(req),
		Prompt:       fullPrompt(req),
		MaxTokens:    token.MaxTokensForWords(req.Model, req.Scene.TargetWords),
		Temperature:  0.8,
	}, false)
}

// GenerateFallback writes a section from the purpose and word target only.
func (g *SectionGenerator) GenerateFallback(ctx context.Context, req SectionRequest) (SectionResult, error) {
	prompt := fmt.Sprintf("Write about %d words of a %s novel titled %q. Chapter %d, %s, section %d of %d.\nThis passage must: %s\nReturn only the prose.",
		req.Scene.TargetWords, req.Settings.Genre, req.Settings.Title, req.Scene.ChapterNumber, req.Scene.ChapterTitle,
		req.Scene.SectionNumber, req.Scene.TotalSections, req.Scene.Purpose)
	return g.run(ctx, req, llm.CompletionRequest{
		Model:        req.Model,
		SystemPrompt: "You are a novelist. Write vivid, coherent prose.",
		Prompt:       prompt,
		MaxTokens:    token.MaxTokensForWords(req.Model, req.Scene.TargetWords),
		Temperature:  0.7,
	}, true)
}

func (g *SectionGenerator) run(ctx context.Context, req SectionRequest, creq llm.CompletionRequest, fallback bool) (SectionResult, error) {
	if g.provider == nil {
		return SectionResult{}, fmt.Errorf("section writer: %w", llm.ErrAPIError)
	}
	resp, err := g.provider.Complete(ratelimit.WithPriority(ctx, ratelimit.PriorityNormal), creq)
	if err != nil {
		return SectionResult{}, err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return SectionResult{}, llm.ErrEmptyCompletion
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	return SectionResult{
		Content:    text,
		Words:      token.CountWords(text),
		TokensUsed: resp.TokensUsed,
		Model:      model,
		Fallback:   fallback,
	}, nil
}

func writerSystemPrompt(req SectionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a novelist writing a %s novel", strings.ToLower(req.Settings.Genre))
	if req.Settings.Audience != "" {
		fmt.Fprintf(&b, " for %s readers", req.Settings.Audience)
	}
	b.WriteString(".\n")
	switch {
	case req.Voice != nil:
		fmt.Fprintf(&b, "Write in %s, %s tense", req.Voice.Perspective, req.Voice.Tense)
		if req.Voice.Tone != "" {
			fmt.Fprintf(&b, ", with a %s tone", req.Voice.Tone)
		}
		b.WriteString(". Keep this voice exactly.\n")
	case req.Settings.POV != "":
		fmt.Fprintf(&b, "Write from a %s point of view.\n", req.Settings.POV)
	}
	b.WriteString("Return only the prose of the passage, without headings or notes.")
	return b.String()
}

func fullPrompt(req SectionRequest) string {
	sc := req.Scene
	var b strings.Builder
	fmt.Fprintf(&b, "Chapter %d: %s\nSection %d of %d (%s), about %d words.\n",
		sc.ChapterNumber, sc.ChapterTitle, sc.SectionNumber, sc.TotalSections, sc.SectionType, sc.TargetWords)
	fmt.Fprintf(&b, "Purpose: %s\n", sc.Purpose)
	if sc.Setting != "" {
		fmt.Fprintf(&b, "Setting: %s\n", sc.Setting)
	}
	if len(sc.Characters) > 0 {
		fmt.Fprintf(&b, "Characters: %s\n", strings.Join(sc.Characters, ", "))
	}
	if sc.Conflict != "" {
		fmt.Fprintf(&b, "Conflict: %s\n", sc.Conflict)
	}
	if sc.Mood != "" {
		fmt.Fprintf(&b, "Mood: %s\n", sc.Mood)
	}

	switch sc.SectionType {
	case budget.SectionOpening:
		b.WriteString("Open the chapter with a strong hook that grounds the reader in place and time.\n")
	case budget.SectionBridge:
		b.WriteString("Close the chapter and leave a pull toward the next one.\n")
		if sc.TransitionStyle != "" {
			fmt.Fprintf(&b, "Transition style: %s.\n", sc.TransitionStyle)
		}
	default:
		b.WriteString("Develop the conflict; do not resolve the chapter yet.\n")
	}

	if len(req.Characters) > 0 {
		b.WriteString("\nCurrent character state:\n")
		for _, c := range req.Characters {
			fmt.Fprintf(&b, "- %s (%s)", c.Name, c.Status)
			if c.Location != "" {
				fmt.Fprintf(&b, ", at %s", c.Location)
			}
			if c.EmotionalState != "" {
				fmt.Fprintf(&b, ", feeling %s", c.EmotionalState)
			}
			b.WriteString("\n")
		}
	}

	if tail := lastWords(req.Previous, transitionWords); tail != "" {
		fmt.Fprintf(&b, "\nThe previous passage ended:\n...%s\nContinue seamlessly from it without repeating it.\n", tail)
	}
	return b.String()
}

// onStage returns the tracked characters named by the scene, or every
// living tracked character when the scene names none.
func onStage(store *continuity.Store, names []string) []continuity.CharacterState {
	if store == nil {
		return nil
	}
	all := store.Characters()
	if len(names) == 0 {
		var alive []continuity.CharacterState
		for _, c := range all {
			if c.Status != continuity.StatusDead {
				alive = append(alive, c)
			}
		}
		return alive
	}
	var out []continuity.CharacterState
	for _, name := range names {
		if c, ok := store.Character(name); ok {
			out = append(out, c)
		}
	}
	return out
}

func lastWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[len(words)-n:]
	}
	return strings.Join(words, " ")
}

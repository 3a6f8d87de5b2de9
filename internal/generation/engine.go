// Package generation sequences the book pipeline: back cover, outline,
// chapter and section generation, final supervision and completion.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/azyu/novelforge/internal/budget"
	"github.com/azyu/novelforge/internal/checkpoint"
	"github.com/azyu/novelforge/internal/continuity"
	"github.com/azyu/novelforge/internal/llm"
	"github.com/azyu/novelforge/internal/logger"
	"github.com/azyu/novelforge/internal/progress"
	"github.com/azyu/novelforge/internal/quality"
	"github.com/azyu/novelforge/internal/storage"
	"github.com/azyu/novelforge/internal/tier"
	"github.com/azyu/novelforge/pkg/types"
)

// DefaultLeaseTTL bounds how long a crashed job blocks its book. A live
// job renews its lease every third of the TTL.
const DefaultLeaseTTL = 2 * time.Minute

// StartOptions tune a generation run.
type StartOptions struct {
	// StopAfter ends the run after this many chapters, leaving the rest for
	// a later resume. Zero generates every pending chapter.
	StopAfter int
	// TakeOver claims the book even when another job holds a live lease.
	// Only use it when that job is known to be dead.
	TakeOver bool
}

// Engine is the book orchestrator. One Engine serves any number of books;
// each book is generated by at most one job at a time.
type Engine struct {
	repo        Repository
	provider    llm.Provider
	checkpoints *checkpoint.Store
	progress    *progress.Reporter
	tiers       tier.Resolver
	planner     *Planner
	chapters    *ChapterOrchestrator
	revisions   *quality.RevisionTracker
	qualityCfg  types.QualityConfig
	leaseTTL    time.Duration
	now         func() time.Time
	log         *logger.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithQualityConfig replaces the default quality thresholds.
func WithQualityConfig(cfg types.QualityConfig) Option {
	return func(e *Engine) {
		e.qualityCfg = cfg
	}
}

// WithLeaseTTL sets how long a job's lease lasts between renewals.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.leaseTTL = ttl
	}
}

// WithNow replaces the clock used for revision windows and failed-section
// timestamps.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine wires an engine. provider should already be rate limited.
func NewEngine(repo Repository, provider llm.Provider, checkpoints *checkpoint.Store, reporter *progress.Reporter, tiers tier.Resolver, opts ...Option) *Engine {
	e := &Engine{
		repo:        repo,
		provider:    provider,
		checkpoints: checkpoints,
		progress:    reporter,
		tiers:       tiers,
		qualityCfg:  types.DefaultQualityConfig(),
		leaseTTL:    DefaultLeaseTTL,
		now:         time.Now,
		log:         logger.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	base := e.log
	e.log = base.With("component", "book_orchestrator")
	e.planner = NewPlanner(provider, base)
	e.revisions = quality.NewRevisionTracker(repo, e.qualityCfg,
		quality.WithTrackerNow(e.now), quality.WithTrackerLogger(base))
	e.chapters = NewChapterOrchestrator(repo, NewSectionGenerator(provider, base), checkpoints, reporter, e.revisions, base)
	return e
}

// CreateBook stores a new book in PLANNING at the PROMPT step.
func (e *Engine) CreateBook(ctx context.Context, settings types.BookSettings) (*types.Book, error) {
	if err := structValidator.Struct(settings); err != nil {
		return nil, fmt.Errorf("invalid book settings: %w", err)
	}
	if err := e.checkWordLimit(settings); err != nil {
		return nil, err
	}
	book := &types.Book{
		Settings: settings,
		Status:   types.BookStatusPlanning,
		Step:     types.StepPrompt,
	}
	if err := e.repo.CreateBook(ctx, book); err != nil {
		return nil, fmt.Errorf("failed to create book: %w", err)
	}
	e.log.Info("book created", "book_id", book.ID, "tier", string(settings.Tier), "words", settings.TargetWords)
	return book, nil
}

func (e *Engine) checkWordLimit(settings types.BookSettings) error {
	caps := e.tiers.GetFeatureAccess(settings.Tier)
	if caps.Limits.MaxWords > 0 && settings.TargetWords > caps.Limits.MaxWords {
		return fmt.Errorf("%w: %d words requested, %s allows %d", ErrWordLimit, settings.TargetWords, settings.Tier, caps.Limits.MaxWords)
	}
	return nil
}

// GenerateBackCover writes and stores the back-cover copy. An empty prompt
// uses the prompt from the book settings.
func (e *Engine) GenerateBackCover(ctx context.Context, bookID, prompt string) (text string, err error) {
	ctx, span := startSpan(ctx, "generation.back_cover", bookID)
	defer func() { endSpan(span, err) }()
	defer e.releaseProgress(ctx, bookID)

	book, err := e.repo.GetBook(ctx, bookID)
	if err != nil {
		return "", e.handleError(ctx, bookID, types.StepBackCover, fmt.Errorf("failed to load book: %w", err))
	}
	if prompt == "" {
		prompt = book.Settings.Prompt
	}
	caps := e.tiers.GetFeatureAccess(book.Settings.Tier)

	e.progress.Update(ctx, bookID, progress.Update{Progress: 10, Step: types.StepBackCover, Message: "Writing back cover"}, true)
	text, perr := e.planner.BackCover(ctx, caps.Models.Planning, book.Settings, prompt)
	text = planOrBasic(e.log, "back_cover", text, perr, func() string { return BasicBackCover(book.Settings, prompt) })

	if err := e.repo.SetBackCover(ctx, bookID, text); err != nil {
		return "", e.handleError(ctx, bookID, types.StepBackCover, err)
	}
	if err := e.repo.UpdateBookStatus(ctx, bookID, types.BookStatusPlanning, types.StepBackCover, ""); err != nil {
		return "", e.handleError(ctx, bookID, types.StepBackCover, err)
	}
	e.progress.Update(ctx, bookID, progress.Update{Progress: progress.BackCoverProgress, Step: types.StepBackCover, Message: "Back cover ready"}, true)
	return text, nil
}

// GenerateOutline runs research, structure planning and the story bible,
// then creates the chapter rows and the initial checkpoint. existing, when
// not empty, replaces the research stage.
func (e *Engine) GenerateOutline(ctx context.Context, bookID string, existing *types.Research) (bible *types.StoryBible, err error) {
	ctx, span := startSpan(ctx, "generation.outline", bookID)
	defer func() { endSpan(span, err) }()
	defer e.releaseProgress(ctx, bookID)

	book, err := e.repo.GetBook(ctx, bookID)
	if err != nil {
		return nil, e.handleError(ctx, bookID, types.StepOutline, fmt.Errorf("failed to load book: %w", err))
	}
	if err := e.checkWordLimit(book.Settings); err != nil {
		return nil, e.handleError(ctx, bookID, types.StepOutline, err)
	}
	settings := book.Settings
	caps := e.tiers.GetFeatureAccess(settings.Tier)
	model := caps.Models.Planning
	span.SetAttributes(attribute.String("book.tier", string(settings.Tier)))

	e.progress.Update(ctx, bookID, progress.Update{Progress: 28, Step: types.StepOutline, Message: "Researching"}, true)
	research := &types.Research{}
	switch {
	case !existing.IsEmpty():
		research = existing
	case caps.AIAgents.Research:
		r, rerr := e.planner.Research(ctx, model, settings, book.BackCover)
		research = planOrBasic(e.log, "research", r, rerr, func() *types.Research { return &types.Research{} })
	}

	e.progress.Update(ctx, bookID, progress.Update{Progress: 32, Message: "Planning structure"}, false)
	var structure *Structure
	if caps.AIAgents.ChiefEditor {
		s, serr := e.planner.ChiefEditorStructure(ctx, model, settings, book.BackCover)
		structure = planOrBasic(e.log, "chief_editor", s, serr, func() *Structure { return BasicStructure(settings) })
	} else {
		structure = BasicStructure(settings)
	}

	e.progress.Update(ctx, bookID, progress.Update{Progress: 35, Message: "Building story bible"}, false)
	b, berr := e.planner.StoryBible(ctx, model, settings, book.BackCover, research, structure)
	bible = planOrBasic(e.log, "story_bible", b, berr, func() *types.StoryBible {
		return BasicStoryBible(settings, book.BackCover, structure)
	})
	for _, w := range e.planner.ValidateBible(bible) {
		e.log.Warn("story bible validation", "book_id", bookID, "warning", w)
	}

	fillChapterTitles(bible.Chapters)
	plans := budget.ConsolidateChapters(bible.Chapters, settings.TargetWords)
	plans = budget.MergeChapters(plans, caps.Limits.MaxChapters)
	for i := range plans {
		plans[i].TargetWords = budget.ChapterWordTarget(settings.TargetWords, plans[i].Number, len(plans))
	}
	if len(plans) != len(bible.Chapters) {
		e.log.Info("chapters consolidated", "book_id", bookID, "planned", len(bible.Chapters), "kept", len(plans))
	}
	bible.Chapters = plans

	if caps.AIAgents.ContinuityTracking {
		store := continuity.NewStore()
		store.InitializeTracking(bible.Characters, bible, research, settings)
		data, serr := store.Snapshot()
		if serr == nil {
			serr = e.repo.SaveContinuity(ctx, bookID, 0, data)
		}
		if serr != nil {
			return nil, e.handleError(ctx, bookID, types.StepOutline, serr)
		}
	}

	var plan *types.QualityPlan
	if caps.AIAgents.QualityEnhancement {
		p, qerr := e.planner.QualityPlan(ctx, model, settings, bible)
		plan = planOrBasic(e.log, "quality_plan", p, qerr, DefaultQualityPlan)
	} else {
		plan = DefaultQualityPlan()
	}
	plan.ProofreadEnabled = caps.AIAgents.Proofreading
	plan.SupervisionEnabled = caps.AIAgents.Supervision

	if err := e.repo.SaveStoryBible(ctx, bookID, storage.StoryBibleRecord{Bible: bible, QualityPlan: plan, Research: research}); err != nil {
		return nil, e.handleError(ctx, bookID, types.StepOutline, err)
	}
	chapters := make([]types.Chapter, len(plans))
	for i, p := range plans {
		chapters[i] = types.Chapter{
			Number:        p.Number,
			Title:         p.Title,
			Purpose:       p.Purpose,
			TargetWords:   p.TargetWords,
			ResearchFocus: p.ResearchFocus,
			Status:        types.StatusPlanned,
		}
	}
	if err := e.repo.CreateChapters(ctx, bookID, chapters); err != nil {
		return nil, e.handleError(ctx, bookID, types.StepOutline, err)
	}
	e.checkpoints.Save(ctx, checkpoint.Fresh(bookID, bible, plan))

	if err := e.repo.UpdateBookStatus(ctx, bookID, types.BookStatusPlanning, types.StepOutline, ""); err != nil {
		return nil, e.handleError(ctx, bookID, types.StepOutline, err)
	}
	e.progress.Update(ctx, bookID, progress.Update{
		Progress:      progress.OutlineProgress,
		Step:          types.StepOutline,
		Message:       "Outline ready",
		TotalChapters: len(chapters),
	}, true)
	e.log.Info("outline ready", "book_id", bookID, "chapters", len(chapters), "research", !research.IsEmpty())
	return bible, nil
}

// fillChapterTitles names untitled plans after their position.
func fillChapterTitles(plans []types.ChapterPlan) {
	for i := range plans {
		if strings.TrimSpace(plans[i].Title) == "" {
			plans[i].Title = fmt.Sprintf("Chapter %d", i+1)
		}
	}
}

// StartBookGeneration generates every chapter that is not complete yet and
// then completes the book. With a checkpoint present it resumes from it.
// Re-running after a partial failure resumes rather than restarts.
func (e *Engine) StartBookGeneration(ctx context.Context, bookID string, opts StartOptions) (err error) {
	ctx, span := startSpan(ctx, "generation.start", bookID)
	defer func() { endSpan(span, err) }()

	cp, err := e.checkpoints.Load(ctx, bookID)
	switch {
	case err == nil:
		span.SetAttributes(attribute.Bool("generation.resume", true))
	case errors.Is(err, checkpoint.ErrNotFound):
		cp = nil
	default:
		e.log.Warn("ignoring unreadable checkpoint, using stored chapter status", "book_id", bookID, "error", err)
		cp = nil
	}
	return e.run(ctx, bookID, cp, opts)
}

// ResumeBookGeneration continues a book from cp. A nil cp loads the stored
// checkpoint. Calling it on a complete book does nothing.
func (e *Engine) ResumeBookGeneration(ctx context.Context, bookID string, cp *types.Checkpoint) (err error) {
	if cp == nil {
		return e.StartBookGeneration(ctx, bookID, StartOptions{})
	}
	ctx, span := startSpan(ctx, "generation.resume", bookID)
	defer func() { endSpan(span, err) }()
	return e.run(ctx, bookID, cp, StartOptions{})
}

func (e *Engine) run(ctx context.Context, bookID string, cp *types.Checkpoint, opts StartOptions) error {
	book, err := e.repo.GetBook(ctx, bookID)
	if err != nil {
		return e.handleError(ctx, bookID, types.StepChapters, fmt.Errorf("failed to load book: %w", err))
	}
	if book.Step == types.StepComplete {
		e.log.Info("book already complete", "book_id", bookID)
		return nil
	}

	holder := uuid.NewString()
	acquire := e.repo.AcquireLease
	if opts.TakeOver {
		acquire = e.repo.TakeOverLease
		e.log.Warn("taking over book lease", "book_id", bookID)
	}
	if err := acquire(ctx, bookID, holder, e.leaseTTL); err != nil {
		if errors.Is(err, storage.ErrLeaseHeld) {
			err = fmt.Errorf("%w: %s", ErrBookBusy, bookID)
		}
		return e.handleError(ctx, bookID, types.StepChapters, err)
	}
	release := context.WithoutCancel(ctx)
	defer func() {
		if rerr := e.repo.ReleaseLease(release, bookID, holder); rerr != nil {
			e.log.Warn("failed to release lease", "book_id", bookID, "error", rerr)
		}
	}()
	defer e.releaseProgress(release, bookID)
	ctx, stop := e.holdLease(ctx, bookID, holder)
	defer stop()

	job, err := e.loadJob(ctx, book, cp)
	if err != nil {
		return e.handleError(ctx, bookID, types.StepChapters, err)
	}
	chapters, err := e.repo.ListChapters(ctx, bookID)
	if err != nil {
		return e.handleError(ctx, bookID, types.StepChapters, err)
	}
	if len(chapters) == 0 {
		return e.handleError(ctx, bookID, types.StepChapters, fmt.Errorf("%w: no chapters planned", ErrNoStoryBible))
	}
	job.totalChapters = len(chapters)

	pending := pendingChapters(chapters, cp)
	e.log.Info("starting generation", "book_id", bookID, "chapters", len(chapters), "pending", len(pending), "resume", cp != nil)

	if len(pending) > 0 {
		if err := e.repo.UpdateBookStatus(ctx, bookID, types.BookStatusGenerating, types.StepChapters, ""); err != nil {
			return e.handleError(ctx, bookID, types.StepChapters, err)
		}
		e.progress.Update(ctx, bookID, progress.Update{
			Progress:      progress.ChapterProgress(pending[0].Number-1, len(chapters), 0, 0),
			Step:          types.StepChapters,
			Message:       fmt.Sprintf("Generating %d of %d chapters", len(pending), len(chapters)),
			TotalChapters: len(chapters),
		}, true)
	}

	var failed []int
	var lastErr error
	done := 0
	for _, ch := range pending {
		if opts.StopAfter > 0 && done >= opts.StopAfter {
			e.progress.Flush(ctx, bookID)
			e.log.Info("stopping early", "book_id", bookID, "generated", done)
			return nil
		}
		if err := e.chapters.Generate(ctx, job, ch, ch.Number-1); err != nil {
			if ctx.Err() != nil {
				return e.handleError(ctx, bookID, types.StepChapters, withCause(ctx, err))
			}
			e.log.Error("chapter failed, continuing", "book_id", bookID, "chapter", ch.Number, "error", err)
			failed = append(failed, ch.Number)
			lastErr = err
			continue
		}
		done++
	}
	e.progress.Flush(ctx, bookID)

	if len(failed) > 0 {
		return e.handleError(ctx, bookID, types.StepChapters,
			fmt.Errorf("%w: %v: %w", ErrChaptersIncomplete, failed, lastErr))
	}
	return e.complete(ctx, job)
}

// releaseProgress writes any throttled progress and drops the book's
// in-memory progress state. Later reads come from the progress store.
func (e *Engine) releaseProgress(ctx context.Context, bookID string) {
	ctx = context.WithoutCancel(ctx)
	e.progress.Flush(ctx, bookID)
	e.progress.Forget(bookID)
}

// holdLease renews the lease every third of its TTL until stop is called.
// The returned context is cancelled with ErrBookBusy if another job took
// the lease.
func (e *Engine) holdLease(ctx context.Context, bookID, holder string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	interval := e.leaseTTL / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := e.repo.RenewLease(ctx, bookID, holder, e.leaseTTL)
			switch {
			case err == nil:
			case errors.Is(err, storage.ErrLeaseHeld):
				e.log.Error("lease lost, stopping run", "book_id", bookID)
				cancel(fmt.Errorf("%w: lease lost: %s", ErrBookBusy, bookID))
				return
			case ctx.Err() == nil:
				e.log.Warn("failed to renew lease", "book_id", bookID, "error", err)
			}
		}
	}()
	return ctx, func() {
		cancel(nil)
		<-done
	}
}

// withCause adds the cancellation cause of ctx to err when err does not
// already carry it.
func withCause(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(err, cause) {
		return err
	}
	return fmt.Errorf("%w: %w", cause, err)
}

// pendingChapters returns the chapters to generate in number order: those
// not COMPLETE in the store, plus those missing from the checkpoint's
// completed list when a checkpoint is given.
func pendingChapters(chapters []types.Chapter, cp *types.Checkpoint) []types.Chapter {
	var out []types.Chapter
	for _, ch := range chapters {
		if ch.Status != types.StatusComplete || (cp != nil && !cp.HasChapter(ch.Number)) {
			out = append(out, ch)
		}
	}
	return out
}

// loadJob restores everything a run needs: the story bible (from the
// checkpoint when present), the tier, the continuity state and the voice.
func (e *Engine) loadJob(ctx context.Context, book *types.Book, cp *types.Checkpoint) (*bookJob, error) {
	caps := e.tiers.GetFeatureAccess(book.Settings.Tier)
	job := &bookJob{book: book, caps: caps, resumeFrom: cp}

	rec, err := e.repo.GetStoryBible(ctx, book.ID)
	switch {
	case err == nil:
		job.bible, job.plan, job.research = rec.Bible, rec.QualityPlan, rec.Research
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, err
	}
	if cp != nil {
		if cp.StoryBible != nil {
			job.bible = cp.StoryBible
		}
		if cp.QualityPlan != nil {
			job.plan = cp.QualityPlan
		}
		job.voice = cp.Voice
	}
	if job.bible == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoStoryBible, book.ID)
	}
	if job.plan == nil {
		job.plan = DefaultQualityPlan()
	}

	if caps.AIAgents.ContinuityTracking {
		store := continuity.NewStore()
		data, err := e.repo.LoadContinuity(ctx, book.ID)
		switch {
		case err == nil:
			if rerr := store.Restore(data); rerr != nil {
				e.log.Warn("continuity state unreadable, reseeding from story bible", "book_id", book.ID, "error", rerr)
				store.InitializeTracking(job.bible.Characters, job.bible, job.research, book.Settings)
			}
		case errors.Is(err, storage.ErrNotFound):
			store.InitializeTracking(job.bible.Characters, job.bible, job.research, book.Settings)
		default:
			return nil, err
		}
		job.continuity = store
		job.extractor = continuity.NewExtractor(e.provider, caps.Models.Planning)
	}

	job.supervisor = quality.NewSupervisor(e.provider, caps.Models.Planning)
	job.gate = quality.NewGate(job.supervisor, quality.NewProofreader(e.provider, caps.Models.Writing), e.qualityCfg,
		quality.WithGateLogger(e.log), quality.WithGateNow(e.now))
	return job, nil
}

// CompleteBookGeneration runs the final supervision pass and marks the book
// complete. Every chapter must be COMPLETE.
func (e *Engine) CompleteBookGeneration(ctx context.Context, bookID string) (err error) {
	ctx, span := startSpan(ctx, "generation.complete", bookID)
	defer func() { endSpan(span, err) }()
	defer e.releaseProgress(ctx, bookID)

	book, err := e.repo.GetBook(ctx, bookID)
	if err != nil {
		return e.handleError(ctx, bookID, types.StepSupervision, fmt.Errorf("failed to load book: %w", err))
	}
	if book.Step == types.StepComplete {
		return nil
	}
	job, err := e.loadJob(ctx, book, nil)
	if err != nil {
		return e.handleError(ctx, bookID, types.StepSupervision, err)
	}
	return e.complete(ctx, job)
}

func (e *Engine) complete(ctx context.Context, job *bookJob) error {
	bookID := job.book.ID
	chapters, err := e.repo.ListChapters(ctx, bookID)
	if err != nil {
		return e.handleError(ctx, bookID, types.StepSupervision, err)
	}
	var incomplete []int
	for _, ch := range chapters {
		if ch.Status != types.StatusComplete {
			incomplete = append(incomplete, ch.Number)
		}
	}
	if len(incomplete) > 0 {
		return e.handleError(ctx, bookID, types.StepSupervision, fmt.Errorf("%w: %v", ErrChaptersIncomplete, incomplete))
	}

	if err := e.repo.UpdateBookStatus(ctx, bookID, types.BookStatusGenerating, types.StepSupervision, ""); err != nil {
		return e.handleError(ctx, bookID, types.StepSupervision, err)
	}
	e.progress.Update(ctx, bookID, progress.Update{Progress: progress.SupervisionStart, Step: types.StepSupervision, Message: "Final supervision"}, true)

	if job.caps.AIAgents.Supervision {
		score, err := e.superviseBook(ctx, job, chapters)
		if err != nil {
			return e.handleError(ctx, bookID, types.StepSupervision, err)
		}
		if err := e.repo.SetQualityScore(ctx, bookID, score); err != nil {
			return e.handleError(ctx, bookID, types.StepSupervision, err)
		}
	}

	if err := e.repo.UpdateBookStatus(ctx, bookID, types.BookStatusComplete, types.StepComplete, ""); err != nil {
		return e.handleError(ctx, bookID, types.StepSupervision, err)
	}
	if err := e.checkpoints.Clear(ctx, bookID); err != nil {
		e.log.Warn("failed to clear checkpoint", "book_id", bookID, "error", err)
	}
	e.progress.Update(ctx, bookID, progress.Update{Progress: progress.Complete, Step: types.StepComplete, Message: "Book complete"}, true)
	e.log.Info("book complete", "book_id", bookID, "chapters", len(chapters))
	return nil
}

// superviseBook scores every chapter with the rule-based supervisor and
// returns the average. It makes no completion calls.
func (e *Engine) superviseBook(ctx context.Context, job *bookJob, chapters []types.Chapter) (int, error) {
	scores := make([]int, 0, len(chapters))
	for _, ch := range chapters {
		sections, err := e.repo.ListSections(ctx, ch.ID)
		if err != nil {
			return 0, err
		}
		parts := make([]string, 0, len(sections))
		for _, s := range sections {
			parts = append(parts, s.Content)
		}
		sc := job.supervisor.Score(strings.Join(parts, "\n\n"), "", ch.TargetWords)
		scores = append(scores, sc.Overall)
		e.log.Debug("chapter supervised", "book_id", job.book.ID, "chapter", ch.Number, "score", sc.Overall, "issues", len(sc.Issues))
	}
	return average(scores), nil
}

// GetGenerationProgress returns the latest published progress of a book.
func (e *Engine) GetGenerationProgress(ctx context.Context, bookID string) (*progress.State, error) {
	return e.progress.Get(ctx, bookID)
}

// GetPendingRevisions returns the book's revision backlog, most urgent
// first.
func (e *Engine) GetPendingRevisions(ctx context.Context, bookID string) ([]types.RevisionTask, error) {
	return e.repo.ListPendingRevisions(ctx, bookID)
}

// GetFailedSections returns the sections flagged by the quality gate.
func (e *Engine) GetFailedSections(ctx context.Context, bookID string) ([]types.FailedSection, error) {
	return e.repo.ListFailedSections(ctx, bookID)
}

// handleError publishes err to progress and, unless it looks transient or
// the book is busy elsewhere, resets the book so the step can be retried.
// It always returns a *StepError wrapping err.
func (e *Engine) handleError(ctx context.Context, bookID string, step types.GenerationStep, err error) error {
	ctx = context.WithoutCancel(ctx)
	current := progress.Update{Message: "Generation failed", Error: err.Error()}
	if st, gerr := e.progress.Get(ctx, bookID); gerr == nil {
		current.Progress, current.Step = st.Progress, st.Step
	}
	e.progress.Update(ctx, bookID, current, true)

	switch {
	case errors.Is(err, ErrBookBusy):
		e.log.Warn("book busy, status left unchanged", "book_id", bookID, "step", string(step), "error", err)
	case isTransientStoreError(err):
		e.log.Warn("transient store failure, status left unchanged", "book_id", bookID, "step", string(step), "error", err)
	case errors.Is(err, ErrWordLimit):
		e.setStatus(ctx, bookID, types.BookStatusError, types.StepError, err)
	default:
		retry := retryStep(step)
		if book, gerr := e.repo.GetBook(ctx, bookID); gerr == nil && book.Step != types.StepError && stepOrder(book.Step) < stepOrder(retry) {
			retry = book.Step
		}
		e.setStatus(ctx, bookID, types.BookStatusPlanning, retry, err)
	}
	return &StepError{Step: step, BookID: bookID, Err: err}
}

func (e *Engine) setStatus(ctx context.Context, bookID string, status types.BookStatus, step types.GenerationStep, cause error) {
	e.log.Error("generation step failed", "book_id", bookID, "status", string(status), "error", cause)
	if err := e.repo.UpdateBookStatus(ctx, bookID, status, step, cause.Error()); err != nil {
		e.log.Warn("failed to record book error", "book_id", bookID, "error", err)
	}
}

var pipelineOrder = []types.GenerationStep{
	types.StepPrompt,
	types.StepBackCover,
	types.StepOutline,
	types.StepChapters,
	types.StepSupervision,
	types.StepComplete,
}

func stepOrder(step types.GenerationStep) int {
	for i, s := range pipelineOrder {
		if s == step {
			return i
		}
	}
	return -1
}

// retryStep is the last step known to be done when step failed. A book is
// never moved past the step it had already reached.
func retryStep(step types.GenerationStep) types.GenerationStep {
	switch step {
	case types.StepBackCover:
		return types.StepPrompt
	case types.StepOutline:
		return types.StepBackCover
	default:
		return types.StepOutline
	}
}

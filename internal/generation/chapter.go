package generation

import (
	"context"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"

	"github.com/azyu/novelforge/internal/budget"
	"github.com/azyu/novelforge/internal/checkpoint"
	"github.com/azyu/novelforge/internal/continuity"
	"github.com/azyu/novelforge/internal/logger"
	"github.com/azyu/novelforge/internal/progress"
	"github.com/azyu/novelforge/internal/quality"
	"github.com/azyu/novelforge/internal/ratelimit"
	"github.com/azyu/novelforge/internal/tier"
	"github.com/azyu/novelforge/internal/token"
	"github.com/azyu/novelforge/pkg/types"
)

// bookJob is the in-memory state of one generation run of a book.
type bookJob struct {
	book     *types.Book
	caps     tier.Capabilities
	bible    *types.StoryBible
	plan     *types.QualityPlan
	research *types.Research
	voice    *types.NarrativeVoice
	// continuity is nil when the tier has no continuity tracking.
	continuity *continuity.Store
	extractor  *continuity.Extractor
	gate       *quality.Gate
	supervisor *quality.Supervisor
	// resumeFrom is the checkpoint the run started from, if any.
	resumeFrom    *types.Checkpoint
	totalChapters int
	// previous is the content of the last section written.
	previous string
}

func (j *bookJob) chapterPlan(number int) (types.ChapterPlan, bool) {
	if number >= 1 && number <= len(j.bible.Chapters) && j.bible.Chapters[number-1].Number == number {
		return j.bible.Chapters[number-1], true
	}
	for _, p := range j.bible.Chapters {
		if p.Number == number {
			return p, true
		}
	}
	return types.ChapterPlan{}, false
}

func (j *bookJob) sectionDone(chapterID string, sec types.Section) bool {
	return j.resumeFrom != nil &&
		sec.Status == types.StatusComplete &&
		sec.Content != "" &&
		j.resumeFrom.HasSection(chapterID, sec.Number)
}

// ChapterOrchestrator generates the sections of one chapter in order and
// runs every section through the quality gate.
type ChapterOrchestrator struct {
	repo        Repository
	writer      *SectionGenerator
	checkpoints *checkpoint.Store
	progress    *progress.Reporter
	revisions   *quality.RevisionTracker
	log         *logger.Logger
}

// NewChapterOrchestrator creates a chapter orchestrator.
func NewChapterOrchestrator(repo Repository, writer *SectionGenerator, checkpoints *checkpoint.Store, reporter *progress.Reporter, revisions *quality.RevisionTracker, log *logger.Logger) *ChapterOrchestrator {
	if log == nil {
		log = logger.NewNop()
	}
	return &ChapterOrchestrator{
		repo:        repo,
		writer:      writer,
		checkpoints: checkpoints,
		progress:    reporter,
		revisions:   revisions,
		log:         log.With("component", "chapter_orchestrator"),
	}
}

// Generate moves a chapter from PLANNED to COMPLETE. index is the
// zero-based position used for progress. On error the chapter is left in
// NEEDS_REVISION and a *ChapterError is returned.
func (o *ChapterOrchestrator) Generate(ctx context.Context, job *bookJob, ch types.Chapter, index int) (err error) {
	bookID := job.book.ID
	ctx, span := startSpan(ctx, "generation.chapter", bookID, attribute.Int("chapter.number", ch.Number))
	defer func() {
		if err != nil {
			if serr := o.repo.UpdateChapterStatus(context.WithoutCancel(ctx), ch.ID, types.StatusNeedsRevision); serr != nil {
				o.log.Warn("failed to mark chapter for revision", "book_id", bookID, "chapter", ch.Number, "error", serr)
			}
			err = &ChapterError{ChapterNumber: ch.Number, Err: err}
		}
		endSpan(span, err)
	}()

	plan, ok := job.chapterPlan(ch.Number)
	if !ok {
		return fmt.Errorf("no story-bible plan for chapter %d", ch.Number)
	}
	if err := o.repo.UpdateChapterStatus(ctx, ch.ID, types.StatusGenerating); err != nil {
		return err
	}

	settings := job.book.Settings
	words := budget.ChapterWordTarget(settings.TargetWords, ch.Number, job.totalChapters)
	sp := budget.PlanSections(words, budget.RulesFor(settings.Genre))
	planned := make([]types.Section, sp.Count())
	for i, t := range sp.Sections {
		planned[i] = types.Section{Number: t.Number, SectionType: t.SectionType, TargetWords: t.Words}
	}
	rows, err := o.repo.ReconcileSections(ctx, ch.ID, planned)
	if err != nil {
		return fmt.Errorf("failed to reconcile sections: %w", err)
	}
	span.SetAttributes(attribute.Int("chapter.words", words), attribute.Int("chapter.sections", len(rows)))
	o.log.Info("generating chapter", "book_id", bookID, "chapter", ch.Number, "words", words, "sections", len(rows))

	scores := make([]int, 0, len(rows))
	for i := range rows {
		sec := rows[i]
		if job.sectionDone(ch.ID, sec) {
			o.log.Debug("section already complete, skipping", "book_id", bookID, "chapter", ch.Number, "section", sec.Number)
			job.previous = sec.Content
			scores = append(scores, sec.QualityScore)
			continue
		}

		score, err := o.generateSection(ctx, job, ch, plan, sp, &sec)
		if err != nil {
			return err
		}
		scores = append(scores, score)

		o.progress.Update(ctx, bookID, progress.Update{
			Progress:       progress.ChapterProgress(index, job.totalChapters, i+1, len(rows)),
			Message:        fmt.Sprintf("Writing chapter %d, section %d of %d", ch.Number, sec.Number, len(rows)),
			Step:           types.StepChapters,
			CurrentChapter: ch.Number,
			TotalChapters:  job.totalChapters,
			CurrentSection: sec.Number,
			TotalSections:  len(rows),
		}, false)
		o.checkpoints.UpdateWithSection(ctx, bookID, ch.ID, sec.Number)
	}

	if err := o.repo.UpdateChapterStatus(ctx, ch.ID, types.StatusComplete); err != nil {
		return err
	}
	o.checkpoints.UpdateWithChapter(ctx, bookID, ch.Number)

	chapterScore := average(scores)
	if task := o.revisions.RecordChapterScore(ctx, bookID, ch.ID, ch.Number, chapterScore); task != nil {
		o.log.Info("arc stagnation flagged", "book_id", bookID, "chapter", ch.Number, "task_id", task.ID)
	}
	o.log.Info("chapter complete", "book_id", bookID, "chapter", ch.Number, "score", chapterScore)
	return nil
}

// generateSection writes, gates and persists one section and returns its
// overall quality score.
func (o *ChapterOrchestrator) generateSection(ctx context.Context, job *bookJob, ch types.Chapter, plan types.ChapterPlan, sp budget.SectionPlan, sec *types.Section) (int, error) {
	bookID := job.book.ID
	settings := job.book.Settings
	scene := BuildSceneContext(plan, sp, sec.Number)

	res, err := o.writer.Write(ctx, SectionRequest{
		BookID:     bookID,
		Model:      job.caps.Models.Writing,
		Scene:      scene,
		Settings:   settings,
		Voice:      job.voice,
		Characters: onStage(job.continuity, scene.Characters),
		Previous:   job.previous,
	})
	if err != nil {
		return 0, err
	}

	if job.voice == nil {
		v := ExtractVoice(res.Content, settings.Tone)
		job.voice = &v
		o.checkpoints.SetVoice(ctx, bookID, v)
		o.log.Info("narrative voice fixed", "book_id", bookID, "perspective", v.Perspective, "tense", v.Tense)
	}

	lowCtx := ratelimit.WithPriority(ctx, ratelimit.PriorityLow)
	result := job.gate.Evaluate(lowCtx, quality.Input{
		BookID:          bookID,
		ChapterID:       ch.ID,
		ChapterNumber:   ch.Number,
		SectionNumber:   sec.Number,
		Content:         res.Content,
		Purpose:         scene.Purpose,
		PreviousContext: job.previous,
		ResearchFocus:   plan.ResearchFocus,
		TargetWords:     sec.TargetWords,
		Settings:        settings,
		Continuity:      job.continuity,
		Features: quality.Features{
			Review:    job.caps.AIAgents.Supervision,
			Proofread: job.caps.AIAgents.Proofreading,
		},
	})

	sec.Content = result.Content
	sec.WordCount = token.CountWords(result.Content)
	sec.Status = types.StatusComplete
	sec.Model = res.Model
	sec.ConsistencyScore = result.ConsistencyScore
	sec.QualityScore = result.OverallScore
	if err := o.repo.SaveSection(ctx, sec); err != nil {
		return 0, err
	}

	if result.Failed != nil {
		if err := o.repo.AddFailedSection(ctx, *result.Failed); err != nil {
			return 0, err
		}
		o.checkpoints.AddFailedSection(ctx, bookID, *result.Failed)
	}

	o.revisions.EvaluateSection(ctx, quality.SectionSignal{
		BookID:        bookID,
		ChapterID:     ch.ID,
		ChapterNumber: ch.Number,
		SectionNumber: sec.Number,
		OverallScore:  result.OverallScore,
		PacingScore:   result.Supervision.Pacing,
		Critical:      result.Critical(),
		CriticalIssue: criticalIssue(result),
	})

	if job.continuity != nil {
		u, xerr := job.extractor.ExtractOrFallback(lowCtx, job.continuity, ch.Number, result.Content)
		if xerr != nil {
			o.log.Debug("continuity extraction failed, using heuristic update", "book_id", bookID, "chapter", ch.Number, "error", xerr)
		}
		job.continuity.RecordChapterUpdate(ch.Number, u)
		o.saveContinuity(ctx, bookID, ch.Number, job.continuity)
	}

	job.previous = result.Content
	o.log.Debug("section complete",
		"book_id", bookID, "chapter", ch.Number, "section", sec.Number,
		"words", sec.WordCount, "score", result.OverallScore, "fallback", res.Fallback)
	return result.OverallScore, nil
}

func (o *ChapterOrchestrator) saveContinuity(ctx context.Context, bookID string, chapter int, store *continuity.Store) {
	data, err := store.Snapshot()
	if err == nil {
		err = o.repo.SaveContinuity(ctx, bookID, chapter, data)
	}
	if err != nil {
		o.log.Warn("failed to persist continuity", "book_id", bookID, "chapter", chapter, "error", err)
	}
}

func criticalIssue(r quality.Result) string {
	for _, is := range r.Consistency.Issues() {
		if is.Severity == continuity.SeverityCritical {
			return is.Description
		}
	}
	for _, is := range r.Supervision.Issues {
		if is.Severity == quality.SeverityCritical {
			return is.Description
		}
	}
	return ""
}

func average(scores []int) int {
	if len(scores) == 0 {
		return 0
	}
	sum := 0
	for _, s := range scores {
		sum += s
	}
	return int(math.Round(float64(sum) / float64(len(scores))))
}

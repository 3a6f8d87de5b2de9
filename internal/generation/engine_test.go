//go:build cgo

package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azyu/novelforge/internal/checkpoint"
	"github.com/azyu/novelforge/internal/progress"
	"github.com/azyu/novelforge/internal/storage"
	"github.com/azyu/novelforge/internal/tier"
	"github.com/azyu/novelforge/pkg/types"
)

// testEnv is an engine over a real SQLite database and file checkpoints.
type testEnv struct {
	repo        *storage.SQLiteStore
	blobs       *storage.FileStore
	checkpoints *checkpoint.Store
	progress    *progress.MemoryStore
	engine      *Engine
}

func newTestEnv(t *testing.T, p *scriptedProvider, opts ...Option) *testEnv {
	t.Helper()
	dir := t.TempDir()
	repo, err := storage.NewSQLiteStore(filepath.Join(dir, "novelforge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	env := &testEnv{repo: repo, blobs: storage.NewFileStore(filepath.Join(dir, "checkpoints"))}
	env.restart(p, opts...)
	return env
}

// restart replaces the engine, as a new process would, keeping the stores.
func (env *testEnv) restart(p *scriptedProvider, opts ...Option) {
	env.checkpoints = checkpoint.NewStore(env.blobs)
	env.progress = progress.NewMemoryStore()
	reporter := progress.NewReporter(env.progress, 0)
	env.engine = NewEngine(env.repo, p, env.checkpoints, reporter, tier.NewStaticResolver("", ""), opts...)
}

func (env *testEnv) outlinedBook(t *testing.T, tierName types.Tier, words int) *types.Book {
	t.Helper()
	ctx := context.Background()
	book, err := env.engine.CreateBook(ctx, types.BookSettings{
		Title:       "The Salt Road",
		Prompt:      "A cartographer maps a drowned coast.",
		TargetWords: words,
		Genre:       "fantasy",
		Tier:        tierName,
	})
	require.NoError(t, err)
	_, err = env.engine.GenerateBackCover(ctx, book.ID, "")
	require.NoError(t, err)
	_, err = env.engine.GenerateOutline(ctx, book.ID, nil)
	require.NoError(t, err)
	return book
}

func (env *testEnv) book(t *testing.T, id string) *types.Book {
	t.Helper()
	b, err := env.repo.GetBook(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (env *testEnv) chapters(t *testing.T, id string) []types.Chapter {
	t.Helper()
	chs, err := env.repo.ListChapters(context.Background(), id)
	require.NoError(t, err)
	return chs
}

func TestGenerateBookEndToEnd(t *testing.T) {
	p := &scriptedProvider{bible: bibleJSON(t, 3)}
	env := newTestEnv(t, p)
	ctx := context.Background()

	book := env.outlinedBook(t, types.TierPro, 6000)
	assert.Equal(t, types.StepOutline, env.book(t, book.ID).Step)
	assert.NotEmpty(t, env.book(t, book.ID).BackCover)

	require.NoError(t, env.engine.StartBookGeneration(ctx, book.ID, StartOptions{}))

	got := env.book(t, book.ID)
	assert.Equal(t, types.BookStatusComplete, got.Status)
	assert.Equal(t, types.StepComplete, got.Step)
	assert.Greater(t, got.QualityScore, 0)

	chapters := env.chapters(t, book.ID)
	require.Len(t, chapters, 3)
	for i, ch := range chapters {
		assert.Equal(t, i+1, ch.Number, "chapter numbers are contiguous")
		assert.Equal(t, types.StatusComplete, ch.Status)

		sections, err := env.repo.ListSections(ctx, ch.ID)
		require.NoError(t, err)
		require.NotEmpty(t, sections)
		for j, sec := range sections {
			assert.Equal(t, j+1, sec.Number, "section numbers are contiguous")
			assert.Equal(t, types.StatusComplete, sec.Status)
			assert.NotEmpty(t, sec.Content)
			assert.Greater(t, sec.WordCount, 0)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, p.chaptersWritten())

	_, err := env.checkpoints.Load(ctx, book.ID)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound, "checkpoint is cleared on completion")

	st, err := env.engine.GetGenerationProgress(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, progress.Complete, st.Progress)
	assert.Equal(t, types.StepComplete, st.Step)
	assert.Empty(t, st.Error)

	assert.True(t, p.called("research assistant"), "PRO researches")
	assert.True(t, p.called("supervising editor"), "PRO reviews sections")
	assert.False(t, p.called("chief editor"), "only PREMIUM uses the chief editor")

	// Every writer call after the first section carries the fixed voice.
	writes := p.writerCalls()
	require.Greater(t, len(writes), 1)
	assert.NotContains(t, writes[0].SystemPrompt, "Keep this voice exactly")
	for _, w := range writes[1:] {
		assert.Contains(t, w.SystemPrompt, "Write in third person, past tense")
	}
}

func TestQualityGateNeverBlocks(t *testing.T) {
	p := &scriptedProvider{bible: bibleJSON(t, 1)}
	cfg := types.DefaultQualityConfig()
	cfg.FailThreshold = 100
	env := newTestEnv(t, p, WithQualityConfig(cfg))
	ctx := context.Background()

	book := env.outlinedBook(t, types.TierFree, 400)
	require.NoError(t, env.engine.StartBookGeneration(ctx, book.ID, StartOptions{}))

	failed, err := env.engine.GetFailedSections(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].SectionNumber)
	assert.Less(t, failed[0].QualityScore, 100)
	assert.NotEmpty(t, failed[0].Reason)

	chapters := env.chapters(t, book.ID)
	require.Len(t, chapters, 1)
	assert.Equal(t, types.StatusComplete, chapters[0].Status)
	assert.Equal(t, types.BookStatusComplete, env.book(t, book.ID).Status)

	assert.False(t, p.called("supervising editor"), "FREE has no review")
	assert.False(t, p.called("proofreader"), "FREE has no proofreading")
	assert.False(t, p.called("track story continuity"), "FREE has no continuity tracking")
}

func TestResumeAfterInterruptedRun(t *testing.T) {
	p := &scriptedProvider{bible: bibleJSON(t, 4)}
	env := newTestEnv(t, p)
	ctx := context.Background()

	book := env.outlinedBook(t, types.TierBasic, 8000)
	require.Len(t, env.chapters(t, book.ID), 4)

	require.NoError(t, env.engine.StartBookGeneration(ctx, book.ID, StartOptions{StopAfter: 2}))
	assert.Equal(t, []int{1, 2}, p.chaptersWritten())

	cp, err := env.checkpoints.Load(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, cp.CompletedChapters)
	require.NotNil(t, cp.Voice)
	assert.Equal(t, PerspectiveThird, cp.Voice.Perspective)

	got := env.book(t, book.ID)
	assert.Equal(t, types.BookStatusGenerating, got.Status)
	assert.Equal(t, types.StepChapters, got.Step)

	// A fresh process picks up where the first one stopped.
	p2 := &scriptedProvider{bible: bibleJSON(t, 4)}
	env.restart(p2)
	require.NoError(t, env.engine.ResumeBookGeneration(ctx, book.ID, nil))

	assert.Equal(t, []int{3, 4}, p2.chaptersWritten())
	for _, w := range p2.writerCalls() {
		assert.Contains(t, w.SystemPrompt, "Keep this voice exactly", "voice survives the restart")
	}
	for _, ch := range env.chapters(t, book.ID) {
		assert.Equal(t, types.StatusComplete, ch.Status)
	}
	assert.Equal(t, types.StepComplete, env.book(t, book.ID).Step)
}

func TestResumeCompleteBookIsNoop(t *testing.T) {
	p := &scriptedProvider{bible: bibleJSON(t, 1)}
	env := newTestEnv(t, p)
	ctx := context.Background()

	book := env.outlinedBook(t, types.TierFree, 1000)
	cp, err := env.checkpoints.Load(ctx, book.ID)
	require.NoError(t, err)
	require.NoError(t, env.engine.StartBookGeneration(ctx, book.ID, StartOptions{}))

	idle := &scriptedProvider{fail: true}
	env.restart(idle)
	require.NoError(t, env.engine.ResumeBookGeneration(ctx, book.ID, nil))
	require.NoError(t, env.engine.ResumeBookGeneration(ctx, book.ID, nil))
	require.NoError(t, env.engine.ResumeBookGeneration(ctx, book.ID, cp))
	require.NoError(t, env.engine.CompleteBookGeneration(ctx, book.ID))

	assert.Empty(t, idle.requests())
	assert.Equal(t, types.StepComplete, env.book(t, book.ID).Step)
}

func TestFreeOutlineWithFailingProvider(t *testing.T) {
	p := &scriptedProvider{fail: true}
	env := newTestEnv(t, p)
	ctx := context.Background()

	book := env.outlinedBook(t, types.TierFree, 6000)

	got := env.book(t, book.ID)
	assert.Equal(t, types.BookStatusPlanning, got.Status)
	assert.Equal(t, types.StepOutline, got.Step)
	assert.True(t, strings.HasPrefix(got.BackCover, "The Salt Road"), "basic back cover")

	rec, err := env.repo.GetStoryBible(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, rec.Bible.Chapters, 2)
	assert.Equal(t, "Chapter 1", rec.Bible.Chapters[0].Title)
	assert.True(t, rec.Research.IsEmpty())
	assert.Equal(t, defaultTargetScore, rec.QualityPlan.TargetScore)
	assert.False(t, rec.QualityPlan.ProofreadEnabled)

	_, err = env.repo.LoadContinuity(ctx, book.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "FREE does not track continuity")

	assert.True(t, p.called("story architect"))
	assert.False(t, p.called("research assistant"))
	assert.False(t, p.called("chief editor"))
	assert.False(t, p.called("quality editor"))
}

func TestOutlineConsolidatesShortBook(t *testing.T) {
	p := &scriptedProvider{bible: bibleJSON(t, 12)}
	env := newTestEnv(t, p)

	book := env.outlinedBook(t, types.TierBasic, 1500)

	chapters := env.chapters(t, book.ID)
	require.Len(t, chapters, 2)
	assert.Equal(t, "Tide 1 & More", chapters[0].Title)
	assert.Equal(t, "Tide 7 & More", chapters[1].Title)
	total := 0
	for _, ch := range chapters {
		total += ch.TargetWords
	}
	assert.InDelta(t, 1500, total, 150)

	_, err := env.repo.LoadContinuity(context.Background(), book.ID)
	assert.NoError(t, err, "BASIC seeds continuity at outline time")
}

func TestOutlineCapsChaptersByTier(t *testing.T) {
	p := &scriptedProvider{bible: bibleJSON(t, 25)}
	env := newTestEnv(t, p)

	book := env.outlinedBook(t, types.TierBasic, 30000)

	chapters := env.chapters(t, book.ID)
	require.Len(t, chapters, 20)
	for i, ch := range chapters {
		assert.Equal(t, i+1, ch.Number)
	}
}

func TestCreateBookRejectsWordLimit(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})

	_, err := env.engine.CreateBook(context.Background(), types.BookSettings{
		Title: "Too Long", TargetWords: 50000, Genre: "fantasy", Tier: types.TierFree,
	})
	assert.ErrorIs(t, err, ErrWordLimit)

	_, err = env.engine.CreateBook(context.Background(), types.BookSettings{Title: "No Genre", TargetWords: 5000})
	assert.Error(t, err)
}

func TestStartBusyBook(t *testing.T) {
	p := &scriptedProvider{bible: bibleJSON(t, 2)}
	env := newTestEnv(t, p)
	ctx := context.Background()

	book := env.outlinedBook(t, types.TierFree, 2000)
	require.NoError(t, env.repo.AcquireLease(ctx, book.ID, "other-worker", time.Hour))

	err := env.engine.StartBookGeneration(ctx, book.ID, StartOptions{})
	require.ErrorIs(t, err, ErrBookBusy)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, types.StepChapters, stepErr.Step)

	got := env.book(t, book.ID)
	assert.Equal(t, types.BookStatusPlanning, got.Status)
	assert.Equal(t, types.StepOutline, got.Step)
	assert.Empty(t, got.ErrorMessage)
	assert.Empty(t, p.writerCalls())

	st, err := env.engine.GetGenerationProgress(ctx, book.ID)
	require.NoError(t, err)
	assert.Contains(t, st.Error, "another job")
	assert.Equal(t, progress.OutlineProgress, st.Progress)
}

func TestStartWithoutOutline(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})
	ctx := context.Background()

	book, err := env.engine.CreateBook(ctx, types.BookSettings{
		Title: "Unplanned", TargetWords: 3000, Genre: "mystery", Tier: types.TierFree,
	})
	require.NoError(t, err)

	err = env.engine.StartBookGeneration(ctx, book.ID, StartOptions{})
	require.ErrorIs(t, err, ErrNoStoryBible)

	got := env.book(t, book.ID)
	assert.Equal(t, types.BookStatusPlanning, got.Status)
	assert.Equal(t, types.StepPrompt, got.Step, "a failed run never moves the book forward")
	assert.NotEmpty(t, got.ErrorMessage)
}

func TestFailedChapterDoesNotStopBook(t *testing.T) {
	p := &scriptedProvider{bible: bibleJSON(t, 3), failChapter: 2}
	env := newTestEnv(t, p)
	ctx := context.Background()

	book := env.outlinedBook(t, types.TierFree, 6000)

	err := env.engine.StartBookGeneration(ctx, book.ID, StartOptions{})
	require.ErrorIs(t, err, ErrChaptersIncomplete)
	var chErr *ChapterError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, 2, chErr.ChapterNumber)

	statuses := map[int]types.ChapterStatus{}
	for _, ch := range env.chapters(t, book.ID) {
		statuses[ch.Number] = ch.Status
	}
	assert.Equal(t, map[int]types.ChapterStatus{
		1: types.StatusComplete,
		2: types.StatusNeedsRevision,
		3: types.StatusComplete,
	}, statuses)
	assert.Equal(t, []int{1, 2, 3}, p.chaptersWritten())

	// The writer error mentions a timeout; it still counts as a failed
	// chapter, not a store outage.
	got := env.book(t, book.ID)
	assert.Equal(t, types.BookStatusPlanning, got.Status)
	assert.Equal(t, types.StepOutline, got.Step)
	assert.Contains(t, got.ErrorMessage, fmt.Sprint([]int{2}))
	assert.Contains(t, got.ErrorMessage, "timeout")

	// The rerun only writes the failed chapter.
	p2 := &scriptedProvider{bible: bibleJSON(t, 3)}
	env.restart(p2)
	require.NoError(t, env.engine.StartBookGeneration(ctx, book.ID, StartOptions{}))
	assert.Equal(t, []int{2}, p2.chaptersWritten())
	assert.Equal(t, types.StepComplete, env.book(t, book.ID).Step)
}

func TestUntitledChapterIsWritten(t *testing.T) {
	var bible types.StoryBible
	require.NoError(t, json.Unmarshal([]byte(bibleJSON(t, 3)), &bible))
	bible.Chapters[1].Title = ""
	data, err := json.Marshal(bible)
	require.NoError(t, err)

	p := &scriptedProvider{bible: string(data)}
	env := newTestEnv(t, p)
	ctx := context.Background()

	book := env.outlinedBook(t, types.TierFree, 6000)
	chapters := env.chapters(t, book.ID)
	require.Len(t, chapters, 3)
	assert.Equal(t, "Chapter 2", chapters[1].Title)

	require.NoError(t, env.engine.StartBookGeneration(ctx, book.ID, StartOptions{}))
	assert.Equal(t, []int{1, 2, 3}, p.chaptersWritten())
	assert.Equal(t, types.StepComplete, env.book(t, book.ID).Step)
}

func TestResumeWithinChapter(t *testing.T) {
	p := &scriptedProvider{bible: bibleJSON(t, 3)}
	p.failAt(2, 2)
	env := newTestEnv(t, p)
	ctx := context.Background()

	book := env.outlinedBook(t, types.TierFree, 6000)
	err := env.engine.StartBookGeneration(ctx, book.ID, StartOptions{})
	require.ErrorIs(t, err, ErrChaptersIncomplete)

	chapter2 := env.chapters(t, book.ID)[1]
	sections, err := env.repo.ListSections(ctx, chapter2.ID)
	require.NoError(t, err)
	require.Len(t, sections, 2)
	assert.Equal(t, types.StatusComplete, sections[0].Status)
	assert.NotEqual(t, types.StatusComplete, sections[1].Status)
	first := sections[0].Content

	p2 := &scriptedProvider{bible: bibleJSON(t, 3)}
	env.restart(p2)
	require.NoError(t, env.engine.StartBookGeneration(ctx, book.ID, StartOptions{}))

	writes := p2.writerCalls()
	require.Len(t, writes, 1, "only the missing section is written")
	assert.Equal(t, 2, promptChapter(writes[0].Prompt))
	assert.Equal(t, 2, promptSection(writes[0].Prompt))

	sections, err = env.repo.ListSections(ctx, chapter2.ID)
	require.NoError(t, err)
	assert.Equal(t, first, sections[0].Content, "the finished section is kept")
	assert.Equal(t, types.StatusComplete, sections[1].Status)
	assert.Equal(t, types.StepComplete, env.book(t, book.ID).Step)
}

func TestResumeAfterCrashedJob(t *testing.T) {
	p := &scriptedProvider{bible: bibleJSON(t, 4)}
	env := newTestEnv(t, p)
	ctx := context.Background()

	book := env.outlinedBook(t, types.TierBasic, 8000)
	require.NoError(t, env.engine.StartBookGeneration(ctx, book.ID, StartOptions{StopAfter: 2}))

	// A job that died mid-run leaves its lease behind.
	require.NoError(t, env.repo.AcquireLease(ctx, book.ID, "crashed-process", DefaultLeaseTTL))

	p2 := &scriptedProvider{bible: bibleJSON(t, 4)}
	env.restart(p2)
	err := env.engine.ResumeBookGeneration(ctx, book.ID, nil)
	require.ErrorIs(t, err, ErrBookBusy)
	assert.Empty(t, p2.writerCalls())

	require.NoError(t, env.engine.StartBookGeneration(ctx, book.ID, StartOptions{TakeOver: true}))
	assert.Equal(t, []int{3, 4}, p2.chaptersWritten())
	assert.Equal(t, types.StepComplete, env.book(t, book.ID).Step)

	require.NoError(t, env.repo.AcquireLease(ctx, book.ID, "next-job", time.Minute), "the lease is released")
}

func TestExpiredLeaseDoesNotBlockResume(t *testing.T) {
	p := &scriptedProvider{bible: bibleJSON(t, 2)}
	env := newTestEnv(t, p)
	ctx := context.Background()

	book := env.outlinedBook(t, types.TierFree, 2000)
	require.NoError(t, env.repo.AcquireLease(ctx, book.ID, "crashed-process", -time.Second))

	require.NoError(t, env.engine.ResumeBookGeneration(ctx, book.ID, nil))
	assert.Equal(t, []int{1, 2}, p.chaptersWritten())
	assert.Equal(t, types.StepComplete, env.book(t, book.ID).Step)
}

func TestLostLeaseCancelsRun(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{}, WithLeaseTTL(30*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, env.repo.AcquireLease(ctx, "b1", "job-a", time.Minute))
	runCtx, stop := env.engine.holdLease(ctx, "b1", "job-a")
	defer stop()

	require.NoError(t, env.repo.TakeOverLease(ctx, "b1", "job-b", time.Minute))
	require.Eventually(t, func() bool { return runCtx.Err() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, context.Cause(runCtx), ErrBookBusy)
	assert.ErrorIs(t, withCause(runCtx, context.Canceled), ErrBookBusy)
}

func TestHeldLeaseStaysWithHolder(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{}, WithLeaseTTL(30*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, env.repo.AcquireLease(ctx, "b1", "job-a", time.Minute))
	runCtx, stop := env.engine.holdLease(ctx, "b1", "job-a")
	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, runCtx.Err(), "renewals by the holder keep the run alive")
	stop()
	assert.ErrorIs(t, runCtx.Err(), context.Canceled)
}

func TestProgressStateReleasedAfterRun(t *testing.T) {
	p := &scriptedProvider{bible: bibleJSON(t, 1)}
	env := newTestEnv(t, p)
	ctx := context.Background()

	book := env.outlinedBook(t, types.TierFree, 1000)
	assert.False(t, env.engine.progress.Tracking(book.ID), "outline releases progress state")

	require.NoError(t, env.engine.StartBookGeneration(ctx, book.ID, StartOptions{}))
	assert.False(t, env.engine.progress.Tracking(book.ID))

	st, err := env.engine.GetGenerationProgress(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, progress.Complete, st.Progress)
}

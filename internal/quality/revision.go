package quality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/azyu/novelforge/internal/logger"
	"github.com/azyu/novelforge/pkg/types"
)

const (
	// DedupeWindow collapses repeats of the same trigger into one task.
	DedupeWindow = 10 * time.Minute
	// AttemptWindow is the rolling window for the per-chapter task cap.
	AttemptWindow = 2 * time.Hour
	// PacingThreshold raises a pacing task below this pacing score.
	PacingThreshold = 60
	// StagnationAverage and the trend decide arc stagnation.
	StagnationAverage = 75

	statusPending = "pending"
)

// TaskStore persists revision tasks.
type TaskStore interface {
	SaveRevisionTask(ctx context.Context, task types.RevisionTask) error
}

// SectionSignal is the gate outcome the tracker classifies.
type SectionSignal struct {
	BookID        string
	ChapterID     string
	ChapterNumber int
	SectionNumber int
	OverallScore  int
	PacingScore   int
	Critical      bool
	CriticalIssue string
}

// RevisionTracker turns quality signals into advisory revision tasks.
// Nothing dequeues them automatically.
type RevisionTracker struct {
	store TaskStore
	cfg   types.QualityConfig
	now   func() time.Time
	log   *logger.Logger

	mu       sync.Mutex
	recent   map[string]*types.RevisionTask
	attempts map[string][]time.Time
	history  map[string][]int
}

// TrackerOption configures a RevisionTracker.
type TrackerOption func(*RevisionTracker)

// WithTrackerNow replaces the clock.
func WithTrackerNow(now func() time.Time) TrackerOption {
	return func(t *RevisionTracker) {
		t.now = now
	}
}

// WithTrackerLogger sets the logger.
func WithTrackerLogger(log *logger.Logger) TrackerOption {
	return func(t *RevisionTracker) {
		t.log = log
	}
}

// NewRevisionTracker creates a tracker. store may be nil.
func NewRevisionTracker(store TaskStore, cfg types.QualityConfig, opts ...TrackerOption) *RevisionTracker {
	t := &RevisionTracker{
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		log:      logger.NewNop(),
		recent:   make(map[string]*types.RevisionTask),
		attempts: make(map[string][]time.Time),
		history:  make(map[string][]int),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With("component", "revision_tracker")
	return t
}

// EvaluateSection raises the triggers a section's scores meet and returns
// the tasks that were newly created.
func (t *RevisionTracker) EvaluateSection(ctx context.Context, sig SectionSignal) []types.RevisionTask {
	var created []types.RevisionTask
	raise := func(trigger types.RevisionTrigger, priority, effort, reason string) {
		if task, ok := t.raise(ctx, sig.BookID, sig.ChapterID, sig.ChapterNumber, sig.SectionNumber, trigger, priority, effort, reason, sig.Critical); ok {
			created = append(created, task)
		}
	}

	if sig.OverallScore < t.cfg.RevisionThreshold {
		priority, effort := "medium", "moderate"
		if sig.OverallScore < t.cfg.FailThreshold {
			priority, effort = "high", "major"
		}
		raise(types.TriggerQualityThreshold, priority, effort,
			fmt.Sprintf("quality score %d below %d", sig.OverallScore, t.cfg.RevisionThreshold))
	}
	if sig.Critical {
		reason := sig.CriticalIssue
		if reason == "" {
			reason = "critical issue detected"
		}
		raise(types.TriggerCriticalIssue, "critical", "major", reason)
	}
	if sig.PacingScore < PacingThreshold {
		raise(types.TriggerPacing, "medium", "minor", fmt.Sprintf("pacing score %d below %d", sig.PacingScore, PacingThreshold))
	}
	return created
}

// RecordChapterScore adds a chapter's score to the book's history and,
// every StagnationInterval chapters, checks for arc stagnation: the last
// three chapters average below StagnationAverage with no upward trend.
func (t *RevisionTracker) RecordChapterScore(ctx context.Context, bookID, chapterID string, chapterNumber, score int) *types.RevisionTask {
	t.mu.Lock()
	h := append(t.history[bookID], score)
	t.history[bookID] = h
	t.mu.Unlock()

	interval := t.cfg.StagnationInterval
	if interval <= 0 || chapterNumber%interval != 0 || len(h) < 3 {
		return nil
	}
	last := h[len(h)-3:]
	avg := float64(last[0]+last[1]+last[2]) / 3
	trend := last[2] - last[0]
	if avg >= StagnationAverage || trend > 0 {
		return nil
	}

	task, ok := t.raise(ctx, bookID, chapterID, chapterNumber, 0, types.TriggerArcStagnation, "high", "major",
		fmt.Sprintf("last three chapters average %.0f with trend %d", avg, trend), false)
	if !ok {
		return nil
	}
	return &task
}

// raise records a trigger. A repeat within DedupeWindow only bumps the
// existing task's count; a new task is refused once the chapter reached
// its cap inside AttemptWindow.
func (t *RevisionTracker) raise(ctx context.Context, bookID, chapterID string, chapterNumber, sectionNumber int, trigger types.RevisionTrigger, priority, effort, reason string, critical bool) (types.RevisionTask, bool) {
	t.mu.Lock()
	now := t.now()
	key := bookID + "/" + chapterID + "/" + string(trigger)

	if prev, ok := t.recent[key]; ok && now.Sub(prev.LastSeenAt) < DedupeWindow {
		prev.Count++
		prev.LastSeenAt = now
		task := *prev
		t.mu.Unlock()
		t.save(ctx, task)
		return types.RevisionTask{}, false
	}

	chapterKey := bookID + "/" + chapterID
	var kept []time.Time
	for _, at := range t.attempts[chapterKey] {
		if now.Sub(at) < AttemptWindow {
			kept = append(kept, at)
		}
	}
	limit := t.cfg.MaxRevisions
	if critical {
		limit += t.cfg.CriticalBonus
	}
	if len(kept) >= limit {
		t.attempts[chapterKey] = kept
		t.mu.Unlock()
		t.log.Warn("revision cap reached, trigger dropped",
			"book_id", bookID, "chapter", chapterNumber, "trigger", string(trigger), "limit", limit)
		return types.RevisionTask{}, false
	}
	t.attempts[chapterKey] = append(kept, now)

	task := &types.RevisionTask{
		ID:            uuid.NewString(),
		BookID:        bookID,
		ChapterID:     chapterID,
		ChapterNumber: chapterNumber,
		SectionNumber: sectionNumber,
		Trigger:       trigger,
		Priority:      priority,
		Effort:        effort,
		Reason:        reason,
		Count:         1,
		Status:        statusPending,
		CreatedAt:     now,
		LastSeenAt:    now,
	}
	t.recent[key] = task
	out := *task
	t.mu.Unlock()

	t.save(ctx, out)
	return out, true
}

func (t *RevisionTracker) save(ctx context.Context, task types.RevisionTask) {
	if t.store == nil {
		return
	}
	if err := t.store.SaveRevisionTask(ctx, task); err != nil {
		t.log.Warn("failed to save revision task", "book_id", task.BookID, "task_id", task.ID, "error", err)
	}
}

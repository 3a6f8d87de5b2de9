// Package progress publishes advisory generation progress for external
// pollers. Writes are throttled per book.
package progress

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/azyu/novelforge/internal/logger"
	"github.com/azyu/novelforge/pkg/types"
)

// ErrNotFound is returned when no progress was ever recorded for a book.
var ErrNotFound = errors.New("progress not found")

// State is the published progress snapshot of one book.
type State struct {
	BookID         string               `json:"book_id"`
	Progress       int                  `json:"progress"`
	Message        string               `json:"message,omitempty"`
	Step           types.GenerationStep `json:"step,omitempty"`
	CurrentChapter int                  `json:"current_chapter,omitempty"`
	TotalChapters  int                  `json:"total_chapters,omitempty"`
	CurrentSection int                  `json:"current_section,omitempty"`
	TotalSections  int                  `json:"total_sections,omitempty"`
	Error          string               `json:"error,omitempty"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// Update is a partial state. Progress is always applied; empty strings and
// zero counters leave the previous values. A new Step without an Error
// clears a recorded error.
type Update struct {
	Progress       int
	Message        string
	Step           types.GenerationStep
	CurrentChapter int
	TotalChapters  int
	CurrentSection int
	TotalSections  int
	Error          string
}

// Store persists progress snapshots.
type Store interface {
	Put(ctx context.Context, state State) error
	Get(ctx context.Context, bookID string) (*State, error)
}

// Reporter merges partial updates and writes them to a Store at most once
// per throttle interval per book. Throttled updates are kept and written by
// the next allowed update or by Flush.
type Reporter struct {
	store    Store
	throttle time.Duration
	now      func() time.Time
	log      *logger.Logger

	mu       sync.Mutex
	states   map[string]*State
	limiters map[string]*rate.Limiter
	pending  map[string]bool
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithNow replaces the clock.
func WithNow(now func() time.Time) ReporterOption {
	return func(r *Reporter) {
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) ReporterOption {
	return func(r *Reporter) {
		r.log = log
	}
}

// NewReporter creates a reporter writing to store.
func NewReporter(store Store, throttle time.Duration, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		store:    store,
		throttle: throttle,
		now:      time.Now,
		log:      logger.NewNop(),
		states:   make(map[string]*State),
		limiters: make(map[string]*rate.Limiter),
		pending:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "progress_reporter")
	return r
}

// Update merges u into the book's state and writes it unless throttled.
// force bypasses the throttle; use it for step transitions and errors.
// Write failures are logged, never returned.
func (r *Reporter) Update(ctx context.Context, bookID string, u Update, force bool) {
	r.mu.Lock()
	now := r.now()
	state, ok := r.states[bookID]
	if !ok {
		state = &State{BookID: bookID}
		r.states[bookID] = state
	}
	merge(state, u)
	state.UpdatedAt = now

	allowed := r.limiterFor(bookID).AllowN(now, 1)
	if !allowed && !force {
		r.pending[bookID] = true
		r.mu.Unlock()
		return
	}
	delete(r.pending, bookID)
	snapshot := *state
	r.mu.Unlock()

	r.write(ctx, snapshot)
}

// Flush writes a throttled update if one is pending.
func (r *Reporter) Flush(ctx context.Context, bookID string) {
	r.mu.Lock()
	if !r.pending[bookID] {
		r.mu.Unlock()
		return
	}
	delete(r.pending, bookID)
	snapshot := *r.states[bookID]
	r.mu.Unlock()

	r.write(ctx, snapshot)
}

// Get returns the latest known state, preferring this process's view over
// the store.
func (r *Reporter) Get(ctx context.Context, bookID string) (*State, error) {
	r.mu.Lock()
	if state, ok := r.states[bookID]; ok {
		snapshot := *state
		r.mu.Unlock()
		return &snapshot, nil
	}
	r.mu.Unlock()
	return r.store.Get(ctx, bookID)
}

// Forget drops in-memory state for a finished book.
func (r *Reporter) Forget(bookID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, bookID)
	delete(r.limiters, bookID)
	delete(r.pending, bookID)
}

// Tracking reports whether in-memory state is held for the book.
func (r *Reporter) Tracking(bookID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.states[bookID]
	return ok
}

func (r *Reporter) write(ctx context.Context, state State) {
	if err := r.store.Put(ctx, state); err != nil {
		r.log.Warn("failed to write progress", "book_id", state.BookID, "error", err)
	}
}

func (r *Reporter) limiterFor(bookID string) *rate.Limiter {
	l, ok := r.limiters[bookID]
	if !ok {
		limit := rate.Inf
		if r.throttle > 0 {
			limit = rate.Every(r.throttle)
		}
		l = rate.NewLimiter(limit, 1)
		r.limiters[bookID] = l
	}
	return l
}

func merge(state *State, u Update) {
	state.Progress = clamp(u.Progress)
	if u.Message != "" {
		state.Message = u.Message
	}
	if u.Step != "" {
		state.Step = u.Step
		if u.Error == "" {
			state.Error = ""
		}
	}
	if u.CurrentChapter > 0 {
		state.CurrentChapter = u.CurrentChapter
	}
	if u.TotalChapters > 0 {
		state.TotalChapters = u.TotalChapters
	}
	if u.CurrentSection > 0 {
		state.CurrentSection = u.CurrentSection
	}
	if u.TotalSections > 0 {
		state.TotalSections = u.TotalSections
	}
	if u.Error != "" {
		state.Error = u.Error
	}
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Milestones for the planning steps.
const (
	BackCoverProgress = 25
	OutlineProgress   = 40
	ChaptersStart     = 50
	ChaptersSpan      = 40
	SupervisionStart  = 90
	Complete          = 100
)

// ChapterProgress interpolates 50..90 across chapters and sections.
// chapterIndex and sectionIndex are zero-based counts of finished work.
func ChapterProgress(chapterIndex, totalChapters, sectionIndex, totalSections int) int {
	if totalChapters <= 0 {
		return ChaptersStart
	}
	p := float64(ChaptersStart) + float64(chapterIndex)/float64(totalChapters)*ChaptersSpan
	if totalSections > 0 {
		p += float64(sectionIndex) / float64(totalSections) * (ChaptersSpan / float64(totalChapters))
	}
	return clamp(int(math.Round(p)))
}

// Package checkpoint persists generation checkpoints so an interrupted job
// resumes at the first incomplete chapter.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/azyu/novelforge/internal/logger"
	"github.com/azyu/novelforge/internal/storage"
	"github.com/azyu/novelforge/pkg/types"
)

var (
	// ErrNotFound is returned by Load when a book has no checkpoint.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrIncompatible is returned for checkpoints written by another format version.
	ErrIncompatible = errors.New("incompatible checkpoint version")
)

// BlobStore is a durable key/value store with whole-value replace.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// Store reads and writes checkpoints. Write failures never propagate:
// a lost checkpoint only costs regenerated work on resume.
type Store struct {
	blobs BlobStore
	log   *logger.Logger
	now   func() time.Time

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// WithNow replaces the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a checkpoint store over blobs.
func NewStore(blobs BlobStore, opts ...Option) *Store {
	s := &Store{
		blobs: blobs,
		log:   logger.NewNop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "checkpoint_store")
	return s
}

// Fresh returns the checkpoint written when the chapter loop starts.
func Fresh(bookID string, bible *types.StoryBible, plan *types.QualityPlan) *types.Checkpoint {
	return &types.Checkpoint{
		BookID:            bookID,
		StoryBible:        bible,
		QualityPlan:       plan,
		CompletedChapters: []int{},
		CompletedSections: map[string][]int{},
		FailedSections:    []types.FailedSection{},
		Version:           types.CheckpointVersion,
	}
}

func key(bookID string) string {
	return "checkpoint-" + bookID
}

// Save persists cp, bumping its revision and timestamp.
func (s *Store) Save(ctx context.Context, cp *types.Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.save(ctx, cp)
}

func (s *Store) save(ctx context.Context, cp *types.Checkpoint) {
	cp.Version = types.CheckpointVersion
	cp.Timestamp = s.now()
	cp.Revision++

	data, err := json.Marshal(cp)
	if err != nil {
		s.log.Warn("failed to encode checkpoint", "book_id", cp.BookID, "error", err)
		return
	}
	if err := s.blobs.Set(ctx, key(cp.BookID), data); err != nil {
		s.log.Warn("failed to save checkpoint", "book_id", cp.BookID, "revision", cp.Revision, "error", err)
		return
	}
	s.log.Debug("checkpoint saved", "book_id", cp.BookID, "revision", cp.Revision)
}

// Load returns the last saved checkpoint of a book.
func (s *Store) Load(ctx context.Context, bookID string) (*types.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx, bookID)
}

func (s *Store) load(ctx context.Context, bookID string) (*types.Checkpoint, error) {
	data, err := s.blobs.Get(ctx, key(bookID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp types.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if cp.Version != types.CheckpointVersion {
		return nil, fmt.Errorf("checkpoint version %d: %w", cp.Version, ErrIncompatible)
	}
	if cp.CompletedSections == nil {
		cp.CompletedSections = map[string][]int{}
	}
	return &cp, nil
}

// Clear removes a book's checkpoint.
func (s *Store) Clear(ctx context.Context, bookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.blobs.Delete(ctx, key(bookID)); err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	return nil
}

// update loads, modifies and saves a checkpoint. A missing checkpoint
// starts from an empty one; an unreadable one is logged and skipped.
func (s *Store) update(ctx context.Context, bookID string, fn func(cp *types.Checkpoint)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := s.load(ctx, bookID)
	if errors.Is(err, ErrNotFound) {
		cp = Fresh(bookID, nil, nil)
	} else if err != nil {
		s.log.Warn("skipping checkpoint update", "book_id", bookID, "error", err)
		return
	}
	fn(cp)
	s.save(ctx, cp)
}

// UpdateWithChapter marks a chapter complete.
func (s *Store) UpdateWithChapter(ctx context.Context, bookID string, chapterNumber int) {
	s.update(ctx, bookID, func(cp *types.Checkpoint) {
		if !cp.HasChapter(chapterNumber) {
			cp.CompletedChapters = append(cp.CompletedChapters, chapterNumber)
			sort.Ints(cp.CompletedChapters)
		}
	})
}

// UpdateWithSection marks a section of a chapter complete.
func (s *Store) UpdateWithSection(ctx context.Context, bookID, chapterID string, sectionNumber int) {
	s.update(ctx, bookID, func(cp *types.Checkpoint) {
		if !cp.HasSection(chapterID, sectionNumber) {
			sections := append(cp.CompletedSections[chapterID], sectionNumber)
			sort.Ints(sections)
			cp.CompletedSections[chapterID] = sections
		}
	})
}

// AddFailedSection appends to the checkpoint's failed-section queue.
func (s *Store) AddFailedSection(ctx context.Context, bookID string, fs types.FailedSection) {
	s.update(ctx, bookID, func(cp *types.Checkpoint) {
		cp.FailedSections = append(cp.FailedSections, fs)
	})
}

// SetVoice records the narrative voice fixed by the first section.
func (s *Store) SetVoice(ctx context.Context, bookID string, voice types.NarrativeVoice) {
	s.update(ctx, bookID, func(cp *types.Checkpoint) {
		cp.Voice = &voice
	})
}

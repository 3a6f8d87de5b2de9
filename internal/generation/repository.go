package generation

import (
	"context"
	"time"

	"github.com/azyu/novelforge/internal/storage"
	"github.com/azyu/novelforge/pkg/types"
)

// Repository is the relational store the engine drives.
// *storage.SQLiteStore implements it.
type Repository interface {
	CreateBook(ctx context.Context, book *types.Book) error
	GetBook(ctx context.Context, id string) (*types.Book, error)
	UpdateBookStatus(ctx context.Context, id string, status types.BookStatus, step types.GenerationStep, errMsg string) error
	SetBackCover(ctx context.Context, id, backCover string) error
	SetQualityScore(ctx context.Context, id string, score int) error

	SaveStoryBible(ctx context.Context, bookID string, rec storage.StoryBibleRecord) error
	GetStoryBible(ctx context.Context, bookID string) (*storage.StoryBibleRecord, error)

	CreateChapters(ctx context.Context, bookID string, chapters []types.Chapter) error
	ListChapters(ctx context.Context, bookID string) ([]types.Chapter, error)
	UpdateChapterStatus(ctx context.Context, id string, status types.ChapterStatus) error

	ListSections(ctx context.Context, chapterID string) ([]types.Section, error)
	ReconcileSections(ctx context.Context, chapterID string, planned []types.Section) ([]types.Section, error)
	SaveSection(ctx context.Context, sec *types.Section) error

	AddFailedSection(ctx context.Context, fs types.FailedSection) error
	ListFailedSections(ctx context.Context, bookID string) ([]types.FailedSection, error)
	SaveRevisionTask(ctx context.Context, task types.RevisionTask) error
	ListPendingRevisions(ctx context.Context, bookID string) ([]types.RevisionTask, error)

	SaveContinuity(ctx context.Context, bookID string, chapter int, data []byte) error
	LoadContinuity(ctx context.Context, bookID string) ([]byte, error)

	AcquireLease(ctx context.Context, bookID, holder string, ttl time.Duration) error
	TakeOverLease(ctx context.Context, bookID, holder string, ttl time.Duration) error
	RenewLease(ctx context.Context, bookID, holder string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, bookID, holder string) error
}

var _ Repository = (*storage.SQLiteStore)(nil)

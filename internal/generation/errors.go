package generation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/azyu/novelforge/internal/llm"
	"github.com/azyu/novelforge/pkg/types"
)

var (
	// ErrBookBusy is returned when another job holds the book's lease.
	ErrBookBusy = errors.New("book is being generated by another job")

	// ErrNoStoryBible is returned when chapter generation starts before an
	// outline exists.
	ErrNoStoryBible = errors.New("book has no story bible")

	// ErrChaptersIncomplete is returned when a run finished with chapters
	// left in NEEDS_REVISION. Re-running resumes them.
	ErrChaptersIncomplete = errors.New("some chapters did not complete")

	// ErrWordLimit is returned when a book asks for more words than its tier
	// allows.
	ErrWordLimit = errors.New("target words exceed tier limit")
)

// StepError wraps a failure of one pipeline step.
type StepError struct {
	Step   types.GenerationStep
	BookID string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s of book %s: %v", e.Step, e.BookID, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// ChapterError wraps a failure inside one chapter.
type ChapterError struct {
	ChapterNumber int
	Err           error
}

func (e *ChapterError) Error() string {
	return fmt.Sprintf("chapter %d: %v", e.ChapterNumber, e.Err)
}

func (e *ChapterError) Unwrap() error {
	return e.Err
}

var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"database is locked",
	"busy",
	"timeout",
	"i/o timeout",
	"no such host",
	"broken pipe",
}

// isTransientStoreError guesses from the message whether err is a
// connectivity or locking failure of a store. Such errors leave the book
// status untouched so an outage does not look like a failed book.
func isTransientStoreError(err error) bool {
	if err == nil || isGenerationFailure(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// isGenerationFailure reports whether err came from writing the book rather
// than from a store: a failed chapter or a completion error.
func isGenerationFailure(err error) bool {
	var chErr *ChapterError
	if errors.As(err, &chErr) || errors.Is(err, ErrChaptersIncomplete) {
		return true
	}
	for _, target := range []error{
		llm.ErrAPIError,
		llm.ErrRateLimited,
		llm.ErrContextTooLong,
		llm.ErrInvalidAPIKey,
		llm.ErrModelNotFound,
		llm.ErrEmptyCompletion,
		llm.ErrMalformedJSON,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

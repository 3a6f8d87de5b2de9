package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/azyu/novelforge/pkg/types"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLeaseHeld is returned when another holder owns an unexpired lease.
	ErrLeaseHeld = errors.New("lease held by another job")
)

const (
	schemaVersion   = 1
	retryMaxElapsed = 10 * time.Second
)

// SQLiteStore is the relational store for books and their generated
// content.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// StoryBibleRecord is the persisted planning output of a book.
type StoryBibleRecord struct {
	Bible       *types.StoryBible
	QualityPlan *types.QualityPlan
	Research    *types.Research
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{
		db:   db,
		path: path,
		now:  time.Now,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return s, nil
}

// initialize creates the required tables if they don't exist.
func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS books (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		target_words INTEGER NOT NULL,
		genre TEXT NOT NULL DEFAULT '',
		tone TEXT NOT NULL DEFAULT '',
		audience TEXT NOT NULL DEFAULT '',
		pov TEXT NOT NULL DEFAULT '',
		tier TEXT NOT NULL,
		status TEXT NOT NULL,
		step TEXT NOT NULL,
		back_cover TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		quality_score INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS story_bibles (
		book_id TEXT PRIMARY KEY REFERENCES books(id) ON DELETE CASCADE,
		data TEXT NOT NULL,
		quality_plan TEXT,
		research TEXT,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chapters (
		id TEXT PRIMARY KEY,
		book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
		number INTEGER NOT NULL,
		title TEXT NOT NULL,
		purpose TEXT NOT NULL DEFAULT '',
		target_words INTEGER NOT NULL,
		research_focus TEXT,
		status TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (book_id, number)
	);

	CREATE TABLE IF NOT EXISTS sections (
		id TEXT PRIMARY KEY,
		chapter_id TEXT NOT NULL REFERENCES chapters(id) ON DELETE CASCADE,
		number INTEGER NOT NULL,
		section_type TEXT NOT NULL DEFAULT '',
		target_words INTEGER NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		word_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		consistency_score INTEGER NOT NULL DEFAULT 0,
		quality_score INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		UNIQUE (chapter_id, number)
	);

	CREATE TABLE IF NOT EXISTS failed_sections (
		id TEXT PRIMARY KEY,
		book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
		chapter_id TEXT NOT NULL,
		section_number INTEGER NOT NULL,
		reason TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		quality_score INTEGER NOT NULL,
		consistency_score INTEGER NOT NULL,
		supervision_score INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_failed_sections_book
	ON failed_sections(book_id);

	CREATE TABLE IF NOT EXISTS revision_tasks (
		id TEXT PRIMARY KEY,
		book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
		chapter_id TEXT NOT NULL DEFAULT '',
		chapter_number INTEGER NOT NULL,
		section_number INTEGER NOT NULL DEFAULT 0,
		trigger_type TEXT NOT NULL,
		priority TEXT NOT NULL,
		effort TEXT NOT NULL,
		reason TEXT NOT NULL,
		hit_count INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_revision_tasks_book
	ON revision_tasks(book_id, status);

	CREATE TABLE IF NOT EXISTS continuity (
		book_id TEXT PRIMARY KEY REFERENCES books(id) ON DELETE CASCADE,
		chapter INTEGER NOT NULL,
		data TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS generation_leases (
		book_id TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);

	-- Schema version for migrations
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec("INSERT OR IGNORE INTO schema_version (version) VALUES (?)", schemaVersion)
	return err
}

// isRetryableError reports SQLite lock contention, which clears once the
// other writer commits.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "busy")
}

func (s *SQLiteStore) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed
	return backoff.Retry(func() error {
		err := op()
		if err != nil && isRetryableError(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := s.withRetry(ctx, func() error {
		var err error
		result, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	return result, err
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ============================================================================
// Books
// ============================================================================

const bookColumns = `id, title, prompt, target_words, genre, tone, audience, pov, tier,
	status, step, back_cover, error_message, quality_score, created_at, updated_at`

// CreateBook inserts a new book. An empty ID is assigned.
func (s *SQLiteStore) CreateBook(ctx context.Context, book *types.Book) error {
	if book.ID == "" {
		book.ID = uuid.NewString()
	}
	now := s.now()
	book.CreatedAt = now
	book.UpdatedAt = now

	st := book.Settings
	_, err := s.exec(ctx, `INSERT INTO books (`+bookColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		book.ID, st.Title, st.Prompt, st.TargetWords, st.Genre, st.Tone, st.Audience, st.POV, string(st.Tier),
		string(book.Status), string(book.Step), book.BackCover, book.ErrorMessage, book.QualityScore,
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert book: %w", err)
	}
	return nil
}

// GetBook loads a book by id.
func (s *SQLiteStore) GetBook(ctx context.Context, id string) (*types.Book, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id = ?`, id)
	book, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("book %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read book: %w", err)
	}
	return book, nil
}

// ListBooks returns every book, newest first.
func (s *SQLiteStore) ListBooks(ctx context.Context) ([]types.Book, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+bookColumns+` FROM books ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	defer rows.Close()

	var books []types.Book
	for rows.Next() {
		book, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, *book)
	}
	return books, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBook(row rowScanner) (*types.Book, error) {
	var b types.Book
	var tier, status, step string
	var createdAt, updatedAt int64
	err := row.Scan(&b.ID, &b.Settings.Title, &b.Settings.Prompt, &b.Settings.TargetWords, &b.Settings.Genre,
		&b.Settings.Tone, &b.Settings.Audience, &b.Settings.POV, &tier, &status, &step,
		&b.BackCover, &b.ErrorMessage, &b.QualityScore, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	b.Settings.Tier = types.Tier(tier)
	b.Status = types.BookStatus(status)
	b.Step = types.GenerationStep(step)
	b.CreatedAt = time.Unix(createdAt, 0)
	b.UpdatedAt = time.Unix(updatedAt, 0)
	return &b, nil
}

// UpdateBookStatus sets status, step and error message together.
func (s *SQLiteStore) UpdateBookStatus(ctx context.Context, id string, status types.BookStatus, step types.GenerationStep, errMsg string) error {
	return s.updateBook(ctx, id, "status = ?, step = ?, error_message = ?", string(status), string(step), errMsg)
}

// SetBackCover stores the back-cover copy.
func (s *SQLiteStore) SetBackCover(ctx context.Context, id, backCover string) error {
	return s.updateBook(ctx, id, "back_cover = ?", backCover)
}

// SetQualityScore stores the final supervision score.
func (s *SQLiteStore) SetQualityScore(ctx context.Context, id string, score int) error {
	return s.updateBook(ctx, id, "quality_score = ?", score)
}

func (s *SQLiteStore) updateBook(ctx context.Context, id, set string, args ...interface{}) error {
	args = append(args, s.now().Unix(), id)
	result, err := s.exec(ctx, "UPDATE books SET "+set+", updated_at = ? WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update book: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("book %s: %w", id, ErrNotFound)
	}
	return nil
}

// ============================================================================
// Story bible
// ============================================================================

// SaveStoryBible replaces the planning output of a book.
func (s *SQLiteStore) SaveStoryBible(ctx context.Context, bookID string, rec StoryBibleRecord) error {
	data, err := json.Marshal(rec.Bible)
	if err != nil {
		return fmt.Errorf("failed to marshal story bible: %w", err)
	}
	plan, err := marshalNullable(rec.QualityPlan)
	if err != nil {
		return err
	}
	research, err := marshalNullable(rec.Research)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `
		INSERT INTO story_bibles (book_id, data, quality_plan, research, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(book_id) DO UPDATE SET
			data = excluded.data,
			quality_plan = excluded.quality_plan,
			research = excluded.research,
			updated_at = excluded.updated_at
	`, bookID, string(data), plan, research, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save story bible: %w", err)
	}
	return nil
}

// GetStoryBible loads the planning output of a book.
func (s *SQLiteStore) GetStoryBible(ctx context.Context, bookID string) (*StoryBibleRecord, error) {
	var data string
	var plan, research sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT data, quality_plan, research FROM story_bibles WHERE book_id = ?", bookID,
	).Scan(&data, &plan, &research)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("story bible for %s: %w", bookID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read story bible: %w", err)
	}

	rec := &StoryBibleRecord{Bible: &types.StoryBible{}}
	if err := json.Unmarshal([]byte(data), rec.Bible); err != nil {
		return nil, fmt.Errorf("failed to decode story bible: %w", err)
	}
	if plan.Valid {
		rec.QualityPlan = &types.QualityPlan{}
		if err := json.Unmarshal([]byte(plan.String), rec.QualityPlan); err != nil {
			return nil, fmt.Errorf("failed to decode quality plan: %w", err)
		}
	}
	if research.Valid {
		rec.Research = &types.Research{}
		if err := json.Unmarshal([]byte(research.String), rec.Research); err != nil {
			return nil, fmt.Errorf("failed to decode research: %w", err)
		}
	}
	return rec, nil
}

func marshalNullable(v interface{}) (sql.NullString, error) {
	switch t := v.(type) {
	case *types.QualityPlan:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *types.Research:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// ============================================================================
// Chapters and sections
// ============================================================================

const chapterColumns = "id, book_id, number, title, purpose, target_words, research_focus, status, updated_at"

// CreateChapters replaces every chapter of a book, and with them their
// sections. Chapters without an ID are assigned one.
func (s *SQLiteStore) CreateChapters(ctx context.Context, bookID string, chapters []types.Chapter) error {
	now := s.now()
	for i := range chapters {
		if chapters[i].ID == "" {
			chapters[i].ID = uuid.NewString()
		}
		chapters[i].BookID = bookID
		if chapters[i].Status == "" {
			chapters[i].Status = types.StatusPlanned
		}
		chapters[i].UpdatedAt = now
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM chapters WHERE book_id = ?", bookID); err != nil {
			return fmt.Errorf("failed to clear chapters: %w", err)
		}
		for _, ch := range chapters {
			focus, err := json.Marshal(ch.ResearchFocus)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO chapters (`+chapterColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				ch.ID, bookID, ch.Number, ch.Title, ch.Purpose, ch.TargetWords, string(focus), string(ch.Status), now.Unix())
			if err != nil {
				return fmt.Errorf("failed to insert chapter %d: %w", ch.Number, err)
			}
		}
		return nil
	})
}

// ListChapters returns the chapters of a book ordered by number.
func (s *SQLiteStore) ListChapters(ctx context.Context, bookID string) ([]types.Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chapterColumns+` FROM chapters WHERE book_id = ? ORDER BY number`, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chapters: %w", err)
	}
	defer rows.Close()

	var chapters []types.Chapter
	for rows.Next() {
		ch, err := scanChapter(rows)
		if err != nil {
			return nil, err
		}
		chapters = append(chapters, *ch)
	}
	return chapters, rows.Err()
}

// GetChapter loads a chapter by id.
func (s *SQLiteStore) GetChapter(ctx context.Context, id string) (*types.Chapter, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chapterColumns+` FROM chapters WHERE id = ?`, id)
	ch, err := scanChapter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chapter %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chapter: %w", err)
	}
	return ch, nil
}

func scanChapter(row rowScanner) (*types.Chapter, error) {
	var ch types.Chapter
	var focus sql.NullString
	var status string
	var updatedAt int64
	if err := row.Scan(&ch.ID, &ch.BookID, &ch.Number, &ch.Title, &ch.Purpose, &ch.TargetWords, &focus, &status, &updatedAt); err != nil {
		return nil, err
	}
	if focus.Valid && focus.String != "" {
		if err := json.Unmarshal([]byte(focus.String), &ch.ResearchFocus); err != nil {
			return nil, fmt.Errorf("failed to decode research focus: %w", err)
		}
	}
	ch.Status = types.ChapterStatus(status)
	ch.UpdatedAt = time.Unix(updatedAt, 0)
	return &ch, nil
}

// UpdateChapterStatus sets a chapter's status.
func (s *SQLiteStore) UpdateChapterStatus(ctx context.Context, id string, status types.ChapterStatus) error {
	result, err := s.exec(ctx, "UPDATE chapters SET status = ?, updated_at = ? WHERE id = ?", string(status), s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update chapter: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("chapter %s: %w", id, ErrNotFound)
	}
	return nil
}

const sectionColumns = `id, chapter_id, number, section_type, target_words, content, word_count,
	status, model, consistency_score, quality_score, updated_at`

// ListSections returns the sections of a chapter ordered by number.
func (s *SQLiteStore) ListSections(ctx context.Context, chapterID string) ([]types.Section, error) {
	return s.listSections(ctx, s.db, chapterID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (s *SQLiteStore) listSections(ctx context.Context, q querier, chapterID string) ([]types.Section, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+sectionColumns+` FROM sections WHERE chapter_id = ? ORDER BY number`, chapterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sections: %w", err)
	}
	defer rows.Close()

	var sections []types.Section
	for rows.Next() {
		var sec types.Section
		var status string
		var updatedAt int64
		if err := rows.Scan(&sec.ID, &sec.ChapterID, &sec.Number, &sec.SectionType, &sec.TargetWords, &sec.Content,
			&sec.WordCount, &status, &sec.Model, &sec.ConsistencyScore, &sec.QualityScore, &updatedAt); err != nil {
			return nil, err
		}
		sec.Status = types.ChapterStatus(status)
		sec.UpdatedAt = time.Unix(updatedAt, 0)
		sections = append(sections, sec)
	}
	return sections, rows.Err()
}

// ReconcileSections makes a chapter's section rows match the planned list:
// rows beyond the plan are deleted, missing rows are created, and existing
// rows get the planned type and target while keeping their content.
// planned must be numbered 1..n.
func (s *SQLiteStore) ReconcileSections(ctx context.Context, chapterID string, planned []types.Section) ([]types.Section, error) {
	var out []types.Section
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now().Unix()
		if _, err := tx.ExecContext(ctx, "DELETE FROM sections WHERE chapter_id = ? AND number > ?", chapterID, len(planned)); err != nil {
			return fmt.Errorf("failed to delete excess sections: %w", err)
		}

		existing, err := s.listSections(ctx, tx, chapterID)
		if err != nil {
			return err
		}
		byNumber := make(map[int]bool, len(existing))
		for _, sec := range existing {
			byNumber[sec.Number] = true
		}

		for _, p := range planned {
			if byNumber[p.Number] {
				_, err = tx.ExecContext(ctx,
					"UPDATE sections SET section_type = ?, target_words = ?, updated_at = ? WHERE chapter_id = ? AND number = ?",
					p.SectionType, p.TargetWords, now, chapterID, p.Number)
			} else {
				_, err = tx.ExecContext(ctx, `INSERT INTO sections (id, chapter_id, number, section_type, target_words, status, updated_at)
					VALUES (?, ?, ?, ?, ?, ?, ?)`,
					uuid.NewString(), chapterID, p.Number, p.SectionType, p.TargetWords, string(types.StatusPlanned), now)
			}
			if err != nil {
				return fmt.Errorf("failed to reconcile section %d: %w", p.Number, err)
			}
		}

		out, err = s.listSections(ctx, tx, chapterID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveSection stores generated content and metadata for a section.
func (s *SQLiteStore) SaveSection(ctx context.Context, sec *types.Section) error {
	sec.UpdatedAt = s.now()
	result, err := s.exec(ctx, `UPDATE sections SET
			content = ?, word_count = ?, status = ?, model = ?,
			consistency_score = ?, quality_score = ?, updated_at = ?
		WHERE id = ?`,
		sec.Content, sec.WordCount, string(sec.Status), sec.Model,
		sec.ConsistencyScore, sec.QualityScore, sec.UpdatedAt.Unix(), sec.ID)
	if err != nil {
		return fmt.Errorf("failed to save section: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("section %s: %w", sec.ID, ErrNotFound)
	}
	return nil
}

// ============================================================================
// Revision backlog
// ============================================================================

// AddFailedSection appends a failed-section record.
func (s *SQLiteStore) AddFailedSection(ctx context.Context, fs types.FailedSection) error {
	if fs.ID == "" {
		fs.ID = uuid.NewString()
	}
	if fs.Timestamp.IsZero() {
		fs.Timestamp = s.now()
	}
	_, err := s.exec(ctx, `INSERT INTO failed_sections
		(id, book_id, chapter_id, section_number, reason, retry_count, quality_score, consistency_score, supervision_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fs.ID, fs.BookID, fs.ChapterID, fs.SectionNumber, fs.Reason, fs.RetryCount,
		fs.QualityScore, fs.ConsistencyScore, fs.SupervisionScore, fs.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert failed section: %w", err)
	}
	return nil
}

// ListFailedSections returns the failed sections of a book in insertion order.
func (s *SQLiteStore) ListFailedSections(ctx context.Context, bookID string) ([]types.FailedSection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, book_id, chapter_id, section_number, reason, retry_count,
			quality_score, consistency_score, supervision_score, created_at
		FROM failed_sections WHERE book_id = ? ORDER BY created_at, rowid`, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed sections: %w", err)
	}
	defer rows.Close()

	var out []types.FailedSection
	for rows.Next() {
		var fs types.FailedSection
		var createdAt int64
		if err := rows.Scan(&fs.ID, &fs.BookID, &fs.ChapterID, &fs.SectionNumber, &fs.Reason, &fs.RetryCount,
			&fs.QualityScore, &fs.ConsistencyScore, &fs.SupervisionScore, &createdAt); err != nil {
			return nil, err
		}
		fs.Timestamp = time.Unix(createdAt, 0)
		out = append(out, fs)
	}
	return out, rows.Err()
}

// SaveRevisionTask inserts a task or updates its count, priority and
// last-seen time.
func (s *SQLiteStore) SaveRevisionTask(ctx context.Context, task types.RevisionTask) error {
	_, err := s.exec(ctx, `INSERT INTO revision_tasks
		(id, book_id, chapter_id, chapter_number, section_number, trigger_type, priority, effort, reason, hit_count, status, created_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			priority = excluded.priority,
			effort = excluded.effort,
			reason = excluded.reason,
			hit_count = excluded.hit_count,
			status = excluded.status,
			last_seen_at = excluded.last_seen_at`,
		task.ID, task.BookID, task.ChapterID, task.ChapterNumber, task.SectionNumber, string(task.Trigger),
		task.Priority, task.Effort, task.Reason, task.Count, task.Status,
		task.CreatedAt.Unix(), task.LastSeenAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save revision task: %w", err)
	}
	return nil
}

// ListPendingRevisions returns pending tasks, most urgent first.
func (s *SQLiteStore) ListPendingRevisions(ctx context.Context, bookID string) ([]types.RevisionTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, book_id, chapter_id, chapter_number, section_number, trigger_type,
			priority, effort, reason, hit_count, status, created_at, last_seen_at
		FROM revision_tasks
		WHERE book_id = ? AND status = 'pending'
		ORDER BY CASE priority
			WHEN 'critical' THEN 0
			WHEN 'high' THEN 1
			WHEN 'medium' THEN 2
			ELSE 3
		END, created_at, rowid`, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list revision tasks: %w", err)
	}
	defer rows.Close()

	var out []types.RevisionTask
	for rows.Next() {
		var t types.RevisionTask
		var trigger string
		var createdAt, lastSeenAt int64
		if err := rows.Scan(&t.ID, &t.BookID, &t.ChapterID, &t.ChapterNumber, &t.SectionNumber, &trigger,
			&t.Priority, &t.Effort, &t.Reason, &t.Count, &t.Status, &createdAt, &lastSeenAt); err != nil {
			return nil, err
		}
		t.Trigger = types.RevisionTrigger(trigger)
		t.CreatedAt = time.Unix(createdAt, 0)
		t.LastSeenAt = time.Unix(lastSeenAt, 0)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ============================================================================
// Continuity
// ============================================================================

// SaveContinuity stores the serialized continuity state of a book.
func (s *SQLiteStore) SaveContinuity(ctx context.Context, bookID string, chapter int, data []byte) error {
	_, err := s.exec(ctx, `INSERT INTO continuity (book_id, chapter, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(book_id) DO UPDATE SET chapter = excluded.chapter, data = excluded.data, updated_at = excluded.updated_at`,
		bookID, chapter, string(data), s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save continuity: %w", err)
	}
	return nil
}

// LoadContinuity returns the serialized continuity state of a book.
func (s *SQLiteStore) LoadContinuity(ctx context.Context, bookID string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM continuity WHERE book_id = ?", bookID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("continuity for %s: %w", bookID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read continuity: %w", err)
	}
	return []byte(data), nil
}

// ============================================================================
// Leases
// ============================================================================

// AcquireLease takes the generation lease of a book for ttl. It succeeds if
// no lease exists, the lease expired, or holder already owns it.
func (s *SQLiteStore) AcquireLease(ctx context.Context, bookID, holder string, ttl time.Duration) error {
	now := s.now()
	result, err := s.exec(ctx, `INSERT INTO generation_leases (book_id, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(book_id) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE generation_leases.holder = excluded.holder OR generation_leases.expires_at <= ?`,
		bookID, holder, now.Add(ttl).Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("book %s: %w", bookID, ErrLeaseHeld)
	}
	return nil
}

// TakeOverLease gives the lease to holder whoever holds it now. It is for
// recovering a book whose previous job died with a live lease.
func (s *SQLiteStore) TakeOverLease(ctx context.Context, bookID, holder string, ttl time.Duration) error {
	_, err := s.exec(ctx, `INSERT INTO generation_leases (book_id, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(book_id) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at`,
		bookID, holder, s.now().Add(ttl).Unix())
	if err != nil {
		return fmt.Errorf("failed to take over lease: %w", err)
	}
	return nil
}

// RenewLease extends a lease the holder still owns.
func (s *SQLiteStore) RenewLease(ctx context.Context, bookID, holder string, ttl time.Duration) error {
	result, err := s.exec(ctx, "UPDATE generation_leases SET expires_at = ? WHERE book_id = ? AND holder = ?",
		s.now().Add(ttl).Unix(), bookID, holder)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("book %s: %w", bookID, ErrLeaseHeld)
	}
	return nil
}

// ReleaseLease drops the holder's lease. Releasing a lease held by someone
// else is a no-op.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, bookID, holder string) error {
	if _, err := s.exec(ctx, "DELETE FROM generation_leases WHERE book_id = ? AND holder = ?", bookID, holder); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for advanced queries.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

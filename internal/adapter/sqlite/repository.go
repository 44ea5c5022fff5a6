package sqlite

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

	"github.com/cwygoda/transcriptd/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS daily_pep_talks (
    id                          TEXT PRIMARY KEY,
    mentor_slug                 TEXT NOT NULL,
    for_date                    TEXT NOT NULL,
    topic_category              TEXT NOT NULL DEFAULT '',
    intensity                   TEXT NOT NULL DEFAULT '',
    emotional_triggers          TEXT NOT NULL DEFAULT '[]',
    title                       TEXT NOT NULL DEFAULT '',
    summary                     TEXT NOT NULL DEFAULT '',
    script                      TEXT NOT NULL DEFAULT '',
    audio_url                   TEXT NOT NULL DEFAULT '',
    transcript                  TEXT NOT NULL DEFAULT '[]',
    created_at                  TEXT NOT NULL,
    transcript_status           TEXT NOT NULL DEFAULT 'pending',
    transcript_attempt_count    INTEGER NOT NULL DEFAULT 0,
    transcript_next_retry_at    TEXT,
    transcript_last_attempt_at  TEXT,
    transcript_last_error       TEXT,
    transcript_ready_at         TEXT,
    UNIQUE (mentor_slug, for_date)
);
CREATE INDEX IF NOT EXISTS idx_daily_pep_talks_due
    ON daily_pep_talks(transcript_status, transcript_next_retry_at);
CREATE INDEX IF NOT EXISTS idx_daily_pep_talks_failed
    ON daily_pep_talks(transcript_status, for_date);

CREATE TABLE IF NOT EXISTS pep_talks (
    id           TEXT PRIMARY KEY,
    source_id    TEXT NOT NULL UNIQUE,
    title        TEXT NOT NULL,
    description  TEXT NOT NULL,
    quote        TEXT NOT NULL,
    audio_url    TEXT NOT NULL,
    category     TEXT NOT NULL,
    mentor_slug  TEXT NOT NULL,
    mentor_name  TEXT NOT NULL,
    for_date     TEXT NOT NULL,
    created_at   TEXT NOT NULL
);
`

const jobColumns = `id, transcript_status, transcript_attempt_count, transcript_next_retry_at,
    transcript_last_attempt_at, transcript_last_error, transcript_ready_at`

const pepTalkColumns = `id, mentor_slug, for_date, topic_category, intensity, emotional_triggers,
    title, summary, script, audio_url, transcript, created_at, transcript_status,
    transcript_attempt_count, transcript_next_retry_at, transcript_last_attempt_at,
    transcript_last_error, transcript_ready_at`

// timeLayout is fixed width so stored timestamps sort lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const (
	sqliteBusyCode          = 5
	sqliteConstraintUnique  = 2067
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Repository implements domain.Repository using SQLite.
type Repository struct {
	db *sql.DB
}

var _ domain.Repository = (*Repository)(nil)

// New creates a new SQLite repository, initializing the schema if needed.
func New(dbPath string) (*Repository, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// FindDue returns pending jobs whose retry time has passed, oldest first.
func (r *Repository) FindDue(ctx context.Context, now time.Time, limit int) ([]domain.TranscriptJob, error) {
	var jobs []domain.TranscriptJob
	err := retryOnBusy(ctx, func() error {
		jobs = nil
		rows, err := r.db.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM daily_pep_talks
			 WHERE transcript_status = ? AND transcript_next_retry_at <= ?
			 ORDER BY transcript_next_retry_at ASC, id ASC LIMIT ?`,
			domain.StatusPending, formatTime(now), limit,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, *job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("select due jobs: %w", err)
	}
	return jobs, nil
}

// Claim atomically moves a pending job to processing. The attempt count is
// not touched by the claim, so the returned value is the pre-claim count.
func (r *Repository) Claim(ctx context.Context, id string, now time.Time) (*domain.TranscriptJob, error) {
	var job *domain.TranscriptJob
	err := retryOnBusy(ctx, func() error {
		row := r.db.QueryRowContext(ctx,
			`UPDATE daily_pep_talks
			 SET transcript_status = ?, transcript_next_retry_at = NULL, transcript_last_attempt_at = ?
			 WHERE id = ? AND transcript_status = ?
			 RETURNING `+jobColumns,
			domain.StatusProcessing, formatTime(now), id, domain.StatusPending,
		)
		var err error
		job, err = scanJob(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotClaimed
	}
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}
	return job, nil
}

// Persist writes state to a job that is still processing.
func (r *Repository) Persist(ctx context.Context, id string, state domain.JobState, transcript []domain.TranscriptWord) error {
	var transcriptJSON any
	if transcript != nil {
		encoded, err := json.Marshal(transcript)
		if err != nil {
			return fmt.Errorf("encode transcript: %w", err)
		}
		transcriptJSON = string(encoded)
	}

	res, err := r.execWithRetry(ctx,
		`UPDATE daily_pep_talks SET
		    transcript_status = ?,
		    transcript_attempt_count = ?,
		    transcript_next_retry_at = ?,
		    transcript_last_attempt_at = ?,
		    transcript_last_error = ?,
		    transcript_ready_at = ?,
		    transcript = COALESCE(?, transcript)
		 WHERE id = ? AND transcript_status = ?`,
		state.Status, state.AttemptCount,
		nullableTime(state.NextRetryAt), nullableTime(state.LastAttemptAt),
		nullableString(state.LastError), nullableTime(state.ReadyAt),
		transcriptJSON, id, domain.StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("persist job %s: %w", id, err)
	}
	return requireAffected(res, domain.ErrNotClaimed)
}

// ForcePending returns a job to pending regardless of its current status.
func (r *Repository) ForcePending(ctx context.Context, id string, nextRetryAt time.Time, reason string, now time.Time) error {
	res, err := r.execWithRetry(ctx,
		`UPDATE daily_pep_talks SET
		    transcript_status = ?,
		    transcript_next_retry_at = ?,
		    transcript_last_error = ?,
		    transcript_last_attempt_at = ?,
		    transcript_ready_at = NULL
		 WHERE id = ?`,
		domain.StatusPending, formatTime(nextRetryAt), nullableString(reason), formatTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("force pending %s: %w", id, err)
	}
	return requireAffected(res, domain.ErrNotFound)
}

// FindFailedSince returns failed job ids with for_date >= sinceDate, newest first.
func (r *Repository) FindFailedSince(ctx context.Context, sinceDate string, limit int) ([]string, error) {
	var ids []string
	err := retryOnBusy(ctx, func() error {
		ids = nil
		rows, err := r.db.QueryContext(ctx,
			`SELECT id FROM daily_pep_talks
			 WHERE transcript_status = ? AND for_date >= ?
			 ORDER BY for_date DESC, created_at DESC LIMIT ?`,
			domain.StatusFailed, sinceDate, limit,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("select failed jobs: %w", err)
	}
	return ids, nil
}

// Reactivate resets the given failed jobs to a fresh pending state in one
// statement. Jobs that are no longer failed are left alone.
func (r *Repository) Reactivate(ctx context.Context, ids []string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{domain.StatusPending, formatTime(now), domain.StatusFailed}
	for _, id := range ids {
		args = append(args, id)
	}

	res, err := r.execWithRetry(ctx,
		`UPDATE daily_pep_talks SET
		    transcript_status = ?,
		    transcript_attempt_count = 0,
		    transcript_next_retry_at = ?,
		    transcript_last_error = NULL,
		    transcript_ready_at = NULL
		 WHERE transcript_status = ? AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("reactivate failed jobs: %w", err)
	}
	return res.RowsAffected()
}

// ReclaimStale returns processing jobs last attempted before cutoff to pending.
func (r *Repository) ReclaimStale(ctx context.Context, cutoff time.Time, reason string, now time.Time) (int64, error) {
	res, err := r.execWithRetry(ctx,
		`UPDATE daily_pep_talks SET
		    transcript_status = ?,
		    transcript_next_retry_at = ?,
		    transcript_last_error = ?
		 WHERE transcript_status = ? AND transcript_last_attempt_at < ?`,
		domain.StatusPending, formatTime(now), nullableString(reason),
		domain.StatusProcessing, formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// Stats counts jobs by transcript status.
func (r *Repository) Stats(ctx context.Context) (map[domain.TranscriptStatus]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT transcript_status, COUNT(*) FROM daily_pep_talks GROUP BY transcript_status`,
	)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	stats := make(map[domain.TranscriptStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[domain.TranscriptStatus(status)] = count
	}
	return stats, rows.Err()
}

// CreatePepTalk inserts a content record together with its job fields.
func (r *Repository) CreatePepTalk(ctx context.Context, talk *domain.PepTalk) error {
	triggers, err := json.Marshal(nonNil(talk.EmotionalTriggers))
	if err != nil {
		return fmt.Errorf("encode triggers: %w", err)
	}
	transcript, err := json.Marshal(nonNil(talk.Transcript))
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}

	_, err = r.execWithRetry(ctx,
		`INSERT INTO daily_pep_talks (`+pepTalkColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		talk.ID, talk.MentorSlug, talk.ForDate, talk.TopicCategory, talk.Intensity, string(triggers),
		talk.Title, talk.Summary, talk.Script, talk.AudioURL, string(transcript), formatTime(talk.CreatedAt),
		talk.Job.Status, talk.Job.AttemptCount, nullableTime(talk.Job.NextRetryAt),
		nullableTime(talk.Job.LastAttemptAt), nullableString(talk.Job.LastError), nullableTime(talk.Job.ReadyAt),
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert pep talk: %w", err)
	}
	return nil
}

// GetPepTalk retrieves a content record by id.
func (r *Repository) GetPepTalk(ctx context.Context, id string) (*domain.PepTalk, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+pepTalkColumns+` FROM daily_pep_talks WHERE id = ?`, id,
	)
	return scanPepTalk(row)
}

// FindPepTalk retrieves the content record of a mentor for a date.
func (r *Repository) FindPepTalk(ctx context.Context, mentorSlug, forDate string) (*domain.PepTalk, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+pepTalkColumns+` FROM daily_pep_talks WHERE mentor_slug = ? AND for_date = ?`,
		mentorSlug, forDate,
	)
	return scanPepTalk(row)
}

// PublishLibraryEntry inserts the library copy of a content record.
func (r *Repository) PublishLibraryEntry(ctx context.Context, entry *domain.LibraryEntry) error {
	_, err := r.execWithRetry(ctx,
		`INSERT INTO pep_talks (id, source_id, title, description, quote, audio_url, category,
		    mentor_slug, mentor_name, for_date, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SourceID, entry.Title, entry.Description, entry.Quote, entry.AudioURL,
		entry.Category, entry.MentorSlug, entry.MentorName, entry.ForDate, formatTime(entry.CreatedAt),
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert library entry: %w", err)
	}
	return nil
}

func (r *Repository) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = r.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

func requireAffected(res sql.Result, notAffected error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notAffected
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteConstraintUnique {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.TranscriptJob, error) {
	var (
		job                             domain.TranscriptJob
		status                          string
		nextRetry, lastAttempt, readyAt sql.NullString
		lastError                       sql.NullString
	)
	if err := row.Scan(&job.ID, &status, &job.AttemptCount, &nextRetry, &lastAttempt, &lastError, &readyAt); err != nil {
		return nil, err
	}
	job.Status = domain.TranscriptStatus(status)
	job.LastError = lastError.String

	var err error
	if job.NextRetryAt, err = parseNullableTime(nextRetry); err != nil {
		return nil, err
	}
	if job.LastAttemptAt, err = parseNullableTime(lastAttempt); err != nil {
		return nil, err
	}
	if job.ReadyAt, err = parseNullableTime(readyAt); err != nil {
		return nil, err
	}
	return &job, nil
}

func scanPepTalk(row scanner) (*domain.PepTalk, error) {
	var (
		talk                            domain.PepTalk
		triggers, transcript, createdAt string
		status                          string
		nextRetry, lastAttempt, readyAt sql.NullString
		lastError                       sql.NullString
	)
	err := row.Scan(&talk.ID, &talk.MentorSlug, &talk.ForDate, &talk.TopicCategory, &talk.Intensity,
		&triggers, &talk.Title, &talk.Summary, &talk.Script, &talk.AudioURL, &transcript, &createdAt,
		&status, &talk.Job.AttemptCount, &nextRetry, &lastAttempt, &lastError, &readyAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(triggers), &talk.EmotionalTriggers); err != nil {
		return nil, fmt.Errorf("decode triggers: %w", err)
	}
	if err := json.Unmarshal([]byte(transcript), &talk.Transcript); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	if talk.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	talk.Job.Status = domain.TranscriptStatus(status)
	talk.Job.LastError = lastError.String
	if talk.Job.NextRetryAt, err = parseNullableTime(nextRetry); err != nil {
		return nil, err
	}
	if talk.Job.LastAttemptAt, err = parseNullableTime(lastAttempt); err != nil {
		return nil, err
	}
	if talk.Job.ReadyAt, err = parseNullableTime(readyAt); err != nil {
		return nil, err
	}
	return &talk, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", s.String, err)
	}
	return &t, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

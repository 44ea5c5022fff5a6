// Package badger provides an embedded key-value store for content records and
// their transcript jobs. Conditional writes are read-check-write transactions;
// badger's optimistic concurrency control aborts the loser of a race with
// ErrConflict, and the retry re-reads the record before deciding again.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cwygoda/transcriptd/internal/domain"
	"github.com/dgraph-io/badger/v4"
)

const (
	keyPrefixTalk      = "talk:"
	keyPrefixDate      = "idx:date:"
	keyPrefixLibrary   = "lib:"
	keyPrefixLibSource = "idx:libsrc:"

	maxConflictRetries = 50
	conflictRetryDelay = time.Millisecond
)

// Repository implements domain.Repository using BadgerDB.
type Repository struct {
	db *badger.DB
}

var _ domain.Repository = (*Repository)(nil)

// New opens (or creates) a badger database in dir.
func New(dir string) (*Repository, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &Repository{db: db}, nil
}

// Close closes the database.
func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

type record struct {
	ID                string                  `json:"id"`
	MentorSlug        string                  `json:"mentor_slug"`
	ForDate           string                  `json:"for_date"`
	TopicCategory     string                  `json:"topic_category"`
	Intensity         string                  `json:"intensity"`
	EmotionalTriggers []string                `json:"emotional_triggers"`
	Title             string                  `json:"title"`
	Summary           string                  `json:"summary"`
	Script            string                  `json:"script"`
	AudioURL          string                  `json:"audio_url"`
	Transcript        []domain.TranscriptWord `json:"transcript"`
	CreatedAt         time.Time               `json:"created_at"`
	Status            domain.TranscriptStatus `json:"transcript_status"`
	AttemptCount      int                     `json:"transcript_attempt_count"`
	NextRetryAt       *time.Time              `json:"transcript_next_retry_at"`
	LastAttemptAt     *time.Time              `json:"transcript_last_attempt_at"`
	LastError         string                  `json:"transcript_last_error,omitempty"`
	ReadyAt           *time.Time              `json:"transcript_ready_at"`
}

func recordFrom(talk *domain.PepTalk) record {
	return record{
		ID:                talk.ID,
		MentorSlug:        talk.MentorSlug,
		ForDate:           talk.ForDate,
		TopicCategory:     talk.TopicCategory,
		Intensity:         talk.Intensity,
		EmotionalTriggers: talk.EmotionalTriggers,
		Title:             talk.Title,
		Summary:           talk.Summary,
		Script:            talk.Script,
		AudioURL:          talk.AudioURL,
		Transcript:        talk.Transcript,
		CreatedAt:         talk.CreatedAt.UTC(),
		Status:            talk.Job.Status,
		AttemptCount:      talk.Job.AttemptCount,
		NextRetryAt:       utc(talk.Job.NextRetryAt),
		LastAttemptAt:     utc(talk.Job.LastAttemptAt),
		LastError:         talk.Job.LastError,
		ReadyAt:           utc(talk.Job.ReadyAt),
	}
}

func (rec *record) state() domain.JobState {
	return domain.JobState{
		Status:        rec.Status,
		AttemptCount:  rec.AttemptCount,
		NextRetryAt:   rec.NextRetryAt,
		LastAttemptAt: rec.LastAttemptAt,
		LastError:     rec.LastError,
		ReadyAt:       rec.ReadyAt,
	}
}

func (rec *record) setState(s domain.JobState) {
	rec.Status = s.Status
	rec.AttemptCount = s.AttemptCount
	rec.NextRetryAt = utc(s.NextRetryAt)
	rec.LastAttemptAt = utc(s.LastAttemptAt)
	rec.LastError = s.LastError
	rec.ReadyAt = utc(s.ReadyAt)
}

func (rec *record) job() domain.TranscriptJob {
	return domain.TranscriptJob{ID: rec.ID, JobState: rec.state()}
}

func (rec *record) pepTalk() *domain.PepTalk {
	return &domain.PepTalk{
		ID:                rec.ID,
		MentorSlug:        rec.MentorSlug,
		ForDate:           rec.ForDate,
		TopicCategory:     rec.TopicCategory,
		Intensity:         rec.Intensity,
		EmotionalTriggers: rec.EmotionalTriggers,
		Title:             rec.Title,
		Summary:           rec.Summary,
		Script:            rec.Script,
		AudioURL:          rec.AudioURL,
		Transcript:        rec.Transcript,
		CreatedAt:         rec.CreatedAt,
		Job:               rec.state(),
	}
}

func talkKey(id string) []byte {
	return []byte(keyPrefixTalk + id)
}

func dateKey(mentorSlug, forDate string) []byte {
	return []byte(keyPrefixDate + mentorSlug + ":" + forDate)
}

func libraryKey(id string) []byte {
	return []byte(keyPrefixLibrary + id)
}

func libSourceKey(sourceID string) []byte {
	return []byte(keyPrefixLibSource + sourceID)
}

// update runs fn in a read-write transaction, retrying on commit conflicts.
func (r *Repository) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(conflictRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := r.db.Update(fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("transaction conflict after %d retries: %w", maxConflictRetries, lastErr)
}

func getRecord(txn *badger.Txn, id string) (*record, error) {
	item, err := txn.Get(talkKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return &rec, nil
}

func putRecord(txn *badger.Txn, rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	return txn.Set(talkKey(rec.ID), data)
}

// scanRecords visits every content record. Inside an update transaction each
// visited key joins the read set, so a concurrent write to it conflicts.
func scanRecords(txn *badger.Txn, visit func(rec *record) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	prefix := []byte(keyPrefixTalk)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var rec record
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return fmt.Errorf("decode record %s: %w", it.Item().Key(), err)
		}
		if err := visit(&rec); err != nil {
			return err
		}
	}
	return nil
}

// FindDue returns pending jobs whose retry time has passed, oldest first.
func (r *Repository) FindDue(ctx context.Context, now time.Time, limit int) ([]domain.TranscriptJob, error) {
	var jobs []domain.TranscriptJob
	err := r.db.View(func(txn *badger.Txn) error {
		return scanRecords(txn, func(rec *record) error {
			if rec.state().IsDue(now) {
				jobs = append(jobs, rec.job())
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("select due jobs: %w", err)
	}

	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i].NextRetryAt, jobs[j].NextRetryAt
		if !a.Equal(*b) {
			return a.Before(*b)
		}
		return jobs[i].ID < jobs[j].ID
	})
	if limit >= 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Claim moves a pending job to processing.
func (r *Repository) Claim(ctx context.Context, id string, now time.Time) (*domain.TranscriptJob, error) {
	var claimed domain.TranscriptJob
	err := r.update(ctx, func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotClaimed
		}
		if err != nil {
			return err
		}
		if rec.Status != domain.StatusPending {
			return domain.ErrNotClaimed
		}

		rec.Status = domain.StatusProcessing
		rec.NextRetryAt = nil
		rec.LastAttemptAt = utc(&now)
		claimed = rec.job()
		return putRecord(txn, rec)
	})
	if errors.Is(err, domain.ErrNotClaimed) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}
	return &claimed, nil
}

// Persist writes state to a job that is still processing.
func (r *Repository) Persist(ctx context.Context, id string, state domain.JobState, transcript []domain.TranscriptWord) error {
	err := r.update(ctx, func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotClaimed
		}
		if err != nil {
			return err
		}
		if rec.Status != domain.StatusProcessing {
			return domain.ErrNotClaimed
		}

		rec.setState(state)
		if transcript != nil {
			rec.Transcript = transcript
		}
		return putRecord(txn, rec)
	})
	if errors.Is(err, domain.ErrNotClaimed) {
		return err
	}
	if err != nil {
		return fmt.Errorf("persist job %s: %w", id, err)
	}
	return nil
}

// ForcePending returns a job to pending regardless of its current status.
func (r *Repository) ForcePending(ctx context.Context, id string, nextRetryAt time.Time, reason string, now time.Time) error {
	err := r.update(ctx, func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		rec.Status = domain.StatusPending
		rec.NextRetryAt = utc(&nextRetryAt)
		rec.LastError = reason
		rec.LastAttemptAt = utc(&now)
		rec.ReadyAt = nil
		return putRecord(txn, rec)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("force pending %s: %w", id, err)
	}
	return nil
}

// FindFailedSince returns failed job ids with ForDate >= sinceDate, newest first.
func (r *Repository) FindFailedSince(ctx context.Context, sinceDate string, limit int) ([]string, error) {
	var matches []record
	err := r.db.View(func(txn *badger.Txn) error {
		return scanRecords(txn, func(rec *record) error {
			if rec.Status == domain.StatusFailed && rec.ForDate >= sinceDate {
				matches = append(matches, *rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("select failed jobs: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].ForDate != matches[j].ForDate {
			return matches[i].ForDate > matches[j].ForDate
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	if limit >= 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// Reactivate resets the given failed jobs to a fresh pending state in one
// transaction. Jobs that are no longer failed are left alone.
func (r *Repository) Reactivate(ctx context.Context, ids []string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var count int64
	err := r.update(ctx, func(txn *badger.Txn) error {
		count = 0
		for _, id := range ids {
			rec, err := getRecord(txn, id)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if rec.Status != domain.StatusFailed {
				continue
			}

			fresh := domain.ReactivatedState(now)
			fresh.LastAttemptAt = rec.LastAttemptAt
			rec.setState(fresh)
			if err := putRecord(txn, rec); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reactivate failed jobs: %w", err)
	}
	return count, nil
}

// ReclaimStale returns processing jobs last attempted before cutoff to pending.
func (r *Repository) ReclaimStale(ctx context.Context, cutoff time.Time, reason string, now time.Time) (int64, error) {
	var count int64
	err := r.update(ctx, func(txn *badger.Txn) error {
		count = 0
		var stale []*record
		if err := scanRecords(txn, func(rec *record) error {
			if rec.Status == domain.StatusProcessing && rec.LastAttemptAt != nil && rec.LastAttemptAt.Before(cutoff) {
				stale = append(stale, rec)
			}
			return nil
		}); err != nil {
			return err
		}

		for _, rec := range stale {
			rec.Status = domain.StatusPending
			rec.NextRetryAt = utc(&now)
			rec.LastError = reason
			if err := putRecord(txn, rec); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return count, nil
}

// Stats counts jobs by transcript status.
func (r *Repository) Stats(ctx context.Context) (map[domain.TranscriptStatus]int, error) {
	stats := make(map[domain.TranscriptStatus]int)
	err := r.db.View(func(txn *badger.Txn) error {
		return scanRecords(txn, func(rec *record) error {
			stats[rec.Status]++
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return stats, nil
}

// CreatePepTalk stores a content record. The (mentor, date) index key makes
// a second record for the same day a conflict.
func (r *Repository) CreatePepTalk(ctx context.Context, talk *domain.PepTalk) error {
	rec := recordFrom(talk)
	err := r.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(dateKey(rec.MentorSlug, rec.ForDate)); err == nil {
			return domain.ErrDuplicate
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if _, err := txn.Get(talkKey(rec.ID)); err == nil {
			return domain.ErrDuplicate
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := putRecord(txn, &rec); err != nil {
			return err
		}
		return txn.Set(dateKey(rec.MentorSlug, rec.ForDate), []byte(rec.ID))
	})
	if errors.Is(err, domain.ErrDuplicate) {
		return err
	}
	if err != nil {
		return fmt.Errorf("insert pep talk: %w", err)
	}
	return nil
}

// GetPepTalk retrieves a content record by id.
func (r *Repository) GetPepTalk(ctx context.Context, id string) (*domain.PepTalk, error) {
	var talk *domain.PepTalk
	err := r.db.View(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		talk = rec.pepTalk()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return talk, nil
}

// FindPepTalk retrieves the content record of a mentor for a date.
func (r *Repository) FindPepTalk(ctx context.Context, mentorSlug, forDate string) (*domain.PepTalk, error) {
	var talk *domain.PepTalk
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dateKey(mentorSlug, forDate))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		rec, err := getRecord(txn, string(id))
		if err != nil {
			return err
		}
		talk = rec.pepTalk()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return talk, nil
}

// PublishLibraryEntry stores the library copy of a content record, at most
// one per source record.
func (r *Repository) PublishLibraryEntry(ctx context.Context, entry *domain.LibraryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode library entry: %w", err)
	}

	err = r.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(libSourceKey(entry.SourceID)); err == nil {
			return domain.ErrDuplicate
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(libraryKey(entry.ID), data); err != nil {
			return err
		}
		return txn.Set(libSourceKey(entry.SourceID), []byte(entry.ID))
	})
	if errors.Is(err, domain.ErrDuplicate) {
		return err
	}
	if err != nil {
		return fmt.Errorf("insert library entry: %w", err)
	}
	return nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

package domain

import (
	"context"
	"time"
)

// JobStore is the driven port for transcript job state. Every mutation is a
// single-record conditional write.
type JobStore interface {
	// FindDue returns pending jobs with NextRetryAt <= now, oldest first.
	FindDue(ctx context.Context, now time.Time, limit int) ([]TranscriptJob, error)
	// Claim moves a pending job to processing and returns the claimed job.
	// Its AttemptCount is the count before this attempt. Returns
	// ErrNotClaimed if the job was not pending.
	Claim(ctx context.Context, id string, now time.Time) (*TranscriptJob, error)
	// Persist writes state to a job that is still processing. Returns
	// ErrNotClaimed if it no longer is. A nil transcript leaves the stored
	// transcript unchanged.
	Persist(ctx context.Context, id string, state JobState, transcript []TranscriptWord) error
	// ForcePending unconditionally returns a job to pending.
	ForcePending(ctx context.Context, id string, nextRetryAt time.Time, reason string, now time.Time) error
	// FindFailedSince returns ids of failed jobs whose content date is on or
	// after sinceDate, newest first.
	FindFailedSince(ctx context.Context, sinceDate string, limit int) ([]string, error)
	// Reactivate resets failed jobs to a fresh pending state.
	Reactivate(ctx context.Context, ids []string, now time.Time) (int64, error)
	// ReclaimStale returns processing jobs last attempted before cutoff to pending.
	ReclaimStale(ctx context.Context, cutoff time.Time, reason string, now time.Time) (int64, error)
	// Stats counts jobs by status.
	Stats(ctx context.Context) (map[TranscriptStatus]int, error)
}

// ContentStore is the driven port for content records.
type ContentStore interface {
	CreatePepTalk(ctx context.Context, talk *PepTalk) error
	GetPepTalk(ctx context.Context, id string) (*PepTalk, error)
	FindPepTalk(ctx context.Context, mentorSlug, forDate string) (*PepTalk, error)
	PublishLibraryEntry(ctx context.Context, entry *LibraryEntry) error
}

// Repository is implemented by storage adapters.
type Repository interface {
	JobStore
	ContentStore
	Close() error
}

// TranscriptSyncer is the driven port for the external transcript sync call.
// A non-nil error is a transport failure; the payload may still be set.
type TranscriptSyncer interface {
	Sync(ctx context.Context, id string) (*SyncPayload, error)
}

// GenerationRequest describes the audio a producer needs.
type GenerationRequest struct {
	MentorSlug string
	ForDate    string
	Theme      Theme
}

// GeneratedAudio is the result of audio generation.
type GeneratedAudio struct {
	Script   string
	AudioURL string
}

// AudioGenerator is the driven port for script and audio generation.
type AudioGenerator interface {
	Name() string
	Match(mentorSlug string) bool
	Generate(ctx context.Context, req GenerationRequest) (*GeneratedAudio, error)
}

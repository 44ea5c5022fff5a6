package domain

import (
	"fmt"
	"time"
)

// TranscriptStatus represents the transcript state of a content record.
type TranscriptStatus string

const (
	StatusPending    TranscriptStatus = "pending"
	StatusProcessing TranscriptStatus = "processing"
	StatusReady      TranscriptStatus = "ready"
	StatusFailed     TranscriptStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s TranscriptStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusReady, StatusFailed:
		return true
	}
	return false
}

// JobState is the persisted transcript state of a content record.
// An empty LastError means no error is recorded.
type JobState struct {
	Status        TranscriptStatus
	AttemptCount  int
	NextRetryAt   *time.Time
	LastAttemptAt *time.Time
	LastError     string
	ReadyAt       *time.Time
}

// TranscriptJob is the transcript state attached to one content record.
type TranscriptJob struct {
	ID string
	JobState
}

// NewJobState returns the state of a freshly created job, due immediately.
func NewJobState(now time.Time) JobState {
	return JobState{
		Status:       StatusPending,
		AttemptCount: 0,
		NextRetryAt:  timePtr(now),
	}
}

// IsDue reports whether the job is pending and its retry time has passed.
func (s JobState) IsDue(now time.Time) bool {
	return s.Status == StatusPending && s.NextRetryAt != nil && !s.NextRetryAt.After(now)
}

// Check verifies the state invariants for the given attempt budget.
func (s JobState) Check(maxAttempts int) error {
	if !s.Status.Valid() {
		return fmt.Errorf("unknown status %q", s.Status)
	}
	if s.AttemptCount < 0 {
		return fmt.Errorf("negative attempt count %d", s.AttemptCount)
	}
	if (s.NextRetryAt != nil) != (s.Status == StatusPending) {
		return fmt.Errorf("status %s with next retry %v", s.Status, s.NextRetryAt)
	}
	switch s.Status {
	case StatusReady:
		if s.LastError != "" || s.ReadyAt == nil {
			return fmt.Errorf("ready state must have ready_at and no error")
		}
	case StatusFailed:
		if s.AttemptCount < maxAttempts {
			return fmt.Errorf("failed after %d of %d attempts", s.AttemptCount, maxAttempts)
		}
	}
	return nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}

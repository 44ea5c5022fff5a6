package domain

import (
	"math"
	"time"
)

const (
	DefaultBaseDelay   = 10 * time.Minute
	DefaultMaxDelay    = 6 * time.Hour
	DefaultMaxAttempts = 12
)

// RetryPolicy holds the backoff tunables of the transcript state machine.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns the production backoff settings.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// BackoffDelay returns min(MaxDelay, BaseDelay * 2^(attempt-1)).
// Attempts below 1 are treated as 1.
func (p RetryPolicy) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if delay >= p.MaxDelay || delay > math.MaxInt64/2 {
			break
		}
		delay *= 2
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// BuildReadyState returns the state after a sync produced word timestamps.
// The attempt count is carried over unchanged.
func BuildReadyState(attemptCount int, now time.Time) JobState {
	return JobState{
		Status:        StatusReady,
		AttemptCount:  attemptCount,
		NextRetryAt:   nil,
		LastAttemptAt: timePtr(now),
		LastError:     "",
		ReadyAt:       timePtr(now),
	}
}

// BuildRetryState returns the state after an unsuccessful attempt and whether
// the attempt budget is exhausted.
func (p RetryPolicy) BuildRetryState(currentAttemptCount int, errorMessage string, now time.Time) (JobState, bool) {
	next := currentAttemptCount + 1
	if next >= p.MaxAttempts {
		return JobState{
			Status:        StatusFailed,
			AttemptCount:  next,
			LastAttemptAt: timePtr(now),
			LastError:     errorMessage,
		}, true
	}
	return JobState{
		Status:        StatusPending,
		AttemptCount:  next,
		NextRetryAt:   timePtr(now.Add(p.BackoffDelay(next))),
		LastAttemptAt: timePtr(now),
		LastError:     errorMessage,
	}, false
}

// ReactivatedState is the state a failed job is reset to by backfill.
func ReactivatedState(now time.Time) JobState {
	return NewJobState(now)
}

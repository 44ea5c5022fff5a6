package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Outcome is the classified result of one sync attempt.
type Outcome string

const (
	OutcomeReady   Outcome = "ready"
	OutcomeRetried Outcome = "retried"
	OutcomeFailed  Outcome = "failed"
)

// MissingTimestampsMessage is recorded when a sync completes without words.
const MissingTimestampsMessage = "Transcription returned no word-level timestamps"

// SyncPayload is the loosely structured response of the external sync call.
// Every field is optional; a field holding the wrong JSON type is absent.
type SyncPayload struct {
	Updated            *bool
	HasWordTimestamps  *bool
	WordCount          *float64
	Transcript         []json.RawMessage
	TranscriptChanged  *bool
	LibraryUpdated     *bool
	LibraryRowsUpdated *float64
	RetryRecommended   *bool
	Warning            *string
	Error              *string
}

// ParseSyncPayload decodes a sync response body. Bodies that are not a JSON
// object yield nil.
func ParseSyncPayload(raw []byte) *SyncPayload {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil
	}

	p := &SyncPayload{
		Updated:            optional[bool](fields, "updated"),
		HasWordTimestamps:  optional[bool](fields, "hasWordTimestamps"),
		WordCount:          optional[float64](fields, "wordCount"),
		TranscriptChanged:  optional[bool](fields, "transcriptChanged"),
		LibraryUpdated:     optional[bool](fields, "libraryUpdated"),
		LibraryRowsUpdated: optional[float64](fields, "libraryRowsUpdated"),
		RetryRecommended:   optional[bool](fields, "retryRecommended"),
		Warning:            optional[string](fields, "warning"),
		Error:              optional[string](fields, "error"),
	}
	if words := optional[[]json.RawMessage](fields, "transcript"); words != nil {
		p.Transcript = *words
	}
	return p
}

func optional[T any](fields map[string]json.RawMessage, key string) *T {
	raw, ok := fields[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return &v
}

// PayloadSummary is the defaulted view of a SyncPayload used for decisions.
type PayloadSummary struct {
	WordCount         int
	HasWordTimestamps bool
	RetryRecommended  bool
	Warning           string
	Error             string
}

// Summarize applies the defaulting rules to the optional payload fields.
// A nil payload summarizes to all zero values.
func (p *SyncPayload) Summarize() PayloadSummary {
	var s PayloadSummary
	if p == nil {
		return s
	}

	switch {
	case p.WordCount != nil && *p.WordCount >= 0:
		s.WordCount = int(math.Min(math.Floor(*p.WordCount), math.MaxInt32))
	case p.Transcript != nil:
		s.WordCount = len(p.Transcript)
	}

	if p.HasWordTimestamps != nil {
		s.HasWordTimestamps = *p.HasWordTimestamps
	} else {
		s.HasWordTimestamps = s.WordCount > 0
	}

	if p.RetryRecommended != nil {
		s.RetryRecommended = *p.RetryRecommended
	} else {
		s.RetryRecommended = !s.HasWordTimestamps
	}

	if p.Warning != nil {
		s.Warning = *p.Warning
	}
	if p.Error != nil {
		s.Error = *p.Error
	}
	return s
}

// Words returns the well-formed transcript entries of the payload, or nil
// when there are none.
func (p *SyncPayload) Words() []TranscriptWord {
	if p == nil || len(p.Transcript) == 0 {
		return nil
	}
	words := make([]TranscriptWord, 0, len(p.Transcript))
	for _, raw := range p.Transcript {
		var w struct {
			Word  *string  `json:"word"`
			Start *float64 `json:"start"`
			End   *float64 `json:"end"`
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			continue
		}
		if w.Word == nil || w.Start == nil || w.End == nil {
			continue
		}
		words = append(words, TranscriptWord{Word: *w.Word, Start: *w.Start, End: *w.End})
	}
	if len(words) == 0 {
		return nil
	}
	return words
}

// Decision is the next persisted state for a job plus why it was chosen.
type Decision struct {
	Outcome    Outcome
	Update     JobState
	Reason     string
	Transcript []TranscriptWord
}

// DecideOutcome classifies one sync attempt. A non-empty syncErrorMessage is
// a transport failure and can never produce a ready outcome, whatever the
// payload contains.
func (p RetryPolicy) DecideOutcome(currentAttemptCount int, payload *SyncPayload, syncErrorMessage string, now time.Time) Decision {
	if syncErrorMessage != "" {
		return p.retryDecision(currentAttemptCount, syncErrorMessage, now)
	}

	summary := payload.Summarize()
	if summary.HasWordTimestamps && summary.WordCount > 0 {
		return Decision{
			Outcome:    OutcomeReady,
			Update:     BuildReadyState(currentAttemptCount, now),
			Reason:     fmt.Sprintf("transcript has %d timed words", summary.WordCount),
			Transcript: payload.Words(),
		}
	}

	message := MissingTimestampsMessage
	switch {
	case summary.Error != "":
		message = summary.Error
	case summary.Warning != "":
		message = summary.Warning
	}
	return p.retryDecision(currentAttemptCount, message, now)
}

func (p RetryPolicy) retryDecision(currentAttemptCount int, message string, now time.Time) Decision {
	update, exhausted := p.BuildRetryState(currentAttemptCount, message, now)
	outcome := OutcomeRetried
	if exhausted {
		outcome = OutcomeFailed
	}
	return Decision{Outcome: outcome, Update: update, Reason: message}
}

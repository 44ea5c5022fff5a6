package domain

import "time"

// DateLayout is the calendar date format of ForDate fields.
const DateLayout = "2006-01-02"

// TranscriptWord is one timed word of a transcript.
type TranscriptWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// PepTalk is a generated daily audio content record. Its transcript job is a
// set of fields on the record itself.
type PepTalk struct {
	ID                string
	MentorSlug        string
	ForDate           string
	TopicCategory     string
	Intensity         string
	EmotionalTriggers []string
	Title             string
	Summary           string
	Script            string
	AudioURL          string
	Transcript        []TranscriptWord
	CreatedAt         time.Time
	Job               JobState
}

// LibraryEntry is the published library copy of a PepTalk.
type LibraryEntry struct {
	ID          string
	SourceID    string
	Title       string
	Description string
	Quote       string
	AudioURL    string
	Category    string
	MentorSlug  string
	MentorName  string
	ForDate     string
	CreatedAt   time.Time
}

// Theme is one entry of a mentor's daily theme rotation.
type Theme struct {
	TopicCategory string
	Intensity     string
	Triggers      []string
}

// Mentor is a content voice with its theme rotation.
type Mentor struct {
	Slug   string
	Name   string
	Active bool
	Themes []Theme
}

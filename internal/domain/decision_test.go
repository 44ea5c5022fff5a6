package domain

import (
	"strings"
	"testing"
	"time"
)

func TestParseSyncPayload(t *testing.T) {
	t.Run("full payload", func(t *testing.T) {
		p := ParseSyncPayload([]byte(`{"updated":true,"hasWordTimestamps":true,"wordCount":3,
			"transcript":[{"word":"a","start":0,"end":1},{"word":"b","start":1,"end":2}],
			"libraryRowsUpdated":2,"warning":"slow"}`))
		if p == nil {
			t.Fatal("ParseSyncPayload() = nil")
		}
		if p.Updated == nil || !*p.Updated {
			t.Errorf("Updated = %v, want true", p.Updated)
		}
		if p.WordCount == nil || *p.WordCount != 3 {
			t.Errorf("WordCount = %v, want 3", p.WordCount)
		}
		if len(p.Transcript) != 2 {
			t.Errorf("len(Transcript) = %d, want 2", len(p.Transcript))
		}
		if p.Warning == nil || *p.Warning != "slow" {
			t.Errorf("Warning = %v, want slow", p.Warning)
		}
		if p.Error != nil {
			t.Errorf("Error = %v, want nil", *p.Error)
		}
	})

	t.Run("wrong types are absent", func(t *testing.T) {
		p := ParseSyncPayload([]byte(`{"hasWordTimestamps":"yes","wordCount":"18","transcript":{},"error":42}`))
		if p == nil {
			t.Fatal("ParseSyncPayload() = nil")
		}
		if p.HasWordTimestamps != nil || p.WordCount != nil || p.Transcript != nil || p.Error != nil {
			t.Errorf("mistyped fields should be absent: %+v", p)
		}
	})

	t.Run("non-object bodies", func(t *testing.T) {
		for _, body := range []string{"", "  ", "null", "[]", "42", "not json"} {
			if p := ParseSyncPayload([]byte(body)); p != nil {
				t.Errorf("ParseSyncPayload(%q) = %+v, want nil", body, p)
			}
		}
	})
}

func TestSyncPayload_Summarize(t *testing.T) {
	tests := []struct {
		name string
		body string
		want PayloadSummary
	}{
		{
			name: "nil payload",
			body: "",
			want: PayloadSummary{},
		},
		{
			name: "explicit word count",
			body: `{"wordCount":18}`,
			want: PayloadSummary{WordCount: 18, HasWordTimestamps: true},
		},
		{
			name: "negative word count falls back to transcript length",
			body: `{"wordCount":-1,"transcript":[1,2,3]}`,
			want: PayloadSummary{WordCount: 3, HasWordTimestamps: true},
		},
		{
			name: "transcript length",
			body: `{"transcript":[{"word":"hi","start":0,"end":1}]}`,
			want: PayloadSummary{WordCount: 1, HasWordTimestamps: true},
		},
		{
			name: "explicit flags override derived values",
			body: `{"wordCount":5,"hasWordTimestamps":false,"retryRecommended":false}`,
			want: PayloadSummary{WordCount: 5},
		},
		{
			name: "empty strings are absent",
			body: `{"warning":"","error":""}`,
			want: PayloadSummary{RetryRecommended: true},
		},
		{
			name: "warning and error",
			body: `{"warning":"partial","error":"upstream"}`,
			want: PayloadSummary{RetryRecommended: true, Warning: "partial", Error: "upstream"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseSyncPayload([]byte(tt.body)).Summarize()
			if got != tt.want {
				t.Errorf("Summarize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSyncPayload_Words(t *testing.T) {
	p := ParseSyncPayload([]byte(`{"transcript":[
		{"word":"hello","start":0,"end":0.4},
		{"word":"missing end","start":1},
		"junk",
		{"word":"world","start":0.5,"end":0.9}]}`))

	words := p.Words()
	if len(words) != 2 {
		t.Fatalf("len(Words()) = %d, want 2", len(words))
	}
	if words[0].Word != "hello" || words[1].Word != "world" || words[1].End != 0.9 {
		t.Errorf("Words() = %+v", words)
	}

	empty := ParseSyncPayload([]byte(`{"transcript":[]}`))
	if empty.Words() != nil {
		t.Errorf("Words() on empty transcript = %+v, want nil", empty.Words())
	}
}

func TestDecideOutcome_Ready(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := DefaultRetryPolicy()

	payload := ParseSyncPayload([]byte(`{"hasWordTimestamps":true,"wordCount":18}`))
	d := p.DecideOutcome(3, payload, "", now)

	if d.Outcome != OutcomeReady {
		t.Fatalf("Outcome = %q, want %q", d.Outcome, OutcomeReady)
	}
	if d.Update.Status != StatusReady {
		t.Errorf("Status = %q, want %q", d.Update.Status, StatusReady)
	}
	if d.Update.AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want 3", d.Update.AttemptCount)
	}
	if d.Update.NextRetryAt != nil {
		t.Errorf("NextRetryAt = %v, want nil", d.Update.NextRetryAt)
	}
	if d.Update.LastError != "" {
		t.Errorf("LastError = %q, want empty", d.Update.LastError)
	}
	if d.Update.ReadyAt == nil || !d.Update.ReadyAt.Equal(now) {
		t.Errorf("ReadyAt = %v, want %v", d.Update.ReadyAt, now)
	}
}

func TestDecideOutcome_TransportErrorRetries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := DefaultRetryPolicy()

	d := p.DecideOutcome(1, nil, "HTTP 502: Bad Gateway", now)

	if d.Outcome != OutcomeRetried {
		t.Fatalf("Outcome = %q, want %q", d.Outcome, OutcomeRetried)
	}
	if d.Update.Status != StatusPending {
		t.Errorf("Status = %q, want %q", d.Update.Status, StatusPending)
	}
	if d.Update.AttemptCount != 2 {
		t.Errorf("AttemptCount = %d, want 2", d.Update.AttemptCount)
	}
	want := now.Add(20 * time.Minute)
	if d.Update.NextRetryAt == nil || !d.Update.NextRetryAt.Equal(want) {
		t.Errorf("NextRetryAt = %v, want %v", d.Update.NextRetryAt, want)
	}
	if !strings.Contains(d.Update.LastError, "HTTP 502") {
		t.Errorf("LastError = %q, want it to contain HTTP 502", d.Update.LastError)
	}
}

func TestDecideOutcome_MissingTimestampsExhausts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := DefaultRetryPolicy()

	payload := ParseSyncPayload([]byte(`{"hasWordTimestamps":false,"wordCount":0,"retryRecommended":true}`))
	d := p.DecideOutcome(11, payload, "", now)

	if d.Outcome != OutcomeFailed {
		t.Fatalf("Outcome = %q, want %q", d.Outcome, OutcomeFailed)
	}
	if d.Update.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", d.Update.Status, StatusFailed)
	}
	if d.Update.AttemptCount != 12 {
		t.Errorf("AttemptCount = %d, want 12", d.Update.AttemptCount)
	}
	if d.Update.NextRetryAt != nil {
		t.Errorf("NextRetryAt = %v, want nil", d.Update.NextRetryAt)
	}
	if !strings.Contains(d.Update.LastError, "no word-level timestamps") {
		t.Errorf("LastError = %q", d.Update.LastError)
	}
}

func TestDecideOutcome_MessagePriority(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := DefaultRetryPolicy()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"error before warning", `{"error":"upstream failed","warning":"partial"}`, "upstream failed"},
		{"warning alone", `{"warning":"partial"}`, "partial"},
		{"default message", `{"updated":true}`, MissingTimestampsMessage},
		{"timestamps flag without words", `{"hasWordTimestamps":true,"wordCount":0}`, MissingTimestampsMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.DecideOutcome(0, ParseSyncPayload([]byte(tt.body)), "", now)
			if d.Outcome != OutcomeRetried {
				t.Fatalf("Outcome = %q, want %q", d.Outcome, OutcomeRetried)
			}
			if d.Update.LastError != tt.want {
				t.Errorf("LastError = %q, want %q", d.Update.LastError, tt.want)
			}
		})
	}
}

func TestDecideOutcome_TransportErrorDominates(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := DefaultRetryPolicy()

	bodies := []string{
		``,
		`{}`,
		`{"hasWordTimestamps":true,"wordCount":18}`,
		`{"hasWordTimestamps":true,"wordCount":500,"transcript":[{"word":"a","start":0,"end":1}]}`,
		`{"transcript":[1,2,3,4],"retryRecommended":false}`,
		`{"updated":true,"transcriptChanged":true,"libraryUpdated":true,"wordCount":3}`,
	}
	errs := []string{"HTTP 500", "timeout", "x"}

	for _, body := range bodies {
		for _, syncErr := range errs {
			for current := 0; current < 14; current++ {
				d := p.DecideOutcome(current, ParseSyncPayload([]byte(body)), syncErr, now)
				if d.Outcome == OutcomeReady {
					t.Fatalf("body=%s err=%q attempt=%d: outcome ready despite transport error", body, syncErr, current)
				}
				if d.Update.LastError != syncErr {
					t.Fatalf("LastError = %q, want transport error %q", d.Update.LastError, syncErr)
				}
				if d.Update.AttemptCount != current+1 {
					t.Fatalf("AttemptCount = %d, want %d", d.Update.AttemptCount, current+1)
				}
			}
		}
	}
}

func TestDecideOutcome_ReadyCarriesTranscript(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := DefaultRetryPolicy()

	payload := ParseSyncPayload([]byte(`{"transcript":[{"word":"go","start":0,"end":0.3}]}`))
	d := p.DecideOutcome(0, payload, "", now)

	if d.Outcome != OutcomeReady {
		t.Fatalf("Outcome = %q, want %q", d.Outcome, OutcomeReady)
	}
	if len(d.Transcript) != 1 || d.Transcript[0].Word != "go" {
		t.Errorf("Transcript = %+v", d.Transcript)
	}
}

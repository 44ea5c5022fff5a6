package worker

import (
	"bytes"
	"encoding/json"
	"math"
)

// Mode selects what a pass does before processing due jobs.
type Mode string

const (
	ModeScheduled Mode = "scheduled"
	ModeBackfill  Mode = "backfill"
)

const (
	DefaultLimit        = 25
	MaxLimit            = 100
	DefaultLookbackDays = 30
)

// Request is one worker invocation. Nil fields take their defaults.
type Request struct {
	Mode         Mode
	Limit        *int
	LookbackDays *int
}

// DecodeRequest reads an invocation body. Malformed bodies and fields of the
// wrong type fall back to defaults.
func DecodeRequest(raw []byte) Request {
	var req Request
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return req
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return req
	}

	var mode string
	if err := json.Unmarshal(fields["mode"], &mode); err == nil {
		req.Mode = Mode(mode)
	}
	req.Limit = number(fields["limit"])
	req.LookbackDays = number(fields["lookbackDays"])
	return req
}

func number(raw json.RawMessage) *int {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	f = math.Floor(f)
	f = math.Max(math.MinInt32, math.Min(math.MaxInt32, f))
	n := int(f)
	return &n
}

type normalized struct {
	mode         Mode
	limit        int
	lookbackDays int
}

func (r Request) normalize() normalized {
	n := normalized{
		mode:         ModeScheduled,
		limit:        DefaultLimit,
		lookbackDays: DefaultLookbackDays,
	}
	if r.Mode == ModeBackfill {
		n.mode = ModeBackfill
	}
	if r.Limit != nil {
		n.limit = min(MaxLimit, max(1, *r.Limit))
	}
	if r.LookbackDays != nil {
		n.lookbackDays = max(1, *r.LookbackDays)
	}
	return n
}

// Summary reports the counters of one pass.
type Summary struct {
	Scanned         int  `json:"scanned"`
	Attempted       int  `json:"attempted"`
	Ready           int  `json:"ready"`
	Retried         int  `json:"retried"`
	Failed          int  `json:"failed"`
	Skipped         int  `json:"skipped"`
	NextRetryQueued int  `json:"nextRetryQueued"`
	BackfillQueued  int  `json:"backfillQueued"`
	Reclaimed       int  `json:"reclaimed"`
	Mode            Mode `json:"mode"`
	LookbackDays    *int `json:"lookbackDays"`
	Limit           int  `json:"limit"`
}

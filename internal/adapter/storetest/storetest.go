// Package storetest holds the behavior every domain.Repository implementation
// must share. Adapter packages run it from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cwygoda/transcriptd/internal/domain"
)

// Factory opens an empty repository for one test.
type Factory func(t *testing.T) domain.Repository

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the shared repository tests.
func Run(t *testing.T, open Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, repo domain.Repository)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"DuplicateDay", testDuplicateDay},
		{"FindDue", testFindDue},
		{"Claim", testClaim},
		{"ConcurrentClaim", testConcurrentClaim},
		{"Persist", testPersist},
		{"ForcePending", testForcePending},
		{"Backfill", testBackfill},
		{"ReclaimStale", testReclaimStale},
		{"Stats", testStats},
		{"LibraryEntry", testLibraryEntry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := open(t)
			t.Cleanup(func() { repo.Close() })
			tt.fn(t, repo)
		})
	}
}

// NewPepTalk returns a content record with a fresh pending job.
func NewPepTalk(id, mentor, forDate string, createdAt time.Time) *domain.PepTalk {
	return &domain.PepTalk{
		ID:                id,
		MentorSlug:        mentor,
		ForDate:           forDate,
		TopicCategory:     "discipline",
		Intensity:         "medium",
		EmotionalTriggers: []string{"Exhausted", "Unmotivated"},
		Title:             "Show Up Anyway",
		Summary:           "A reminder that consistency beats intensity.",
		Script:            "You do not need to feel ready.",
		AudioURL:          "https://cdn.example.com/" + id + ".mp3",
		CreatedAt:         createdAt,
		Job:               domain.NewJobState(createdAt),
	}
}

// MustCreate inserts a record or fails the test.
func MustCreate(t *testing.T, repo domain.Repository, talk *domain.PepTalk) {
	t.Helper()
	if err := repo.CreatePepTalk(context.Background(), talk); err != nil {
		t.Fatalf("CreatePepTalk(%s) error = %v", talk.ID, err)
	}
}

// seed creates a record and drives it into the given state through the
// claim and persist path.
func seed(t *testing.T, repo domain.Repository, id, forDate string, state domain.JobState) {
	t.Helper()
	ctx := context.Background()
	MustCreate(t, repo, NewPepTalk(id, "mentor-"+id, forDate, base))
	if state.Status == domain.StatusPending && state.AttemptCount == 0 {
		return
	}
	if _, err := repo.Claim(ctx, id, base); err != nil {
		t.Fatalf("Claim(%s) error = %v", id, err)
	}
	if state.Status == domain.StatusProcessing {
		return
	}
	if err := repo.Persist(ctx, id, state, nil); err != nil {
		t.Fatalf("Persist(%s) error = %v", id, err)
	}
}

func mustGet(t *testing.T, repo domain.Repository, id string) *domain.PepTalk {
	t.Helper()
	talk, err := repo.GetPepTalk(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPepTalk(%s) error = %v", id, err)
	}
	return talk
}

func testCreateAndGet(t *testing.T, repo domain.Repository) {
	ctx := context.Background()
	talk := NewPepTalk("talk-1", "marcus", "2026-03-01", base)
	MustCreate(t, repo, talk)

	got := mustGet(t, repo, "talk-1")
	if got.MentorSlug != "marcus" || got.ForDate != "2026-03-01" {
		t.Errorf("GetPepTalk() = %s/%s, want marcus/2026-03-01", got.MentorSlug, got.ForDate)
	}
	if got.Title != talk.Title || got.AudioURL != talk.AudioURL {
		t.Errorf("GetPepTalk() content mismatch: %+v", got)
	}
	if len(got.EmotionalTriggers) != 2 || got.EmotionalTriggers[1] != "Unmotivated" {
		t.Errorf("EmotionalTriggers = %v", got.EmotionalTriggers)
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, base)
	}
	if got.Job.Status != domain.StatusPending || got.Job.AttemptCount != 0 {
		t.Errorf("Job = %+v, want pending/0", got.Job)
	}
	if got.Job.NextRetryAt == nil || !got.Job.NextRetryAt.Equal(base) {
		t.Errorf("NextRetryAt = %v, want %v", got.Job.NextRetryAt, base)
	}

	found, err := repo.FindPepTalk(ctx, "marcus", "2026-03-01")
	if err != nil {
		t.Fatalf("FindPepTalk() error = %v", err)
	}
	if found.ID != "talk-1" {
		t.Errorf("FindPepTalk() id = %q, want talk-1", found.ID)
	}

	if _, err := repo.GetPepTalk(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetPepTalk(missing) error = %v, want %v", err, domain.ErrNotFound)
	}
	if _, err := repo.FindPepTalk(ctx, "marcus", "2026-03-02"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("FindPepTalk(other day) error = %v, want %v", err, domain.ErrNotFound)
	}
}

func testDuplicateDay(t *testing.T, repo domain.Repository) {
	MustCreate(t, repo, NewPepTalk("a", "marcus", "2026-03-01", base))

	err := repo.CreatePepTalk(context.Background(), NewPepTalk("b", "marcus", "2026-03-01", base))
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("CreatePepTalk() error = %v, want %v", err, domain.ErrDuplicate)
	}

	MustCreate(t, repo, NewPepTalk("c", "marcus", "2026-03-02", base))
	MustCreate(t, repo, NewPepTalk("d", "sarah", "2026-03-01", base))
}

func testFindDue(t *testing.T, repo domain.Repository) {
	ctx := context.Background()
	p := domain.DefaultRetryPolicy()

	later, _ := p.BuildRetryState(0, "boom", base.Add(-5*time.Minute))
	seed(t, repo, "later", "2026-03-01", later)

	for i, offset := range []time.Duration{-3 * time.Minute, -1 * time.Minute, -2 * time.Minute} {
		talk := NewPepTalk(fmt.Sprintf("due-%d", i), fmt.Sprintf("m%d", i), "2026-03-01", base.Add(offset))
		MustCreate(t, repo, talk)
	}
	seed(t, repo, "busy", "2026-03-01", domain.JobState{Status: domain.StatusProcessing})
	seed(t, repo, "done", "2026-03-01", domain.BuildReadyState(1, base))

	jobs, err := repo.FindDue(ctx, base, 25)
	if err != nil {
		t.Fatalf("FindDue() error = %v", err)
	}
	want := []string{"due-0", "due-2", "due-1"}
	if len(jobs) != len(want) {
		t.Fatalf("FindDue() returned %d jobs, want %d", len(jobs), len(want))
	}
	for i, job := range jobs {
		if job.ID != want[i] {
			t.Errorf("FindDue()[%d] = %q, want %q", i, job.ID, want[i])
		}
		if job.Status != domain.StatusPending {
			t.Errorf("FindDue()[%d].Status = %q, want pending", i, job.Status)
		}
	}

	limited, err := repo.FindDue(ctx, base, 2)
	if err != nil {
		t.Fatalf("FindDue() error = %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("FindDue(limit 2) returned %d jobs", len(limited))
	}

	all, err := repo.FindDue(ctx, base.Add(time.Hour), 25)
	if err != nil {
		t.Fatalf("FindDue() error = %v", err)
	}
	if len(all) != 4 {
		t.Errorf("FindDue(+1h) returned %d jobs, want 4", len(all))
	}
}

func testClaim(t *testing.T, repo domain.Repository) {
	ctx := context.Background()
	p := domain.DefaultRetryPolicy()

	retry, _ := p.BuildRetryState(2, "HTTP 500", base.Add(-time.Hour))
	seed(t, repo, "job", "2026-03-01", retry)

	now := base.Add(time.Hour)
	job, err := repo.Claim(ctx, "job", now)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if job.AttemptCount != 3 {
		t.Errorf("Claim() AttemptCount = %d, want 3", job.AttemptCount)
	}

	stored := mustGet(t, repo, "job")
	if stored.Job.Status != domain.StatusProcessing {
		t.Errorf("Status = %q, want processing", stored.Job.Status)
	}
	if stored.Job.NextRetryAt != nil {
		t.Errorf("NextRetryAt = %v, want nil while processing", stored.Job.NextRetryAt)
	}
	if stored.Job.LastAttemptAt == nil || !stored.Job.LastAttemptAt.Equal(now) {
		t.Errorf("LastAttemptAt = %v, want %v", stored.Job.LastAttemptAt, now)
	}
	if stored.Job.AttemptCount != 3 {
		t.Errorf("claim changed AttemptCount to %d", stored.Job.AttemptCount)
	}

	if _, err := repo.Claim(ctx, "job", now); !errors.Is(err, domain.ErrNotClaimed) {
		t.Errorf("second Claim() error = %v, want %v", err, domain.ErrNotClaimed)
	}
	if _, err := repo.Claim(ctx, "missing", now); !errors.Is(err, domain.ErrNotClaimed) {
		t.Errorf("Claim(missing) error = %v, want %v", err, domain.ErrNotClaimed)
	}
}

func testConcurrentClaim(t *testing.T, repo domain.Repository) {
	MustCreate(t, repo, NewPepTalk("contended", "marcus", "2026-03-01", base))

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		won     int
		lost    int
		failure error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Claim(context.Background(), "contended", base)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, domain.ErrNotClaimed):
				lost++
			default:
				failure = err
			}
		}()
	}
	wg.Wait()

	if failure != nil {
		t.Fatalf("Claim() unexpected error = %v", failure)
	}
	if won != 1 || lost != workers-1 {
		t.Errorf("claims won=%d lost=%d, want 1/%d", won, lost, workers-1)
	}
}

func testPersist(t *testing.T, repo domain.Repository) {
	ctx := context.Background()
	MustCreate(t, repo, NewPepTalk("job", "marcus", "2026-03-01", base))

	ready := domain.BuildReadyState(0, base)
	if err := repo.Persist(ctx, "job", ready, nil); !errors.Is(err, domain.ErrNotClaimed) {
		t.Fatalf("Persist() on pending job error = %v, want %v", err, domain.ErrNotClaimed)
	}

	if _, err := repo.Claim(ctx, "job", base); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	words := []domain.TranscriptWord{{Word: "hello", Start: 0, End: 0.4}, {Word: "there", Start: 0.5, End: 0.9}}
	if err := repo.Persist(ctx, "job", ready, words); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	got := mustGet(t, repo, "job")
	if got.Job.Status != domain.StatusReady {
		t.Errorf("Status = %q, want ready", got.Job.Status)
	}
	if got.Job.ReadyAt == nil || !got.Job.ReadyAt.Equal(base) {
		t.Errorf("ReadyAt = %v, want %v", got.Job.ReadyAt, base)
	}
	if got.Job.LastError != "" || got.Job.NextRetryAt != nil {
		t.Errorf("ready job has error %q / next retry %v", got.Job.LastError, got.Job.NextRetryAt)
	}
	if len(got.Transcript) != 2 || got.Transcript[1].Word != "there" {
		t.Errorf("Transcript = %+v", got.Transcript)
	}
	if err := got.Job.Check(domain.DefaultMaxAttempts); err != nil {
		t.Errorf("stored state invalid: %v", err)
	}

	if err := repo.Persist(ctx, "job", ready, nil); !errors.Is(err, domain.ErrNotClaimed) {
		t.Errorf("Persist() on ready job error = %v, want %v", err, domain.ErrNotClaimed)
	}
	if err := repo.Persist(ctx, "missing", ready, nil); !errors.Is(err, domain.ErrNotClaimed) {
		t.Errorf("Persist(missing) error = %v, want %v", err, domain.ErrNotClaimed)
	}

	// A nil transcript leaves the stored one alone.
	MustCreate(t, repo, NewPepTalk("retry", "sarah", "2026-03-01", base))
	if _, err := repo.Claim(ctx, "retry", base); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	retry, _ := domain.DefaultRetryPolicy().BuildRetryState(0, "HTTP 502", base)
	if err := repo.Persist(ctx, "retry", retry, nil); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	got = mustGet(t, repo, "retry")
	if got.Job.Status != domain.StatusPending || got.Job.AttemptCount != 1 || got.Job.LastError != "HTTP 502" {
		t.Errorf("Job = %+v, want pending/1/HTTP 502", got.Job)
	}
	if len(got.Transcript) != 0 {
		t.Errorf("Transcript = %+v, want empty", got.Transcript)
	}
}

func testForcePending(t *testing.T, repo domain.Repository) {
	ctx := context.Background()
	seed(t, repo, "job", "2026-03-01", domain.JobState{Status: domain.StatusProcessing})

	next := base.Add(5 * time.Minute)
	if err := repo.ForcePending(ctx, "job", next, "State persistence error: disk full", base); err != nil {
		t.Fatalf("ForcePending() error = %v", err)
	}

	got := mustGet(t, repo, "job")
	if got.Job.Status != domain.StatusPending {
		t.Errorf("Status = %q, want pending", got.Job.Status)
	}
	if got.Job.NextRetryAt == nil || !got.Job.NextRetryAt.Equal(next) {
		t.Errorf("NextRetryAt = %v, want %v", got.Job.NextRetryAt, next)
	}
	if got.Job.LastError != "State persistence error: disk full" {
		t.Errorf("LastError = %q", got.Job.LastError)
	}
	if err := got.Job.Check(domain.DefaultMaxAttempts); err != nil {
		t.Errorf("stored state invalid: %v", err)
	}

	if err := repo.ForcePending(ctx, "missing", next, "x", base); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("ForcePending(missing) error = %v, want %v", err, domain.ErrNotFound)
	}
}

func testBackfill(t *testing.T, repo domain.Repository) {
	ctx := context.Background()
	p := domain.DefaultRetryPolicy()
	failed, _ := p.BuildRetryState(p.MaxAttempts-1, "no timestamps", base)

	seed(t, repo, "old", "2026-01-01", failed)
	seed(t, repo, "mid", "2026-02-20", failed)
	seed(t, repo, "new", "2026-02-28", failed)
	seed(t, repo, "ok", "2026-02-27", domain.BuildReadyState(1, base))

	ids, err := repo.FindFailedSince(ctx, "2026-02-01", 25)
	if err != nil {
		t.Fatalf("FindFailedSince() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "new" || ids[1] != "mid" {
		t.Fatalf("FindFailedSince() = %v, want [new mid]", ids)
	}

	ids, err = repo.FindFailedSince(ctx, "2026-02-01", 1)
	if err != nil {
		t.Fatalf("FindFailedSince() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "new" {
		t.Fatalf("FindFailedSince(limit 1) = %v, want [new]", ids)
	}

	now := base.Add(time.Hour)
	n, err := repo.Reactivate(ctx, []string{"new", "mid", "ok", "missing"}, now)
	if err != nil {
		t.Fatalf("Reactivate() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Reactivate() = %d, want 2", n)
	}

	got := mustGet(t, repo, "new")
	if got.Job.Status != domain.StatusPending || got.Job.AttemptCount != 0 {
		t.Errorf("reactivated Job = %+v, want pending/0", got.Job)
	}
	if got.Job.NextRetryAt == nil || !got.Job.NextRetryAt.Equal(now) {
		t.Errorf("NextRetryAt = %v, want %v", got.Job.NextRetryAt, now)
	}
	if got.Job.LastError != "" || got.Job.ReadyAt != nil {
		t.Errorf("reactivated job kept error %q / ready_at %v", got.Job.LastError, got.Job.ReadyAt)
	}

	if ok := mustGet(t, repo, "ok"); ok.Job.Status != domain.StatusReady {
		t.Errorf("ready job touched by Reactivate: %+v", ok.Job)
	}
	if old := mustGet(t, repo, "old"); old.Job.Status != domain.StatusFailed {
		t.Errorf("out of window job touched: %+v", old.Job)
	}

	n, err = repo.Reactivate(ctx, []string{"new"}, now)
	if err != nil {
		t.Fatalf("Reactivate() error = %v", err)
	}
	if n != 0 {
		t.Errorf("second Reactivate() = %d, want 0", n)
	}
	if n, err := repo.Reactivate(ctx, nil, now); err != nil || n != 0 {
		t.Errorf("Reactivate(nil) = %d, %v", n, err)
	}
}

func testReclaimStale(t *testing.T, repo domain.Repository) {
	ctx := context.Background()
	seed(t, repo, "stuck", "2026-03-01", domain.JobState{Status: domain.StatusProcessing})

	MustCreate(t, repo, NewPepTalk("fresh", "other", "2026-03-01", base))
	if _, err := repo.Claim(ctx, "fresh", base.Add(20*time.Minute)); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	now := base.Add(30 * time.Minute)
	n, err := repo.ReclaimStale(ctx, now.Add(-15*time.Minute), "Reclaimed after processing timeout", now)
	if err != nil {
		t.Fatalf("ReclaimStale() error = %v", err)
	}
	if n != 1 {
		t.Errorf("ReclaimStale() = %d, want 1", n)
	}

	got := mustGet(t, repo, "stuck")
	if got.Job.Status != domain.StatusPending || got.Job.LastError != "Reclaimed after processing timeout" {
		t.Errorf("stuck Job = %+v", got.Job)
	}
	if got.Job.NextRetryAt == nil || !got.Job.NextRetryAt.Equal(now) {
		t.Errorf("NextRetryAt = %v, want %v", got.Job.NextRetryAt, now)
	}
	if got.Job.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want unchanged 0", got.Job.AttemptCount)
	}
	if fresh := mustGet(t, repo, "fresh"); fresh.Job.Status != domain.StatusProcessing {
		t.Errorf("fresh job reclaimed: %+v", fresh.Job)
	}
}

func testStats(t *testing.T, repo domain.Repository) {
	seed(t, repo, "a", "2026-03-01", domain.NewJobState(base))
	seed(t, repo, "b", "2026-03-01", domain.NewJobState(base))
	seed(t, repo, "c", "2026-03-01", domain.BuildReadyState(0, base))
	seed(t, repo, "d", "2026-03-01", domain.JobState{Status: domain.StatusProcessing})

	stats, err := repo.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	want := map[domain.TranscriptStatus]int{
		domain.StatusPending:    2,
		domain.StatusReady:      1,
		domain.StatusProcessing: 1,
	}
	for status, n := range want {
		if stats[status] != n {
			t.Errorf("Stats()[%s] = %d, want %d", status, stats[status], n)
		}
	}
	if stats[domain.StatusFailed] != 0 {
		t.Errorf("Stats()[failed] = %d, want 0", stats[domain.StatusFailed])
	}
}

func testLibraryEntry(t *testing.T, repo domain.Repository) {
	ctx := context.Background()
	entry := &domain.LibraryEntry{
		ID:          "lib-1",
		SourceID:    "talk-1",
		Title:       "Show Up Anyway",
		Description: "You do not need to feel ready...",
		Quote:       "A reminder that consistency beats intensity.",
		AudioURL:    "https://cdn.example.com/talk-1.mp3",
		Category:    "discipline",
		MentorSlug:  "marcus",
		MentorName:  "Marcus",
		ForDate:     "2026-03-01",
		CreatedAt:   base,
	}
	if err := repo.PublishLibraryEntry(ctx, entry); err != nil {
		t.Fatalf("PublishLibraryEntry() error = %v", err)
	}

	dup := *entry
	dup.ID = "lib-2"
	if err := repo.PublishLibraryEntry(ctx, &dup); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("second PublishLibraryEntry() error = %v, want %v", err, domain.ErrDuplicate)
	}
}

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cwygoda/transcriptd/internal/adapter/generator"
	"github.com/cwygoda/transcriptd/internal/adapter/sqlite"
	"github.com/cwygoda/transcriptd/internal/adapter/storetest"
	"github.com/cwygoda/transcriptd/internal/domain"
	"github.com/cwygoda/transcriptd/internal/logging"
	"github.com/cwygoda/transcriptd/internal/producer"
	"github.com/cwygoda/transcriptd/internal/worker"
)

const testKey = "service-role-key"

var testNow = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

// stubSyncer implements domain.TranscriptSyncer for testing.
type stubSyncer struct {
	calls atomic.Int32
	err   error
}

func (s *stubSyncer) Sync(ctx context.Context, id string) (*domain.SyncPayload, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return domain.ParseSyncPayload([]byte(`{"hasWordTimestamps":true,"wordCount":2,"transcript":[{"word":"Keep","start":0,"end":0.2},{"word":"going","start":0.2,"end":0.5}]}`)), nil
}

// stubGenerator implements domain.AudioGenerator for testing.
type stubGenerator struct{}

func (stubGenerator) Name() string                 { return "stub" }
func (stubGenerator) Match(mentorSlug string) bool { return true }
func (stubGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GeneratedAudio, error) {
	return &domain.GeneratedAudio{Script: "Start before you feel ready.", AudioURL: "https://cdn.example.com/" + req.MentorSlug + ".mp3"}, nil
}

type testEnv struct {
	repo   *sqlite.Repository
	syncer *stubSyncer
	srv    *Server
}

func setupTestServer(t *testing.T, serviceKey string) *testEnv {
	t.Helper()
	repo, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	syncer := &stubSyncer{}
	now := func() time.Time { return testNow }
	w := worker.New(repo, syncer, worker.Options{Logger: logging.Discard(), Now: now})

	registry := generator.NewRegistry()
	registry.Register(stubGenerator{})
	mentors := []domain.Mentor{
		{Slug: "atlas", Name: "Atlas", Active: true, Themes: []domain.Theme{{TopicCategory: "focus", Intensity: "medium", Triggers: []string{"Feeling Stuck"}}}},
		{Slug: "quiet", Name: "Quiet", Active: true},
	}
	p := producer.New(repo, registry, w, mentors, logging.Discard())

	srv := NewServer(w, p, repo, Options{
		Addr:       ":0",
		ServiceKey: serviceKey,
		Logger:     logging.Discard(),
		Now:        now,
	})
	return &testEnv{repo: repo, syncer: syncer, srv: srv}
}

func (e *testEnv) do(method, path, body, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return v
}

func TestServer_Auth(t *testing.T) {
	tests := []struct {
		name       string
		serviceKey string
		auth       string
		wantStatus int
		wantError  string
	}{
		{"missing header", testKey, "", http.StatusUnauthorized, domain.ErrUnauthorized.Error()},
		{"not bearer", testKey, "Basic abc", http.StatusUnauthorized, domain.ErrUnauthorized.Error()},
		{"empty token", testKey, "Bearer   ", http.StatusUnauthorized, domain.ErrUnauthorized.Error()},
		{"wrong key", testKey, "Bearer user-token", http.StatusForbidden, domain.ErrForbidden.Error()},
		{"key not configured", "", "Bearer " + testKey, http.StatusInternalServerError, "backend configuration missing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t, tt.serviceKey)
			storetest.MustCreate(t, env.repo, storetest.NewPepTalk("pt-1", "atlas", "2026-03-09", testNow.Add(-time.Hour)))

			for _, path := range []string{"/transcripts/retry", "/pep-talks/generate"} {
				rec := env.do(http.MethodPost, path, `{"mode":"daily"}`, tt.auth)
				if rec.Code != tt.wantStatus {
					t.Errorf("%s status = %d, want %d", path, rec.Code, tt.wantStatus)
				}
				resp := decode[errorResponse](t, rec)
				if resp.Error != tt.wantError {
					t.Errorf("%s error = %q, want %q", path, resp.Error, tt.wantError)
				}
			}

			if n := env.syncer.calls.Load(); n != 0 {
				t.Errorf("sync calls = %d, want 0", n)
			}
			talk, err := env.repo.GetPepTalk(context.Background(), "pt-1")
			if err != nil {
				t.Fatalf("GetPepTalk error = %v", err)
			}
			if talk.Job.Status != domain.StatusPending || talk.Job.AttemptCount != 0 {
				t.Errorf("job = %+v, want untouched pending", talk.Job)
			}
			if _, err := env.repo.FindPepTalk(context.Background(), "atlas", testNow.Format(domain.DateLayout)); !errors.Is(err, domain.ErrNotFound) {
				t.Errorf("FindPepTalk error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestServer_Retry(t *testing.T) {
	env := setupTestServer(t, testKey)
	storetest.MustCreate(t, env.repo, storetest.NewPepTalk("pt-1", "atlas", "2026-03-09", testNow.Add(-time.Hour)))
	storetest.MustCreate(t, env.repo, storetest.NewPepTalk("pt-2", "kai", "2026-03-09", testNow.Add(-time.Hour)))

	rec := env.do(http.MethodPost, "/transcripts/retry", `{"limit":10}`, "Bearer "+testKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	summary := decode[worker.Summary](t, rec)
	if summary.Mode != worker.ModeScheduled {
		t.Errorf("mode = %q, want scheduled", summary.Mode)
	}
	if summary.Scanned != 2 || summary.Attempted != 2 || summary.Ready != 2 {
		t.Errorf("summary = %+v, want 2 scanned, attempted and ready", summary)
	}
	if summary.Limit != 10 {
		t.Errorf("limit = %d, want 10", summary.Limit)
	}
	if summary.LookbackDays != nil {
		t.Errorf("lookbackDays = %d, want null", *summary.LookbackDays)
	}

	talk, err := env.repo.GetPepTalk(context.Background(), "pt-1")
	if err != nil {
		t.Fatalf("GetPepTalk error = %v", err)
	}
	if talk.Job.Status != domain.StatusReady || len(talk.Transcript) != 2 {
		t.Errorf("pt-1 = %s with %d words, want ready with 2", talk.Job.Status, len(talk.Transcript))
	}
}

func TestServer_Retry_EmptyBody(t *testing.T) {
	env := setupTestServer(t, testKey)

	rec := env.do(http.MethodPost, "/transcripts/retry", "", "Bearer "+testKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var raw map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&raw); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if raw["mode"] != "scheduled" || raw["limit"] != float64(worker.DefaultLimit) {
		t.Errorf("summary = %v, want scheduled with default limit", raw)
	}
	if v, ok := raw["lookbackDays"]; !ok || v != nil {
		t.Errorf("lookbackDays = %v (present %v), want null", v, ok)
	}
}

func TestServer_Retry_Backfill(t *testing.T) {
	env := setupTestServer(t, testKey)
	talk := storetest.NewPepTalk("pt-1", "atlas", "2026-03-08", testNow.Add(-48*time.Hour))
	talk.Job = domain.JobState{Status: domain.StatusFailed, AttemptCount: 5, LastError: "HTTP 503"}
	storetest.MustCreate(t, env.repo, talk)

	rec := env.do(http.MethodPost, "/transcripts/retry", `{"mode":"backfill","lookbackDays":7}`, "Bearer "+testKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	summary := decode[worker.Summary](t, rec)
	if summary.BackfillQueued != 1 || summary.Ready != 1 {
		t.Errorf("summary = %+v, want 1 backfilled and ready", summary)
	}
	if summary.LookbackDays == nil || *summary.LookbackDays != 7 {
		t.Errorf("lookbackDays = %v, want 7", summary.LookbackDays)
	}
}

func TestServer_GenerateSingle(t *testing.T) {
	env := setupTestServer(t, testKey)

	rec := env.do(http.MethodPost, "/pep-talks/generate", `{"mode":"single","mentor":"atlas"}`, "Bearer "+testKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	resp := decode[singleResponse](t, rec)
	if resp.Status != producer.StatusGenerated {
		t.Errorf("status = %q, want generated", resp.Status)
	}
	if resp.Transcript != domain.OutcomeReady {
		t.Errorf("transcript = %q, want ready", resp.Transcript)
	}
	if resp.PepTalk == nil {
		t.Fatal("pepTalk is nil")
	}
	if resp.PepTalk.ForDate != "2026-03-10" || resp.PepTalk.TranscriptStatus != "ready" {
		t.Errorf("pepTalk = %+v, want 2026-03-10 ready", resp.PepTalk)
	}

	rec = env.do(http.MethodPost, "/pep-talks/generate", `{"mode":"single","mentor":"atlas"}`, "Bearer "+testKey)
	resp = decode[singleResponse](t, rec)
	if resp.Status != producer.StatusExisting {
		t.Errorf("second status = %q, want existing", resp.Status)
	}
}

func TestServer_Generate_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing mentor", `{"mode":"single"}`, http.StatusBadRequest},
		{"unknown mentor", `{"mode":"single","mentor":"nobody"}`, http.StatusNotFound},
		{"invalid mode", `{"mode":"weekly"}`, http.StatusBadRequest},
		{"no themes", `{"mode":"single","mentor":"quiet"}`, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t, testKey)
			rec := env.do(http.MethodPost, "/pep-talks/generate", tt.body, "Bearer "+testKey)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if resp := decode[errorResponse](t, rec); resp.Error == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestServer_GenerateBatch(t *testing.T) {
	tests := []struct {
		mode     string
		wantDate string
	}{
		{"daily", "2026-03-10"},
		{"tomorrow", "2026-03-11"},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			env := setupTestServer(t, testKey)
			rec := env.do(http.MethodPost, "/pep-talks/generate", `{"mode":"`+tt.mode+`"}`, "Bearer "+testKey)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}

			resp := decode[batchResponse](t, rec)
			if resp.Date != tt.wantDate {
				t.Errorf("date = %q, want %q", resp.Date, tt.wantDate)
			}
			if resp.Generated != 1 || resp.Skipped != 1 || resp.Errors != 0 {
				t.Errorf("counts = %d/%d/%d, want 1 generated, 1 skipped", resp.Generated, resp.Skipped, resp.Errors)
			}
			if len(resp.Results) != 2 {
				t.Fatalf("results = %d, want 2", len(resp.Results))
			}
			if resp.Results[0].ID == "" || resp.Results[0].Category != "focus" {
				t.Errorf("first result = %+v, want generated focus record", resp.Results[0])
			}
		})
	}
}

func TestServer_GetPepTalk(t *testing.T) {
	env := setupTestServer(t, testKey)
	talk := storetest.NewPepTalk("pt-1", "atlas", "2026-03-09", testNow.Add(-time.Hour))
	next := testNow.Add(2 * time.Minute)
	talk.Job = domain.JobState{Status: domain.StatusPending, AttemptCount: 2, NextRetryAt: &next, LastError: "Transcript not ready"}
	storetest.MustCreate(t, env.repo, talk)

	rec := env.do(http.MethodGet, "/pep-talks/pt-1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	resp := decode[pepTalkResponse](t, rec)
	if resp.ID != "pt-1" || resp.TranscriptStatus != "pending" || resp.TranscriptAttemptCount != 2 {
		t.Errorf("response = %+v", resp)
	}
	if resp.TranscriptNextRetryAt == nil || *resp.TranscriptNextRetryAt != "2026-03-10T08:02:00Z" {
		t.Errorf("next retry = %v, want 2026-03-10T08:02:00Z", resp.TranscriptNextRetryAt)
	}
	if resp.TranscriptLastError == nil || *resp.TranscriptLastError != "Transcript not ready" {
		t.Errorf("last error = %v", resp.TranscriptLastError)
	}
	if resp.Transcript == nil {
		t.Error("transcript should encode as an empty array")
	}
}

func TestServer_GetPepTalk_NotFound(t *testing.T) {
	env := setupTestServer(t, testKey)

	rec := env.do(http.MethodGet, "/pep-talks/missing", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestServer_Health(t *testing.T) {
	env := setupTestServer(t, "")

	rec := env.do(http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if resp := decode[map[string]string](t, rec); resp["status"] != "ok" {
		t.Errorf("status = %q, want ok", resp["status"])
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	env := setupTestServer(t, testKey)

	rec := env.do(http.MethodGet, "/transcripts/retry", "", "Bearer "+testKey)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

// blockingSyncer holds every sync until its context ends.
type blockingSyncer struct {
	started chan struct{}
}

func (s *blockingSyncer) Sync(ctx context.Context, id string) (*domain.SyncPayload, error) {
	close(s.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestServer_ShutdownReleasesRunningPass(t *testing.T) {
	repo, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	storetest.MustCreate(t, repo, storetest.NewPepTalk("pt-1", "atlas", "2026-03-09", testNow.Add(-time.Hour)))

	syncer := &blockingSyncer{started: make(chan struct{})}
	now := func() time.Time { return testNow }
	w := worker.New(repo, syncer, worker.Options{Logger: logging.Discard(), Now: now})
	p := producer.New(repo, generator.NewRegistry(), w, nil, logging.Discard())

	base, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NewServer(w, p, repo, Options{
		ServiceKey:  testKey,
		Logger:      logging.Discard(),
		Now:         now,
		BaseContext: base,
	})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(l)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req, _ := http.NewRequest(http.MethodPost, "http://"+l.Addr().String()+"/transcripts/retry", bytes.NewBufferString(`{}`))
		req.Header.Set("Authorization", "Bearer "+testKey)
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
		}
	}()

	select {
	case <-syncer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("sync never started")
	}

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	// Shutdown has returned, so the handler has already written its release.
	talk, err := repo.GetPepTalk(context.Background(), "pt-1")
	if err != nil {
		t.Fatalf("GetPepTalk error = %v", err)
	}
	if talk.Job.Status != domain.StatusPending {
		t.Errorf("status = %s, want pending", talk.Job.Status)
	}
	if talk.Job.AttemptCount != 0 {
		t.Errorf("attempt count = %d, want 0", talk.Job.AttemptCount)
	}
	if talk.Job.LastError != worker.InterruptedMessage {
		t.Errorf("last error = %q, want %q", talk.Job.LastError, worker.InterruptedMessage)
	}
	<-done
}

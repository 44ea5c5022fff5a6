package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cwygoda/transcriptd/internal/adapter/sqlite"
	"github.com/cwygoda/transcriptd/internal/adapter/storetest"
	"github.com/cwygoda/transcriptd/internal/worker"
)

type cliTestEnv struct {
	configPath string
	dbPath     string
	syncCalls  *atomic.Int32
}

const testConfigTemplate = `
[server]
service_key = "test-key"

[storage]
driver = "sqlite"
path = %q

[sync]
url = %q
timeout = "5s"

[logging]
level = "error"
format = "json"

[[mentors]]
slug = "atlas"

  [[mentors.themes]]
  topic_category = "focus"
  intensity = "medium"
  triggers = ["Feeling Stuck"]

[[generators]]
name = "echo"
kind = "command"
pattern = ".*"
command = "sh"
args = ["-c", "printf '{\"script\":\"Keep going.\",\"audioUrl\":\"https://cdn.example.com/{mentor}.mp3\"}'"]
timeout = "10s"
`

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	t.Setenv("HOME", filepath.Join(base, "home"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(base, "config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(base, "cache"))
	for _, key := range []string{"TRANSCRIPTD_SYNC_URL", "TRANSCRIPTD_DB", "TRANSCRIPTD_STORAGE_DRIVER", "TRANSCRIPTD_SERVICE_KEY", "TRANSCRIPTD_LOG_FORMAT", "TRANSCRIPTD_LOG_LEVEL"} {
		t.Setenv(key, "")
	}

	calls := &atomic.Int32{}
	syncSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"hasWordTimestamps":true,"wordCount":2,"transcript":[{"word":"Keep","start":0,"end":0.2},{"word":"going","start":0.2,"end":0.5}]}`)
	}))
	t.Cleanup(syncSrv.Close)

	dbPath := filepath.Join(base, "transcriptd.db")
	configPath := filepath.Join(base, "config.toml")
	content := fmt.Sprintf(testConfigTemplate, dbPath, syncSrv.URL)
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return &cliTestEnv{configPath: configPath, dbPath: dbPath, syncCalls: calls}
}

func (e *cliTestEnv) seed(t *testing.T, ids ...string) {
	t.Helper()
	repo, err := sqlite.New(e.dbPath)
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	defer repo.Close()
	created := time.Now().Add(-time.Hour)
	for _, id := range ids {
		storetest.MustCreate(t, repo, storetest.NewPepTalk(id, "mentor-"+id, created.UTC().Format("2006-01-02"), created))
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"config", "validate"}, env.configPath)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
	requireContains(t, out, "Storage: sqlite")

	target := filepath.Join(t.TempDir(), "nested", "config.toml")
	out, _, err = runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil {
		t.Fatal("expected error when config already exists")
	}

	out, _, err = runCLI(t, []string{"config", "validate"}, target)
	if err != nil {
		t.Fatalf("validate sample: %v", err)
	}
	requireContains(t, out, "Warning: server.service_key is not set")
}

func TestRetryCommand_JSON(t *testing.T) {
	env := setupCLITestEnv(t)
	env.seed(t, "pt-1", "pt-2")

	out, _, err := runCLI(t, []string{"retry", "--json", "--limit", "5"}, env.configPath)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}

	var summary worker.Summary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decode summary %q: %v", out, err)
	}
	if summary.Mode != worker.ModeScheduled || summary.Limit != 5 {
		t.Errorf("summary = %+v, want scheduled with limit 5", summary)
	}
	if summary.Scanned != 2 || summary.Ready != 2 {
		t.Errorf("summary = %+v, want 2 scanned and ready", summary)
	}
	if n := env.syncCalls.Load(); n != 2 {
		t.Errorf("sync calls = %d, want 2", n)
	}

	out, _, err = runCLI(t, []string{"stats", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var counts map[string]int
	if err := json.Unmarshal([]byte(out), &counts); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if counts["ready"] != 2 || counts["pending"] != 0 {
		t.Errorf("stats = %v, want 2 ready", counts)
	}
}

func TestRetryCommand_Table(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"retry", "--mode", "backfill", "--lookback-days", "3"}, env.configPath)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	requireContains(t, out, "backfill")
	requireContains(t, out, "Backfill queued")
	requireContains(t, out, "Lookback days")
}

func TestRetryCommand_RequiresSyncURL(t *testing.T) {
	env := setupCLITestEnv(t)
	raw, err := os.ReadFile(env.configPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	stripped := strings.Replace(string(raw), "[sync]\nurl = ", "[sync]\n# url = ", 1)
	if err := os.WriteFile(env.configPath, []byte(stripped), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, _, err = runCLI(t, []string{"retry"}, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "sync.url is required") {
		t.Fatalf("err = %v, want sync.url is required", err)
	}
}

func TestGenerateAndShow(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"generate", "daily", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("generate daily: %v", err)
	}
	var batch batchJSON
	if err := json.Unmarshal([]byte(out), &batch); err != nil {
		t.Fatalf("decode batch %q: %v", out, err)
	}
	if batch.Generated != 1 || len(batch.Results) != 1 {
		t.Fatalf("batch = %+v, want 1 generated", batch)
	}
	res := batch.Results[0]
	if res.Mentor != "atlas" || res.Transcript != "ready" || res.ID == "" {
		t.Errorf("result = %+v, want atlas generated with ready transcript", res)
	}

	out, _, err = runCLI(t, []string{"generate", "single", "atlas", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("generate single: %v", err)
	}
	if err := json.Unmarshal([]byte(out), &batch); err != nil {
		t.Fatalf("decode single: %v", err)
	}
	if batch.Existing != 1 || batch.Results[0].ID != res.ID {
		t.Errorf("single = %+v, want existing %s", batch, res.ID)
	}

	out, _, err = runCLI(t, []string{"show", res.ID, "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	var view pepTalkJSON
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode show: %v", err)
	}
	if view.Status != "ready" || view.TranscriptWords != 2 || view.AudioURL != "https://cdn.example.com/atlas.mp3" {
		t.Errorf("show = %+v", view)
	}

	out, _, err = runCLI(t, []string{"show", res.ID}, env.configPath)
	if err != nil {
		t.Fatalf("show table: %v", err)
	}
	requireContains(t, out, "focus (medium)")
}

func TestGenerateCommand_UnknownMentor(t *testing.T) {
	env := setupCLITestEnv(t)

	_, _, err := runCLI(t, []string{"generate", "single", "nobody"}, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "nobody") {
		t.Fatalf("err = %v, want unknown mentor error", err)
	}
}

func TestShowCommand_NotFound(t *testing.T) {
	env := setupCLITestEnv(t)

	_, _, err := runCLI(t, []string{"show", "missing"}, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v, want not found", err)
	}
}

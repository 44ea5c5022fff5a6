package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/cwygoda/transcriptd/internal/config"
	"github.com/cwygoda/transcriptd/internal/domain"
)

// CommandGenerator runs an external command for matching mentors.
type CommandGenerator struct {
	name    string
	pattern *regexp.Regexp
	command string
	args    []string
	workDir string
	isolate bool
	timeout time.Duration
}

// NewCommandGenerator creates a generator from config.
// Isolate defaults to true.
func NewCommandGenerator(gc config.GeneratorConfig) (*CommandGenerator, error) {
	re, err := regexp.Compile(gc.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", gc.Pattern, err)
	}

	isolate := true
	if gc.Isolate != nil {
		isolate = *gc.Isolate
	}

	return &CommandGenerator{
		name:    gc.Name,
		pattern: re,
		command: gc.Command,
		args:    gc.Args,
		workDir: gc.WorkDir,
		isolate: isolate,
		timeout: gc.Timeout,
	}, nil
}

func (g *CommandGenerator) Name() string {
	return g.name
}

func (g *CommandGenerator) Match(mentorSlug string) bool {
	return g.pattern.MatchString(mentorSlug)
}

// Generate runs the command and parses the JSON it prints on stdout.
func (g *CommandGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GeneratedAudio, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	replacer := strings.NewReplacer(
		"{mentor}", req.MentorSlug,
		"{topic}", req.Theme.TopicCategory,
		"{intensity}", req.Theme.Intensity,
		"{triggers}", strings.Join(req.Theme.Triggers, ","),
		"{date}", req.ForDate,
	)
	args := make([]string, len(g.args))
	for i, arg := range g.args {
		args[i] = replacer.Replace(arg)
	}

	dir, cleanup, err := g.prepareDir(req.MentorSlug)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.command, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s timed out after %s", g.command, g.timeout)
		}
		return nil, fmt.Errorf("%s failed: %w: %s", g.command, err, strings.TrimSpace(stderr.String()))
	}

	return parseGenerated(stdout.Bytes())
}

// prepareDir returns the directory the command runs in. Isolated runs get a
// fresh temp dir that is removed afterwards.
func (g *CommandGenerator) prepareDir(mentorSlug string) (string, func(), error) {
	if g.isolate {
		tempDir, err := os.MkdirTemp("", fmt.Sprintf("transcriptd-gen-%s-*", mentorSlug))
		if err != nil {
			return "", nil, fmt.Errorf("create temp dir: %w", err)
		}
		slog.Debug("running generator isolated", "component", "generator", "generator", g.name, "dir", tempDir)
		return tempDir, func() { os.RemoveAll(tempDir) }, nil
	}

	if g.workDir == "" {
		return "", func() {}, nil
	}
	if err := os.MkdirAll(g.workDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create work dir: %w", err)
	}
	return g.workDir, func() {}, nil
}

// parseGenerated decodes a {"script", "audioUrl"} generation response.
func parseGenerated(data []byte) (*domain.GeneratedAudio, error) {
	var resp struct {
		Script   string `json:"script"`
		AudioURL string `json:"audioUrl"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(data), &resp); err != nil {
		return nil, fmt.Errorf("decode generation response: %w", err)
	}
	if resp.Script == "" || resp.AudioURL == "" {
		return nil, errors.New("incomplete generation response: missing script or audioUrl")
	}
	return &domain.GeneratedAudio{Script: resp.Script, AudioURL: resp.AudioURL}, nil
}

package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cwygoda/transcriptd/internal/config"
	"github.com/cwygoda/transcriptd/internal/domain"
)

const maxResponseBytes = 4 << 20

// HTTPGenerator posts generation requests to a remote endpoint.
type HTTPGenerator struct {
	name    string
	pattern *regexp.Regexp
	url     string
	apiKey  string
	client  *http.Client
}

// NewHTTPGenerator creates a remote generator from config.
func NewHTTPGenerator(gc config.GeneratorConfig) (*HTTPGenerator, error) {
	re, err := regexp.Compile(gc.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", gc.Pattern, err)
	}
	timeout := gc.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPGenerator{
		name:    gc.Name,
		pattern: re,
		url:     gc.URL,
		apiKey:  gc.APIKey,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (g *HTTPGenerator) Name() string {
	return g.name
}

func (g *HTTPGenerator) Match(mentorSlug string) bool {
	return g.pattern.MatchString(mentorSlug)
}

type generateRequest struct {
	MentorSlug        string   `json:"mentorSlug"`
	TopicCategory     string   `json:"topic_category"`
	Intensity         string   `json:"intensity"`
	EmotionalTriggers []string `json:"emotionalTriggers"`
}

// Generate posts the theme and parses the script and audio URL.
func (g *HTTPGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GeneratedAudio, error) {
	triggers := req.Theme.Triggers
	if triggers == nil {
		triggers = []string{}
	}
	body, err := json.Marshal(generateRequest{
		MentorSlug:        req.MentorSlug,
		TopicCategory:     req.Theme.TopicCategory,
		Intensity:         req.Theme.Intensity,
		EmotionalTriggers: triggers,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("audio generation request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("audio generation failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return parseGenerated(raw)
}

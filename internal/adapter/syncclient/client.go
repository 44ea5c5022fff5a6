// Package syncclient calls the external transcript sync operation over HTTP.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cwygoda/transcriptd/internal/domain"
)

const (
	defaultTimeout  = 60 * time.Second
	maxBodyBytes    = 1 << 20
	maxExcerptBytes = 200
)

// Config captures the sync endpoint settings.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Client implements domain.TranscriptSyncer.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var _ domain.TranscriptSyncer = (*Client)(nil)

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// New constructs a sync client.
func New(cfg Config, opts ...Option) *Client {
	cfg.URL = strings.TrimSpace(cfg.URL)
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is a non-2xx response from the sync endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Sync requests a transcript sync for one content record. A non-nil error is
// a transport failure. When the endpoint answers with a JSON object, the
// payload is returned alongside any status error.
func (c *Client) Sync(ctx context.Context, id string) (*domain.SyncPayload, error) {
	if c.cfg.URL == "" {
		return nil, errors.New("sync url not configured")
	}

	body, err := json.Marshal(map[string]string{"id": id})
	if err != nil {
		return nil, fmt.Errorf("encode sync request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sync request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read sync response: %w", err)
	}

	payload := domain.ParseSyncPayload(raw)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return payload, &StatusError{StatusCode: resp.StatusCode, Body: excerpt(raw, http.StatusText(resp.StatusCode))}
	}
	return payload, nil
}

func excerpt(raw []byte, fallback string) string {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return fallback
	}
	if len(text) > maxExcerptBytes {
		text = strings.ToValidUTF8(text[:maxExcerptBytes], "") + "..."
	}
	return text
}

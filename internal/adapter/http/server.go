package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cwygoda/transcriptd/internal/domain"
	"github.com/cwygoda/transcriptd/internal/producer"
	"github.com/cwygoda/transcriptd/internal/worker"
)

const maxBodyBytes = 1 << 20

// Server is the HTTP adapter for the transcript service.
type Server struct {
	worker     *worker.Worker
	producer   *producer.Producer
	content    domain.ContentStore
	serviceKey string
	now        func() time.Time
	log        *slog.Logger
	mux        *http.ServeMux
	server     *http.Server
	inflight   sync.WaitGroup
}

// Options configures a Server.
type Options struct {
	Addr       string
	ServiceKey string
	Logger     *slog.Logger
	Now        func() time.Time
	// BaseContext is the parent of every request context. Cancelling it
	// interrupts running passes so their jobs are released.
	BaseContext context.Context
}

// NewServer creates a new HTTP server.
func NewServer(w *worker.Worker, p *producer.Producer, content domain.ContentStore, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Server{
		worker:     w,
		producer:   p,
		content:    content,
		serviceKey: opts.ServiceKey,
		now:        now,
		log:        logger.With("component", "http"),
		mux:        http.NewServeMux(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           http.HandlerFunc(s.track),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if base := opts.BaseContext; base != nil {
		s.server.BaseContext = func(net.Listener) context.Context { return base }
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /transcripts/retry", s.handleRetry)
	s.mux.HandleFunc("POST /pep-talks/generate", s.handleGenerate)
	s.mux.HandleFunc("GET /pep-talks/{id}", s.handleGetPepTalk)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

// generateRequest is the request body for POST /pep-talks/generate.
type generateRequest struct {
	Mode   string `json:"mode"`
	Mentor string `json:"mentor"`
}

// pepTalkResponse is the JSON view of a content record and its job.
type pepTalkResponse struct {
	ID                      string                  `json:"id"`
	MentorSlug              string                  `json:"mentor_slug"`
	ForDate                 string                  `json:"for_date"`
	TopicCategory           string                  `json:"topic_category"`
	Intensity               string                  `json:"intensity"`
	EmotionalTriggers       []string                `json:"emotional_triggers"`
	Title                   string                  `json:"title"`
	Summary                 string                  `json:"summary"`
	Script                  string                  `json:"script"`
	AudioURL                string                  `json:"audio_url"`
	Transcript              []domain.TranscriptWord `json:"transcript"`
	CreatedAt               string                  `json:"created_at"`
	TranscriptStatus        string                  `json:"transcript_status"`
	TranscriptAttemptCount  int                     `json:"transcript_attempt_count"`
	TranscriptNextRetryAt   *string                 `json:"transcript_next_retry_at"`
	TranscriptLastAttemptAt *string                 `json:"transcript_last_attempt_at"`
	TranscriptLastError     *string                 `json:"transcript_last_error"`
	TranscriptReadyAt       *string                 `json:"transcript_ready_at"`
}

// singleResponse is the response for mode "single".
type singleResponse struct {
	Status     producer.Status  `json:"status"`
	PepTalk    *pepTalkResponse `json:"pepTalk"`
	Transcript domain.Outcome   `json:"transcript,omitempty"`
}

type batchResult struct {
	Mentor     string          `json:"mentor"`
	Status     producer.Status `json:"status"`
	ID         string          `json:"id,omitempty"`
	Title      string          `json:"title,omitempty"`
	Category   string          `json:"category,omitempty"`
	Transcript domain.Outcome  `json:"transcript,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// batchResponse is the response for modes "daily" and "tomorrow".
type batchResponse struct {
	Date      string        `json:"date"`
	Generated int           `json:"generated"`
	Existing  int           `json:"existing"`
	Skipped   int           `json:"skipped"`
	Errors    int           `json:"errors"`
	Results   []batchResult `json:"results"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	summary, err := s.worker.RunPass(r.Context(), worker.DecodeRequest(body))
	if err != nil {
		s.log.Error("retry pass failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}

	var req generateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	ctx := r.Context()
	now := s.now()
	switch strings.ToLower(req.Mode) {
	case "single", "":
		if req.Mentor == "" {
			s.writeError(w, http.StatusBadRequest, "mentor is required")
			return
		}
		res, err := s.producer.GenerateSingle(ctx, req.Mentor, now)
		if err != nil {
			if errors.Is(err, domain.ErrUnknownMentor) {
				s.writeError(w, http.StatusNotFound, err.Error())
				return
			}
			s.log.Error("generate failed", "mentor", req.Mentor, "error", err)
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, singleResponse{
			Status:     res.Status,
			PepTalk:    toPepTalkResponse(res.PepTalk),
			Transcript: res.Transcript,
		})
	case "daily":
		s.writeJSON(w, http.StatusOK, toBatchResponse(s.producer.GenerateDaily(ctx, now)))
	case "tomorrow":
		s.writeJSON(w, http.StatusOK, toBatchResponse(s.producer.GenerateTomorrow(ctx, now)))
	default:
		s.writeError(w, http.StatusBadRequest, domain.ErrInvalidMode.Error()+": "+req.Mode)
	}
}

func (s *Server) handleGetPepTalk(w http.ResponseWriter, r *http.Request) {
	talk, err := s.content.GetPepTalk(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "pep talk not found")
			return
		}
		s.log.Error("get pep talk failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, toPepTalkResponse(talk))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authorize admits only callers presenting the service key. It writes the
// rejection itself and reports whether the request may proceed.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.serviceKey == "" {
		s.log.Error("service key not configured")
		s.writeError(w, http.StatusInternalServerError, "backend configuration missing")
		return false
	}

	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		s.writeError(w, http.StatusUnauthorized, domain.ErrUnauthorized.Error())
		return false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.serviceKey)) != 1 {
		s.log.Warn("rejected caller without service key", "path", r.URL.Path)
		s.writeError(w, http.StatusForbidden, domain.ErrForbidden.Error())
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func toPepTalkResponse(talk *domain.PepTalk) *pepTalkResponse {
	if talk == nil {
		return nil
	}
	resp := &pepTalkResponse{
		ID:                      talk.ID,
		MentorSlug:              talk.MentorSlug,
		ForDate:                 talk.ForDate,
		TopicCategory:           talk.TopicCategory,
		Intensity:               talk.Intensity,
		EmotionalTriggers:       nonNil(talk.EmotionalTriggers),
		Title:                   talk.Title,
		Summary:                 talk.Summary,
		Script:                  talk.Script,
		AudioURL:                talk.AudioURL,
		Transcript:              nonNil(talk.Transcript),
		CreatedAt:               formatTime(talk.CreatedAt),
		TranscriptStatus:        string(talk.Job.Status),
		TranscriptAttemptCount:  talk.Job.AttemptCount,
		TranscriptNextRetryAt:   formatTimePtr(talk.Job.NextRetryAt),
		TranscriptLastAttemptAt: formatTimePtr(talk.Job.LastAttemptAt),
		TranscriptReadyAt:       formatTimePtr(talk.Job.ReadyAt),
	}
	if talk.Job.LastError != "" {
		msg := talk.Job.LastError
		resp.TranscriptLastError = &msg
	}
	return resp
}

func toBatchResponse(b producer.Batch) batchResponse {
	resp := batchResponse{
		Date:      b.Date,
		Generated: b.Count(producer.StatusGenerated),
		Existing:  b.Count(producer.StatusExisting),
		Skipped:   b.Count(producer.StatusSkipped),
		Errors:    b.Count(producer.StatusError),
		Results:   make([]batchResult, 0, len(b.Results)),
	}
	for _, r := range b.Results {
		item := batchResult{Mentor: r.Mentor, Status: r.Status, Transcript: r.Transcript, Error: r.Error}
		if r.PepTalk != nil {
			item.ID = r.PepTalk.ID
			item.Title = r.PepTalk.Title
			item.Category = r.PepTalk.TopicCategory
		}
		resp.Results = append(resp.Results, item)
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// track counts running handlers so Shutdown can wait for them.
func (s *Server) track(w http.ResponseWriter, r *http.Request) {
	s.inflight.Add(1)
	defer s.inflight.Done()
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Serve accepts connections on l.
func (s *Server) Serve(l net.Listener) error {
	return s.server.Serve(l)
}

// Shutdown stops accepting requests and waits for running handlers, even
// past ctx's deadline, so no handler outlives the store it writes to.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	s.inflight.Wait()
	return err
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}

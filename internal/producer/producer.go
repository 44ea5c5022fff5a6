// Package producer generates daily content and queues its transcript.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwygoda/transcriptd/internal/adapter/generator"
	"github.com/cwygoda/transcriptd/internal/domain"
	"github.com/google/uuid"
)

// Status is the per-mentor result of a generation workflow.
type Status string

const (
	StatusGenerated Status = "generated"
	StatusExisting  Status = "existing"
	StatusSkipped   Status = "skipped"
	StatusError     Status = "error"
)

// Attempter runs one claim, sync and persist cycle for a job.
type Attempter interface {
	Attempt(ctx context.Context, id string) (domain.Outcome, error)
}

// Result describes what happened for one mentor.
type Result struct {
	Mentor  string
	Status  Status
	PepTalk *domain.PepTalk
	// Transcript is the outcome of the inline sync attempt, if one was made.
	Transcript domain.Outcome
	Error      string
}

// Batch is the result of a multi-mentor workflow.
type Batch struct {
	Date    string
	Results []Result
}

// Count returns how many results have the given status.
func (b Batch) Count(s Status) int {
	var n int
	for _, r := range b.Results {
		if r.Status == s {
			n++
		}
	}
	return n
}

// Producer creates content records with a pending transcript job.
type Producer struct {
	store      domain.ContentStore
	generators *generator.Registry
	attempter  Attempter
	mentors    []domain.Mentor
	log        *slog.Logger
}

// New creates a producer. A nil attempter leaves every new job for the
// worker loop.
func New(store domain.ContentStore, generators *generator.Registry, attempter Attempter, mentors []domain.Mentor, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		store:      store,
		generators: generators,
		attempter:  attempter,
		mentors:    mentors,
		log:        logger.With("component", "producer"),
	}
}

// GenerateSingle produces today's content for one mentor, or returns the
// record that already exists.
func (p *Producer) GenerateSingle(ctx context.Context, mentorSlug string, now time.Time) (Result, error) {
	mentor, ok := p.mentor(mentorSlug)
	if !ok {
		return Result{Mentor: mentorSlug, Status: StatusError}, fmt.Errorf("%w: %s", domain.ErrUnknownMentor, mentorSlug)
	}
	return p.generate(ctx, mentor, now.UTC(), now)
}

// GenerateDaily produces today's content for every active mentor.
func (p *Producer) GenerateDaily(ctx context.Context, now time.Time) Batch {
	return p.generateAll(ctx, now.UTC(), now)
}

// GenerateTomorrow pre-generates tomorrow's content for every active mentor.
func (p *Producer) GenerateTomorrow(ctx context.Context, now time.Time) Batch {
	return p.generateAll(ctx, now.UTC().AddDate(0, 0, 1), now)
}

func (p *Producer) generateAll(ctx context.Context, day, now time.Time) Batch {
	batch := Batch{Date: day.Format(domain.DateLayout)}
	for _, mentor := range p.mentors {
		if !mentor.Active {
			continue
		}
		if ctx.Err() != nil {
			batch.Results = append(batch.Results, Result{Mentor: mentor.Slug, Status: StatusError, Error: ctx.Err().Error()})
			continue
		}
		res, err := p.generate(ctx, mentor, day, now)
		if errors.Is(err, domain.ErrNoThemes) {
			res.Status = StatusSkipped
		}
		if err != nil {
			res.Error = err.Error()
		}
		batch.Results = append(batch.Results, res)
	}
	p.log.Info("generation complete",
		"date", batch.Date,
		"generated", batch.Count(StatusGenerated),
		"existing", batch.Count(StatusExisting),
		"skipped", batch.Count(StatusSkipped),
		"errors", batch.Count(StatusError),
	)
	return batch
}

// generate runs the pipeline for one mentor and content date.
func (p *Producer) generate(ctx context.Context, mentor domain.Mentor, day, now time.Time) (Result, error) {
	forDate := day.Format(domain.DateLayout)
	log := p.log.With("mentor", mentor.Slug, "for_date", forDate)
	res := Result{Mentor: mentor.Slug, Status: StatusError}

	existing, err := p.store.FindPepTalk(ctx, mentor.Slug, forDate)
	switch {
	case err == nil:
		log.Info("content already exists", "id", existing.ID)
		return Result{Mentor: mentor.Slug, Status: StatusExisting, PepTalk: existing}, nil
	case !errors.Is(err, domain.ErrNotFound):
		return res, fmt.Errorf("check existing content: %w", err)
	}

	if len(mentor.Themes) == 0 {
		return res, fmt.Errorf("%w for mentor %s", domain.ErrNoThemes, mentor.Slug)
	}
	theme := mentor.Themes[day.YearDay()%len(mentor.Themes)]

	gen := p.generators.Match(mentor.Slug)
	if gen == nil {
		return res, fmt.Errorf("%w %s", domain.ErrNoGenerator, mentor.Slug)
	}

	log.Info("generating audio", "generator", gen.Name(), "topic", theme.TopicCategory, "intensity", theme.Intensity)
	audio, err := gen.Generate(ctx, domain.GenerationRequest{MentorSlug: mentor.Slug, ForDate: forDate, Theme: theme})
	if err != nil {
		return res, fmt.Errorf("generate audio: %w", err)
	}

	talk := &domain.PepTalk{
		ID:                uuid.NewString(),
		MentorSlug:        mentor.Slug,
		ForDate:           forDate,
		TopicCategory:     theme.TopicCategory,
		Intensity:         theme.Intensity,
		EmotionalTriggers: theme.Triggers,
		Title:             titleFor(theme.TopicCategory, day),
		Summary:           summaryFor(theme.TopicCategory),
		Script:            audio.Script,
		AudioURL:          audio.AudioURL,
		CreatedAt:         now,
		Job:               domain.NewJobState(now),
	}
	if err := p.store.CreatePepTalk(ctx, talk); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			if existing, ferr := p.store.FindPepTalk(ctx, mentor.Slug, forDate); ferr == nil {
				log.Info("content created concurrently", "id", existing.ID)
				return Result{Mentor: mentor.Slug, Status: StatusExisting, PepTalk: existing}, nil
			}
		}
		return res, fmt.Errorf("save content: %w", err)
	}
	log = log.With("id", talk.ID)
	log.Info("content created", "title", talk.Title)

	p.publish(ctx, log, mentor, talk)

	res = Result{Mentor: mentor.Slug, Status: StatusGenerated, PepTalk: talk}
	res.Transcript = p.syncInline(ctx, log, talk.ID)

	if fresh, err := p.store.GetPepTalk(ctx, talk.ID); err == nil {
		res.PepTalk = fresh
	}
	return res, nil
}

func (p *Producer) publish(ctx context.Context, log *slog.Logger, mentor domain.Mentor, talk *domain.PepTalk) {
	entry := &domain.LibraryEntry{
		ID:          uuid.NewString(),
		SourceID:    talk.ID,
		Title:       talk.Title,
		Description: talk.Summary,
		Quote:       quoteFrom(talk.Script),
		AudioURL:    talk.AudioURL,
		Category:    talk.TopicCategory,
		MentorSlug:  mentor.Slug,
		MentorName:  mentor.Name,
		ForDate:     talk.ForDate,
		CreatedAt:   talk.CreatedAt,
	}
	if err := p.store.PublishLibraryEntry(ctx, entry); err != nil {
		log.Warn("publish library entry failed", "error", err)
	}
}

// syncInline makes the eager first transcript attempt. Failures stay in the
// job state for the worker loop.
func (p *Producer) syncInline(ctx context.Context, log *slog.Logger, id string) domain.Outcome {
	if p.attempter == nil {
		return ""
	}
	outcome, err := p.attempter.Attempt(ctx, id)
	if err != nil {
		log.Warn("inline transcript sync not applied", "error", err)
		return outcome
	}
	log.Info("inline transcript sync", "outcome", outcome)
	return outcome
}

func (p *Producer) mentor(slug string) (domain.Mentor, bool) {
	for _, m := range p.mentors {
		if m.Slug == slug {
			return m, true
		}
	}
	return domain.Mentor{}, false
}

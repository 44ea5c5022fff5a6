// Package worker runs transcript sync passes over due jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cwygoda/transcriptd/internal/domain"
)

const (
	// ReclaimMessage is recorded on jobs returned from a stale processing state.
	ReclaimMessage = "Reclaimed after processing timeout"
	// InterruptedMessage is recorded on jobs released during shutdown.
	InterruptedMessage = "Interrupted before sync completed"

	persistTimeout = 30 * time.Second
)

// ErrNotPersisted is returned by Attempt when the decided state could not be
// written and the job fell back to the safety net.
var ErrNotPersisted = errors.New("job state not persisted")

// Options configures a Worker. Zero values take defaults.
type Options struct {
	Policy            domain.RetryPolicy
	Interval          time.Duration
	Limit             int
	Concurrency       int
	ProcessingTimeout time.Duration
	SafetyNetDelay    time.Duration
	RunOnStart        bool
	Logger            *slog.Logger
	Now               func() time.Time
}

// Worker claims due jobs, syncs them and persists the decided state.
type Worker struct {
	store  domain.JobStore
	syncer domain.TranscriptSyncer
	opts   Options
	log    *slog.Logger
}

// New creates a new worker.
func New(store domain.JobStore, syncer domain.TranscriptSyncer, opts Options) *Worker {
	if opts.Policy == (domain.RetryPolicy{}) {
		opts.Policy = domain.DefaultRetryPolicy()
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.SafetyNetDelay <= 0 {
		opts.SafetyNetDelay = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:  store,
		syncer: syncer,
		opts:   opts,
		log:    logger.With("component", "worker"),
	}
}

// Run starts the worker loop until context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker started", "interval", w.opts.Interval.String(), "concurrency", w.opts.Concurrency)
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	if w.opts.RunOnStart {
		w.tick(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker shutting down")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	var req Request
	if w.opts.Limit > 0 {
		limit := w.opts.Limit
		req.Limit = &limit
	}
	if _, err := w.RunPass(ctx, req); err != nil && ctx.Err() == nil {
		w.log.Error("pass failed", "error", err)
	}
}

// RunPass runs one bounded pass. Only selection and backfill failures are
// returned; per-job failures are folded into job state and the summary.
func (w *Worker) RunPass(ctx context.Context, req Request) (Summary, error) {
	in := req.normalize()
	now := w.now()

	summary := Summary{Mode: in.mode, Limit: in.limit}
	if in.mode == ModeBackfill {
		lookback := in.lookbackDays
		summary.LookbackDays = &lookback
	}

	summary.Reclaimed = w.reclaimStale(ctx, now)

	if in.mode == ModeBackfill {
		queued, err := w.backfill(ctx, now, in.lookbackDays, in.limit)
		if err != nil {
			return summary, err
		}
		summary.BackfillQueued = queued
	}

	jobs, err := w.store.FindDue(ctx, now, in.limit)
	if err != nil {
		return summary, fmt.Errorf("select due jobs: %w", err)
	}
	summary.Scanned = len(jobs)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, w.opts.Concurrency)
	)
	for _, job := range jobs {
		if ctx.Err() != nil {
			w.log.Info("pass interrupted before all due jobs were claimed")
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			res := w.process(ctx, id)

			mu.Lock()
			summary.add(res)
			mu.Unlock()
		}(job.ID)
	}
	wg.Wait()

	w.log.Info("pass complete",
		"mode", summary.Mode,
		"scanned", summary.Scanned,
		"attempted", summary.Attempted,
		"ready", summary.Ready,
		"retried", summary.Retried,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"backfill_queued", summary.BackfillQueued,
		"reclaimed", summary.Reclaimed,
	)
	return summary, nil
}

// Attempt claims and syncs a single job. Returns domain.ErrNotClaimed when
// the job was not pending and ErrNotPersisted when the decided state could
// not be written.
func (w *Worker) Attempt(ctx context.Context, id string) (domain.Outcome, error) {
	res := w.process(ctx, id)
	switch {
	case !res.attempted:
		return "", domain.ErrNotClaimed
	case !res.persisted:
		return res.decision.Outcome, ErrNotPersisted
	}
	return res.decision.Outcome, nil
}

func (w *Worker) reclaimStale(ctx context.Context, now time.Time) int {
	if w.opts.ProcessingTimeout <= 0 {
		return 0
	}
	n, err := w.store.ReclaimStale(ctx, now.Add(-w.opts.ProcessingTimeout), ReclaimMessage, now)
	if err != nil {
		w.log.Warn("reclaim stale jobs failed", "error", err)
		return 0
	}
	if n > 0 {
		w.log.Info("reclaimed stale jobs", "count", n, "timeout", w.opts.ProcessingTimeout.String())
	}
	return int(n)
}

func (w *Worker) backfill(ctx context.Context, now time.Time, lookbackDays, limit int) (int, error) {
	since := now.UTC().AddDate(0, 0, -lookbackDays).Format(domain.DateLayout)
	ids, err := w.store.FindFailedSince(ctx, since, limit)
	if err != nil {
		return 0, fmt.Errorf("select failed jobs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := w.store.Reactivate(ctx, ids, now)
	if err != nil {
		return 0, fmt.Errorf("reactivate failed jobs: %w", err)
	}
	w.log.Info("backfill queued", "count", n, "since", since)
	return int(n), nil
}

type result struct {
	attempted bool
	persisted bool
	decision  domain.Decision
}

func (s *Summary) add(r result) {
	if !r.attempted {
		s.Skipped++
		return
	}
	s.Attempted++
	if !r.persisted {
		s.Skipped++
		return
	}
	switch r.decision.Outcome {
	case domain.OutcomeReady:
		s.Ready++
	case domain.OutcomeFailed:
		s.Failed++
	default:
		s.Retried++
		s.NextRetryQueued++
	}
}

func (w *Worker) process(ctx context.Context, id string) result {
	log := w.log.With("job_id", id)

	job, err := w.store.Claim(ctx, id, w.now())
	if errors.Is(err, domain.ErrNotClaimed) {
		log.Debug("claim lost")
		return result{}
	}
	if err != nil {
		log.Warn("claim failed", "error", err)
		return result{}
	}

	payload, syncErr := w.syncer.Sync(ctx, id)

	// The write-back must survive cancellation or the claim is stranded.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if syncErr != nil && ctx.Err() != nil {
		now := w.now()
		if err := w.store.ForcePending(writeCtx, id, now, InterruptedMessage, now); err != nil {
			log.Error("release interrupted job failed", "error", err)
		}
		return result{attempted: true}
	}

	var syncMessage string
	if syncErr != nil {
		syncMessage = syncErr.Error()
	}
	decision := w.opts.Policy.DecideOutcome(job.AttemptCount, payload, syncMessage, w.now())
	log = log.With("attempt", decision.Update.AttemptCount, "outcome", decision.Outcome)

	if err := w.store.Persist(writeCtx, id, decision.Update, decision.Transcript); err != nil {
		if errors.Is(err, domain.ErrNotClaimed) {
			log.Warn("job changed while processing, result dropped")
			return result{attempted: true, decision: decision}
		}
		w.safetyNet(writeCtx, log, id, err)
		return result{attempted: true, decision: decision}
	}

	switch decision.Outcome {
	case domain.OutcomeReady:
		log.Info("transcript ready", "reason", decision.Reason)
	case domain.OutcomeFailed:
		log.Warn("transcript sync exhausted", "reason", decision.Reason)
	default:
		log.Info("transcript sync retry scheduled", "reason", decision.Reason, "next_retry_at", decision.Update.NextRetryAt)
	}
	return result{attempted: true, persisted: true, decision: decision}
}

func (w *Worker) safetyNet(ctx context.Context, log *slog.Logger, id string, cause error) {
	log.Error("persist job state failed", "error", cause)
	now := w.now()
	reason := "State persistence error: " + cause.Error()
	if err := w.store.ForcePending(ctx, id, now.Add(w.opts.SafetyNetDelay), reason, now); err != nil {
		log.Error("safety net failed, job left processing", "error", err)
	}
}

func (w *Worker) now() time.Time {
	return w.opts.Now().UTC()
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ops-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ops-orchestrator/internal/domain"
)

const maxErrorRunes = 2000

// RunnerConfig tunes retry and execution behavior.
type RunnerConfig struct {
	WorkerName string
	RetryBase  time.Duration
	RetryMax   time.Duration
	JobTimeout time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.WorkerName == "" {
		c.WorkerName = "integrations-worker"
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 300 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 600 * time.Second
	}
	return c
}

// Runner executes delivered job ids: claim, invoke, settle.
type Runner struct {
	jobs     domain.JobRepository
	queue    domain.Queue
	registry *Registry
	cfg      RunnerConfig
	clock    domain.Clock
}

// NewRunner constructs a Runner.
func NewRunner(jobs domain.JobRepository, queue domain.Queue, registry *Registry, cfg RunnerConfig) *Runner {
	return &Runner{
		jobs:     jobs,
		queue:    queue,
		registry: registry,
		cfg:      cfg.withDefaults(),
		clock:    domain.ClockFunc(time.Now),
	}
}

// RetryDelay is min(base * 2^(attempt-1), max) for attempt >= 1.
func (r *Runner) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := r.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.cfg.RetryMax {
			return r.cfg.RetryMax
		}
	}
	if d > r.cfg.RetryMax {
		return r.cfg.RetryMax
	}
	return d
}

// Run processes one delivered job id. Deliveries for absent, terminal,
// or foreign-locked jobs are skipped without error: the broker is only
// a hint, the ledger decides.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	job, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		if isNotFound(err) {
			slog.Warn("skipping delivered job: not found", slog.String("job_id", jobID))
			return nil
		}
		return fmt.Errorf("op=runner.run: %w", err)
	}
	if job.Status.Terminal() {
		slog.Info("skipping delivered job: already terminal",
			slog.String("job_id", jobID), slog.String("status", string(job.Status)))
		return nil
	}
	if job.Status == domain.JobRunning && job.LockedBy != r.cfg.WorkerName {
		slog.Warn("skipping delivered job: locked by another worker",
			slog.String("job_id", jobID), slog.String("locked_by", job.LockedBy))
		return nil
	}

	handler, ok := r.registry.Resolve(job.Type)
	if !ok {
		msg := truncateError("unknown-type: " + job.Type)
		slog.Error("dead-lettering job with unknown type",
			slog.String("job_id", jobID), slog.String("type", job.Type))
		if err := r.jobs.MarkDead(ctx, jobID, msg); err != nil {
			return fmt.Errorf("op=runner.run: %w", err)
		}
		return nil
	}

	claimed, err := r.jobs.MarkRunning(ctx, jobID, r.cfg.WorkerName)
	if err != nil {
		return fmt.Errorf("op=runner.run: %w", err)
	}
	if !claimed {
		slog.Info("skipping delivered job: lost claim", slog.String("job_id", jobID))
		return nil
	}

	observability.JobsRunning.WithLabelValues(job.Type).Inc()
	started := r.clock.Now()
	result, runErr := r.invoke(ctx, job, handler)
	observability.JobsRunning.WithLabelValues(job.Type).Dec()
	observability.JobDuration.WithLabelValues(job.Type).Observe(r.clock.Now().Sub(started).Seconds())
	if runErr == nil {
		if err := r.jobs.MarkSucceeded(ctx, jobID, result); err != nil {
			return fmt.Errorf("op=runner.run: %w", err)
		}
		observability.JobsCompletedTotal.WithLabelValues(job.Type, string(domain.JobSucceeded)).Inc()
		slog.Info("job completed", slog.String("job_id", jobID), slog.String("type", job.Type))
		return nil
	}

	nextAttempt := job.Attempts + 1
	errMsg := truncateError(runErr.Error())
	slog.Error("job attempt failed",
		slog.String("job_id", jobID),
		slog.String("type", job.Type),
		slog.Int("attempt", nextAttempt),
		slog.String("error", errMsg))

	if nextAttempt >= job.MaxAttempts {
		if err := r.jobs.MarkDead(ctx, jobID, errMsg); err != nil {
			return fmt.Errorf("op=runner.run: %w", err)
		}
		observability.JobsCompletedTotal.WithLabelValues(job.Type, string(domain.JobDead)).Inc()
		return nil
	}

	observability.JobRetriesTotal.WithLabelValues(job.Type).Inc()
	delay := r.RetryDelay(nextAttempt)
	retryAt := r.clock.Now().Add(delay)
	if err := r.jobs.MarkRetry(ctx, jobID, errMsg, retryAt); err != nil {
		return fmt.Errorf("op=runner.run: %w", err)
	}
	if err := r.queue.Enqueue(ctx, jobID, job.QueueName, &retryAt); err != nil {
		// The sweeper re-dispatches once run_after passes.
		slog.Warn("retry redispatch failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
	return nil
}

// invoke runs the handler under the per-job timeout. A timeout counts
// as an attempt failure like any other handler error.
func (r *Runner) invoke(ctx context.Context, job domain.Job, handler HandlerFunc) (any, error) {
	var payload domain.JobPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("invalid-payload: %w", err)
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := handler(runCtx, payload.Args, payload.Kwargs)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("handler-error: %w", out.err)
		}
		return out.result, nil
	case <-runCtx.Done():
		return nil, fmt.Errorf("timeout: job exceeded %s", r.cfg.JobTimeout)
	}
}

func truncateError(s string) string {
	runes := []rune(s)
	if len(runes) <= maxErrorRunes {
		return s
	}
	return string(runes[:maxErrorRunes])
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

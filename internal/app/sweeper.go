package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ops-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ops-orchestrator/internal/domain"
)

// Sweeper periodically re-dispatches due jobs whose broker delivery was
// lost: queued or failed rows past run_after that have not been touched
// within the grace window. It also reclaims running rows whose lock is
// older than stuckAfter, where the worker died between claiming and
// settling. Re-dispatching an already-delivered id is harmless, the
// runner's claim settles the race.
type Sweeper struct {
	jobs       domain.JobRepository
	queue      domain.Queue
	interval   time.Duration
	grace      time.Duration
	stuckAfter time.Duration
	batch      int
}

// NewSweeper constructs a Sweeper.
func NewSweeper(jobs domain.JobRepository, queue domain.Queue, interval, grace, stuckAfter time.Duration, batch int) *Sweeper {
	if jobs == nil || queue == nil {
		return nil
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if grace <= 0 {
		grace = time.Minute
	}
	if stuckAfter <= 0 {
		stuckAfter = 15 * time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{jobs: jobs, queue: queue, interval: interval, grace: grace, stuckAfter: stuckAfter, batch: batch}
}

// Run sweeps until ctx is done. Safe on a nil receiver.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "Sweeper.sweepOnce")
	defer span.End()
	span.SetAttributes(
		attribute.Int("jobs.batch", s.batch),
		attribute.Float64("jobs.grace_seconds", s.grace.Seconds()),
	)

	now := time.Now()
	reaped, err := s.jobs.ReapStuck(ctx, now, s.stuckAfter, s.batch)
	if err != nil {
		span.RecordError(err)
		slog.Error("sweep failed to reap stuck jobs", slog.Any("error", err))
	}
	for _, j := range reaped {
		slog.Warn("reclaimed stuck job",
			slog.String("job_id", j.ID), slog.String("type", j.Type), slog.String("locked_by", j.LockedBy))
		observability.JobsReapedTotal.Inc()
	}

	due, err := s.jobs.ListDue(ctx, now, s.grace, s.batch)
	if err != nil {
		span.RecordError(err)
		slog.Error("sweep failed to list due jobs", slog.Any("error", err))
		return
	}
	requeued := 0
	for _, j := range append(reaped, due...) {
		if err := s.queue.Enqueue(ctx, j.ID, j.QueueName, nil); err != nil {
			slog.Warn("sweep redispatch failed",
				slog.String("job_id", j.ID), slog.String("type", j.Type), slog.Any("error", err))
			continue
		}
		requeued++
		observability.SweeperRequeuedTotal.Inc()
	}
	span.SetAttributes(
		attribute.Int("jobs.reaped", len(reaped)),
		attribute.Int("jobs.due", len(due)),
		attribute.Int("jobs.requeued", requeued),
	)
	if requeued > 0 {
		slog.Info("sweep re-dispatched jobs", slog.Int("count", requeued))
	}
}

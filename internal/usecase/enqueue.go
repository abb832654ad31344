// Package usecase contains the application services tying the HTTP
// surface, the ledger, the broker, and the auth/audit stores together.
package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ops-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ops-orchestrator/internal/domain"
)

// EnqueueRequest describes one job to create.
type EnqueueRequest struct {
	Type           string
	Queue          string
	Args           []any
	Kwargs         map[string]any
	IdempotencyKey string
	MaxAttempts    int
	RunAfter       *time.Time
}

// EnqueueResult reports the ledger outcome.
type EnqueueResult struct {
	JobID   string
	Created bool
}

// EnqueueService creates jobs in the ledger and hands new ones to the
// broker.
type EnqueueService struct {
	Jobs        domain.JobRepository
	Queue       domain.Queue
	MaxAttempts int
}

// NewEnqueueService constructs an EnqueueService. maxAttempts is the
// default for jobs that do not set their own.
func NewEnqueueService(jobs domain.JobRepository, queue domain.Queue, maxAttempts int) *EnqueueService {
	if maxAttempts < 1 {
		maxAttempts = 8
	}
	return &EnqueueService{Jobs: jobs, Queue: queue, MaxAttempts: maxAttempts}
}

// Enqueue creates (or reuses) a job row, then dispatches the id only
// when the row is new. A broker failure does not fail the enqueue: the
// job is durably recorded and the sweeper re-dispatches it.
func (s *EnqueueService) Enqueue(ctx domain.Context, req EnqueueRequest) (EnqueueResult, error) {
	tracer := otel.Tracer("usecase.enqueue")
	ctx, span := tracer.Start(ctx, "enqueue.Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("job.type", req.Type))

	if req.Type == "" {
		return EnqueueResult{}, fmt.Errorf("op=enqueue: job type is required: %w", domain.ErrInvalidArgument)
	}
	payload, err := domain.EncodePayload(req.Args, req.Kwargs)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("op=enqueue: %w", err)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = s.MaxAttempts
	}
	id, created, err := s.Jobs.Create(ctx, domain.Job{
		Type:           req.Type,
		QueueName:      req.Queue,
		Payload:        payload,
		IdempotencyKey: req.IdempotencyKey,
		MaxAttempts:    maxAttempts,
		RunAfter:       req.RunAfter,
	})
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("op=enqueue: %w", err)
	}
	if created {
		observability.JobsEnqueuedTotal.WithLabelValues(req.Type).Inc()
		if err := s.Queue.Enqueue(ctx, id, req.Queue, req.RunAfter); err != nil {
			slog.Warn("dispatch failed, sweeper will recover",
				slog.String("job_id", id),
				slog.String("type", req.Type),
				slog.Any("error", err))
		}
	} else {
		slog.Debug("enqueue collapsed onto existing job",
			slog.String("job_id", id),
			slog.String("idempotency_key", req.IdempotencyKey))
	}
	return EnqueueResult{JobID: id, Created: created}, nil
}

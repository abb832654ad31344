package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnavailable     = errors.New("unavailable")
	ErrInternal        = errors.New("internal error")
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobDead      JobStatus = "dead"
	JobCanceled  JobStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobDead, JobCanceled:
		return true
	}
	return false
}

// ParseJobStatus coerces a stored status string. Unknown values map to
// JobFailed so a bad row stays retryable instead of wedging the runner;
// the second return tells the caller to log the coercion.
func ParseJobStatus(s string) (JobStatus, bool) {
	switch st := JobStatus(s); st {
	case JobQueued, JobRunning, JobSucceeded, JobFailed, JobDead, JobCanceled:
		return st, true
	}
	return JobFailed, false
}

// Job is one row of the durable ledger. Payload is a JSON object with
// "args" and "kwargs" keys set at enqueue time; "result" is merged in on
// success. IdempotencyKey is unique across the table.
type Job struct {
	ID             string
	Type           string
	QueueName      string
	Status         JobStatus
	Payload        json.RawMessage
	IdempotencyKey string
	Attempts       int
	MaxAttempts    int
	LastError      string
	RunAfter       *time.Time
	LockedAt       *time.Time
	LockedBy       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JobPayload is the canonical shape of Job.Payload.
type JobPayload struct {
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
	Result any            `json:"result,omitempty"`
}

// EncodePayload builds the payload JSON stored with a new job.
func EncodePayload(args []any, kwargs map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	b, err := json.Marshal(JobPayload{Args: args, Kwargs: kwargs})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// JobRepository is the durable ledger port. Create is idempotent on
// IdempotencyKey: when a row with the same key exists, the existing job
// id is returned with created=false and nothing is written.
type JobRepository interface {
	Create(ctx Context, j Job) (id string, created bool, err error)
	Get(ctx Context, id string) (Job, error)
	// MarkRunning claims the job for workerID. A false return means the
	// claim was lost (row gone, terminal, or already claimed).
	MarkRunning(ctx Context, id, workerID string) (bool, error)
	MarkSucceeded(ctx Context, id string, result any) error
	MarkRetry(ctx Context, id, errMsg string, runAfter time.Time) error
	MarkDead(ctx Context, id, errMsg string) error
	Cancel(ctx Context, id string) error
	// ListDue returns queued/failed jobs whose run_after has passed (or is
	// unset) and whose updated_at is older than grace, for sweeping.
	ListDue(ctx Context, now time.Time, grace time.Duration, limit int) ([]Job, error)
	// ReapStuck returns running jobs whose lock is older than lease to
	// queued, clears the lock, and reports the reclaimed jobs so the
	// caller can re-dispatch them.
	ReapStuck(ctx Context, now time.Time, lease time.Duration, limit int) ([]Job, error)
}

// Queue dispatches job ids to workers over named queues; an empty queue
// routes to the default. runAt, when non-nil and in the future, delays
// delivery; early delivery is forbidden, late delivery is tolerated (the
// sweeper re-dispatches).
type Queue interface {
	Enqueue(ctx Context, jobID, queue string, runAt *time.Time) error
}

// Clock is injected where tests need deterministic time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a func to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context

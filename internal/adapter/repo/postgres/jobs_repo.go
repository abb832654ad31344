package postgres

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ops-orchestrator/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, type, queue_name, status, payload, COALESCE(idempotency_key,''), attempts, max_attempts, COALESCE(last_error,''), run_after, locked_at, COALESCE(locked_by,''), created_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var status string
	err := row.Scan(&j.ID, &j.Type, &j.QueueName, &status, &j.Payload, &j.IdempotencyKey,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &j.RunAfter, &j.LockedAt, &j.LockedBy,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	st, known := domain.ParseJobStatus(status)
	if !known {
		slog.Warn("unknown job status from db, coercing to failed", slog.String("job_id", j.ID), slog.String("status", status))
	}
	j.Status = st
	return j, nil
}

// nullable maps "" to NULL so empty strings never collide on unique columns.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Create inserts a new job, or returns the existing job id when the
// idempotency key is already taken (created=false, nothing written).
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "jobs"),
		attribute.String("job.type", j.Type),
	)
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	queue := j.QueueName
	if queue == "" {
		queue = "jobs.default"
	}
	q := `INSERT INTO jobs (id, type, queue_name, status, payload, idempotency_key, attempts, max_attempts, run_after)
	      VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8)
	      ON CONFLICT (idempotency_key) DO NOTHING
	      RETURNING id`
	row := r.Pool.QueryRow(ctx, q, id, j.Type, queue, domain.JobQueued, j.Payload, nullable(j.IdempotencyKey), j.MaxAttempts, j.RunAfter)
	var created string
	err := row.Scan(&created)
	if err == nil {
		return created, true, nil
	}
	if err != pgx.ErrNoRows {
		return "", false, fmt.Errorf("op=job.create: %w", err)
	}
	if j.IdempotencyKey == "" {
		return "", false, fmt.Errorf("op=job.create: insert returned no row without idempotency key")
	}
	var existing string
	if err := r.Pool.QueryRow(ctx, `SELECT id FROM jobs WHERE idempotency_key=$1`, j.IdempotencyKey).Scan(&existing); err != nil {
		if err == pgx.ErrNoRows {
			return "", false, fmt.Errorf("op=job.create: duplicate key but existing row not found: %w", domain.ErrConflict)
		}
		return "", false, fmt.Errorf("op=job.create: %w", err)
	}
	return existing, false, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// MarkRunning claims the job for workerID. The claim is a conditional
// update; zero rows means another worker won or the job moved on, which
// the caller treats as a skip, not an error.
func (r *JobRepo) MarkRunning(ctx domain.Context, id, workerID string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkRunning")
	defer span.End()
	q := `UPDATE jobs
	      SET status=$2, locked_at=NOW(), locked_by=$3, run_after=NULL, last_error=NULL
	      WHERE id=$1 AND status IN ($4,$5)`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobRunning, workerID, domain.JobQueued, domain.JobFailed)
	if err != nil {
		return false, fmt.Errorf("op=job.mark_running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSucceeded records success, merging result into payload under the
// "result" key. Terminal rows are never rewritten.
func (r *JobRepo) MarkSucceeded(ctx domain.Context, id string, result any) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkSucceeded")
	defer span.End()
	resJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("op=job.mark_succeeded: %w", err)
	}
	q := `UPDATE jobs
	      SET status=$2, payload=jsonb_set(payload, '{result}', $3::jsonb, true),
	          locked_at=NULL, locked_by=NULL, run_after=NULL, last_error=NULL
	      WHERE id=$1 AND status NOT IN ($4,$5,$6)`
	if _, err := r.Pool.Exec(ctx, q, id, domain.JobSucceeded, resJSON,
		domain.JobSucceeded, domain.JobDead, domain.JobCanceled); err != nil {
		return fmt.Errorf("op=job.mark_succeeded: %w", err)
	}
	return nil
}

// MarkRetry records a failed attempt and schedules the next one.
func (r *JobRepo) MarkRetry(ctx domain.Context, id, errMsg string, runAfter time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkRetry")
	defer span.End()
	q := `UPDATE jobs
	      SET status=$2, attempts=attempts+1, last_error=$3, run_after=$4,
	          locked_at=NULL, locked_by=NULL
	      WHERE id=$1 AND status NOT IN ($5,$6,$7)`
	if _, err := r.Pool.Exec(ctx, q, id, domain.JobFailed, errMsg, runAfter,
		domain.JobSucceeded, domain.JobDead, domain.JobCanceled); err != nil {
		return fmt.Errorf("op=job.mark_retry: %w", err)
	}
	return nil
}

// MarkDead moves the job to its terminal dead state.
func (r *JobRepo) MarkDead(ctx domain.Context, id, errMsg string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkDead")
	defer span.End()
	q := `UPDATE jobs
	      SET status=$2, attempts=attempts+1, last_error=$3, run_after=NULL,
	          locked_at=NULL, locked_by=NULL
	      WHERE id=$1 AND status NOT IN ($4,$5,$6)`
	if _, err := r.Pool.Exec(ctx, q, id, domain.JobDead, errMsg,
		domain.JobSucceeded, domain.JobDead, domain.JobCanceled); err != nil {
		return fmt.Errorf("op=job.mark_dead: %w", err)
	}
	return nil
}

// Cancel stops a job that has not started running. Running or terminal
// jobs cannot be canceled.
func (r *JobRepo) Cancel(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Cancel")
	defer span.End()
	q := `UPDATE jobs SET status=$2, run_after=NULL WHERE id=$1 AND status IN ($3,$4)`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobCanceled, domain.JobQueued, domain.JobFailed)
	if err != nil {
		return fmt.Errorf("op=job.cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.cancel: %w", domain.ErrConflict)
	}
	return nil
}

// ListDue returns queued/failed jobs ready to run whose last update is
// older than grace. The sweeper uses this to re-dispatch deliveries the
// broker lost.
func (r *JobRepo) ListDue(ctx domain.Context, now time.Time, grace time.Duration, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListDue")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs
	      WHERE status IN ($1,$2)
	        AND (run_after IS NULL OR run_after <= $3)
	        AND updated_at <= $4
	      ORDER BY updated_at ASC
	      LIMIT $5`
	rows, err := r.Pool.Query(ctx, q, domain.JobQueued, domain.JobFailed, now, now.Add(-grace), limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_due: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_due: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_due: %w", err)
	}
	return out, nil
}

// ReapStuck reclaims running jobs whose lock is older than lease: the
// worker died between claiming and settling, so the row goes back to
// queued with the lock cleared. The reclaimed jobs are returned for
// re-dispatch. The attempt is not counted; MarkRunning already reset
// run_after, so the job is immediately due again.
func (r *JobRepo) ReapStuck(ctx domain.Context, now time.Time, lease time.Duration, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ReapStuck")
	defer span.End()
	span.SetAttributes(attribute.Float64("jobs.lease_seconds", lease.Seconds()))
	q := `UPDATE jobs
	      SET status=$1, locked_at=NULL, locked_by=NULL
	      WHERE id IN (
	          SELECT id FROM jobs
	          WHERE status=$2 AND locked_at IS NOT NULL AND locked_at <= $3
	          ORDER BY locked_at ASC
	          LIMIT $4
	          FOR UPDATE SKIP LOCKED
	      )
	      RETURNING ` + jobColumns
	rows, err := r.Pool.Query(ctx, q, domain.JobQueued, domain.JobRunning, now.Add(-lease), limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.reap_stuck: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.reap_stuck: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.reap_stuck: %w", err)
	}
	return out, nil
}

package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ops-orchestrator/internal/domain"
)

// RunRepo is the resume processing ledger.
type RunRepo struct{ Pool PgxPool }

// NewRunRepo constructs a RunRepo with the given pool.
func NewRunRepo(p PgxPool) *RunRepo { return &RunRepo{Pool: p} }

// Record upserts one processing attempt on the composite key, so reruns
// with the same extractor/model overwrite the previous outcome.
func (r *RunRepo) Record(ctx domain.Context, run domain.ProcessingRun) error {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Record")
	defer span.End()
	q := `INSERT INTO resume_processing_runs (contact_id, attachment_id, content_hash, extractor_version, model_name, status, last_error, processed_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
	      ON CONFLICT ON CONSTRAINT pk_resume_processing_runs DO UPDATE
	      SET content_hash = EXCLUDED.content_hash,
	          status = EXCLUDED.status,
	          last_error = EXCLUDED.last_error,
	          processed_at = NOW()`
	_, err := r.Pool.Exec(ctx, q, run.ContactID, run.AttachmentID, nullable(run.ContentHash),
		run.ExtractorVersion, run.ModelName, run.Status, nullable(run.LastError))
	if err != nil {
		return fmt.Errorf("op=run.record: %w", err)
	}
	return nil
}

// Find loads one attempt by its composite key.
func (r *RunRepo) Find(ctx domain.Context, contactID, attachmentID, extractorVersion, model string) (domain.ProcessingRun, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Find")
	defer span.End()
	q := `SELECT contact_id, attachment_id, COALESCE(content_hash,''), extractor_version, model_name, status, COALESCE(last_error,''), processed_at
	      FROM resume_processing_runs
	      WHERE contact_id=$1 AND attachment_id=$2 AND extractor_version=$3 AND model_name=$4`
	var run domain.ProcessingRun
	err := r.Pool.QueryRow(ctx, q, contactID, attachmentID, extractorVersion, model).Scan(
		&run.ContactID, &run.AttachmentID, &run.ContentHash, &run.ExtractorVersion,
		&run.ModelName, &run.Status, &run.LastError, &run.ProcessedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ProcessingRun{}, fmt.Errorf("op=run.find: %w", domain.ErrNotFound)
		}
		return domain.ProcessingRun{}, fmt.Errorf("op=run.find: %w", err)
	}
	return run, nil
}

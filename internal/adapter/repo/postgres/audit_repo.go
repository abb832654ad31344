package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ops-orchestrator/internal/domain"
)

// AuditRepo appends and lists audit events.
type AuditRepo struct{ Pool PgxPool }

// NewAuditRepo constructs an AuditRepo with the given pool.
func NewAuditRepo(p PgxPool) *AuditRepo { return &AuditRepo{Pool: p} }

// resolvePersonID maps the actor identity onto the people cache. A miss
// is not an error: the event is still recorded without a person link.
func (r *AuditRepo) resolvePersonID(ctx domain.Context, provider domain.ActorProvider, subject string) (*string, error) {
	var q string
	var args []any
	if provider == domain.ActorProviderChat {
		q = `SELECT id FROM people WHERE chat_user_id=$1 LIMIT 1`
		args = []any{subject}
	} else {
		q = `SELECT id FROM people WHERE lower(org_email)=$1 OR lower(email)=$1 LIMIT 1`
		args = []any{subject}
	}
	var id string
	if err := r.Pool.QueryRow(ctx, q, args...).Scan(&id); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &id, nil
}

// Insert appends one audit event, resolving PersonID from the actor
// when it is not already set. Returns the stored event.
func (r *AuditRepo) Insert(ctx domain.Context, e domain.AuditEvent) (domain.AuditEvent, error) {
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.Insert")
	defer span.End()
	if err := e.Validate(); err != nil {
		return domain.AuditEvent{}, fmt.Errorf("op=audit.insert: %w", err)
	}
	subject, err := domain.NormalizeActorSubject(e.ActorProvider, e.ActorSubject)
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("op=audit.insert: %w", err)
	}
	e.ActorSubject = subject
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	personID := nullable(e.PersonID)
	if personID == nil {
		personID, err = r.resolvePersonID(ctx, e.ActorProvider, subject)
		if err != nil {
			return domain.AuditEvent{}, fmt.Errorf("op=audit.insert: %w", err)
		}
	}
	if personID != nil {
		e.PersonID = *personID
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("op=audit.insert: %w", err)
	}
	q := `INSERT INTO audit_events (id, occurred_at, source, action, resource_type, resource_id, result, actor_provider, actor_subject, actor_display_name, person_id, correlation_id, metadata)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err = r.Pool.Exec(ctx, q, e.ID, e.OccurredAt, e.Source, e.Action,
		nullable(e.ResourceType), nullable(e.ResourceID), e.Result, e.ActorProvider,
		e.ActorSubject, nullable(e.ActorDisplayName), personID, nullable(e.CorrelationID), metaJSON)
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("op=audit.insert: %w", err)
	}
	return e, nil
}

// List returns recent events newest first, narrowed by filter.
func (r *AuditRepo) List(ctx domain.Context, f domain.AuditFilter) ([]domain.AuditEvent, error) {
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.List")
	defer span.End()
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id, occurred_at, source, action, COALESCE(resource_type,''), COALESCE(resource_id,''), result, actor_provider, actor_subject, COALESCE(actor_display_name,''), COALESCE(person_id::text,''), COALESCE(correlation_id,''), metadata
	      FROM audit_events
	      WHERE ($1 = '' OR source = $1)
	        AND ($2 = '' OR action = $2)
	        AND ($3 = '' OR result = $3)
	      ORDER BY occurred_at DESC
	      LIMIT $4`
	rows, err := r.Pool.Query(ctx, q, string(f.Source), f.Action, string(f.Result), limit)
	if err != nil {
		return nil, fmt.Errorf("op=audit.list: %w", err)
	}
	defer rows.Close()
	var out []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var meta []byte
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Source, &e.Action, &e.ResourceType,
			&e.ResourceID, &e.Result, &e.ActorProvider, &e.ActorSubject,
			&e.ActorDisplayName, &e.PersonID, &e.CorrelationID, &meta); err != nil {
			return nil, fmt.Errorf("op=audit.list: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("op=audit.list: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=audit.list: %w", err)
	}
	return out, nil
}

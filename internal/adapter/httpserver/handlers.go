package httpserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fairyhunter13/ops-orchestrator/internal/config"
	"github.com/fairyhunter13/ops-orchestrator/internal/domain"
	"github.com/fairyhunter13/ops-orchestrator/internal/usecase"
)

// ReadyCheck probes one dependency for /readyz.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server bundles handler dependencies.
type Server struct {
	Cfg         config.Config
	Enqueue     *usecase.EnqueueService
	Jobs        domain.JobRepository
	Audit       *usecase.AuditService
	Auth        *usecase.AuthService
	ReadyChecks []ReadyCheck
}

// NewServer constructs a Server.
func NewServer(cfg config.Config, enq *usecase.EnqueueService, jobs domain.JobRepository, audit *usecase.AuditService, auth *usecase.AuthService, checks ...ReadyCheck) *Server {
	return &Server{Cfg: cfg, Enqueue: enq, Jobs: jobs, Audit: audit, Auth: auth, ReadyChecks: checks}
}

// HealthzHandler reports process liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes every dependency; any failure answers 503 with
// the failing component named.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		status := map[string]string{}
		healthy := true
		for _, c := range s.ReadyChecks {
			if err := c.Check(ctx); err != nil {
				status[c.Name] = err.Error()
				healthy = false
			} else {
				status[c.Name] = "ok"
			}
		}
		if !healthy {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "checks": status})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "checks": status})
	}
}

type enqueueBody struct {
	Args           []any          `json:"args"`
	Kwargs         map[string]any `json:"kwargs"`
	Queue          string         `json:"queue"`
	IdempotencyKey string         `json:"idempotency_key"`
	MaxAttempts    int            `json:"max_attempts"`
	RunAfter       *time.Time     `json:"run_after"`
}

// EnqueueJobHandler creates a job of the path's type. Answers 202 with
// the job id; a repeated idempotency key returns the original id with
// created=false.
func (s *Server) EnqueueJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobType := chi.URLParam(r, "type")
		var body enqueueBody
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeError(w, r, fmt.Errorf("invalid json body: %w", domain.ErrInvalidArgument), nil)
				return
			}
		}
		res, err := s.Enqueue.Enqueue(r.Context(), usecase.EnqueueRequest{
			Type:           jobType,
			Queue:          body.Queue,
			Args:           body.Args,
			Kwargs:         body.Kwargs,
			IdempotencyKey: body.IdempotencyKey,
			MaxAttempts:    body.MaxAttempts,
			RunAfter:       body.RunAfter,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": res.JobID, "created": res.Created})
	}
}

type jobView struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Queue       string          `json:"queue,omitempty"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	RunAfter    *time.Time      `json:"run_after,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func toJobView(j domain.Job) jobView {
	return jobView{
		ID:          j.ID,
		Type:        j.Type,
		Queue:       j.QueueName,
		Status:      string(j.Status),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		LastError:   j.LastError,
		RunAfter:    j.RunAfter,
		Payload:     j.Payload,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

// GetJobHandler returns one ledger row.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobView(job))
	}
}

// CancelJobHandler cancels a queued or failed job. A job that already
// ran (or is running) answers 409.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Jobs.Cancel(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": string(domain.JobCanceled)})
	}
}

// WebhookHandler accepts an external event and enqueues its
// normalization job. The event identifier keys idempotency, so provider
// redeliveries collapse onto one job. Providers name the identifier
// differently: the X-Event-Id header wins, then the "id" field, then
// "event_id". An event carrying none of them is still accepted, deduped
// on a hash of the body so byte-identical redeliveries collapse too.
func (s *Server) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source := chi.URLParam(r, "source")
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, r, fmt.Errorf("unreadable body: %w", domain.ErrInvalidArgument), nil)
			return
		}
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			writeError(w, r, fmt.Errorf("invalid json body: %w", domain.ErrInvalidArgument), nil)
			return
		}
		eventID := r.Header.Get("X-Event-Id")
		if eventID == "" {
			eventID, _ = payload["id"].(string)
		}
		if eventID == "" {
			eventID, _ = payload["event_id"].(string)
		}
		if eventID == "" {
			sum := sha256.Sum256(raw)
			eventID = "sha256:" + hex.EncodeToString(sum[:])
		}
		res, err := s.Enqueue.Enqueue(r.Context(), usecase.EnqueueRequest{
			Type:           "webhook.normalize",
			Kwargs:         map[string]any{"source": source, "event_id": eventID, "payload": payload},
			IdempotencyKey: fmt.Sprintf("webhook:%s:%s", source, eventID),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": res.JobID, "created": res.Created})
	}
}

type peopleSyncBody struct {
	Limit int `json:"limit"`
}

// PeopleSyncHandler triggers a full people cache refresh job.
func (s *Server) PeopleSyncHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body peopleSyncBody
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeError(w, r, fmt.Errorf("invalid json body: %w", domain.ErrInvalidArgument), nil)
				return
			}
		}
		kwargs := map[string]any{}
		if body.Limit > 0 {
			kwargs["limit"] = body.Limit
		}
		res, err := s.Enqueue.Enqueue(r.Context(), usecase.EnqueueRequest{
			Type:           "crm.sync_people",
			Kwargs:         kwargs,
			IdempotencyKey: "crm.sync_people:manual:" + uuid.NewString(),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": res.JobID, "created": res.Created})
	}
}

type peopleWebhookEvent struct {
	EventID   string `json:"event_id" validate:"required"`
	ContactID string `json:"contact_id" validate:"required"`
}

type peopleWebhookBody struct {
	Events []peopleWebhookEvent `json:"events" validate:"required,min=1,dive"`
}

// PeopleWebhookHandler accepts a batch of contact-changed events from
// the CRM and enqueues one sync job per event. Redelivered events
// collapse on the event id, so the enqueued count can be lower than the
// received count. Any ledger failure answers 503 so the provider
// redelivers the whole batch.
func (s *Server) PeopleWebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body peopleWebhookBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := validate.Struct(body); err != nil {
			writeError(w, r, fmt.Errorf("invalid batch: %v: %w", err, domain.ErrInvalidArgument), nil)
			return
		}
		enqueued := 0
		for _, ev := range body.Events {
			res, err := s.Enqueue.Enqueue(r.Context(), usecase.EnqueueRequest{
				Type:           "crm.sync_person",
				Kwargs:         map[string]any{"contact_id": ev.ContactID},
				IdempotencyKey: "people-sync:" + ev.EventID,
			})
			if err != nil {
				writeError(w, r, fmt.Errorf("batch aborted at event %q: %w", ev.EventID, domain.ErrUnavailable), nil)
				return
			}
			if res.Created {
				enqueued++
			}
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"received": len(body.Events),
			"enqueued": enqueued,
		})
	}
}

type processItemBody struct {
	AttachmentID string `json:"attachment_id" validate:"required"`
	Nonce        string `json:"nonce"`
}

// ProcessItemHandler enqueues the resume pipeline for one contact
// attachment. The nonce lets an operator force a rerun; without one,
// repeats of the same attachment collapse.
func (s *Server) ProcessItemHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contactID := chi.URLParam(r, "id")
		var body processItemBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := validate.Struct(body); err != nil {
			writeError(w, r, fmt.Errorf("attachment_id is required: %w", domain.ErrInvalidArgument), nil)
			return
		}
		key := fmt.Sprintf("resume.process:%s:%s", contactID, body.AttachmentID)
		if body.Nonce != "" {
			key += ":" + body.Nonce
		}
		res, err := s.Enqueue.Enqueue(r.Context(), usecase.EnqueueRequest{
			Type:           "resume.process",
			Kwargs:         map[string]any{"contact_id": contactID, "attachment_id": body.AttachmentID},
			IdempotencyKey: key,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": res.JobID, "created": res.Created})
	}
}

type auditAppendBody struct {
	OccurredAt       *time.Time     `json:"occurred_at"`
	Source           string         `json:"source"`
	Action           string         `json:"action"`
	ResourceType     string         `json:"resource_type"`
	ResourceID       string         `json:"resource_id"`
	Result           string         `json:"result"`
	ActorProvider    string         `json:"actor_provider"`
	ActorSubject     string         `json:"actor_subject"`
	ActorDisplayName string         `json:"actor_display_name"`
	PersonID         string         `json:"person_id"`
	CorrelationID    string         `json:"correlation_id"`
	Metadata         map[string]any `json:"metadata"`
}

// AuditAppendHandler ingests one audit event from a machine client,
// typically the chat integration reporting a human-triggered command.
// The write is asynchronous: 202 means the event passed validation and
// is queued for the ledger.
func (s *Server) AuditAppendHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body auditAppendBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, r, err, nil)
			return
		}
		subject, err := domain.NormalizeActorSubject(domain.ActorProvider(body.ActorProvider), body.ActorSubject)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		e := domain.AuditEvent{
			Source:           domain.AuditSource(body.Source),
			Action:           body.Action,
			ResourceType:     body.ResourceType,
			ResourceID:       body.ResourceID,
			Result:           domain.AuditResult(body.Result),
			ActorProvider:    domain.ActorProvider(body.ActorProvider),
			ActorSubject:     subject,
			ActorDisplayName: body.ActorDisplayName,
			PersonID:         body.PersonID,
			CorrelationID:    body.CorrelationID,
			Metadata:         body.Metadata,
		}
		if body.OccurredAt != nil {
			e.OccurredAt = *body.OccurredAt
		}
		if err := e.Validate(); err != nil {
			writeError(w, r, err, nil)
			return
		}
		s.Audit.Record(e)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

type auditEventView struct {
	ID               string         `json:"id"`
	OccurredAt       time.Time      `json:"occurred_at"`
	Source           string         `json:"source"`
	Action           string         `json:"action"`
	ResourceType     string         `json:"resource_type,omitempty"`
	ResourceID       string         `json:"resource_id,omitempty"`
	Result           string         `json:"result"`
	ActorProvider    string         `json:"actor_provider"`
	ActorSubject     string         `json:"actor_subject"`
	ActorDisplayName string         `json:"actor_display_name,omitempty"`
	PersonID         string         `json:"person_id,omitempty"`
	CorrelationID    string         `json:"correlation_id,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// AuditListHandler lists recent audit events, newest first.
func (s *Server) AuditListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 0
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, r, fmt.Errorf("limit must be a positive integer: %w", domain.ErrInvalidArgument), nil)
				return
			}
			limit = n
		}
		events, err := s.Audit.List(r.Context(), domain.AuditFilter{
			Source: domain.AuditSource(q.Get("source")),
			Action: q.Get("action"),
			Result: domain.AuditResult(q.Get("result")),
			Limit:  limit,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]auditEventView, 0, len(events))
		for _, e := range events {
			out = append(out, auditEventView{
				ID:               e.ID,
				OccurredAt:       e.OccurredAt,
				Source:           string(e.Source),
				Action:           e.Action,
				ResourceType:     e.ResourceType,
				ResourceID:       e.ResourceID,
				Result:           string(e.Result),
				ActorProvider:    string(e.ActorProvider),
				ActorSubject:     e.ActorSubject,
				ActorDisplayName: e.ActorDisplayName,
				PersonID:         e.PersonID,
				CorrelationID:    e.CorrelationID,
				Metadata:         e.Metadata,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": out})
	}
}

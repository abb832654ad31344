package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/ops-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ops-orchestrator/internal/domain"
)

// AuditService records security-relevant events off the request path.
// Events flow through a buffered channel into a single writer goroutine,
// which preserves per-actor ordering. Recording is best-effort: a full
// buffer drops the event with a warning and never blocks or fails the
// operation being audited.
type AuditService struct {
	store  domain.AuditStore
	events chan domain.AuditEvent
	done   chan struct{}
	once   sync.Once
}

// NewAuditService constructs an AuditService with the given buffer size
// and starts its writer.
func NewAuditService(store domain.AuditStore, buffer int) *AuditService {
	if buffer < 1 {
		buffer = 256
	}
	s := &AuditService{
		store:  store,
		events: make(chan domain.AuditEvent, buffer),
		done:   make(chan struct{}),
	}
	go s.writer()
	return s
}

// Record validates and queues one event.
func (s *AuditService) Record(e domain.AuditEvent) {
	if err := e.Validate(); err != nil {
		slog.Error("invalid audit event dropped", slog.String("action", e.Action), slog.Any("error", err))
		return
	}
	select {
	case s.events <- e:
	default:
		observability.AuditEventsDroppedTotal.Inc()
		slog.Warn("audit buffer full, dropping event",
			slog.String("action", e.Action),
			slog.String("actor", e.ActorSubject))
	}
}

// List proxies filtered reads to the store.
func (s *AuditService) List(ctx domain.Context, f domain.AuditFilter) ([]domain.AuditEvent, error) {
	return s.store.List(ctx, f)
}

func (s *AuditService) writer() {
	for e := range s.events {
		s.write(e)
	}
	close(s.done)
}

func (s *AuditService) write(e domain.AuditEvent) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 10 * time.Second
	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := s.store.Insert(ctx, e)
		return err
	}, bo)
	if err != nil {
		slog.Error("audit write failed after retries",
			slog.String("action", e.Action),
			slog.String("actor", e.ActorSubject),
			slog.Any("error", err))
	}
}

// Close drains queued events and stops the writer.
func (s *AuditService) Close() {
	s.once.Do(func() { close(s.events) })
	select {
	case <-s.done:
	case <-time.After(15 * time.Second):
		slog.Warn("audit writer did not drain in time")
	}
}

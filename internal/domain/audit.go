package domain

import (
	"fmt"
	"strings"
	"time"
)

// AuditSource identifies where a human action originated.
type AuditSource string

const (
	AuditSourceChat           AuditSource = "chat"
	AuditSourceAdminDashboard AuditSource = "admin_dashboard"
)

// AuditResult is the outcome of an audited action.
type AuditResult string

const (
	AuditResultSuccess AuditResult = "success"
	AuditResultDenied  AuditResult = "denied"
	AuditResultError   AuditResult = "error"
)

// ActorProvider is the identity provider that resolved the actor.
type ActorProvider string

const (
	ActorProviderChat     ActorProvider = "chat"
	ActorProviderAdminSSO ActorProvider = "admin_sso"
)

// AuditEvent is one append-only row of the security audit log.
// ActorSubject for admin_sso actors is a lowercased email.
type AuditEvent struct {
	ID               string
	OccurredAt       time.Time
	Source           AuditSource
	Action           string
	ResourceType     string
	ResourceID       string
	Result           AuditResult
	ActorProvider    ActorProvider
	ActorSubject     string
	ActorDisplayName string
	PersonID         string
	CorrelationID    string
	Metadata         map[string]any
}

// NormalizeActorSubject trims and, for admin_sso, lowercases the subject
// so the same human always keys the same way.
func NormalizeActorSubject(provider ActorProvider, subject string) (string, error) {
	s := strings.TrimSpace(subject)
	if provider == ActorProviderAdminSSO {
		s = strings.ToLower(s)
	}
	if s == "" {
		return "", fmt.Errorf("actor_subject is required: %w", ErrInvalidArgument)
	}
	return s, nil
}

// Validate checks enum fields before the event reaches storage.
func (e AuditEvent) Validate() error {
	switch e.Source {
	case AuditSourceChat, AuditSourceAdminDashboard:
	default:
		return fmt.Errorf("audit source %q: %w", e.Source, ErrInvalidArgument)
	}
	switch e.Result {
	case AuditResultSuccess, AuditResultDenied, AuditResultError:
	default:
		return fmt.Errorf("audit result %q: %w", e.Result, ErrInvalidArgument)
	}
	switch e.ActorProvider {
	case ActorProviderChat, ActorProviderAdminSSO:
	default:
		return fmt.Errorf("actor provider %q: %w", e.ActorProvider, ErrInvalidArgument)
	}
	if strings.TrimSpace(e.Action) == "" {
		return fmt.Errorf("audit action is required: %w", ErrInvalidArgument)
	}
	return nil
}

// AuditFilter narrows audit listing.
type AuditFilter struct {
	Source AuditSource
	Action string
	Result AuditResult
	Limit  int
}

// AuditStore persists audit events. Insert resolves PersonID from the
// actor when left empty.
type AuditStore interface {
	Insert(ctx Context, e AuditEvent) (AuditEvent, error)
	List(ctx Context, f AuditFilter) ([]AuditEvent, error)
}

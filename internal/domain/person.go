package domain

import "time"

// SyncStatus describes a people-cache row relative to the upstream CRM.
type SyncStatus string

const (
	SyncActive       SyncStatus = "active"
	SyncMissingInCRM SyncStatus = "missing_in_crm"
	SyncConflict     SyncStatus = "conflict"
)

// Person is one row of the local people cache, keyed by the CRM contact
// id. ChatUserID and emails are lookup columns for actor resolution.
type Person struct {
	ID           string
	CRMContactID string
	Name         string
	Email        string
	OrgEmail     string
	ChatUserID   string
	ChatUsername string
	ChatRoles    []string
	SyncStatus   SyncStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasAnyRole reports whether the person carries at least one of roles.
func (p Person) HasAnyRole(roles []string) bool {
	for _, want := range roles {
		for _, have := range p.ChatRoles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// PersonRepository is the people cache port. Upsert keys on
// CRMContactID and returns the row id.
type PersonRepository interface {
	Upsert(ctx Context, p Person) (string, error)
	FindByChatUserID(ctx Context, chatUserID string) (Person, error)
	FindByEmail(ctx Context, email string) (Person, error)
	Get(ctx Context, id string) (Person, error)
}

// ProcessingRun status values.
const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// ProcessingRun records one attempt of the resume pipeline for a
// contact attachment, keyed by (contact, attachment, extractor version,
// model) so reruns with the same configuration overwrite in place.
type ProcessingRun struct {
	ContactID        string
	AttachmentID     string
	ContentHash      string
	ExtractorVersion string
	ModelName        string
	Status           string
	LastError        string
	ProcessedAt      time.Time
}

// ProcessingRunRepository is the resume pipeline ledger port. Record
// upserts on the composite key.
type ProcessingRunRepository interface {
	Record(ctx Context, run ProcessingRun) error
	Find(ctx Context, contactID, attachmentID, extractorVersion, model string) (ProcessingRun, error)
}

package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/ops-orchestrator/internal/domain"
)

// BuiltinDeps carries what the built-in job handlers need.
type BuiltinDeps struct {
	People           domain.PersonRepository
	Runs             domain.ProcessingRunRepository
	CRM              domain.CRMClient
	Extractor        domain.TextExtractor
	ExtractorVersion string
	ModelName        string
	Clock            domain.Clock
}

func (d BuiltinDeps) withDefaults() BuiltinDeps {
	if d.Clock == nil {
		d.Clock = domain.ClockFunc(time.Now)
	}
	if d.ExtractorVersion == "" {
		d.ExtractorVersion = "tika-1"
	}
	if d.ModelName == "" {
		d.ModelName = "none"
	}
	return d
}

// RegisterBuiltins installs the standard handler set on the registry.
func RegisterBuiltins(reg *Registry, deps BuiltinDeps) {
	deps = deps.withDefaults()
	reg.Register("webhook.normalize", normalizeWebhook(deps))
	if deps.CRM != nil && deps.People != nil {
		reg.Register("crm.sync_person", syncPerson(deps))
		reg.Register("crm.sync_people", syncPeople(deps))
	}
	if deps.CRM != nil && deps.Extractor != nil && deps.Runs != nil {
		reg.Register("resume.process", processResume(deps))
	}
}

func kwargString(kwargs map[string]any, key string) string {
	v, _ := kwargs[key].(string)
	return v
}

// normalizeWebhook reduces a raw provider event to a stable envelope:
// the source, the event id, when we saw it, and the sorted payload keys.
func normalizeWebhook(deps BuiltinDeps) HandlerFunc {
	return func(_ domain.Context, _ []any, kwargs map[string]any) (any, error) {
		source := kwargString(kwargs, "source")
		eventID := kwargString(kwargs, "event_id")
		if source == "" || eventID == "" {
			return nil, fmt.Errorf("source and event_id are required: %w", domain.ErrInvalidArgument)
		}
		payload, _ := kwargs["payload"].(map[string]any)
		keys := make([]string, 0, len(payload))
		for k := range payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return map[string]any{
			"source":       strings.ToLower(source),
			"event_id":     eventID,
			"received_at":  deps.Clock.Now().UTC().Format(time.RFC3339),
			"payload_keys": keys,
		}, nil
	}
}

func syncPerson(deps BuiltinDeps) HandlerFunc {
	return func(ctx domain.Context, _ []any, kwargs map[string]any) (any, error) {
		contactID := kwargString(kwargs, "contact_id")
		if contactID == "" {
			return nil, fmt.Errorf("contact_id is required: %w", domain.ErrInvalidArgument)
		}
		contact, err := deps.CRM.GetContact(ctx, contactID)
		if err != nil {
			return nil, fmt.Errorf("fetch contact %s: %w", contactID, err)
		}
		id, err := deps.People.Upsert(ctx, contact.ToPerson())
		if err != nil {
			return nil, fmt.Errorf("upsert person: %w", err)
		}
		return map[string]any{"person_id": id}, nil
	}
}

func syncPeople(deps BuiltinDeps) HandlerFunc {
	return func(ctx domain.Context, _ []any, kwargs map[string]any) (any, error) {
		limit := 0
		if v, ok := kwargs["limit"].(float64); ok {
			limit = int(v)
		}
		contacts, err := deps.CRM.ListContacts(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("list contacts: %w", err)
		}
		synced := 0
		for _, contact := range contacts {
			if _, err := deps.People.Upsert(ctx, contact.ToPerson()); err != nil {
				slog.Warn("person upsert failed during sync",
					slog.String("crm_contact_id", contact.ID), slog.Any("error", err))
				continue
			}
			synced++
		}
		return map[string]any{"listed": len(contacts), "synced": synced}, nil
	}
}

// processResume fetches the attachment, extracts its text, and records
// the run. A failed extraction records a failed run and errors so the
// job retries; a rerun with the same extractor and model overwrites the
// earlier row.
func processResume(deps BuiltinDeps) HandlerFunc {
	return func(ctx domain.Context, _ []any, kwargs map[string]any) (any, error) {
		contactID := kwargString(kwargs, "contact_id")
		attachmentID := kwargString(kwargs, "attachment_id")
		if contactID == "" || attachmentID == "" {
			return nil, fmt.Errorf("contact_id and attachment_id are required: %w", domain.ErrInvalidArgument)
		}
		name, data, err := deps.CRM.FetchAttachment(ctx, attachmentID)
		if err != nil {
			return nil, fmt.Errorf("fetch attachment %s: %w", attachmentID, err)
		}
		sum := sha256.Sum256(data)
		hash := hex.EncodeToString(sum[:])

		run := domain.ProcessingRun{
			ContactID:        contactID,
			AttachmentID:     attachmentID,
			ContentHash:      hash,
			ExtractorVersion: deps.ExtractorVersion,
			ModelName:        deps.ModelName,
			ProcessedAt:      deps.Clock.Now(),
		}
		text, err := deps.Extractor.Extract(ctx, name, data)
		if err != nil {
			run.Status = domain.RunFailed
			run.LastError = err.Error()
			if recErr := deps.Runs.Record(ctx, run); recErr != nil {
				slog.Error("failed to record failed run",
					slog.String("contact_id", contactID), slog.Any("error", recErr))
			}
			return nil, fmt.Errorf("extract attachment %s: %w", attachmentID, err)
		}
		run.Status = domain.RunSucceeded
		if err := deps.Runs.Record(ctx, run); err != nil {
			return nil, fmt.Errorf("record run: %w", err)
		}
		return map[string]any{
			"contact_id":    contactID,
			"attachment_id": attachmentID,
			"content_hash":  hash,
			"text_length":   len(text),
		}, nil
	}
}

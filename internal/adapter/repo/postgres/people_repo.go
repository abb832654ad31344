package postgres

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ops-orchestrator/internal/domain"
)

// PersonRepo is the people cache repository.
type PersonRepo struct{ Pool PgxPool }

// NewPersonRepo constructs a PersonRepo with the given pool.
func NewPersonRepo(p PgxPool) *PersonRepo { return &PersonRepo{Pool: p} }

const personColumns = `id, crm_contact_id, COALESCE(name,''), COALESCE(email,''), COALESCE(org_email,''), COALESCE(chat_user_id,''), COALESCE(chat_username,''), chat_roles, sync_status, created_at, updated_at`

func scanPerson(row pgx.Row) (domain.Person, error) {
	var p domain.Person
	var roles []byte
	var status string
	err := row.Scan(&p.ID, &p.CRMContactID, &p.Name, &p.Email, &p.OrgEmail,
		&p.ChatUserID, &p.ChatUsername, &roles, &status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Person{}, err
	}
	if len(roles) > 0 {
		if err := json.Unmarshal(roles, &p.ChatRoles); err != nil {
			return domain.Person{}, err
		}
	}
	p.SyncStatus = domain.SyncStatus(status)
	return p, nil
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Upsert inserts or updates one cache row keyed on crm_contact_id and
// returns the row id.
func (r *PersonRepo) Upsert(ctx domain.Context, p domain.Person) (string, error) {
	tracer := otel.Tracer("repo.people")
	ctx, span := tracer.Start(ctx, "people.Upsert")
	defer span.End()
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := p.SyncStatus
	if status == "" {
		status = domain.SyncActive
	}
	roles := p.ChatRoles
	if roles == nil {
		roles = []string{}
	}
	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return "", fmt.Errorf("op=person.upsert: %w", err)
	}
	q := `INSERT INTO people (id, crm_contact_id, name, email, org_email, chat_user_id, chat_username, chat_roles, sync_status)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	      ON CONFLICT (crm_contact_id) DO UPDATE
	      SET name = EXCLUDED.name,
	          email = EXCLUDED.email,
	          org_email = EXCLUDED.org_email,
	          chat_user_id = EXCLUDED.chat_user_id,
	          chat_username = EXCLUDED.chat_username,
	          chat_roles = EXCLUDED.chat_roles,
	          sync_status = EXCLUDED.sync_status
	      RETURNING id`
	var got string
	err = r.Pool.QueryRow(ctx, q, id, p.CRMContactID, nullable(p.Name),
		nullable(normalizeEmail(p.Email)), nullable(normalizeEmail(p.OrgEmail)),
		nullable(p.ChatUserID), nullable(p.ChatUsername), rolesJSON, status).Scan(&got)
	if err != nil {
		return "", fmt.Errorf("op=person.upsert: %w", err)
	}
	return got, nil
}

// FindByChatUserID resolves a person from their chat identity.
func (r *PersonRepo) FindByChatUserID(ctx domain.Context, chatUserID string) (domain.Person, error) {
	tracer := otel.Tracer("repo.people")
	ctx, span := tracer.Start(ctx, "people.FindByChatUserID")
	defer span.End()
	q := `SELECT ` + personColumns + ` FROM people WHERE chat_user_id=$1 LIMIT 1`
	p, err := scanPerson(r.Pool.QueryRow(ctx, q, chatUserID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Person{}, fmt.Errorf("op=person.find_chat: %w", domain.ErrNotFound)
		}
		return domain.Person{}, fmt.Errorf("op=person.find_chat: %w", err)
	}
	return p, nil
}

// FindByEmail resolves a person by org or personal email, case-insensitive.
func (r *PersonRepo) FindByEmail(ctx domain.Context, email string) (domain.Person, error) {
	tracer := otel.Tracer("repo.people")
	ctx, span := tracer.Start(ctx, "people.FindByEmail")
	defer span.End()
	norm := normalizeEmail(email)
	q := `SELECT ` + personColumns + ` FROM people WHERE lower(org_email)=$1 OR lower(email)=$1 LIMIT 1`
	p, err := scanPerson(r.Pool.QueryRow(ctx, q, norm))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Person{}, fmt.Errorf("op=person.find_email: %w", domain.ErrNotFound)
		}
		return domain.Person{}, fmt.Errorf("op=person.find_email: %w", err)
	}
	return p, nil
}

// Get loads a person by row id.
func (r *PersonRepo) Get(ctx domain.Context, id string) (domain.Person, error) {
	tracer := otel.Tracer("repo.people")
	ctx, span := tracer.Start(ctx, "people.Get")
	defer span.End()
	q := `SELECT ` + personColumns + ` FROM people WHERE id=$1`
	p, err := scanPerson(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Person{}, fmt.Errorf("op=person.get: %w", domain.ErrNotFound)
		}
		return domain.Person{}, fmt.Errorf("op=person.get: %w", err)
	}
	return p, nil
}

package domain

// CRMContact is the upstream CRM's view of a person.
type CRMContact struct {
	ID           string
	Name         string
	Email        string
	OrgEmail     string
	ChatUserID   string
	ChatUsername string
	Roles        []string
}

// ToPerson maps a CRM contact onto a people-cache row.
func (c CRMContact) ToPerson() Person {
	return Person{
		CRMContactID: c.ID,
		Name:         c.Name,
		Email:        c.Email,
		OrgEmail:     c.OrgEmail,
		ChatUserID:   c.ChatUserID,
		ChatUsername: c.ChatUsername,
		ChatRoles:    c.Roles,
		SyncStatus:   SyncActive,
	}
}

// CRMClient is the upstream CRM port. GetContact returns ErrNotFound
// for unknown ids.
type CRMClient interface {
	ListContacts(ctx Context, limit int) ([]CRMContact, error)
	GetContact(ctx Context, id string) (CRMContact, error)
	FetchAttachment(ctx Context, id string) (name string, data []byte, err error)
}

// TextExtractor turns an attachment into plain text.
type TextExtractor interface {
	Extract(ctx Context, fileName string, data []byte) (string, error)
}

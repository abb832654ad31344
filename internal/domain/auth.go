package domain

import "time"

// Session is a server-side browser session minted after a successful
// OIDC callback. ExpiresAt is the min of the configured TTL and the ID
// token expiry; reads past ExpiresAt must evict the row.
type Session struct {
	ID        string
	Provider  string
	Subject   string
	Email     string
	Name      string
	PersonID  string
	Roles     []string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// PendingAuthState holds the PKCE verifier and nonce between the login
// redirect and the provider callback. Keyed by the opaque state value and
// strictly one-shot: the first consume deletes it. GrantID is set when
// the login was started from a deep link; the callback must then consume
// that grant and verify it belongs to the authenticated person.
type PendingAuthState struct {
	Verifier  string
	Nonce     string
	NextPath  string
	GrantID   string
	CreatedAt time.Time
}

// DeepLinkGrant binds one target resource to a person for a short time.
// Opening the link still goes through the full OIDC login; the grant
// only scopes the landing path and is consumed once at the callback.
type DeepLinkGrant struct {
	ID        string
	PersonID  string
	Target    string
	CreatedAt time.Time
}

// AuthStore keeps short-lived auth material (Redis-backed in production).
// ConsumeState and ConsumeDeepLink are atomic take-once operations:
// concurrent consumers see at most one success, the rest get ErrNotFound.
type AuthStore interface {
	PutState(ctx Context, state string, s PendingAuthState, ttl time.Duration) error
	ConsumeState(ctx Context, state string) (PendingAuthState, error)

	PutSession(ctx Context, s Session, ttl time.Duration) error
	GetSession(ctx Context, id string) (Session, error)
	DeleteSession(ctx Context, id string) error

	PutDeepLink(ctx Context, g DeepLinkGrant, ttl time.Duration) error
	// GetDeepLink peeks at a grant without consuming it, so a deep-link
	// open can start the login redirect while the grant stays redeemable
	// for the callback.
	GetDeepLink(ctx Context, id string) (DeepLinkGrant, error)
	ConsumeDeepLink(ctx Context, id string) (DeepLinkGrant, error)
}

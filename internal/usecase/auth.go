package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fairyhunter13/ops-orchestrator/internal/adapter/oidc"
	"github.com/fairyhunter13/ops-orchestrator/internal/domain"
)

// IdentityProvider is the OIDC client surface AuthService needs.
type IdentityProvider interface {
	Metadata(ctx context.Context) (oidc.Metadata, error)
	AuthorizationURL(meta oidc.Metadata, redirectURI string, scopes []string, state, nonce, challenge string) string
	EndSessionURL(meta oidc.Metadata, postLogoutRedirect string) string
	ExchangeCode(ctx context.Context, code, redirectURI, verifier string) (oidc.TokenResponse, error)
	VerifyIDToken(ctx context.Context, idToken, nonce string) (oidc.Claims, error)
}

// AuthConfig carries the flow parameters.
type AuthConfig struct {
	RedirectURL string
	Scopes      []string
	SessionTTL  time.Duration
	StateTTL    time.Duration
	DeepLinkTTL time.Duration
	AdminRoles  []string
}

// AuthService runs the admin SSO flow: PKCE login, callback validation,
// session minting, logout, and one-shot deep links. Every denial and
// every successful login lands in the audit log.
type AuthService struct {
	provider IdentityProvider
	store    domain.AuthStore
	people   domain.PersonRepository
	audit    *AuditService
	cfg      AuthConfig
	clock    domain.Clock
}

// NewAuthService constructs an AuthService.
func NewAuthService(provider IdentityProvider, store domain.AuthStore, people domain.PersonRepository, audit *AuditService, cfg AuthConfig) *AuthService {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 12 * time.Hour
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	if cfg.DeepLinkTTL <= 0 {
		cfg.DeepLinkTTL = 5 * time.Minute
	}
	return &AuthService{
		provider: provider,
		store:    store,
		people:   people,
		audit:    audit,
		cfg:      cfg,
		clock:    domain.ClockFunc(time.Now),
	}
}

// NormalizeNextPath keeps post-login redirects on-site. Anything that is
// not a local absolute path (or that starts with //, a protocol-relative
// escape) collapses to "/".
func NormalizeNextPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
		return "/"
	}
	return p
}

// Login starts the flow: generates the PKCE pair and nonce, stores the
// pending state, and returns the provider authorization URL.
func (s *AuthService) Login(ctx domain.Context, nextPath string) (string, error) {
	return s.beginLogin(ctx, nextPath, "")
}

func (s *AuthService) beginLogin(ctx domain.Context, nextPath, grantID string) (string, error) {
	meta, err := s.provider.Metadata(ctx)
	if err != nil {
		return "", fmt.Errorf("op=auth.Login: %w", err)
	}
	verifier, challenge, err := oidc.MakePKCEPair()
	if err != nil {
		return "", fmt.Errorf("op=auth.Login: %w", err)
	}
	state, err := oidc.RandomToken()
	if err != nil {
		return "", fmt.Errorf("op=auth.Login: %w", err)
	}
	nonce, err := oidc.RandomToken()
	if err != nil {
		return "", fmt.Errorf("op=auth.Login: %w", err)
	}
	pending := domain.PendingAuthState{
		Verifier:  verifier,
		Nonce:     nonce,
		NextPath:  NormalizeNextPath(nextPath),
		GrantID:   grantID,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.PutState(ctx, state, pending, s.cfg.StateTTL); err != nil {
		return "", fmt.Errorf("op=auth.Login: %w", err)
	}
	return s.provider.AuthorizationURL(meta, s.cfg.RedirectURL, s.cfg.Scopes, state, nonce, challenge), nil
}

// CallbackResult is what the HTTP layer needs after a callback.
type CallbackResult struct {
	Session  domain.Session
	NextPath string
}

// Callback completes the flow. The state is consumed exactly once, the
// code is exchanged, the ID token verified against the stored nonce, and
// the identity must map to a cached person holding an admin role before
// a session is minted.
func (s *AuthService) Callback(ctx domain.Context, state, code string) (CallbackResult, error) {
	pending, err := s.store.ConsumeState(ctx, state)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.recordDenied("", "oidc_state_invalid")
			return CallbackResult{}, fmt.Errorf("op=auth.Callback: unknown or reused state: %w", domain.ErrUnauthorized)
		}
		return CallbackResult{}, fmt.Errorf("op=auth.Callback: %w", err)
	}
	tok, err := s.provider.ExchangeCode(ctx, code, s.cfg.RedirectURL, pending.Verifier)
	if err != nil {
		s.recordDenied("", "oidc_code_exchange_failed")
		return CallbackResult{}, fmt.Errorf("op=auth.Callback: %w: %v", domain.ErrUnauthorized, err)
	}
	claims, err := s.provider.VerifyIDToken(ctx, tok.IDToken, pending.Nonce)
	if err != nil {
		s.recordDenied("", "oidc_token_invalid")
		return CallbackResult{}, fmt.Errorf("op=auth.Callback: %w", err)
	}
	email := strings.ToLower(strings.TrimSpace(claims.Email))
	if email == "" {
		s.recordDenied(claims.Subject, "oidc_email_missing")
		return CallbackResult{}, fmt.Errorf("op=auth.Callback: id token has no email: %w", domain.ErrForbidden)
	}
	person, err := s.people.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.recordDenied(email, "oidc_user_not_linked")
			return CallbackResult{}, fmt.Errorf("op=auth.Callback: no person linked to %s: %w", email, domain.ErrForbidden)
		}
		return CallbackResult{}, fmt.Errorf("op=auth.Callback: %w", err)
	}
	nextPath := NormalizeNextPath(pending.NextPath)
	sessionTTL := s.cfg.SessionTTL
	action := "auth.login"
	var grantID string
	if pending.GrantID != "" {
		// Deep-link flow: the grant is consumed here, after the identity
		// is proven, and must belong to the person that identity maps to.
		// The grant itself authorizes the one target, so the admin-role
		// gate does not apply; the session is scoped to the deep-link TTL.
		g, err := s.store.ConsumeDeepLink(ctx, pending.GrantID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				s.recordDenied(email, "deep_link_invalid")
				return CallbackResult{}, fmt.Errorf("op=auth.Callback: grant expired or already used: %w", domain.ErrUnauthorized)
			}
			return CallbackResult{}, fmt.Errorf("op=auth.Callback: %w", err)
		}
		if g.PersonID != person.ID {
			s.recordDenied(email, "oidc_user_not_linked")
			return CallbackResult{}, fmt.Errorf("op=auth.Callback: grant is bound to another person: %w", domain.ErrForbidden)
		}
		nextPath = NormalizeNextPath(g.Target)
		sessionTTL = s.cfg.DeepLinkTTL
		action = "auth.deep_link"
		grantID = g.ID
	} else if len(s.cfg.AdminRoles) > 0 && !person.HasAnyRole(s.cfg.AdminRoles) {
		s.recordDenied(email, "oidc_role_denied")
		return CallbackResult{}, fmt.Errorf("op=auth.Callback: %s lacks an admin role: %w", email, domain.ErrForbidden)
	}

	sessionID, err := oidc.RandomToken()
	if err != nil {
		return CallbackResult{}, fmt.Errorf("op=auth.Callback: %w", err)
	}
	now := s.clock.Now()
	expiresAt := now.Add(sessionTTL)
	if claims.ExpiresAt.Before(expiresAt) {
		// Never outlive the identity the session was minted from.
		expiresAt = claims.ExpiresAt
	}
	if !expiresAt.After(now) {
		s.recordDenied(email, "oidc_token_expired")
		return CallbackResult{}, fmt.Errorf("op=auth.Callback: id token already expired: %w", domain.ErrUnauthorized)
	}
	sess := domain.Session{
		ID:        sessionID,
		Provider:  string(domain.ActorProviderAdminSSO),
		Subject:   claims.Subject,
		Email:     email,
		Name:      claims.Name,
		PersonID:  person.ID,
		Roles:     person.ChatRoles,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	if err := s.store.PutSession(ctx, sess, expiresAt.Sub(now)); err != nil {
		return CallbackResult{}, fmt.Errorf("op=auth.Callback: %w", err)
	}
	ev := domain.AuditEvent{
		Source:           domain.AuditSourceAdminDashboard,
		Action:           action,
		Result:           domain.AuditResultSuccess,
		ActorProvider:    domain.ActorProviderAdminSSO,
		ActorSubject:     email,
		ActorDisplayName: claims.Name,
		PersonID:         person.ID,
	}
	if grantID != "" {
		ev.ResourceType = "deep_link"
		ev.ResourceID = grantID
	}
	s.record(ev)
	return CallbackResult{Session: sess, NextPath: nextPath}, nil
}

// Session loads a live session by id.
func (s *AuthService) Session(ctx domain.Context, id string) (domain.Session, error) {
	if id == "" {
		return domain.Session{}, fmt.Errorf("op=auth.Session: %w", domain.ErrUnauthorized)
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Session{}, fmt.Errorf("op=auth.Session: %w", domain.ErrUnauthorized)
		}
		return domain.Session{}, fmt.Errorf("op=auth.Session: %w", err)
	}
	return sess, nil
}

// Logout deletes the session and returns the provider end-session URL
// when the provider advertises one ("" otherwise). A missing session is
// not an error: logout is idempotent.
func (s *AuthService) Logout(ctx domain.Context, sessionID, postLogoutRedirect string) (string, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err == nil {
		s.record(domain.AuditEvent{
			Source:        domain.AuditSourceAdminDashboard,
			Action:        "auth.logout",
			Result:        domain.AuditResultSuccess,
			ActorProvider: domain.ActorProviderAdminSSO,
			ActorSubject:  sess.Email,
			PersonID:      sess.PersonID,
		})
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("op=auth.Logout: %w", err)
	}
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return "", fmt.Errorf("op=auth.Logout: %w", err)
	}
	meta, err := s.provider.Metadata(ctx)
	if err != nil {
		// Local logout already happened; provider logout is best effort.
		slog.Warn("provider metadata unavailable during logout", slog.Any("error", err))
		return "", nil
	}
	return s.provider.EndSessionURL(meta, postLogoutRedirect), nil
}

// CreateDeepLink mints a one-shot grant that lets a known person land on
// one target path after authenticating. The grant never substitutes for
// login; the callback consumes it and checks the bind.
func (s *AuthService) CreateDeepLink(ctx domain.Context, personID, target string) (string, error) {
	if personID == "" {
		return "", fmt.Errorf("op=auth.CreateDeepLink: person id is required: %w", domain.ErrInvalidArgument)
	}
	id, err := oidc.RandomToken()
	if err != nil {
		return "", fmt.Errorf("op=auth.CreateDeepLink: %w", err)
	}
	g := domain.DeepLinkGrant{
		ID:        id,
		PersonID:  personID,
		Target:    NormalizeNextPath(target),
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.PutDeepLink(ctx, g, s.cfg.DeepLinkTTL); err != nil {
		return "", fmt.Errorf("op=auth.CreateDeepLink: %w", err)
	}
	return id, nil
}

// DeepLinkLogin starts an OIDC login for a deep-link grant. The grant is
// only peeked here: it stays stored for the callback, which consumes it
// and rejects the session when the authenticated identity does not map
// to the grant's person. No session exists before that point.
func (s *AuthService) DeepLinkLogin(ctx domain.Context, grantID string) (string, error) {
	g, err := s.store.GetDeepLink(ctx, grantID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.recordDenied("", "deep_link_invalid")
			return "", fmt.Errorf("op=auth.DeepLinkLogin: unknown or used grant: %w", domain.ErrUnauthorized)
		}
		return "", fmt.Errorf("op=auth.DeepLinkLogin: %w", err)
	}
	if _, err := s.people.Get(ctx, g.PersonID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.recordDenied("", "deep_link_person_missing")
			return "", fmt.Errorf("op=auth.DeepLinkLogin: grant person is gone: %w", domain.ErrUnauthorized)
		}
		return "", fmt.Errorf("op=auth.DeepLinkLogin: %w", err)
	}
	return s.beginLogin(ctx, g.Target, g.ID)
}

func (s *AuthService) recordDenied(subject, reason string) {
	if subject == "" {
		subject = "unknown"
	}
	s.record(domain.AuditEvent{
		Source:        domain.AuditSourceAdminDashboard,
		Action:        "auth.login",
		Result:        domain.AuditResultDenied,
		ActorProvider: domain.ActorProviderAdminSSO,
		ActorSubject:  subject,
		Metadata:      map[string]any{"reason": reason},
	})
}

func (s *AuthService) record(e domain.AuditEvent) {
	if s.audit == nil {
		return
	}
	s.audit.Record(e)
}

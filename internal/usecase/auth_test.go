package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ops-orchestrator/internal/adapter/oidc"
	"github.com/fairyhunter13/ops-orchestrator/internal/domain"
)

type fakeIdP struct {
	exchangeErr error
	verifyErr   error
	claims      oidc.Claims

	gotCode     string
	gotVerifier string
	gotNonce    string
}

func (f *fakeIdP) Metadata(context.Context) (oidc.Metadata, error) {
	return oidc.Metadata{
		Issuer:                "https://idp.example.com",
		AuthorizationEndpoint: "https://idp.example.com/authorize",
		TokenEndpoint:         "https://idp.example.com/token",
		EndSessionEndpoint:    "https://idp.example.com/logout",
	}, nil
}

func (f *fakeIdP) AuthorizationURL(meta oidc.Metadata, redirectURI string, scopes []string, state, nonce, challenge string) string {
	return fmt.Sprintf("%s?state=%s&nonce=%s&code_challenge=%s", meta.AuthorizationEndpoint, state, nonce, challenge)
}

func (f *fakeIdP) EndSessionURL(meta oidc.Metadata, postLogoutRedirect string) string {
	return meta.EndSessionEndpoint + "?post_logout_redirect_uri=" + postLogoutRedirect
}

func (f *fakeIdP) ExchangeCode(_ context.Context, code, _, verifier string) (oidc.TokenResponse, error) {
	f.gotCode = code
	f.gotVerifier = verifier
	if f.exchangeErr != nil {
		return oidc.TokenResponse{}, f.exchangeErr
	}
	return oidc.TokenResponse{IDToken: "id-token"}, nil
}

func (f *fakeIdP) VerifyIDToken(_ context.Context, _ string, nonce string) (oidc.Claims, error) {
	f.gotNonce = nonce
	if f.verifyErr != nil {
		return oidc.Claims{}, f.verifyErr
	}
	return f.claims, nil
}

type memAuthStore struct {
	mu       sync.Mutex
	states   map[string]domain.PendingAuthState
	sessions map[string]domain.Session
	grants   map[string]domain.DeepLinkGrant
}

func newMemAuthStore() *memAuthStore {
	return &memAuthStore{
		states:   map[string]domain.PendingAuthState{},
		sessions: map[string]domain.Session{},
		grants:   map[string]domain.DeepLinkGrant{},
	}
}

func (m *memAuthStore) PutState(_ domain.Context, state string, p domain.PendingAuthState, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state] = p
	return nil
}

func (m *memAuthStore) ConsumeState(_ domain.Context, state string) (domain.PendingAuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.states[state]
	if !ok {
		return domain.PendingAuthState{}, domain.ErrNotFound
	}
	delete(m.states, state)
	return p, nil
}

func (m *memAuthStore) PutSession(_ domain.Context, s domain.Session, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *memAuthStore) GetSession(_ domain.Context, id string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *memAuthStore) DeleteSession(_ domain.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memAuthStore) PutDeepLink(_ domain.Context, g domain.DeepLinkGrant, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[g.ID] = g
	return nil
}

func (m *memAuthStore) GetDeepLink(_ domain.Context, id string) (domain.DeepLinkGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return domain.DeepLinkGrant{}, domain.ErrNotFound
	}
	return g, nil
}

func (m *memAuthStore) ConsumeDeepLink(_ domain.Context, id string) (domain.DeepLinkGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return domain.DeepLinkGrant{}, domain.ErrNotFound
	}
	delete(m.grants, id)
	return g, nil
}

type memPeople struct {
	byEmail map[string]domain.Person
	byID    map[string]domain.Person
}

func newMemPeople(people ...domain.Person) *memPeople {
	m := &memPeople{byEmail: map[string]domain.Person{}, byID: map[string]domain.Person{}}
	for _, p := range people {
		if p.Email != "" {
			m.byEmail[strings.ToLower(p.Email)] = p
		}
		if p.OrgEmail != "" {
			m.byEmail[strings.ToLower(p.OrgEmail)] = p
		}
		m.byID[p.ID] = p
	}
	return m
}

func (m *memPeople) Upsert(domain.Context, domain.Person) (string, error) {
	return "", domain.ErrInternal
}

func (m *memPeople) FindByChatUserID(domain.Context, string) (domain.Person, error) {
	return domain.Person{}, domain.ErrNotFound
}

func (m *memPeople) FindByEmail(_ domain.Context, email string) (domain.Person, error) {
	p, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return domain.Person{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memPeople) Get(_ domain.Context, id string) (domain.Person, error) {
	p, ok := m.byID[id]
	if !ok {
		return domain.Person{}, domain.ErrNotFound
	}
	return p, nil
}

type memAuditStore struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (m *memAuditStore) Insert(_ domain.Context, e domain.AuditEvent) (domain.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return e, nil
}

func (m *memAuditStore) List(domain.Context, domain.AuditFilter) ([]domain.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuditEvent, len(m.events))
	copy(out, m.events)
	return out, nil
}

func (m *memAuditStore) recorded() []domain.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

type authFixture struct {
	svc    *AuthService
	idp    *fakeIdP
	store  *memAuthStore
	events *memAuditStore
	audit  *AuditService
}

func newAuthFixture(t *testing.T, people *memPeople, idp *fakeIdP) *authFixture {
	t.Helper()
	store := newMemAuthStore()
	events := &memAuditStore{}
	audit := NewAuditService(events, 64)
	t.Cleanup(audit.Close)
	svc := NewAuthService(idp, store, people, audit, AuthConfig{
		RedirectURL: "https://ops.example.com/auth/callback",
		Scopes:      []string{"openid", "profile", "email"},
		SessionTTL:  12 * time.Hour,
		StateTTL:    10 * time.Minute,
		DeepLinkTTL: 5 * time.Minute,
		AdminRoles:  []string{"ops-admin"},
	})
	return &authFixture{svc: svc, idp: idp, store: store, events: events, audit: audit}
}

func adminPerson() domain.Person {
	return domain.Person{
		ID:           "person-1",
		CRMContactID: "crm-1",
		Name:         "Ada Admin",
		Email:        "ada@example.com",
		ChatRoles:    []string{"ops-admin"},
		SyncStatus:   domain.SyncActive,
	}
}

func extractState(t *testing.T, authURL string) string {
	t.Helper()
	_, rest, ok := strings.Cut(authURL, "state=")
	require.True(t, ok, "authorization URL carries the state")
	state, _, _ := strings.Cut(rest, "&")
	return state
}

func TestLoginStoresStateAndBuildsURL(t *testing.T) {
	f := newAuthFixture(t, newMemPeople(adminPerson()), &fakeIdP{})
	ctx := context.Background()

	authURL, err := f.svc.Login(ctx, "/jobs?status=dead")
	require.NoError(t, err)
	assert.Contains(t, authURL, "https://idp.example.com/authorize")

	state := extractState(t, authURL)
	pending, ok := f.store.states[state]
	require.True(t, ok)
	assert.NotEmpty(t, pending.Verifier)
	assert.NotEmpty(t, pending.Nonce)
	assert.Equal(t, "/jobs?status=dead", pending.NextPath)
}

func TestCallbackMintsSessionForLinkedAdmin(t *testing.T) {
	idp := &fakeIdP{claims: oidc.Claims{
		Subject:   "sub-1",
		Email:     "Ada@Example.com",
		Name:      "Ada Admin",
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}}
	f := newAuthFixture(t, newMemPeople(adminPerson()), idp)
	ctx := context.Background()

	authURL, err := f.svc.Login(ctx, "/jobs")
	require.NoError(t, err)
	state := extractState(t, authURL)
	pending := f.store.states[state]

	res, err := f.svc.Callback(ctx, state, "code-1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", res.Session.Email, "email is lowercased")
	assert.Equal(t, "person-1", res.Session.PersonID)
	assert.Equal(t, "/jobs", res.NextPath)
	assert.Equal(t, pending.Verifier, idp.gotVerifier, "exchange uses the stored verifier")
	assert.Equal(t, pending.Nonce, idp.gotNonce, "verification uses the stored nonce")

	got, err := f.svc.Session(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Session.ID, got.ID)

	f.audit.Close()
	events := f.events.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, "auth.login", events[0].Action)
	assert.Equal(t, domain.AuditResultSuccess, events[0].Result)
}

func TestCallbackSessionTTLClampedToTokenExpiry(t *testing.T) {
	shortExp := time.Now().Add(30 * time.Minute)
	idp := &fakeIdP{claims: oidc.Claims{
		Subject:   "sub-1",
		Email:     "ada@example.com",
		ExpiresAt: shortExp,
	}}
	f := newAuthFixture(t, newMemPeople(adminPerson()), idp)
	ctx := context.Background()

	authURL, err := f.svc.Login(ctx, "/")
	require.NoError(t, err)

	res, err := f.svc.Callback(ctx, extractState(t, authURL), "code-1")
	require.NoError(t, err)
	assert.WithinDuration(t, shortExp, res.Session.ExpiresAt, time.Second,
		"session never outlives the id token")
}

func TestCallbackRejectsReusedState(t *testing.T) {
	idp := &fakeIdP{claims: oidc.Claims{
		Subject: "sub-1", Email: "ada@example.com", ExpiresAt: time.Now().Add(time.Hour),
	}}
	f := newAuthFixture(t, newMemPeople(adminPerson()), idp)
	ctx := context.Background()

	authURL, err := f.svc.Login(ctx, "/")
	require.NoError(t, err)
	state := extractState(t, authURL)

	_, err = f.svc.Callback(ctx, state, "code-1")
	require.NoError(t, err)

	_, err = f.svc.Callback(ctx, state, "code-1")
	assert.ErrorIs(t, err, domain.ErrUnauthorized, "state is one-shot")
}

func TestCallbackDeniesUnlinkedUser(t *testing.T) {
	idp := &fakeIdP{claims: oidc.Claims{
		Subject: "sub-9", Email: "stranger@example.com", ExpiresAt: time.Now().Add(time.Hour),
	}}
	f := newAuthFixture(t, newMemPeople(adminPerson()), idp)
	ctx := context.Background()

	authURL, err := f.svc.Login(ctx, "/")
	require.NoError(t, err)

	_, err = f.svc.Callback(ctx, extractState(t, authURL), "code-1")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	f.audit.Close()
	events := f.events.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, domain.AuditResultDenied, events[0].Result)
	assert.Equal(t, "oidc_user_not_linked", events[0].Metadata["reason"])
	assert.Equal(t, "stranger@example.com", events[0].ActorSubject)
}

func TestCallbackDeniesMissingRole(t *testing.T) {
	person := adminPerson()
	person.ChatRoles = []string{"viewer"}
	idp := &fakeIdP{claims: oidc.Claims{
		Subject: "sub-1", Email: "ada@example.com", ExpiresAt: time.Now().Add(time.Hour),
	}}
	f := newAuthFixture(t, newMemPeople(person), idp)
	ctx := context.Background()

	authURL, err := f.svc.Login(ctx, "/")
	require.NoError(t, err)

	_, err = f.svc.Callback(ctx, extractState(t, authURL), "code-1")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	f.audit.Close()
	events := f.events.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, "oidc_role_denied", events[0].Metadata["reason"])
}

func TestLogoutDeletesSessionAndIsIdempotent(t *testing.T) {
	idp := &fakeIdP{claims: oidc.Claims{
		Subject: "sub-1", Email: "ada@example.com", ExpiresAt: time.Now().Add(time.Hour),
	}}
	f := newAuthFixture(t, newMemPeople(adminPerson()), idp)
	ctx := context.Background()

	authURL, err := f.svc.Login(ctx, "/")
	require.NoError(t, err)
	res, err := f.svc.Callback(ctx, extractState(t, authURL), "code-1")
	require.NoError(t, err)

	endURL, err := f.svc.Logout(ctx, res.Session.ID, "https://ops.example.com/")
	require.NoError(t, err)
	assert.Contains(t, endURL, "https://idp.example.com/logout")

	_, err = f.svc.Session(ctx, res.Session.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.svc.Logout(ctx, res.Session.ID, "")
	assert.NoError(t, err, "logging out twice is fine")
}

func TestDeepLinkRequiresLoginBeforeAnySession(t *testing.T) {
	idp := &fakeIdP{claims: oidc.Claims{
		Subject: "sub-1", Email: "ada@example.com", Name: "Ada Admin",
		ExpiresAt: time.Now().Add(time.Hour),
	}}
	f := newAuthFixture(t, newMemPeople(adminPerson()), idp)
	ctx := context.Background()

	id, err := f.svc.CreateDeepLink(ctx, "person-1", "/jobs/42")
	require.NoError(t, err)

	authURL, err := f.svc.DeepLinkLogin(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, authURL, "https://idp.example.com/authorize",
		"opening a grant redirects to the provider, it never mints a session")
	assert.Empty(t, f.store.sessions, "no session exists before the callback")
	_, stillStored := f.store.grants[id]
	assert.True(t, stillStored, "the grant survives until the callback consumes it")

	res, err := f.svc.Callback(ctx, extractState(t, authURL), "code-1")
	require.NoError(t, err)
	assert.Equal(t, "/jobs/42", res.NextPath)
	assert.Equal(t, "person-1", res.Session.PersonID)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), res.Session.ExpiresAt, 2*time.Second,
		"deep-link sessions are scoped to the grant TTL")

	f.audit.Close()
	events := f.events.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, "auth.deep_link", events[0].Action)
	assert.Equal(t, id, events[0].ResourceID)

	_, err = f.svc.DeepLinkLogin(ctx, id)
	assert.ErrorIs(t, err, domain.ErrUnauthorized, "grant is one-shot")
}

func TestDeepLinkCallbackRejectsUnboundPerson(t *testing.T) {
	other := domain.Person{
		ID:         "person-2",
		Name:       "Bob Builder",
		Email:      "bob@example.com",
		ChatRoles:  []string{"ops-admin"},
		SyncStatus: domain.SyncActive,
	}
	idp := &fakeIdP{claims: oidc.Claims{
		Subject: "sub-1", Email: "ada@example.com",
		ExpiresAt: time.Now().Add(time.Hour),
	}}
	f := newAuthFixture(t, newMemPeople(adminPerson(), other), idp)
	ctx := context.Background()

	id, err := f.svc.CreateDeepLink(ctx, "person-2", "/jobs/42")
	require.NoError(t, err)
	authURL, err := f.svc.DeepLinkLogin(ctx, id)
	require.NoError(t, err)

	// Ada authenticates, but the grant belongs to Bob.
	_, err = f.svc.Callback(ctx, extractState(t, authURL), "code-1")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.Empty(t, f.store.sessions, "mismatched grant must not mint a session")

	f.audit.Close()
	events := f.events.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, domain.AuditResultDenied, events[0].Result)
	assert.Equal(t, "oidc_user_not_linked", events[0].Metadata["reason"])
}

func TestDeepLinkLoginRejectsUnknownGrant(t *testing.T) {
	f := newAuthFixture(t, newMemPeople(adminPerson()), &fakeIdP{})
	_, err := f.svc.DeepLinkLogin(context.Background(), "no-such-grant")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestNormalizeNextPath(t *testing.T) {
	cases := map[string]string{
		"/jobs":                   "/jobs",
		"/":                       "/",
		"":                        "/",
		"//evil.example.com":      "/",
		"https://evil.example.io": "/",
		"jobs":                    "/",
		"  /audit  ":              "/audit",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeNextPath(in), "input %q", in)
	}
}

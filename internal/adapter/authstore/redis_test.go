package authstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ops-orchestrator/internal/domain"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb), mr
}

func TestStateIsOneShot(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	pending := domain.PendingAuthState{Verifier: "v", Nonce: "n", NextPath: "/jobs"}
	require.NoError(t, s.PutState(ctx, "state-1", pending, time.Minute))

	got, err := s.ConsumeState(ctx, "state-1")
	require.NoError(t, err)
	assert.Equal(t, pending.Verifier, got.Verifier)
	assert.Equal(t, "/jobs", got.NextPath)

	_, err = s.ConsumeState(ctx, "state-1")
	assert.ErrorIs(t, err, domain.ErrNotFound, "second consume must miss")
}

func TestConsumeUnknownState(t *testing.T) {
	s, _ := testStore(t)
	_, err := s.ConsumeState(context.Background(), "never-stored")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSessionRoundTripAndDelete(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	sess := domain.Session{
		ID:        "sess-1",
		Provider:  "admin_sso",
		Subject:   "sub-1",
		Email:     "ops@example.com",
		Roles:     []string{"ops-admin"},
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, s.PutSession(ctx, sess, time.Hour))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", got.Email)
	assert.Equal(t, []string{"ops-admin"}, got.Roles)

	require.NoError(t, s.DeleteSession(ctx, "sess-1"))
	_, err = s.GetSession(ctx, "sess-1")
	assert.ErrorIs(t, err, domain.ErrNotFound, "logout invalidates immediately")
}

func TestExpiredSessionEvictedOnRead(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	sess := domain.Session{
		ID:        "sess-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	// Redis TTL is still generous; the embedded expiry must win.
	require.NoError(t, s.PutSession(ctx, sess, time.Hour))

	_, err := s.GetSession(ctx, "sess-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, mr.Exists("auth:session:sess-1"), "expired session is deleted on read")
}

func TestDeepLinkIsOneShot(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	g := domain.DeepLinkGrant{ID: "grant-1", PersonID: "person-1", Target: "/jobs/42"}
	require.NoError(t, s.PutDeepLink(ctx, g, time.Minute))

	peeked, err := s.GetDeepLink(ctx, "grant-1")
	require.NoError(t, err)
	assert.Equal(t, "person-1", peeked.PersonID)
	_, err = s.GetDeepLink(ctx, "grant-1")
	require.NoError(t, err, "peeking does not consume")

	got, err := s.ConsumeDeepLink(ctx, "grant-1")
	require.NoError(t, err)
	assert.Equal(t, "/jobs/42", got.Target)

	_, err = s.ConsumeDeepLink(ctx, "grant-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStateExpiresWithTTL(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutState(ctx, "state-1", domain.PendingAuthState{Verifier: "v"}, 30*time.Second))
	mr.FastForward(time.Minute)

	_, err := s.ConsumeState(ctx, "state-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

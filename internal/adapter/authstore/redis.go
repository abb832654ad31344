// Package authstore keeps short-lived auth material in Redis: pending
// OIDC states, sessions, and one-shot deep-link grants.
package authstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ops-orchestrator/internal/domain"
)

const (
	stateKeyPrefix    = "auth:oidc-state:"
	sessionKeyPrefix  = "auth:session:"
	deepLinkKeyPrefix = "auth:deep-link:"
)

// Store implements domain.AuthStore over go-redis.
type Store struct {
	rdb   redis.UniversalClient
	clock domain.Clock
}

// New constructs a Store.
func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb, clock: domain.ClockFunc(time.Now)}
}

// NewFromURL dials Redis from a URL.
func NewFromURL(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=authstore.NewFromURL: %w", err)
	}
	return New(redis.NewClient(opts)), nil
}

// PutState stores the pending PKCE state under its opaque state value.
func (s *Store) PutState(ctx domain.Context, state string, p domain.PendingAuthState, ttl time.Duration) error {
	if err := s.setJSON(ctx, stateKeyPrefix+state, p, ttl); err != nil {
		return fmt.Errorf("op=authstore.PutState: %w", err)
	}
	return nil
}

// ConsumeState atomically takes the pending state. GETDEL guarantees a
// state value is usable exactly once even under concurrent callbacks.
func (s *Store) ConsumeState(ctx domain.Context, state string) (domain.PendingAuthState, error) {
	raw, err := s.rdb.GetDel(ctx, stateKeyPrefix+state).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.PendingAuthState{}, fmt.Errorf("op=authstore.ConsumeState: %w", domain.ErrNotFound)
		}
		return domain.PendingAuthState{}, fmt.Errorf("op=authstore.ConsumeState: %w", err)
	}
	var p domain.PendingAuthState
	if err := json.Unmarshal(raw, &p); err != nil {
		slog.Warn("invalid pending auth state payload in redis")
		return domain.PendingAuthState{}, fmt.Errorf("op=authstore.ConsumeState: %w", domain.ErrNotFound)
	}
	return p, nil
}

// PutSession stores the session under its id with the given TTL.
func (s *Store) PutSession(ctx domain.Context, sess domain.Session, ttl time.Duration) error {
	if err := s.setJSON(ctx, sessionKeyPrefix+sess.ID, sess, ttl); err != nil {
		return fmt.Errorf("op=authstore.PutSession: %w", err)
	}
	return nil
}

// GetSession loads a session. An expired session is evicted on read and
// reported as not found, so a stale Redis TTL can never extend a login.
func (s *Store) GetSession(ctx domain.Context, id string) (domain.Session, error) {
	raw, err := s.rdb.Get(ctx, sessionKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Session{}, fmt.Errorf("op=authstore.GetSession: %w", domain.ErrNotFound)
		}
		return domain.Session{}, fmt.Errorf("op=authstore.GetSession: %w", err)
	}
	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		slog.Warn("invalid session payload in redis", slog.String("session_id", id))
		return domain.Session{}, fmt.Errorf("op=authstore.GetSession: %w", domain.ErrNotFound)
	}
	if sess.Expired(s.clock.Now()) {
		_ = s.rdb.Del(ctx, sessionKeyPrefix+id).Err()
		return domain.Session{}, fmt.Errorf("op=authstore.GetSession: %w", domain.ErrNotFound)
	}
	return sess, nil
}

// DeleteSession removes a session immediately.
func (s *Store) DeleteSession(ctx domain.Context, id string) error {
	if err := s.rdb.Del(ctx, sessionKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("op=authstore.DeleteSession: %w", err)
	}
	return nil
}

// PutDeepLink stores a one-shot grant.
func (s *Store) PutDeepLink(ctx domain.Context, g domain.DeepLinkGrant, ttl time.Duration) error {
	if err := s.setJSON(ctx, deepLinkKeyPrefix+g.ID, g, ttl); err != nil {
		return fmt.Errorf("op=authstore.PutDeepLink: %w", err)
	}
	return nil
}

// GetDeepLink reads a grant without consuming it.
func (s *Store) GetDeepLink(ctx domain.Context, id string) (domain.DeepLinkGrant, error) {
	raw, err := s.rdb.Get(ctx, deepLinkKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.DeepLinkGrant{}, fmt.Errorf("op=authstore.GetDeepLink: %w", domain.ErrNotFound)
		}
		return domain.DeepLinkGrant{}, fmt.Errorf("op=authstore.GetDeepLink: %w", err)
	}
	var g domain.DeepLinkGrant
	if err := json.Unmarshal(raw, &g); err != nil {
		slog.Warn("invalid deep link payload in redis")
		return domain.DeepLinkGrant{}, fmt.Errorf("op=authstore.GetDeepLink: %w", domain.ErrNotFound)
	}
	return g, nil
}

// ConsumeDeepLink atomically takes a grant; the second consumer loses.
func (s *Store) ConsumeDeepLink(ctx domain.Context, id string) (domain.DeepLinkGrant, error) {
	raw, err := s.rdb.GetDel(ctx, deepLinkKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.DeepLinkGrant{}, fmt.Errorf("op=authstore.ConsumeDeepLink: %w", domain.ErrNotFound)
		}
		return domain.DeepLinkGrant{}, fmt.Errorf("op=authstore.ConsumeDeepLink: %w", err)
	}
	var g domain.DeepLinkGrant
	if err := json.Unmarshal(raw, &g); err != nil {
		slog.Warn("invalid deep link payload in redis")
		return domain.DeepLinkGrant{}, fmt.Errorf("op=authstore.ConsumeDeepLink: %w", domain.ErrNotFound)
	}
	return g, nil
}

func (s *Store) setJSON(ctx domain.Context, key string, v any, ttl time.Duration) error {
	if ttl < time.Second {
		ttl = time.Second
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, b, ttl).Err()
}

// Package oidc is a small OIDC relying-party client: discovery, PKCE
// code exchange, and ID token verification against the provider JWKS.
package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sony/gobreaker"

	"github.com/fairyhunter13/ops-orchestrator/internal/domain"
)

// Metadata is the provider discovery payload subset used by auth flows.
type Metadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
}

// TokenResponse is the token endpoint payload subset we consume.
type TokenResponse struct {
	IDToken     string `json:"id_token"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Claims are the verified ID token claims the session is minted from.
type Claims struct {
	Subject   string
	Email     string
	Name      string
	ExpiresAt time.Time
}

// Client caches discovery metadata and signing keys. Provider HTTP
// calls run behind a circuit breaker so a flapping IdP cannot pile up
// goroutines waiting on timeouts.
type Client struct {
	issuer       string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	breaker      *gobreaker.CircuitBreaker

	mu           sync.Mutex
	meta         *Metadata
	keys         map[string]*rsa.PublicKey
	keysLoadedAt time.Time
	keysTTL      time.Duration
}

// New constructs a Client for the given issuer.
func New(issuer, clientID, clientSecret string) *Client {
	return &Client{
		issuer:       strings.TrimRight(strings.TrimSpace(issuer), "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "oidc-provider",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		keysTTL: time.Hour,
	}
}

// Metadata returns the cached discovery document, fetching it once.
func (c *Client) Metadata(ctx context.Context) (Metadata, error) {
	c.mu.Lock()
	if c.meta != nil {
		m := *c.meta
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()

	if c.issuer == "" {
		return Metadata{}, fmt.Errorf("op=oidc.Metadata: issuer not configured: %w", domain.ErrInvalidArgument)
	}
	var meta Metadata
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		return c.getJSON(ctx, c.issuer+"/.well-known/openid-configuration", &meta)
	}, bo)
	if err != nil {
		return Metadata{}, fmt.Errorf("op=oidc.Metadata: %w", err)
	}
	c.mu.Lock()
	c.meta = &meta
	c.mu.Unlock()
	return meta, nil
}

// AuthorizationURL builds the browser redirect for the login flow.
func (c *Client) AuthorizationURL(meta Metadata, redirectURI string, scopes []string, state, nonce, challenge string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("state", state)
	q.Set("nonce", nonce)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	return meta.AuthorizationEndpoint + "?" + q.Encode()
}

// EndSessionURL builds the provider logout redirect, when supported.
func (c *Client) EndSessionURL(meta Metadata, postLogoutRedirect string) string {
	if meta.EndSessionEndpoint == "" {
		return ""
	}
	q := url.Values{}
	q.Set("client_id", c.clientID)
	if postLogoutRedirect != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirect)
	}
	return meta.EndSessionEndpoint + "?" + q.Encode()
}

// ExchangeCode trades the authorization code plus PKCE verifier for
// tokens.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI, verifier string) (TokenResponse, error) {
	meta, err := c.Metadata(ctx)
	if err != nil {
		return TokenResponse{}, err
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("code_verifier", verifier)

	var tok TokenResponse
	_, err = c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, meta.TokenEndpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return nil, fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, body)
		}
		return nil, json.NewDecoder(resp.Body).Decode(&tok)
	})
	if err != nil {
		return TokenResponse{}, fmt.Errorf("op=oidc.ExchangeCode: %w", err)
	}
	if tok.IDToken == "" {
		return TokenResponse{}, fmt.Errorf("op=oidc.ExchangeCode: token response missing id_token")
	}
	return tok, nil
}

// VerifyIDToken validates signature, issuer, audience, expiry, and
// nonce, returning the identity claims.
func (c *Client) VerifyIDToken(ctx context.Context, idToken, nonce string) (Claims, error) {
	meta, err := c.Metadata(ctx)
	if err != nil {
		return Claims{}, err
	}
	keyfunc := func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("missing kid in token header")
		}
		key, err := c.signingKey(ctx, meta, kid)
		if err != nil {
			return nil, err
		}
		return key, nil
	}
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(idToken, claims, keyfunc,
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithIssuer(meta.Issuer),
		jwt.WithAudience(c.clientID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("op=oidc.VerifyIDToken: %w: %v", domain.ErrUnauthorized, err)
	}
	tokenNonce, _ := claims["nonce"].(string)
	if subtle.ConstantTimeCompare([]byte(tokenNonce), []byte(nonce)) != 1 {
		return Claims{}, fmt.Errorf("op=oidc.VerifyIDToken: nonce mismatch: %w", domain.ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Claims{}, fmt.Errorf("op=oidc.VerifyIDToken: missing sub claim: %w", domain.ErrUnauthorized)
	}
	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return Claims{}, fmt.Errorf("op=oidc.VerifyIDToken: missing exp claim: %w", domain.ErrUnauthorized)
	}
	return Claims{Subject: sub, Email: email, Name: name, ExpiresAt: exp.Time}, nil
}

type jwkKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (c *Client) signingKey(ctx context.Context, meta Metadata, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	if c.keys != nil && time.Since(c.keysLoadedAt) < c.keysTTL {
		if key, ok := c.keys[kid]; ok {
			c.mu.Unlock()
			return key, nil
		}
	}
	c.mu.Unlock()

	var payload struct {
		Keys []jwkKey `json:"keys"`
	}
	if err := c.getJSON(ctx, meta.JWKSURI, &payload); err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	keys := map[string]*rsa.PublicKey{}
	for _, k := range payload.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := rsaKeyFromJWK(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	c.mu.Lock()
	c.keys = keys
	c.keysLoadedAt = time.Now()
	key, ok := c.keys[kid]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("signing key %q not found", kid)
	}
	return key, nil
}

func rsaKeyFromJWK(k jwkKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e == 0 {
		return nil, fmt.Errorf("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	return err
}

// MakePKCEPair generates a code verifier and its S256 challenge.
func MakePKCEPair() (verifier, challenge string, err error) {
	raw := make([]byte, 64)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("op=oidc.MakePKCEPair: %w", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

// RandomToken returns a URL-safe random token for states and nonces.
func RandomToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("op=oidc.RandomToken: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

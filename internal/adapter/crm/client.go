// Package crm is the HTTP client for the upstream CRM's REST API.
package crm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/fairyhunter13/ops-orchestrator/internal/domain"
)

// Client implements domain.CRMClient. Requests authenticate with an API
// key header and run behind a circuit breaker.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New constructs a Client.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "crm",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

type contactPayload struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	EmailAddress string   `json:"emailAddress"`
	OrgEmail     string   `json:"orgEmailAddress"`
	ChatUserID   string   `json:"chatUserId"`
	ChatUsername string   `json:"chatUserName"`
	Roles        []string `json:"chatRoles"`
}

func (p contactPayload) toDomain() domain.CRMContact {
	return domain.CRMContact{
		ID:           p.ID,
		Name:         p.Name,
		Email:        p.EmailAddress,
		OrgEmail:     p.OrgEmail,
		ChatUserID:   p.ChatUserID,
		ChatUsername: p.ChatUsername,
		Roles:        p.Roles,
	}
}

// ListContacts pages through the contact list. limit <= 0 means the
// server default.
func (c *Client) ListContacts(ctx domain.Context, limit int) ([]domain.CRMContact, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("maxSize", strconv.Itoa(limit))
	}
	var payload struct {
		List []contactPayload `json:"list"`
	}
	if err := c.getJSON(ctx, "/api/v1/Contact?"+q.Encode(), &payload); err != nil {
		return nil, fmt.Errorf("op=crm.ListContacts: %w", err)
	}
	out := make([]domain.CRMContact, 0, len(payload.List))
	for _, p := range payload.List {
		out = append(out, p.toDomain())
	}
	return out, nil
}

// GetContact fetches one contact; unknown ids map to ErrNotFound.
func (c *Client) GetContact(ctx domain.Context, id string) (domain.CRMContact, error) {
	var payload contactPayload
	if err := c.getJSON(ctx, "/api/v1/Contact/"+url.PathEscape(id), &payload); err != nil {
		return domain.CRMContact{}, fmt.Errorf("op=crm.GetContact: %w", err)
	}
	return payload.toDomain(), nil
}

// FetchAttachment downloads one attachment's name and bytes.
func (c *Client) FetchAttachment(ctx domain.Context, id string) (string, []byte, error) {
	var meta struct {
		Name     string `json:"name"`
		Contents string `json:"contents"`
	}
	if err := c.getJSON(ctx, "/api/v1/Attachment/"+url.PathEscape(id), &meta); err != nil {
		return "", nil, fmt.Errorf("op=crm.FetchAttachment: %w", err)
	}
	if meta.Contents != "" {
		data, err := base64.StdEncoding.DecodeString(meta.Contents)
		if err != nil {
			return "", nil, fmt.Errorf("op=crm.FetchAttachment: invalid contents encoding: %w", err)
		}
		return meta.Name, data, nil
	}
	data, err := c.getRaw(ctx, "/api/v1/Attachment/file/"+url.PathEscape(id))
	if err != nil {
		return "", nil, fmt.Errorf("op=crm.FetchAttachment: %w", err)
	}
	return meta.Name, data, nil
}

func (c *Client) getJSON(ctx domain.Context, path string, out any) error {
	data, err := c.getRaw(ctx, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

type rawResult struct {
	data     []byte
	notFound bool
}

func (c *Client) getRaw(ctx domain.Context, path string) ([]byte, error) {
	// A 404 is an answer, not an upstream failure; it must not trip the
	// breaker.
	res, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Api-Key", c.apiKey)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return rawResult{notFound: true}, nil
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return nil, fmt.Errorf("crm status %d: %w", resp.StatusCode, domain.ErrUnavailable)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return rawResult{data: data}, nil
	})
	if err != nil {
		return nil, err
	}
	r := res.(rawResult)
	if r.notFound {
		return nil, domain.ErrNotFound
	}
	return r.data, nil
}

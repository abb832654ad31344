package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ops-orchestrator/internal/domain"
)

type sessionKey struct{}

// SessionFrom returns the authenticated session placed by RequireSession.
func SessionFrom(ctx context.Context) (domain.Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(domain.Session)
	return s, ok
}

func (s *Server) setSessionCookie(w http.ResponseWriter, sess domain.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.Cfg.AuthCookieName,
		Value:    sess.ID,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   s.Cfg.AuthCookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.Cfg.AuthCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.Cfg.AuthCookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) sessionID(r *http.Request) string {
	c, err := r.Cookie(s.Cfg.AuthCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// RequireSession guards admin routes behind a live session.
func (s *Server) RequireSession() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.Auth == nil {
				writeError(w, r, fmt.Errorf("sso not configured: %w", domain.ErrUnavailable), nil)
				return
			}
			sess, err := s.Auth.Session(r.Context(), s.sessionID(r))
			if err != nil {
				s.clearSessionCookie(w)
				writeError(w, r, err, nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
		})
	}
}

// LoginHandler starts the SSO flow and redirects to the provider.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authURL, err := s.Auth.Login(r.Context(), r.URL.Query().Get("next"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// CallbackHandler completes the SSO flow, sets the session cookie, and
// redirects to the sanitized next path.
func (s *Server) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errCode := q.Get("error"); errCode != "" {
			writeError(w, r, fmt.Errorf("provider returned %s: %w", errCode, domain.ErrUnauthorized), nil)
			return
		}
		state, code := q.Get("state"), q.Get("code")
		if state == "" || code == "" {
			writeError(w, r, fmt.Errorf("state and code are required: %w", domain.ErrInvalidArgument), nil)
			return
		}
		res, err := s.Auth.Callback(r.Context(), state, code)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		s.setSessionCookie(w, res.Session)
		http.Redirect(w, r, res.NextPath, http.StatusFound)
	}
}

// LogoutHandler deletes the session and clears the cookie. When the
// provider advertises an end-session endpoint the browser is sent there.
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		endURL, err := s.Auth.Logout(r.Context(), s.sessionID(r), "")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		s.clearSessionCookie(w)
		if endURL != "" {
			http.Redirect(w, r, endURL, http.StatusFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
	}
}

// MeHandler returns the authenticated identity.
func (s *Server) MeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := SessionFrom(r.Context())
		if !ok {
			writeError(w, r, fmt.Errorf("no session: %w", domain.ErrUnauthorized), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"email":      sess.Email,
			"name":       sess.Name,
			"person_id":  sess.PersonID,
			"roles":      sess.Roles,
			"expires_at": sess.ExpiresAt.Format(time.RFC3339),
		})
	}
}

type deepLinkBody struct {
	PersonID string `json:"person_id"`
	Target   string `json:"target"`
}

// CreateDeepLinkHandler mints a one-shot link for a known person.
// Ingest-guarded: the chat integration calls this, not browsers.
func (s *Server) CreateDeepLinkHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body deepLinkBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, r, err, nil)
			return
		}
		id, err := s.Auth.CreateDeepLink(r.Context(), body.PersonID, body.Target)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"grant_id": id, "url": "/auth/deep-link/" + id})
	}
}

// DeepLinkHandler opens a grant by sending the browser into the OIDC
// login flow. No cookie is set here; the callback consumes the grant,
// verifies it belongs to the authenticated person, and only then mints
// the scoped session.
func (s *Server) DeepLinkHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authURL, err := s.Auth.DeepLinkLogin(r.Context(), chi.URLParam(r, "grant"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

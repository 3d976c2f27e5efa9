// Package session reads and writes the HMAC-signed cookie that identifies the
// signed-in user to the authorization endpoints.
package session

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Seann-Moser/oauthcore/logging"
	"github.com/Seann-Moser/oauthcore/oauth/oserver"
	"github.com/Seann-Moser/oauthcore/utils"
)

var _ oserver.UserResolver = (*Client)(nil)

// Client issues and verifies session cookies.
type Client struct {
	ttl    time.Duration
	codec  cookieCodec
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Client)

// WithSameSite overrides the SameSite mode. Lax is the default so the cookie
// rides along on the top-level navigation to /oauth/authorize.
func WithSameSite(mode http.SameSite) Option {
	return func(c *Client) { c.codec.sameSite = mode }
}

// WithCookieDomain scopes cookies to the registrable domain of the sign-in
// request instead of the exact host.
func WithCookieDomain() Option {
	return func(c *Client) { c.codec.domain = true }
}

// NewClient constructs a Client
func NewClient(secret []byte, sessionTTL time.Duration, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		ttl:    sessionTTL,
		codec:  cookieCodec{secret: secret, sameSite: http.SameSiteLaxMode},
		now:    time.Now,
		logger: logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns the verified session carried by r.
func (c *Client) Session(r *http.Request) (*UserSessionData, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, err
	}
	return c.codec.decode(cookie.Value, c.now())
}

// CurrentUser returns the signed-in user. Missing, tampered and expired
// cookies all read as signed out.
func (c *Client) CurrentUser(r *http.Request) (string, bool) {
	if id, ok := UserID(r.Context()); ok {
		return id, true
	}
	u, err := c.Session(r)
	if err != nil {
		if !errors.Is(err, http.ErrNoCookie) {
			c.logger.Debug("rejected session cookie", zap.Error(err))
		}
		return "", false
	}
	if !u.SignedIn || u.UserID == "" {
		return "", false
	}
	return u.UserID, true
}

// SignIn sets a fresh session cookie for userID. The login flow calls it after
// verifying the user's credentials.
func (c *Client) SignIn(w http.ResponseWriter, r *http.Request, userID string) (*UserSessionData, error) {
	u := &UserSessionData{
		UserID:    userID,
		SignedIn:  true,
		ExpiresAt: c.now().Add(c.ttl).Unix(),
		Domain:    utils.GetDomain(r),
	}
	if err := c.codec.write(w, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (c *Client) SignOut(w http.ResponseWriter) {
	c.codec.clear(w)
}

// Middleware attaches a valid session to the request context.
func (c *Client) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, err := c.Session(r); err == nil {
			r = r.WithContext(u.WithContext(r.Context()))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireUser answers 401 unless the request carries a signed-in session.
func (c *Client) RequireUser(next http.Handler) http.Handler {
	return c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserID(r.Context()); !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"login_required"}`))
			return
		}
		next.ServeHTTP(w, r)
	}))
}

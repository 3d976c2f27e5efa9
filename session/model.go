package session

import (
	"context"
	"errors"
)

type contextKey string

const sessionKey contextKey = "USER_SESSION_DATA"

const sessionCookieName = "session"

// UserSessionData holds the signed-in user carried by the session cookie.
type UserSessionData struct {
	UserID    string `json:"user_id"`
	SignedIn  bool   `json:"signed_in"`
	ExpiresAt int64  `json:"expires_at"`
	Domain    string `json:"domain,omitempty"`
}

// WithContext attaches session data to context
func (u *UserSessionData) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, sessionKey, u)
}

func GetSession(ctx context.Context) (*UserSessionData, error) {
	u, ok := ctx.Value(sessionKey).(*UserSessionData)
	if !ok || u == nil {
		return nil, errors.New("no session in context")
	}
	return u, nil
}

// UserID returns the signed-in user stored in ctx by Client.Middleware.
func UserID(ctx context.Context) (string, bool) {
	u, err := GetSession(ctx)
	if err != nil || !u.SignedIn || u.UserID == "" {
		return "", false
	}
	return u.UserID, true
}

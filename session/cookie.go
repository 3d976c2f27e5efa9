package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

var (
	errCookieFormat    = errors.New("invalid session cookie format")
	errCookieSignature = errors.New("invalid session signature")
	errSessionExpired  = errors.New("session expired")
)

// cookieCodec turns UserSessionData into a "payload|mac" cookie value and
// back. The payload is base64url JSON and the mac is HMAC-SHA256 over it.
type cookieCodec struct {
	secret   []byte
	sameSite http.SameSite
	domain   bool
}

func (c cookieCodec) mac(payload string) string {
	h := hmac.New(sha256.New, c.secret)
	h.Write([]byte(payload))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

func (c cookieCodec) verify(payload, sig string) bool {
	return hmac.Equal([]byte(sig), []byte(c.mac(payload)))
}

func (c cookieCodec) encode(u *UserSessionData) (string, error) {
	raw, err := json.Marshal(u)
	if err != nil {
		return "", err
	}
	payload := base64.URLEncoding.EncodeToString(raw)
	return payload + "|" + c.mac(payload), nil
}

func (c cookieCodec) decode(value string, now time.Time) (*UserSessionData, error) {
	payload, sig, ok := strings.Cut(value, "|")
	if !ok || strings.Contains(sig, "|") {
		return nil, errCookieFormat
	}
	if !c.verify(payload, sig) {
		return nil, errCookieSignature
	}
	raw, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return nil, err
	}
	var u UserSessionData
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, err
	}
	if now.Unix() > u.ExpiresAt {
		return nil, errSessionExpired
	}
	return &u, nil
}

// write sets the signed cookie for u. It expires with the session.
func (c cookieCodec) write(w http.ResponseWriter, u *UserSessionData) error {
	value, err := c.encode(u)
	if err != nil {
		return err
	}
	cookie := c.base()
	cookie.Value = value
	if u.ExpiresAt > 0 {
		cookie.Expires = time.Unix(u.ExpiresAt, 0)
	}
	if c.domain {
		cookie.Domain = u.Domain
	}
	http.SetCookie(w, cookie)
	return nil
}

func (c cookieCodec) clear(w http.ResponseWriter) {
	cookie := c.base()
	cookie.Expires = time.Unix(0, 0)
	cookie.MaxAge = -1
	http.SetCookie(w, cookie)
}

func (c cookieCodec) base() *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: c.sameSite,
	}
}

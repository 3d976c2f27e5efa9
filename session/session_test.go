package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var testCodec = cookieCodec{secret: []byte("mysessionsecret"), sameSite: http.SameSiteLaxMode}

func TestCookieCodec_MAC(t *testing.T) {
	sig := testCodec.mac("hello")
	if !testCodec.verify("hello", sig) {
		t.Errorf("verify failed for a valid signature")
	}
	if testCodec.verify("hello", sig+"bad") {
		t.Errorf("verify passed for an invalid signature")
	}
	other := cookieCodec{secret: []byte("othersecret")}
	if other.verify("hello", sig) {
		t.Errorf("verify passed for the wrong secret")
	}
}

// sessionCookie returns the cookie c writes for u.
func sessionCookie(t *testing.T, c cookieCodec, u *UserSessionData) *http.Cookie {
	t.Helper()
	rr := httptest.NewRecorder()
	if err := c.write(rr, u); err != nil {
		t.Fatalf("write error: %v", err)
	}
	cookies := rr.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("no cookie set")
	}
	return cookies[0]
}

func TestCookieCodec_RoundTrip(t *testing.T) {
	u := &UserSessionData{
		UserID:    "user123",
		SignedIn:  true,
		ExpiresAt: time.Now().Add(1 * time.Hour).Unix(),
		Domain:    "acme.test",
	}
	cookie := sessionCookie(t, testCodec, u)
	if !cookie.HttpOnly || !cookie.Secure || cookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("expected an HttpOnly, Secure, Lax cookie, got %+v", cookie)
	}
	if cookie.Domain != "" {
		t.Errorf("expected a host-only cookie, got domain %q", cookie.Domain)
	}

	got, err := testCodec.decode(cookie.Value, time.Now())
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if got.UserID != u.UserID || !got.SignedIn {
		t.Errorf("unexpected session %+v", got)
	}

	scoped := testCodec
	scoped.domain = true
	if c := sessionCookie(t, scoped, u); c.Domain != "acme.test" {
		t.Errorf("expected domain acme.test, got %q", c.Domain)
	}
}

func TestCookieCodec_DecodeRejects(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	valid := sessionCookie(t, testCodec, &UserSessionData{UserID: "u1", SignedIn: true, ExpiresAt: now.Add(time.Hour).Unix()})
	value, sig, _ := strings.Cut(valid.Value, "|")

	tests := []struct {
		name  string
		value string
		codec cookieCodec
		now   time.Time
		want  error
	}{
		{name: "no separator", value: value, codec: testCodec, now: now, want: errCookieFormat},
		{name: "extra separator", value: valid.Value + "|x", codec: testCodec, now: now, want: errCookieFormat},
		{name: "tampered payload", value: "x" + value + "|" + sig, codec: testCodec, now: now, want: errCookieSignature},
		{name: "wrong secret", value: valid.Value, codec: cookieCodec{secret: []byte("other")}, now: now, want: errCookieSignature},
		{name: "expired", value: valid.Value, codec: testCodec, now: now.Add(2 * time.Hour), want: errSessionExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.codec.decode(tt.value, tt.now)
			if err != tt.want {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestContextSession(t *testing.T) {
	u := &UserSessionData{UserID: "ctxuser", SignedIn: true}
	ctx := u.WithContext(context.Background())
	got, err := GetSession(ctx)
	if err != nil {
		t.Errorf("GetSession error: %v", err)
	}
	if got.UserID != u.UserID {
		t.Errorf("expected %s, got %s", u.UserID, got.UserID)
	}
	if id, ok := UserID(ctx); !ok || id != "ctxuser" {
		t.Errorf("expected ctxuser, got %q %v", id, ok)
	}
	// error case
	_, err = GetSession(context.Background())
	if err == nil {
		t.Errorf("expected error for missing session in context")
	}
	anon := (&UserSessionData{UserID: "anon-1"}).WithContext(context.Background())
	if _, ok := UserID(anon); ok {
		t.Errorf("expected a signed-out session to have no user")
	}
}

func TestClient_SignInCurrentUser(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client := NewClient([]byte("secret"), time.Hour, nil)
	client.now = func() time.Time { return now }

	rr := httptest.NewRecorder()
	u, err := client.SignIn(rr, httptest.NewRequest("POST", "https://accounts.test/login", nil), "u1")
	if err != nil {
		t.Fatalf("SignIn error: %v", err)
	}
	if u.ExpiresAt != now.Add(time.Hour).Unix() {
		t.Errorf("expected expiry %d, got %d", now.Add(time.Hour).Unix(), u.ExpiresAt)
	}
	cookie := rr.Result().Cookies()[0]

	req := httptest.NewRequest("GET", "/oauth/authorize", nil)
	req.AddCookie(cookie)
	if id, ok := client.CurrentUser(req); !ok || id != "u1" {
		t.Errorf("expected u1, got %q %v", id, ok)
	}

	if _, ok := client.CurrentUser(httptest.NewRequest("GET", "/", nil)); ok {
		t.Errorf("expected no user without a cookie")
	}

	client.now = func() time.Time { return now.Add(2 * time.Hour) }
	if _, ok := client.CurrentUser(req); ok {
		t.Errorf("expected an expired session to read as signed out")
	}
}

func TestClient_SignOut(t *testing.T) {
	client := NewClient([]byte("secret"), time.Hour, nil, WithSameSite(http.SameSiteStrictMode))
	rr := httptest.NewRecorder()
	client.SignOut(rr)
	cookie := rr.Result().Cookies()[0]
	if cookie.Name != sessionCookieName || cookie.Value != "" || cookie.MaxAge >= 0 || cookie.SameSite != http.SameSiteStrictMode {
		t.Errorf("expected a cleared cookie, got %+v", cookie)
	}
}

func TestClient_RequireUser(t *testing.T) {
	client := NewClient([]byte("secret"), time.Hour, nil)
	var seen string
	h := client.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/settings/connections", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}

	req := httptest.NewRequest("GET", "/settings/connections", nil)
	req.AddCookie(sessionCookie(t, client.codec, &UserSessionData{UserID: "u1", SignedIn: true, ExpiresAt: time.Now().Add(time.Hour).Unix()}))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rr.Code)
	}
	if seen != "u1" {
		t.Errorf("expected u1 in context, got %q", seen)
	}
}

package oauthcore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Seann-Moser/oauthcore/config"
	"github.com/Seann-Moser/oauthcore/oauth/oclient"
	"github.com/Seann-Moser/oauthcore/oauth/oserver"
	"github.com/Seann-Moser/oauthcore/user"
	"github.com/Seann-Moser/oauthcore/webhook"
)

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret:          "jwt-secret-for-tests-only-0123456789",
		JWTIssuer:          "https://accounts.test",
		SessionSecret:      "session-secret-for-tests",
		SessionTTL:         time.Hour,
		AccessTokenTTL:     time.Hour,
		RefreshTokenTTL:    90 * 24 * time.Hour,
		AuthCodeTTL:        10 * time.Minute,
		BcryptCost:         4,
		ConsentURL:         "https://accounts.test/consent",
		LoginURL:           "https://accounts.test/login",
		WebhookTimeout:     5 * time.Second,
		WebhookMaxAttempts: 1,
		WebhookConcurrency: 4,
		TokenRateLimit:     100,
		TokenRateWindow:    time.Minute,
		ClientCacheTTL:     time.Minute,
	}
}

// receiver records webhook deliveries after checking their signatures.
type receiver struct {
	*httptest.Server

	mu     sync.Mutex
	secret string
	events []*webhook.Event
	errs   []error
}

func newReceiver(t *testing.T) *receiver {
	rc := &receiver{}
	rc.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc.mu.Lock()
		defer rc.mu.Unlock()
		event, err := oclient.ParseWebhook(r, rc.secret, webhook.DefaultTolerance)
		if err != nil {
			rc.errs = append(rc.errs, err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		rc.events = append(rc.events, event)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(rc.Close)
	return rc
}

func (rc *receiver) setSecret(s string) {
	rc.mu.Lock()
	rc.secret = s
	rc.mu.Unlock()
}

func (rc *receiver) received() ([]*webhook.Event, []error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]*webhook.Event(nil), rc.events...), append([]error(nil), rc.errs...)
}

type harness struct {
	t      *testing.T
	app    *App
	srv    *httptest.Server
	client *http.Client
}

func newHarness(t *testing.T, opts ...Option) *harness {
	app := NewWithStore(testConfig(), oserver.NewMemoryStore(), zaptest.NewLogger(t), opts...)
	srv := httptest.NewServer(app.Handler)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, app.Close(ctx))
	})
	client := srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &harness{t: t, app: app, srv: srv, client: client}
}

// signIn returns the session cookies for userID.
func (h *harness) signIn(userID string) []*http.Cookie {
	rec := httptest.NewRecorder()
	_, err := h.app.Sessions.SignIn(rec, httptest.NewRequest(http.MethodGet, h.srv.URL, nil), userID)
	require.NoError(h.t, err)
	return rec.Result().Cookies()
}

func (h *harness) do(method, path string, cookies []*http.Cookie, body any) *http.Response {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, r)
	require.NoError(h.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := h.client.Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestApp_AuthorizationFlow(t *testing.T) {
	ctx := context.Background()
	users := user.NewMemoryStore()
	require.NoError(t, users.CreateUser(ctx, &user.User{ID: "u1", Username: "ada", Email: "ada@acme.test", FirstName: "Ada"}))
	h := newHarness(t, WithUserStore(users))
	hooks := newReceiver(t)
	redirectURI := "https://acme.test/callback"

	dev := h.signIn("dev1")
	resp := h.do(http.MethodPost, "/dev/oauth-clients", dev, map[string]any{
		"name":          "Acme",
		"redirect_uris": []string{redirectURI},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	reg := decode[struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}](t, resp)
	require.NotEmpty(t, reg.ClientID)
	require.NotEmpty(t, reg.ClientSecret)

	resp = h.do(http.MethodPost, "/dev/oauth-clients/"+reg.ClientID+"/webhooks", dev, map[string]any{
		"url":    hooks.URL + "/hooks",
		"events": []string{"user.connected", "profile.updated", "user.revoked"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ep := decode[webhook.Endpoint](t, resp)
	require.True(t, strings.HasPrefix(ep.Secret, "whsec_"))
	hooks.setSecret(ep.Secret)

	sdk := oclient.New(oclient.Config{
		BaseURL:      h.srv.URL,
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       []string{"profile:read", oserver.ScopeWebhookVerify},
	}, oclient.WithHTTPClient(h.srv.Client()))
	authURL, err := url.Parse(sdk.AuthCodeURL("xyz", ""))
	require.NoError(t, err)
	authPath := authURL.Path + "?" + authURL.RawQuery

	resp = h.do(http.MethodGet, authPath, nil, nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), "https://accounts.test/login?callbackUrl="))

	u1 := h.signIn("u1")
	resp = h.do(http.MethodGet, authPath, u1, nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	consent, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/consent", consent.Path)
	assert.Equal(t, reg.ClientID, consent.Query().Get("client_id"))

	resp = h.do(http.MethodPost, "/oauth/authorize", u1, oserver.ConsentDecision{
		ClientID:    reg.ClientID,
		RedirectURI: redirectURI,
		Scope:       consent.Query().Get("scope"),
		State:       "xyz",
		Allow:       true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	loc, err := url.Parse(decode[map[string]string](t, resp)["redirect"])
	require.NoError(t, err)
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.Len(t, code, 64)

	pair, err := sdk.Exchange(ctx, code, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pair.RefreshToken, "rt_"))
	assert.Equal(t, "profile:read webhook:verify", pair.Scope)

	_, err = sdk.Exchange(ctx, code, "")
	var apiErr *oclient.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid_grant", apiErr.Code, "codes are single use")

	info, err := sdk.UserInfo(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", info.Subject)

	meReq, err := http.NewRequest(http.MethodGet, h.srv.URL+"/v1/me", nil)
	require.NoError(t, err)
	meReq.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	resp, err = h.client.Do(meReq)
	require.NoError(t, err)
	me := decode[map[string]any](t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, "Ada", me["firstName"])
	assert.NotContains(t, me, "email", "email needs its own scope")

	h.app.Dispatcher.Wait()
	events, errs := hooks.received()
	require.Empty(t, errs)
	require.Len(t, events, 1)
	assert.Equal(t, webhook.EventUserConnected, events[0].Type)

	resp = h.do(http.MethodPatch, "/account/profile", u1, map[string]string{"bio": "Analyst"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h.app.Dispatcher.Wait()
	events, errs = hooks.received()
	require.Empty(t, errs)
	require.Len(t, events, 2)
	updated, ok := events[1].Payload.(webhook.ProfileUpdated)
	require.True(t, ok)
	assert.Equal(t, []string{"bio"}, updated.ChangedFields)

	// A second authorization skips the prompt since the scopes are granted.
	resp = h.do(http.MethodGet, authPath, u1, nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), redirectURI+"?"))

	rotated, err := sdk.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)
	_, err = sdk.Refresh(ctx, pair.RefreshToken)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid_grant", apiErr.Code, "a rotated refresh token is spent")

	resp = h.do(http.MethodGet, "/settings/connections", u1, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conns := decode[struct {
		Connections []oserver.Connection `json:"connections"`
	}](t, resp)
	require.Len(t, conns.Connections, 1)
	assert.Equal(t, "Acme", conns.Connections[0].Name)

	resp = h.do(http.MethodDelete, "/settings/connections/"+reg.ClientID, u1, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	h.app.Dispatcher.Wait()
	events, errs = hooks.received()
	require.Empty(t, errs)
	require.Len(t, events, 3)
	revoked := events[2]
	assert.Equal(t, webhook.EventUserRevoked, revoked.Type)

	_, err = sdk.Refresh(ctx, rotated.RefreshToken)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid_grant", apiErr.Code, "revocation kills outstanding refresh tokens")

	verified, err := sdk.VerifyEvent(ctx, rotated.AccessToken, revoked.ID)
	require.NoError(t, err)
	assert.Equal(t, revoked.ID, verified.ID)
	payload, ok := verified.Payload.(webhook.UserRevoked)
	require.True(t, ok)
	assert.Equal(t, reg.ClientID, payload.ClientID)
	assert.Equal(t, "u1", payload.UserID)

	resp = h.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `oauthcore_tokens_issued_total{grant_type="authorization_code"} 1`)
	assert.Contains(t, string(body), `oauthcore_tokens_issued_total{grant_type="refresh_token"} 1`)
}

func TestApp_Healthz(t *testing.T) {
	h := newHarness(t)
	resp := h.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApp_TokenRateLimitWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig()
	cfg.TokenRateLimit = 2
	app := NewWithStore(cfg, oserver.NewMemoryStore(), zaptest.NewLogger(t), WithRedis(rdb))
	srv := httptest.NewServer(app.Handler)
	t.Cleanup(srv.Close)

	post := func() int {
		form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"rt_x"}, "client_id": {"client_1"}, "client_secret": {"nope"}}
		resp, err := srv.Client().PostForm(srv.URL+"/oauth/token", form)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusUnauthorized, post())
	assert.Equal(t, http.StatusUnauthorized, post())
	assert.Equal(t, http.StatusTooManyRequests, post())
	assert.True(t, mr.Exists("rate_limit:token:client_1"))
	require.NoError(t, app.Close(context.Background()))
}

func TestApp_CloseDrainsDeliveries(t *testing.T) {
	ctx := context.Background()
	store := oserver.NewMemoryStore()
	app := NewWithStore(testConfig(), store, zaptest.NewLogger(t))
	srv := httptest.NewServer(app.Handler)

	release := make(chan struct{})
	var (
		mu        sync.Mutex
		delivered int
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		mu.Lock()
		delivered++
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(hook.Close)

	reg, err := app.Server.RegisterClient(ctx, "dev1", oserver.ClientRegistration{
		Name:         "Acme",
		RedirectURIs: []string{"https://acme.test/callback"},
	})
	require.NoError(t, err)
	hookURL := hook.URL
	events := []string{string(webhook.EventProfileUpdated)}
	_, err = app.Server.AddWebhook(ctx, "dev1", reg.ClientID, oserver.WebhookInput{URL: &hookURL, Events: &events})
	require.NoError(t, err)
	_, err = store.UpsertConsent(ctx, "u1", reg.ClientID, []string{"profile:read"}, time.Now())
	require.NoError(t, err)

	app.Server.NotifyProfileUpdated(ctx, "u1", []string{"bio"})

	// Stop serving first, then close with the delivery still blocked.
	srv.Close()
	closed := make(chan error, 1)
	go func() { closed <- app.Close(ctx) }()
	select {
	case <-closed:
		t.Fatal("Close returned before the delivery finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-closed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, delivered)
}

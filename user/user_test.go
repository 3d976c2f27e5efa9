package user

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seann-Moser/oauthcore/oauth/oserver"
)

func ptr[T any](v T) *T { return &v }

func TestProfileUpdate_Validate(t *testing.T) {
	tests := []struct {
		name    string
		update  ProfileUpdate
		wantErr string
	}{
		{"names", ProfileUpdate{FirstName: ptr("Ada"), LastName: ptr("Lovelace")}, ""},
		{"empty first name", ProfileUpdate{FirstName: ptr("")}, "firstName must be 1 to 50 characters"},
		{"long last name", ProfileUpdate{LastName: ptr(strings.Repeat("x", 51))}, "lastName must be 1 to 50 characters"},
		{"long bio", ProfileUpdate{Bio: ptr(strings.Repeat("b", 1001))}, "bio cannot exceed 1000 characters"},
		{"empty bio", ProfileUpdate{Bio: ptr("")}, ""},
		{"too many interests", ProfileUpdate{Interests: ptr(make([]string, 21))}, "at most 20 interests are allowed"},
		{"long interest", ProfileUpdate{Interests: ptr([]string{strings.Repeat("i", 31)})}, "interests cannot exceed 30 characters"},
		{"link", ProfileUpdate{Links: ptr([]Link{{Title: "Blog", URL: "https://ada.test"}})}, ""},
		{"link without scheme", ProfileUpdate{Links: ptr([]Link{{Title: "Blog", URL: "ada.test"}})}, "link url must be an absolute http(s) url"},
		{"link without title", ProfileUpdate{Links: ptr([]Link{{URL: "https://ada.test"}})}, "link title must be 1 to 50 characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.update.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestUser_Apply(t *testing.T) {
	u := &User{FirstName: "Ada", LastName: "Byron", Interests: []string{"math"}}

	changed := u.Apply(ProfileUpdate{
		FirstName: ptr("Ada"),
		LastName:  ptr("Lovelace"),
		Interests: ptr([]string{"math", "engines"}),
	})
	assert.Equal(t, []string{"lastName", "interests"}, changed, "unchanged values are not reported")
	assert.Equal(t, "Lovelace", u.LastName)
	assert.Equal(t, []string{"math", "engines"}, u.Interests)

	assert.Empty(t, u.Apply(ProfileUpdate{Interests: ptr([]string{"math", "engines"})}))
}

func TestUser_ForScopes(t *testing.T) {
	u := &User{ID: "u1", Email: "ada@acme.test"}
	assert.Empty(t, u.ForScopes([]string{"profile:read"}, "email:read").Email)
	assert.Equal(t, "ada@acme.test", u.ForScopes([]string{"profile:read", "email:read"}, "email:read").Email)
	assert.Equal(t, "ada@acme.test", u.Email, "the original is not modified")
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	u := &User{Username: "ada", Interests: []string{"math"}}
	require.NoError(t, s.CreateUser(ctx, u))
	require.NotEmpty(t, u.ID)
	assert.ErrorIs(t, s.CreateUser(ctx, &User{Username: "ada"}), ErrUsernameTaken)

	got, err := s.GetUserByUsername(ctx, "ada")
	require.NoError(t, err)
	got.Interests[0] = "mutated"
	again, err := s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"math"}, again.Interests, "reads return copies")

	again.Bio = "hello"
	require.NoError(t, s.UpdateUser(ctx, again))
	got, err = s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Bio)

	require.NoError(t, s.DeleteUser(ctx, u.ID))
	_, err = s.GetUserByID(ctx, u.ID)
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.ErrorIs(t, s.DeleteUser(ctx, u.ID), ErrUserNotFound)
	assert.ErrorIs(t, s.UpdateUser(ctx, &User{ID: "missing"}), ErrUserNotFound)
}

type headerUser struct{}

func (headerUser) CurrentUser(r *http.Request) (string, bool) {
	id := r.Header.Get("X-Test-User")
	return id, id != ""
}

type tokenMap map[string]*oserver.UserInfo

func (m tokenMap) UserInfo(_ context.Context, token string) (*oserver.UserInfo, error) {
	info, ok := m[token]
	if !ok {
		return nil, &oserver.Error{Code: oserver.ErrInvalidToken.Code, Status: oserver.ErrInvalidToken.Status}
	}
	return info, nil
}

type notification struct {
	userID  string
	changed []string
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notification
}

func (n *recordingNotifier) NotifyProfileUpdated(_ context.Context, userID string, changed []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{userID, changed})
}

func newTestProfileServer(t *testing.T) (*mux.Router, *MemoryStore, *recordingNotifier) {
	store := NewMemoryStore()
	require.NoError(t, store.CreateUser(context.Background(), &User{
		ID:        "u1",
		Username:  "ada",
		Email:     "ada@acme.test",
		FirstName: "Ada",
	}))
	tokens := tokenMap{
		"at_read":  {Subject: "u1", ClientID: "client_1", Scope: "profile:read"},
		"at_email": {Subject: "u1", ClientID: "client_1", Scope: "profile:read email:read"},
		"at_write": {Subject: "u1", ClientID: "client_1", Scope: "profile:write"},
	}
	notifier := &recordingNotifier{}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewServer(store, headerUser{}, tokens, notifier, WithClock(func() time.Time { return now }))
	r := mux.NewRouter()
	s.Register(r)
	return r, store, notifier
}

func serve(r http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_AccountProfile(t *testing.T) {
	r, store, notifier := newTestProfileServer(t)
	session := map[string]string{"X-Test-User": "u1"}

	rec := serve(r, http.MethodGet, "/account/profile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "login_required", decodeBody(t, rec)["error"])

	rec = serve(r, http.MethodGet, "/account/profile", "", session)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ada@acme.test", decodeBody(t, rec)["email"])

	rec = serve(r, http.MethodPatch, "/account/profile", `{"firstName":"Ada","bio":"Analyst"}`, session)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Analyst", decodeBody(t, rec)["bio"])
	require.Len(t, notifier.calls, 1)
	assert.Equal(t, notification{"u1", []string{"bio"}}, notifier.calls[0])

	stored, err := store.GetUserByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), stored.UpdatedAt)

	rec = serve(r, http.MethodPatch, "/account/profile", `{"bio":"Analyst"}`, session)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, notifier.calls, 1, "a no-op edit sends nothing")

	rec = serve(r, http.MethodPatch, "/account/profile", `{}`, session)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = serve(r, http.MethodPatch, "/account/profile", `{"password":"x"}`, session)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")
	rec = serve(r, http.MethodPatch, "/account/profile", `{"firstName":""}`, session)
	assert.Equal(t, "firstName must be 1 to 50 characters", decodeBody(t, rec)["error_description"])

	rec = serve(r, http.MethodGet, "/account/profile", "", map[string]string{"X-Test-User": "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Me(t *testing.T) {
	r, _, notifier := newTestProfileServer(t)
	bearer := func(token string) map[string]string {
		return map[string]string{"Authorization": "Bearer " + token}
	}

	rec := serve(r, http.MethodGet, "/v1/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer error="invalid_token"`, rec.Header().Get("WWW-Authenticate"))

	rec = serve(r, http.MethodGet, "/v1/me", "", bearer("at_read"))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Ada", body["firstName"])
	assert.NotContains(t, body, "email")

	rec = serve(r, http.MethodGet, "/v1/me", "", bearer("at_email"))
	assert.Equal(t, "ada@acme.test", decodeBody(t, rec)["email"])

	rec = serve(r, http.MethodPut, "/v1/me", `{"lastName":"Lovelace"}`, bearer("at_read"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "insufficient_scope", decodeBody(t, rec)["error"])

	rec = serve(r, http.MethodPut, "/v1/me", `{"lastName":"Lovelace"}`, bearer("at_write"))
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "Lovelace", body["lastName"])
	assert.NotContains(t, body, "email")
	require.Len(t, notifier.calls, 1)
	assert.Equal(t, []string{"lastName"}, notifier.calls[0].changed)
}

// Package user owns account profiles and is the source of profile.updated
// webhook events.
package user

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Seann-Moser/oauthcore/logging"
	"github.com/Seann-Moser/oauthcore/oauth/oserver"
	"github.com/Seann-Moser/oauthcore/utils"
)

const maxRequestBytes = 64 << 10

// ProfileNotifier fans profile changes out to authorized clients.
// *oserver.Server implements it.
type ProfileNotifier interface {
	NotifyProfileUpdated(ctx context.Context, userID string, changedFields []string)
}

// TokenIntrospector resolves a bearer access token. *oserver.Server
// implements it.
type TokenIntrospector interface {
	UserInfo(ctx context.Context, accessToken string) (*oserver.UserInfo, error)
}

type Server struct {
	store    Store
	users    oserver.UserResolver
	tokens   TokenIntrospector
	notifier ProfileNotifier
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNop(l) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func NewServer(store Store, users oserver.UserResolver, tokens TokenIntrospector, notifier ProfileNotifier, opts ...Option) *Server {
	s := &Server{
		store:    store,
		users:    users,
		tokens:   tokens,
		notifier: notifier,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register mounts the session routes under /account and the bearer routes
// under /v1/me.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/account/profile", s.GetAccountProfile).Methods(http.MethodGet)
	r.HandleFunc("/account/profile", s.UpdateAccountProfile).Methods(http.MethodPatch)
	r.HandleFunc("/v1/me", s.GetMe).Methods(http.MethodGet)
	r.HandleFunc("/v1/me", s.UpdateMe).Methods(http.MethodPut, http.MethodPatch)
}

// UpdateProfile validates and stores p, then notifies authorized clients when
// anything changed. It returns the stored profile.
func (s *Server) UpdateProfile(ctx context.Context, userID string, p ProfileUpdate) (*User, error) {
	if p.Empty() {
		return nil, apiError(oserver.ErrInvalidRequest, "no profile fields provided")
	}
	if err := p.Validate(); err != nil {
		return nil, apiError(oserver.ErrInvalidRequest, err.Error())
	}
	u, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, apiError(oserver.ErrNotFound, "user not found")
	}
	if err != nil {
		return nil, err
	}
	changed := u.Apply(p)
	if len(changed) == 0 {
		return u, nil
	}
	u.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateUser(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("profile updated", zap.String("user_id", userID), zap.Strings("changed_fields", changed))
	if s.notifier != nil {
		s.notifier.NotifyProfileUpdated(ctx, userID, changed)
	}
	return u, nil
}

func (s *Server) GetAccountProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.users.CurrentUser(r)
	if !ok {
		s.writeError(w, r, apiError(oserver.ErrLoginRequired, "sign in required"))
		return
	}
	u, err := s.store.GetUserByID(r.Context(), userID)
	if errors.Is(err, ErrUserNotFound) {
		err = apiError(oserver.ErrNotFound, "user not found")
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, u)
}

func (s *Server) UpdateAccountProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.users.CurrentUser(r)
	if !ok {
		s.writeError(w, r, apiError(oserver.ErrLoginRequired, "sign in required"))
		return
	}
	s.update(w, r, userID, nil)
}

// GetMe returns the token holder's profile. It needs profile:read; the email
// address is included only with email:read.
func (s *Server) GetMe(w http.ResponseWriter, r *http.Request) {
	info, err := s.bearer(r, oserver.ScopeProfileRead)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.store.GetUserByID(r.Context(), info.Subject)
	if errors.Is(err, ErrUserNotFound) {
		err = apiError(oserver.ErrNotFound, "user not found")
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, u.ForScopes(oserver.ParseScopes(info.Scope), oserver.ScopeEmailRead))
}

// UpdateMe edits the token holder's profile. It needs profile:write.
func (s *Server) UpdateMe(w http.ResponseWriter, r *http.Request) {
	info, err := s.bearer(r, oserver.ScopeProfileWrite)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.update(w, r, info.Subject, oserver.ParseScopes(info.Scope))
}

func (s *Server) update(w http.ResponseWriter, r *http.Request, userID string, scopes []string) {
	var p ProfileUpdate
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		s.writeError(w, r, apiError(oserver.ErrInvalidRequest, "invalid request body"))
		return
	}
	u, err := s.UpdateProfile(r.Context(), userID, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if scopes != nil {
		u = u.ForScopes(scopes, oserver.ScopeEmailRead)
	}
	s.writeJSON(w, http.StatusOK, u)
}

func (s *Server) bearer(r *http.Request, scope string) (*oserver.UserInfo, error) {
	token, _ := utils.BearerToken(r)
	info, err := s.tokens.UserInfo(r.Context(), token)
	if err != nil {
		return nil, err
	}
	if slices.Contains(oserver.ParseScopes(info.Scope), scope) {
		return info, nil
	}
	return nil, apiError(oserver.ErrInsufficientScope, "token lacks the "+scope+" scope")
}

func apiError(base *oserver.Error, description string) *oserver.Error {
	return &oserver.Error{Code: base.Code, Status: base.Status, Description: description}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	oe := oserver.AsError(err)
	body := map[string]string{"error": oe.Code}
	if oe.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(oe),
		)
	} else if oe.Description != "" {
		body["error_description"] = oe.Description
	}
	if oe.Code == oserver.ErrInvalidToken.Code {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	s.writeJSON(w, oe.Status, body)
}

package oserver

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Seann-Moser/oauthcore/logging"
	"github.com/Seann-Moser/oauthcore/metrics"
	"github.com/Seann-Moser/oauthcore/utils"
)

type ContentType string

const (
	ContentTypeJSON ContentType = "application/json"
	ContentTypeForm ContentType = "application/x-www-form-urlencoded"
)

const maxBodyBytes = 1 << 20

// UserResolver returns the id of the signed-in user behind a browser request.
type UserResolver interface {
	CurrentUser(r *http.Request) (string, bool)
}

// RateLimiter decides whether another request under key is allowed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type HandlerConfig struct {
	// LoginURL receives unauthenticated authorize requests with a
	// callbackUrl query parameter. Empty means answer 401 instead.
	LoginURL string
	Limiter  RateLimiter
	Logger   *zap.Logger
	Metrics  *metrics.Recorder
}

type Handler struct {
	server   OServer
	users    UserResolver
	limiter  RateLimiter
	loginURL string
	logger   *zap.Logger
	metrics  *metrics.Recorder
}

func NewHandler(server OServer, users UserResolver, cfg HandlerConfig) *Handler {
	return &Handler{
		server:   server,
		users:    users,
		limiter:  cfg.Limiter,
		loginURL: cfg.LoginURL,
		logger:   logging.OrNop(cfg.Logger),
		metrics:  cfg.Metrics,
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/oauth/authorize", h.Authorize).Methods(http.MethodGet)
	r.HandleFunc("/oauth/authorize", h.withUser(h.Decide)).Methods(http.MethodPost)
	r.HandleFunc("/oauth/token", h.Token).Methods(http.MethodPost)
	r.HandleFunc("/oauth/userinfo", h.UserInfo).Methods(http.MethodGet)
	r.HandleFunc("/oauth/clients/{clientId}", h.GetPublicClient).Methods(http.MethodGet)

	r.HandleFunc("/settings/connections", h.withUser(h.Connections)).Methods(http.MethodGet)
	r.HandleFunc("/settings/connections/{clientId}", h.withUser(h.RevokeConsent)).Methods(http.MethodDelete)

	const dev = "/dev/oauth-clients"
	r.HandleFunc(dev, h.withUser(h.ListClients)).Methods(http.MethodGet)
	r.HandleFunc(dev, h.withUser(h.RegisterClient)).Methods(http.MethodPost)
	r.HandleFunc(dev+"/{clientId}/webhooks", h.withUser(h.AddWebhook)).Methods(http.MethodPost)
	r.HandleFunc(dev+"/{clientId}/webhooks/{webhookId}", h.withUser(h.UpdateWebhook)).Methods(http.MethodPatch)
	r.HandleFunc(dev+"/{clientId}/webhooks/{webhookId}", h.withUser(h.RemoveWebhook)).Methods(http.MethodDelete)
	r.HandleFunc(dev+"/{clientId}/webhooks/{webhookId}/secret", h.withUser(h.RotateWebhookSecret)).Methods(http.MethodPost)
	r.HandleFunc(dev+"/{clientId}/webhooks/{webhookId}/ping", h.withUser(h.PingWebhook)).Methods(http.MethodPost)

	r.HandleFunc("/v1/webhooks/verify", h.VerifyEvent).Methods(http.MethodPost)
}

type userHandlerFunc func(w http.ResponseWriter, r *http.Request, userID string)

func (h *Handler) withUser(next userHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := h.users.CurrentUser(r)
		if !ok {
			h.writeError(w, r, newError(ErrLoginRequired, "sign in required"))
			return
		}
		next(w, r, userID)
	}
}

// Authorize handles GET /oauth/authorize. Signed-out users are bounced to the
// login page and come back to the same URL.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.users.CurrentUser(r)
	if !ok {
		if h.loginURL == "" {
			h.writeError(w, r, newError(ErrLoginRequired, "sign in required"))
			return
		}
		http.Redirect(w, r, h.loginRedirect(r), http.StatusFound)
		return
	}
	q := r.URL.Query()
	req := AuthRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		RawQuery:            r.URL.RawQuery,
	}
	res, err := h.server.Authorize(r.Context(), userID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

func (h *Handler) loginRedirect(r *http.Request) string {
	u, err := url.Parse(h.loginURL)
	if err != nil {
		return h.loginURL
	}
	q := u.Query()
	q.Set("callbackUrl", utils.FullURL(r))
	u.RawQuery = q.Encode()
	return u.String()
}

// Decide handles the consent UI's POST /oauth/authorize.
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request, userID string) {
	var d ConsentDecision
	if err := h.decodeJSON(w, r, &d); err != nil {
		h.writeError(w, r, err)
		return
	}
	loc, err := h.server.Decide(r.Context(), userID, d)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"redirect": loc})
}

// Token handles POST /oauth/token.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	req, err := h.parseTokenRequest(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.GrantType == "" || req.ClientID == "" {
		h.metrics.TokenError(ErrInvalidRequest.Code)
		h.writeError(w, r, newError(ErrInvalidRequest, "grant_type and client_id are required"))
		return
	}
	if !h.allow(r.Context(), "token:"+req.ClientID) {
		h.metrics.RateLimited()
		h.writeError(w, r, newError(ErrRateLimited, "too many token requests"))
		return
	}
	resp, err := h.server.Token(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// allow fails open when the limiter itself is unavailable.
func (h *Handler) allow(ctx context.Context, key string) bool {
	if h.limiter == nil {
		return true
	}
	ok, err := h.limiter.Allow(ctx, key)
	if err != nil {
		h.logger.Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
		return true
	}
	return ok
}

// parseTokenRequest supports both form and JSON bodies. Client credentials
// may also come from HTTP Basic auth.
func (h *Handler) parseTokenRequest(w http.ResponseWriter, r *http.Request) (TokenRequest, error) {
	var req TokenRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ContentType(mediaType) {
	case ContentTypeForm:
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			return req, newError(ErrInvalidRequest, "malformed form body")
		}
		req = TokenRequest{
			GrantType:    r.PostForm.Get("grant_type"),
			Code:         r.PostForm.Get("code"),
			RedirectURI:  r.PostForm.Get("redirect_uri"),
			RefreshToken: r.PostForm.Get("refresh_token"),
			ClientID:     r.PostForm.Get("client_id"),
			ClientSecret: r.PostForm.Get("client_secret"),
			CodeVerifier: r.PostForm.Get("code_verifier"),
		}
	case ContentTypeJSON:
		if err := h.decodeJSON(w, r, &req); err != nil {
			return req, err
		}
	default:
		return req, newError(ErrUnsupportedMediaType, "content type must be %s or %s", ContentTypeJSON, ContentTypeForm)
	}
	if id, secret, ok := r.BasicAuth(); ok && req.ClientID == "" && req.ClientSecret == "" {
		req.ClientID = unescapeBasic(id)
		req.ClientSecret = unescapeBasic(secret)
	}
	return req, nil
}

// unescapeBasic undoes the form-encoding RFC 6749 applies to Basic credentials.
func unescapeBasic(s string) string {
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}
	return s
}

func (h *Handler) UserInfo(w http.ResponseWriter, r *http.Request) {
	token, _ := utils.BearerToken(r)
	info, err := h.server.UserInfo(r.Context(), token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

type verifyEventRequest struct {
	EventID string `json:"event_id"`
}

// VerifyEvent handles POST /v1/webhooks/verify and returns the logged body
// byte for byte.
func (h *Handler) VerifyEvent(w http.ResponseWriter, r *http.Request) {
	token, _ := utils.BearerToken(r)
	var req verifyEventRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.server.VerifyEvent(r.Context(), token, req.EventID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", string(ContentTypeJSON))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(rec.Body))
}

func (h *Handler) GetPublicClient(w http.ResponseWriter, r *http.Request) {
	out, err := h.server.GetPublicClient(r.Context(), mux.Vars(r)["clientId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Connections(w http.ResponseWriter, r *http.Request, userID string) {
	out, err := h.server.Connections(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"connections": out})
}

func (h *Handler) RevokeConsent(w http.ResponseWriter, r *http.Request, userID string) {
	if err := h.server.RevokeConsent(r.Context(), userID, mux.Vars(r)["clientId"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request, userID string) {
	out, err := h.server.ListClients(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"clients": out})
}

func (h *Handler) RegisterClient(w http.ResponseWriter, r *http.Request, userID string) {
	var reg ClientRegistration
	if err := h.decodeJSON(w, r, &reg); err != nil {
		h.writeError(w, r, err)
		return
	}
	out, err := h.server.RegisterClient(r.Context(), userID, reg)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) AddWebhook(w http.ResponseWriter, r *http.Request, userID string) {
	var in WebhookInput
	if err := h.decodeJSON(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	out, err := h.server.AddWebhook(r.Context(), userID, mux.Vars(r)["clientId"], in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) UpdateWebhook(w http.ResponseWriter, r *http.Request, userID string) {
	var in WebhookInput
	if err := h.decodeJSON(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	out, err := h.server.UpdateWebhook(r.Context(), userID, vars["clientId"], vars["webhookId"], in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) RemoveWebhook(w http.ResponseWriter, r *http.Request, userID string) {
	vars := mux.Vars(r)
	if err := h.server.RemoveWebhook(r.Context(), userID, vars["clientId"], vars["webhookId"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RotateWebhookSecret(w http.ResponseWriter, r *http.Request, userID string) {
	vars := mux.Vars(r)
	secret, err := h.server.RotateWebhookSecret(r.Context(), userID, vars["clientId"], vars["webhookId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (h *Handler) PingWebhook(w http.ResponseWriter, r *http.Request, userID string) {
	vars := mux.Vars(r)
	event, err := h.server.PingWebhook(r.Context(), userID, vars["clientId"], vars["webhookId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"event_id": event.ID, "delivered": true})
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return newError(ErrInvalidRequest, "request body too large")
		}
		return newError(ErrInvalidRequest, "invalid JSON body")
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", string(ContentTypeJSON))
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("write response", zap.Error(err))
	}
}

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// writeError renders err as {error, error_description}. Server errors are
// logged and their detail withheld.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	oe := AsError(err)
	body := errorBody{Error: oe.Code, Description: oe.Description}
	if oe.Status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(oe),
		)
		if oe.Code == ErrServer.Code {
			body.Description = ""
		}
	}
	if oe.Code == ErrInvalidToken.Code {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	h.writeJSON(w, oe.Status, body)
}

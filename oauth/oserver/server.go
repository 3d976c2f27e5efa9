package oserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Seann-Moser/oauthcore/logging"
	"github.com/Seann-Moser/oauthcore/metrics"
	"github.com/Seann-Moser/oauthcore/webhook"
)

type OServer interface {
	// --- OAuth2 endpoints ---
	Authorize(ctx context.Context, userID string, req AuthRequest) (*AuthResult, error)
	Decide(ctx context.Context, userID string, d ConsentDecision) (string, error)
	Token(ctx context.Context, req TokenRequest) (*TokenResponse, error)
	UserInfo(ctx context.Context, accessToken string) (*UserInfo, error)
	VerifyEvent(ctx context.Context, accessToken, eventID string) (*webhook.Record, error)

	// --- user connections ---
	Connections(ctx context.Context, userID string) ([]Connection, error)
	RevokeConsent(ctx context.Context, userID, clientID string) error

	// --- client management ---
	RegisterClient(ctx context.Context, ownerID string, reg ClientRegistration) (*RegisteredClient, error)
	GetPublicClient(ctx context.Context, clientID string) (*PublicClient, error)
	ListClients(ctx context.Context, ownerID string) ([]*Client, error)
	AddWebhook(ctx context.Context, ownerID, clientID string, in WebhookInput) (*webhook.Endpoint, error)
	UpdateWebhook(ctx context.Context, ownerID, clientID, webhookID string, in WebhookInput) (*webhook.Endpoint, error)
	RemoveWebhook(ctx context.Context, ownerID, clientID, webhookID string) error
	RotateWebhookSecret(ctx context.Context, ownerID, clientID, webhookID string) (string, error)
	PingWebhook(ctx context.Context, ownerID, clientID, webhookID string) (*webhook.Event, error)
}

var _ OServer = (*Server)(nil)

// ErrDeliveryFailed reports a failed synchronous webhook ping.
var ErrDeliveryFailed = &Error{Code: "delivery_failed", Status: http.StatusBadGateway}

// Config holds the tunables of the authorization server.
type Config struct {
	// ConsentURL is where the browser is sent when the user must approve scopes.
	ConsentURL      string
	AuthCodeTTL     time.Duration
	RefreshTokenTTL time.Duration
	BcryptCost      int
}

// Server wires the registry, consent ledger, code issuer and token exchange
// together behind the OServer interface.
type Server struct {
	registry *Registry
	ledger   *ConsentLedger
	issuer   *Issuer
	exchange *Exchange
	signer   AccessTokenSigner
	notifier Notifier
	events   webhook.EventStore

	cache   ClientCache
	logger  *zap.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

type Option func(*Server)

func WithClientCache(c ClientCache) Option {
	return func(s *Server) { s.cache = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Server) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer builds a Server over store. notifier may be nil to disable webhooks.
func NewServer(store Store, signer AccessTokenSigner, notifier Notifier, cfg Config, opts ...Option) *Server {
	s := &Server{
		signer:   signer,
		notifier: notifier,
		events:   store,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.registry = NewRegistry(store, s.cache, cfg.BcryptCost, s.now)
	s.exchange = NewExchange(s.registry, store, store, signer, cfg.RefreshTokenTTL, s.now, s.logger, s.metrics)
	s.ledger = NewConsentLedger(store, store, s.exchange, notifier, s.now, s.logger)
	s.issuer = NewIssuer(s.registry, s.ledger, store, cfg.ConsentURL, cfg.AuthCodeTTL, s.now, s.metrics)
	return s
}

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Authorize(ctx context.Context, userID string, req AuthRequest) (*AuthResult, error) {
	return s.issuer.Authorize(ctx, userID, req)
}

func (s *Server) Decide(ctx context.Context, userID string, d ConsentDecision) (string, error) {
	return s.issuer.Decide(ctx, userID, d)
}

func (s *Server) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	return s.exchange.Token(ctx, req)
}

func (s *Server) verifyBearer(accessToken string) (*AccessClaims, error) {
	if accessToken == "" {
		return nil, newError(ErrInvalidToken, "missing bearer token")
	}
	claims, err := s.signer.Verify(accessToken)
	if err != nil {
		return nil, newError(ErrInvalidToken, "access token is invalid or expired")
	}
	return claims, nil
}

func (s *Server) UserInfo(_ context.Context, accessToken string) (*UserInfo, error) {
	claims, err := s.verifyBearer(accessToken)
	if err != nil {
		return nil, err
	}
	return &UserInfo{Subject: claims.Subject, ClientID: claims.ClientID(), Scope: claims.Scope}, nil
}

// VerifyEvent returns a logged event to a client that received it. The bearer
// token must carry the webhook:verify scope and its audience must be one of
// the event's recipients.
func (s *Server) VerifyEvent(ctx context.Context, accessToken, eventID string) (*webhook.Record, error) {
	claims, err := s.verifyBearer(accessToken)
	if err != nil {
		return nil, err
	}
	if !claims.HasScope(ScopeWebhookVerify) {
		return nil, newError(ErrInsufficientScope, "token lacks the %s scope", ScopeWebhookVerify)
	}
	if !strings.HasPrefix(eventID, "evt_") {
		return nil, newError(ErrInvalidRequest, "event_id must start with evt_")
	}
	rec, err := s.events.GetEvent(ctx, eventID)
	if err != nil {
		return nil, serverError("get webhook event", err)
	}
	if rec == nil || !rec.HasRecipient(claims.ClientID()) {
		return nil, newError(ErrNotFound, "event not found")
	}
	return rec, nil
}

func (s *Server) Connections(ctx context.Context, userID string) ([]Connection, error) {
	return s.ledger.Connections(ctx, userID)
}

func (s *Server) RevokeConsent(ctx context.Context, userID, clientID string) error {
	client, err := s.registry.FindByClientID(ctx, clientID)
	if err != nil {
		return err
	}
	if client == nil {
		return newError(ErrNotFound, "client not found")
	}
	return s.ledger.Revoke(ctx, userID, clientID)
}

// NotifyProfileUpdated tells every authorized client that the user's profile
// changed. Failures are logged and never returned to the caller.
func (s *Server) NotifyProfileUpdated(ctx context.Context, userID string, changedFields []string) {
	s.ledger.notify(ctx, userID, webhook.ProfileUpdated{
		UserID:        userID,
		ChangedFields: changedFields,
		Timestamp:     s.now().UTC(),
	})
}

func (s *Server) RegisterClient(ctx context.Context, ownerID string, reg ClientRegistration) (*RegisteredClient, error) {
	return s.registry.Register(ctx, ownerID, reg)
}

func (s *Server) GetPublicClient(ctx context.Context, clientID string) (*PublicClient, error) {
	return s.registry.PublicClient(ctx, clientID)
}

func (s *Server) ListClients(ctx context.Context, ownerID string) ([]*Client, error) {
	return s.registry.ListClients(ctx, ownerID)
}

func (s *Server) AddWebhook(ctx context.Context, ownerID, clientID string, in WebhookInput) (*webhook.Endpoint, error) {
	return s.registry.AddWebhook(ctx, ownerID, clientID, in)
}

func (s *Server) UpdateWebhook(ctx context.Context, ownerID, clientID, webhookID string, in WebhookInput) (*webhook.Endpoint, error) {
	return s.registry.UpdateWebhook(ctx, ownerID, clientID, webhookID, in)
}

func (s *Server) RemoveWebhook(ctx context.Context, ownerID, clientID, webhookID string) error {
	return s.registry.RemoveWebhook(ctx, ownerID, clientID, webhookID)
}

func (s *Server) RotateWebhookSecret(ctx context.Context, ownerID, clientID, webhookID string) (string, error) {
	return s.registry.RotateWebhookSecret(ctx, ownerID, clientID, webhookID)
}

func (s *Server) PingWebhook(ctx context.Context, ownerID, clientID, webhookID string) (*webhook.Event, error) {
	ep, err := s.registry.OwnedWebhook(ctx, ownerID, clientID, webhookID)
	if err != nil {
		return nil, err
	}
	if s.notifier == nil {
		return nil, newError(ErrNotFound, "webhooks are disabled")
	}
	event, err := s.notifier.Ping(ctx, ownerID, clientID, ep)
	if err != nil {
		if event == nil {
			return nil, serverError("ping webhook", err)
		}
		return event, newError(ErrDeliveryFailed, "%s", err.Error())
	}
	return event, nil
}

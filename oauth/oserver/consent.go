package oserver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Seann-Moser/oauthcore/logging"
	"github.com/Seann-Moser/oauthcore/webhook"
)

// Notifier dispatches account events to webhook endpoints. *webhook.Dispatcher
// implements it.
type Notifier interface {
	Dispatch(ctx context.Context, userID string, payload webhook.Payload, opts ...webhook.DispatchOption) (*webhook.Event, error)
	Ping(ctx context.Context, ownerID, clientID string, ep webhook.Endpoint) (*webhook.Event, error)
}

// TokenRevoker bulk-revokes the refresh tokens issued to a client for a user.
type TokenRevoker interface {
	RevokeClientTokens(ctx context.Context, userID, clientID string) (int64, error)
}

// ConsentLedger tracks which scopes each user granted each client.
type ConsentLedger struct {
	store    ConsentStore
	clients  ClientStore
	tokens   TokenRevoker
	notifier Notifier
	now      func() time.Time
	logger   *zap.Logger
}

// NewConsentLedger builds a ledger. notifier may be nil, in which case no
// webhook events are sent.
func NewConsentLedger(store ConsentStore, clients ClientStore, tokens TokenRevoker, notifier Notifier, now func() time.Time, logger *zap.Logger) *ConsentLedger {
	if now == nil {
		now = time.Now
	}
	return &ConsentLedger{
		store:    store,
		clients:  clients,
		tokens:   tokens,
		notifier: notifier,
		now:      now,
		logger:   logging.OrNop(logger),
	}
}

// HasConsent reports whether a consent record exists for the pair and already
// covers every requested scope.
func (l *ConsentLedger) HasConsent(ctx context.Context, userID, clientID string, requested []string) (bool, error) {
	c, err := l.store.GetConsent(ctx, userID, clientID)
	if err != nil {
		return false, fmt.Errorf("get consent: %w", err)
	}
	if c == nil {
		return false, nil
	}
	return ScopesSubset(requested, c.GrantedScopes), nil
}

// RecordConsent unions scopes into the user's grant for the client, creating
// the record if needed. A newly created record sends user.connected.
func (l *ConsentLedger) RecordConsent(ctx context.Context, userID, clientID string, scopes []string) (bool, error) {
	now := l.now().UTC()
	created, err := l.store.UpsertConsent(ctx, userID, clientID, scopes, now)
	if err != nil {
		return false, fmt.Errorf("record consent: %w", err)
	}
	if created {
		l.notify(ctx, userID, webhook.UserConnected{
			UserID:        userID,
			ClientID:      clientID,
			GrantedScopes: scopes,
			Timestamp:     now,
		})
	}
	return created, nil
}

// Revoke notifies the client, revokes every refresh token it holds for the
// user and then deletes the consent record.
func (l *ConsentLedger) Revoke(ctx context.Context, userID, clientID string) error {
	l.notify(ctx, userID, webhook.UserRevoked{
		UserID:    userID,
		ClientID:  clientID,
		Timestamp: l.now().UTC(),
	}, webhook.OnlyClient(clientID))

	n, err := l.tokens.RevokeClientTokens(ctx, userID, clientID)
	if err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}
	if _, err := l.store.DeleteConsent(ctx, userID, clientID); err != nil {
		return fmt.Errorf("delete consent: %w", err)
	}
	l.logger.Info("consent revoked",
		zap.String("user_id", userID),
		zap.String("client_id", clientID),
		zap.Int64("refresh_tokens_revoked", n),
	)
	return nil
}

// Connections lists the clients the user has authorized.
func (l *ConsentLedger) Connections(ctx context.Context, userID string) ([]Connection, error) {
	consents, err := l.store.ListConsentsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list consents: %w", err)
	}
	ids := make([]string, 0, len(consents))
	for _, c := range consents {
		ids = append(ids, c.ClientID)
	}
	clients, err := l.clients.ListClientsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	byID := make(map[string]*Client, len(clients))
	for _, c := range clients {
		byID[c.ClientID] = c
	}
	out := make([]Connection, 0, len(consents))
	for _, c := range consents {
		conn := Connection{
			ClientID:      c.ClientID,
			GrantedScopes: c.GrantedScopes,
			ConnectedAt:   c.CreatedAt,
			UpdatedAt:     c.UpdatedAt,
		}
		if cl, ok := byID[c.ClientID]; ok {
			conn.Name = cl.Name
			conn.Description = cl.Description
		}
		out = append(out, conn)
	}
	return out, nil
}

// notify never fails the calling flow; errors are logged.
func (l *ConsentLedger) notify(ctx context.Context, userID string, p webhook.Payload, opts ...webhook.DispatchOption) {
	if l.notifier == nil {
		return
	}
	if _, err := l.notifier.Dispatch(ctx, userID, p, opts...); err != nil {
		l.logger.Warn("webhook dispatch failed",
			zap.String("event", string(p.EventType())),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

var _ webhook.Subscribers = (*SubscriberIndex)(nil)

// SubscriberIndex resolves webhook endpoints from consent records, so only
// clients a user has authorized hear about that user.
type SubscriberIndex struct {
	consents ConsentStore
	clients  ClientStore
}

func NewSubscriberIndex(consents ConsentStore, clients ClientStore) *SubscriberIndex {
	return &SubscriberIndex{consents: consents, clients: clients}
}

func (s *SubscriberIndex) AuthorizedEndpoints(ctx context.Context, userID string) (map[string][]webhook.Endpoint, error) {
	consents, err := s.consents.ListConsentsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list consents: %w", err)
	}
	if len(consents) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(consents))
	for _, c := range consents {
		ids = append(ids, c.ClientID)
	}
	clients, err := s.clients.ListClientsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	out := make(map[string][]webhook.Endpoint, len(clients))
	for _, c := range clients {
		if c.IsActive && len(c.Webhooks) > 0 {
			out[c.ClientID] = c.Webhooks
		}
	}
	return out, nil
}

package oserver

import (
	"context"
	"time"

	"github.com/Seann-Moser/oauthcore/webhook"
)

// Lookups return nil, nil when the record does not exist. Mutations scoped to
// an owner return ErrNotFound when nothing matched.

type ClientStore interface {
	CreateClient(ctx context.Context, c *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)
	ListClientsByOwner(ctx context.Context, ownerID string) ([]*Client, error)
	ListClientsByIDs(ctx context.Context, clientIDs []string) ([]*Client, error)

	AddWebhook(ctx context.Context, ownerID, clientID string, ep webhook.Endpoint) error
	// UpdateWebhook replaces the stored endpoint whose id matches ep.ID.
	UpdateWebhook(ctx context.Context, ownerID, clientID string, ep webhook.Endpoint) error
	RemoveWebhook(ctx context.Context, ownerID, clientID, webhookID string) error
}

type ConsentStore interface {
	GetConsent(ctx context.Context, userID, clientID string) (*Consent, error)
	// UpsertConsent atomically unions scopes into the record for (userID,
	// clientID), creating it if needed. created reports whether it was inserted.
	UpsertConsent(ctx context.Context, userID, clientID string, scopes []string, now time.Time) (created bool, err error)
	DeleteConsent(ctx context.Context, userID, clientID string) (bool, error)
	ListConsentsByUser(ctx context.Context, userID string) ([]*Consent, error)
}

type CodeStore interface {
	InsertCode(ctx context.Context, code *AuthorizationCode) error
	// ConsumeCode finds and deletes the code in one atomic operation.
	ConsumeCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

type RefreshTokenStore interface {
	InsertRefreshToken(ctx context.Context, rt *RefreshToken) error
	// RevokeRefreshToken atomically sets revokedAt on the unrevoked token
	// matching (token, clientID) and returns it as it was before the update.
	RevokeRefreshToken(ctx context.Context, token, clientID string, now time.Time) (*RefreshToken, error)
	// RevokeRefreshTokens revokes every live token for (userID, clientID).
	RevokeRefreshTokens(ctx context.Context, userID, clientID string, now time.Time) (int64, error)
}

// Store is everything the authorization server persists.
type Store interface {
	ClientStore
	ConsentStore
	CodeStore
	RefreshTokenStore
	webhook.EventStore
}

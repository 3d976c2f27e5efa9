package oserver

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/Seann-Moser/oauthcore/utils"
	"github.com/Seann-Moser/oauthcore/webhook"
)

const (
	maxRedirectURIs = 10
	maxClientName   = 100
)

// ClientCache caches client records by client id. Implementations swallow
// their own failures; a miss falls through to the store.
type ClientCache interface {
	Get(ctx context.Context, clientID string) (*Client, bool)
	Set(ctx context.Context, c *Client)
	Delete(ctx context.Context, clientID string)
}

// Registry validates and stores third-party application records.
type Registry struct {
	store      ClientStore
	cache      ClientCache
	bcryptCost int
	now        func() time.Time
}

// NewRegistry builds a registry. cache may be nil.
func NewRegistry(store ClientStore, cache ClientCache, bcryptCost int, now func() time.Time) *Registry {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{store: store, cache: cache, bcryptCost: bcryptCost, now: now}
}

// FindByClientID returns the client or nil when it does not exist.
func (r *Registry) FindByClientID(ctx context.Context, clientID string) (*Client, error) {
	if clientID == "" {
		return nil, nil
	}
	if r.cache != nil {
		if c, ok := r.cache.Get(ctx, clientID); ok {
			return c, nil
		}
	}
	c, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("find client %s: %w", clientID, err)
	}
	if c != nil && r.cache != nil {
		r.cache.Set(ctx, c)
	}
	return c, nil
}

// ValidateRedirectURI is a byte-exact membership test against the client's
// registered redirect URIs.
func (r *Registry) ValidateRedirectURI(c *Client, uri string) bool {
	return c != nil && uri != "" && slices.Contains(c.RedirectURIs, uri)
}

// AuthenticateClient returns the active client whose secret matches, or nil.
func (r *Registry) AuthenticateClient(ctx context.Context, clientID, secret string) (*Client, error) {
	if clientID == "" || secret == "" {
		return nil, nil
	}
	c, err := r.FindByClientID(ctx, clientID)
	if err != nil || c == nil {
		return nil, err
	}
	if !c.IsActive {
		return nil, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.ClientSecretHash), []byte(secret)); err != nil {
		return nil, nil
	}
	return c, nil
}

// Register creates a client owned by ownerID. The plaintext secret is only
// ever returned here.
func (r *Registry) Register(ctx context.Context, ownerID string, reg ClientRegistration) (*RegisteredClient, error) {
	name := strings.TrimSpace(reg.Name)
	if name == "" || len(name) > maxClientName {
		return nil, newError(ErrInvalidRequest, "name is required and must be at most %d characters", maxClientName)
	}
	uris, err := validateRedirectURIs(reg.RedirectURIs)
	if err != nil {
		return nil, newError(ErrInvalidRequest, "%s", err.Error())
	}
	clientID, err := utils.RandomHex("client_", 16)
	if err != nil {
		return nil, err
	}
	secret, err := utils.RandomHex("secret_", 32)
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), r.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash client secret: %w", err)
	}
	now := r.now().UTC()
	c := &Client{
		ClientID:         clientID,
		ClientSecretHash: string(hash),
		OwnerID:          ownerID,
		Name:             name,
		Description:      strings.TrimSpace(reg.Description),
		RedirectURIs:     uris,
		Webhooks:         []webhook.Endpoint{},
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.CreateClient(ctx, c); err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return &RegisteredClient{Client: c.Redacted(), ClientSecret: secret}, nil
}

func validateRedirectURIs(raw []string) ([]string, error) {
	if len(raw) == 0 || len(raw) > maxRedirectURIs {
		return nil, fmt.Errorf("between 1 and %d redirect_uris are required", maxRedirectURIs)
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		u, err := url.Parse(s)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return nil, fmt.Errorf("redirect_uri %q must be an absolute http(s) url", s)
		}
		if u.Fragment != "" || strings.Contains(s, "#") {
			return nil, fmt.Errorf("redirect_uri %q must not contain a fragment", s)
		}
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out, nil
}

// PublicClient returns the secret-free view shown on the consent screen.
func (r *Registry) PublicClient(ctx context.Context, clientID string) (*PublicClient, error) {
	c, err := r.FindByClientID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if c == nil || !c.IsActive {
		return nil, newError(ErrNotFound, "client not found")
	}
	return &PublicClient{
		ClientID:     c.ClientID,
		Name:         c.Name,
		Description:  c.Description,
		RedirectURIs: c.RedirectURIs,
	}, nil
}

// ListClients returns the owner's clients without secrets.
func (r *Registry) ListClients(ctx context.Context, ownerID string) ([]*Client, error) {
	cs, err := r.store.ListClientsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	out := make([]*Client, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Redacted())
	}
	return out, nil
}

// OwnedWebhook reads the endpoint straight from the store, bypassing the cache.
func (r *Registry) OwnedWebhook(ctx context.Context, ownerID, clientID, webhookID string) (webhook.Endpoint, error) {
	c, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		return webhook.Endpoint{}, fmt.Errorf("find client %s: %w", clientID, err)
	}
	if c == nil || c.OwnerID != ownerID {
		return webhook.Endpoint{}, newError(ErrNotFound, "client not found")
	}
	ep, ok := c.Webhook(webhookID)
	if !ok {
		return webhook.Endpoint{}, newError(ErrNotFound, "webhook not found")
	}
	return ep, nil
}

// AddWebhook registers a new endpoint. The returned endpoint carries its
// signing secret; later reads redact it.
func (r *Registry) AddWebhook(ctx context.Context, ownerID, clientID string, in WebhookInput) (*webhook.Endpoint, error) {
	if in.URL == nil || in.Events == nil {
		return nil, newError(ErrInvalidRequest, "url and events are required")
	}
	events, err := webhook.ParseEventTypes(*in.Events)
	if err != nil || len(events) == 0 {
		return nil, newError(ErrInvalidRequest, "events must list at least one known event")
	}
	if err := webhook.ValidateURL(*in.URL); err != nil {
		return nil, newError(ErrInvalidRequest, "%s", err.Error())
	}
	ep, err := webhook.NewEndpoint(*in.URL, events, r.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("new webhook endpoint: %w", err)
	}
	if in.Status != nil {
		if !in.Status.Valid() {
			return nil, newError(ErrInvalidRequest, "invalid status %q", *in.Status)
		}
		ep.Status = *in.Status
	}
	if err := r.store.AddWebhook(ctx, ownerID, clientID, ep); err != nil {
		return nil, fmt.Errorf("add webhook: %w", err)
	}
	r.invalidate(ctx, clientID)
	return &ep, nil
}

// UpdateWebhook changes the url, subscribed events or status of an endpoint.
func (r *Registry) UpdateWebhook(ctx context.Context, ownerID, clientID, webhookID string, in WebhookInput) (*webhook.Endpoint, error) {
	ep, err := r.OwnedWebhook(ctx, ownerID, clientID, webhookID)
	if err != nil {
		return nil, err
	}
	if in.URL != nil {
		if err := webhook.ValidateURL(*in.URL); err != nil {
			return nil, newError(ErrInvalidRequest, "%s", err.Error())
		}
		ep.URL = *in.URL
	}
	if in.Events != nil {
		events, err := webhook.ParseEventTypes(*in.Events)
		if err != nil || len(events) == 0 {
			return nil, newError(ErrInvalidRequest, "events must list at least one known event")
		}
		ep.Events = events
	}
	if in.Status != nil {
		if !in.Status.Valid() {
			return nil, newError(ErrInvalidRequest, "invalid status %q", *in.Status)
		}
		ep.Status = *in.Status
	}
	if err := r.store.UpdateWebhook(ctx, ownerID, clientID, ep); err != nil {
		return nil, fmt.Errorf("update webhook: %w", err)
	}
	r.invalidate(ctx, clientID)
	out := ep.Redacted()
	return &out, nil
}

// RotateWebhookSecret replaces the endpoint's signing secret and returns it.
func (r *Registry) RotateWebhookSecret(ctx context.Context, ownerID, clientID, webhookID string) (string, error) {
	ep, err := r.OwnedWebhook(ctx, ownerID, clientID, webhookID)
	if err != nil {
		return "", err
	}
	secret, err := webhook.NewSecret()
	if err != nil {
		return "", err
	}
	ep.Secret = secret
	if err := r.store.UpdateWebhook(ctx, ownerID, clientID, ep); err != nil {
		return "", fmt.Errorf("rotate webhook secret: %w", err)
	}
	r.invalidate(ctx, clientID)
	return secret, nil
}

func (r *Registry) RemoveWebhook(ctx context.Context, ownerID, clientID, webhookID string) error {
	if err := r.store.RemoveWebhook(ctx, ownerID, clientID, webhookID); err != nil {
		return fmt.Errorf("remove webhook: %w", err)
	}
	r.invalidate(ctx, clientID)
	return nil
}

func (r *Registry) invalidate(ctx context.Context, clientID string) {
	if r.cache != nil {
		r.cache.Delete(ctx, clientID)
	}
}

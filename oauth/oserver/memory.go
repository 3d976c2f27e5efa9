package oserver

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Seann-Moser/oauthcore/webhook"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store for tests and single-node development.
// A single mutex makes every find-and-mutate atomic.
type MemoryStore struct {
	mu       sync.Mutex
	clients  map[string]*Client
	consents map[consentKey]*Consent
	codes    map[string]*AuthorizationCode
	refresh  map[string]*RefreshToken
	events   map[string]*webhook.Record
}

type consentKey struct {
	userID   string
	clientID string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:  map[string]*Client{},
		consents: map[consentKey]*Consent{},
		codes:    map[string]*AuthorizationCode{},
		refresh:  map[string]*RefreshToken{},
		events:   map[string]*webhook.Record{},
	}
}

func cloneClient(c *Client) *Client {
	out := *c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.Webhooks = make([]webhook.Endpoint, len(c.Webhooks))
	for i, ep := range c.Webhooks {
		ep.Events = slices.Clone(ep.Events)
		out.Webhooks[i] = ep
	}
	return &out
}

func (m *MemoryStore) CreateClient(_ context.Context, c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[c.ClientID]; ok {
		return fmt.Errorf("client %s already exists", c.ClientID)
	}
	m.clients[c.ClientID] = cloneClient(c)
	return nil
}

func (m *MemoryStore) GetClient(_ context.Context, clientID string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return nil, nil
	}
	return cloneClient(c), nil
}

func (m *MemoryStore) ListClientsByOwner(_ context.Context, ownerID string) ([]*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Client
	for _, c := range m.clients {
		if c.OwnerID == ownerID {
			out = append(out, cloneClient(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListClientsByIDs(_ context.Context, clientIDs []string) ([]*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Client
	for _, id := range clientIDs {
		if c, ok := m.clients[id]; ok {
			out = append(out, cloneClient(c))
		}
	}
	return out, nil
}

// ownedClient must be called with mu held.
func (m *MemoryStore) ownedClient(ownerID, clientID string) (*Client, error) {
	c, ok := m.clients[clientID]
	if !ok || c.OwnerID != ownerID {
		return nil, newError(ErrNotFound, "client not found")
	}
	return c, nil
}

func (m *MemoryStore) AddWebhook(_ context.Context, ownerID, clientID string, ep webhook.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.ownedClient(ownerID, clientID)
	if err != nil {
		return err
	}
	c.Webhooks = append(c.Webhooks, ep)
	c.UpdatedAt = ep.CreatedAt
	return nil
}

func (m *MemoryStore) UpdateWebhook(_ context.Context, ownerID, clientID string, ep webhook.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.ownedClient(ownerID, clientID)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(c.Webhooks, func(e webhook.Endpoint) bool { return e.ID == ep.ID })
	if i < 0 {
		return newError(ErrNotFound, "webhook not found")
	}
	c.Webhooks[i] = ep
	return nil
}

func (m *MemoryStore) RemoveWebhook(_ context.Context, ownerID, clientID, webhookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.ownedClient(ownerID, clientID)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(c.Webhooks, func(e webhook.Endpoint) bool { return e.ID == webhookID })
	if i < 0 {
		return newError(ErrNotFound, "webhook not found")
	}
	c.Webhooks = slices.Delete(c.Webhooks, i, i+1)
	return nil
}

func (m *MemoryStore) GetConsent(_ context.Context, userID, clientID string) (*Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consents[consentKey{userID, clientID}]
	if !ok {
		return nil, nil
	}
	out := *c
	out.GrantedScopes = slices.Clone(c.GrantedScopes)
	return &out, nil
}

func (m *MemoryStore) UpsertConsent(_ context.Context, userID, clientID string, scopes []string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := consentKey{userID, clientID}
	if c, ok := m.consents[key]; ok {
		c.GrantedScopes = UnionScopes(c.GrantedScopes, scopes)
		c.UpdatedAt = now
		return false, nil
	}
	m.consents[key] = &Consent{
		UserID:        userID,
		ClientID:      clientID,
		GrantedScopes: UnionScopes(nil, scopes),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return true, nil
}

func (m *MemoryStore) DeleteConsent(_ context.Context, userID, clientID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := consentKey{userID, clientID}
	_, ok := m.consents[key]
	delete(m.consents, key)
	return ok, nil
}

func (m *MemoryStore) ListConsentsByUser(_ context.Context, userID string) ([]*Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Consent
	for k, c := range m.consents {
		if k.userID == userID {
			cp := *c
			cp.GrantedScopes = slices.Clone(c.GrantedScopes)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

func (m *MemoryStore) InsertCode(_ context.Context, code *AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.codes[code.Code]; ok {
		return fmt.Errorf("authorization code collision")
	}
	cp := *code
	m.codes[code.Code] = &cp
	return nil
}

func (m *MemoryStore) ConsumeCode(_ context.Context, code string) (*AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[code]
	if !ok {
		return nil, nil
	}
	delete(m.codes, code)
	return c, nil
}

func (m *MemoryStore) InsertRefreshToken(_ context.Context, rt *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refresh[rt.Token]; ok {
		return fmt.Errorf("refresh token collision")
	}
	cp := *rt
	m.refresh[rt.Token] = &cp
	return nil
}

func (m *MemoryStore) RevokeRefreshToken(_ context.Context, token, clientID string, now time.Time) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.refresh[token]
	if !ok || rt.ClientID != clientID || rt.RevokedAt != nil {
		return nil, nil
	}
	before := *rt
	revokedAt := now
	rt.RevokedAt = &revokedAt
	return &before, nil
}

func (m *MemoryStore) RevokeRefreshTokens(_ context.Context, userID, clientID string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, rt := range m.refresh {
		if rt.UserID == userID && rt.ClientID == clientID && rt.RevokedAt == nil {
			revokedAt := now
			rt.RevokedAt = &revokedAt
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) InsertEvent(_ context.Context, rec *webhook.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[rec.ID]; ok {
		return fmt.Errorf("webhook event %s already logged", rec.ID)
	}
	cp := *rec
	cp.Recipients = slices.Clone(rec.Recipients)
	m.events[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) GetEvent(_ context.Context, id string) (*webhook.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.events[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

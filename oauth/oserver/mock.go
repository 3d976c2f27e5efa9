package oserver

import (
	"context"
	"sync"

	"github.com/Seann-Moser/oauthcore/webhook"
)

// MockOServer provides customizable hooks for testing OServer behavior.
type MockOServer struct {
	AuthorizeFunc           func(ctx context.Context, userID string, req AuthRequest) (*AuthResult, error)
	DecideFunc              func(ctx context.Context, userID string, d ConsentDecision) (string, error)
	TokenFunc               func(ctx context.Context, req TokenRequest) (*TokenResponse, error)
	UserInfoFunc            func(ctx context.Context, accessToken string) (*UserInfo, error)
	VerifyEventFunc         func(ctx context.Context, accessToken, eventID string) (*webhook.Record, error)
	ConnectionsFunc         func(ctx context.Context, userID string) ([]Connection, error)
	RevokeConsentFunc       func(ctx context.Context, userID, clientID string) error
	RegisterClientFunc      func(ctx context.Context, ownerID string, reg ClientRegistration) (*RegisteredClient, error)
	GetPublicClientFunc     func(ctx context.Context, clientID string) (*PublicClient, error)
	ListClientsFunc         func(ctx context.Context, ownerID string) ([]*Client, error)
	AddWebhookFunc          func(ctx context.Context, ownerID, clientID string, in WebhookInput) (*webhook.Endpoint, error)
	UpdateWebhookFunc       func(ctx context.Context, ownerID, clientID, webhookID string, in WebhookInput) (*webhook.Endpoint, error)
	RemoveWebhookFunc       func(ctx context.Context, ownerID, clientID, webhookID string) error
	RotateWebhookSecretFunc func(ctx context.Context, ownerID, clientID, webhookID string) (string, error)
	PingWebhookFunc         func(ctx context.Context, ownerID, clientID, webhookID string) (*webhook.Event, error)
}

// Ensure MockOServer implements OServer
var _ OServer = (*MockOServer)(nil)

// Authorize calls AuthorizeFunc if set, otherwise returns nil, nil
func (m *MockOServer) Authorize(ctx context.Context, userID string, req AuthRequest) (*AuthResult, error) {
	if m.AuthorizeFunc != nil {
		return m.AuthorizeFunc(ctx, userID, req)
	}
	return nil, nil
}

// Decide calls DecideFunc if set, otherwise returns "", nil
func (m *MockOServer) Decide(ctx context.Context, userID string, d ConsentDecision) (string, error) {
	if m.DecideFunc != nil {
		return m.DecideFunc(ctx, userID, d)
	}
	return "", nil
}

// Token calls TokenFunc if set, otherwise returns nil, nil
func (m *MockOServer) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if m.TokenFunc != nil {
		return m.TokenFunc(ctx, req)
	}
	return nil, nil
}

// UserInfo calls UserInfoFunc if set, otherwise returns nil, nil
func (m *MockOServer) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	if m.UserInfoFunc != nil {
		return m.UserInfoFunc(ctx, accessToken)
	}
	return nil, nil
}

// VerifyEvent calls VerifyEventFunc if set, otherwise returns ErrNotFound
func (m *MockOServer) VerifyEvent(ctx context.Context, accessToken, eventID string) (*webhook.Record, error) {
	if m.VerifyEventFunc != nil {
		return m.VerifyEventFunc(ctx, accessToken, eventID)
	}
	return nil, ErrNotFound
}

// Connections calls ConnectionsFunc if set, otherwise returns nil, nil
func (m *MockOServer) Connections(ctx context.Context, userID string) ([]Connection, error) {
	if m.ConnectionsFunc != nil {
		return m.ConnectionsFunc(ctx, userID)
	}
	return nil, nil
}

// RevokeConsent calls RevokeConsentFunc if set, otherwise returns nil
func (m *MockOServer) RevokeConsent(ctx context.Context, userID, clientID string) error {
	if m.RevokeConsentFunc != nil {
		return m.RevokeConsentFunc(ctx, userID, clientID)
	}
	return nil
}

// RegisterClient calls RegisterClientFunc if set, otherwise returns nil, nil
func (m *MockOServer) RegisterClient(ctx context.Context, ownerID string, reg ClientRegistration) (*RegisteredClient, error) {
	if m.RegisterClientFunc != nil {
		return m.RegisterClientFunc(ctx, ownerID, reg)
	}
	return nil, nil
}

// GetPublicClient calls GetPublicClientFunc if set, otherwise returns ErrNotFound
func (m *MockOServer) GetPublicClient(ctx context.Context, clientID string) (*PublicClient, error) {
	if m.GetPublicClientFunc != nil {
		return m.GetPublicClientFunc(ctx, clientID)
	}
	return nil, ErrNotFound
}

// ListClients calls ListClientsFunc if set, otherwise returns nil, nil
func (m *MockOServer) ListClients(ctx context.Context, ownerID string) ([]*Client, error) {
	if m.ListClientsFunc != nil {
		return m.ListClientsFunc(ctx, ownerID)
	}
	return nil, nil
}

// AddWebhook calls AddWebhookFunc if set, otherwise returns nil, nil
func (m *MockOServer) AddWebhook(ctx context.Context, ownerID, clientID string, in WebhookInput) (*webhook.Endpoint, error) {
	if m.AddWebhookFunc != nil {
		return m.AddWebhookFunc(ctx, ownerID, clientID, in)
	}
	return nil, nil
}

// UpdateWebhook calls UpdateWebhookFunc if set, otherwise returns nil, nil
func (m *MockOServer) UpdateWebhook(ctx context.Context, ownerID, clientID, webhookID string, in WebhookInput) (*webhook.Endpoint, error) {
	if m.UpdateWebhookFunc != nil {
		return m.UpdateWebhookFunc(ctx, ownerID, clientID, webhookID, in)
	}
	return nil, nil
}

// RemoveWebhook calls RemoveWebhookFunc if set, otherwise returns nil
func (m *MockOServer) RemoveWebhook(ctx context.Context, ownerID, clientID, webhookID string) error {
	if m.RemoveWebhookFunc != nil {
		return m.RemoveWebhookFunc(ctx, ownerID, clientID, webhookID)
	}
	return nil
}

// RotateWebhookSecret calls RotateWebhookSecretFunc if set, otherwise returns "", nil
func (m *MockOServer) RotateWebhookSecret(ctx context.Context, ownerID, clientID, webhookID string) (string, error) {
	if m.RotateWebhookSecretFunc != nil {
		return m.RotateWebhookSecretFunc(ctx, ownerID, clientID, webhookID)
	}
	return "", nil
}

// PingWebhook calls PingWebhookFunc if set, otherwise returns nil, nil
func (m *MockOServer) PingWebhook(ctx context.Context, ownerID, clientID, webhookID string) (*webhook.Event, error) {
	if m.PingWebhookFunc != nil {
		return m.PingWebhookFunc(ctx, ownerID, clientID, webhookID)
	}
	return nil, nil
}

// DispatchCall is one recorded MockNotifier.Dispatch invocation.
type DispatchCall struct {
	UserID  string
	Payload webhook.Payload
	Options []webhook.DispatchOption
}

// MockNotifier records dispatched payloads instead of delivering them.
type MockNotifier struct {
	mu    sync.Mutex
	calls []DispatchCall

	DispatchErr error
	PingFunc    func(ctx context.Context, ownerID, clientID string, ep webhook.Endpoint) (*webhook.Event, error)
}

var _ Notifier = (*MockNotifier)(nil)

func (m *MockNotifier) Dispatch(_ context.Context, userID string, p webhook.Payload, opts ...webhook.DispatchOption) (*webhook.Event, error) {
	m.mu.Lock()
	m.calls = append(m.calls, DispatchCall{UserID: userID, Payload: p, Options: opts})
	m.mu.Unlock()
	if m.DispatchErr != nil {
		return nil, m.DispatchErr
	}
	return &webhook.Event{Type: p.EventType(), Payload: p}, nil
}

func (m *MockNotifier) Ping(ctx context.Context, ownerID, clientID string, ep webhook.Endpoint) (*webhook.Event, error) {
	if m.PingFunc != nil {
		return m.PingFunc(ctx, ownerID, clientID, ep)
	}
	return &webhook.Event{Type: webhook.EventPing}, nil
}

// Calls returns a copy of the recorded dispatches.
func (m *MockNotifier) Calls() []DispatchCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DispatchCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Events returns the event types dispatched, in order.
func (m *MockNotifier) Events() []webhook.EventType {
	calls := m.Calls()
	out := make([]webhook.EventType, len(calls))
	for i, c := range calls {
		out[i] = c.Payload.EventType()
	}
	return out
}

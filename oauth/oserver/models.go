package oserver

import (
	"time"

	"github.com/Seann-Moser/oauthcore/webhook"
)

type GrantType string

const (
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeRefreshToken      GrantType = "refresh_token"
)

const (
	ResponseTypeCode = "code"

	CodeChallengeS256  = "S256"
	CodeChallengePlain = "plain"

	TokenTypeBearer = "Bearer"
)

// Client is a registered third-party application.
type Client struct {
	ClientID         string             `bson:"clientId" json:"client_id"`
	ClientSecretHash string             `bson:"clientSecretHash" json:"-"`
	OwnerID          string             `bson:"ownerId" json:"owner_id"`
	Name             string             `bson:"name" json:"name"`
	Description      string             `bson:"description" json:"description,omitempty"`
	RedirectURIs     []string           `bson:"redirectUris" json:"redirect_uris"`
	Webhooks         []webhook.Endpoint `bson:"webhooks" json:"webhooks"`
	IsInternal       bool               `bson:"isInternal" json:"is_internal"`
	OpByWYI          bool               `bson:"opByWYI" json:"op_by_wyi"`
	IsActive         bool               `bson:"isActive" json:"is_active"`
	CreatedAt        time.Time          `bson:"createdAt" json:"created_at"`
	UpdatedAt        time.Time          `bson:"updatedAt" json:"updated_at"`
}

// Trusted reports whether the client is a first-party integration whose
// authorization requests skip the consent prompt.
func (c *Client) Trusted() bool {
	return c.IsInternal && c.OpByWYI
}

// Redacted returns a copy safe to show the owner: no secret hash and no
// webhook secrets.
func (c *Client) Redacted() *Client {
	out := *c
	out.ClientSecretHash = ""
	out.Webhooks = make([]webhook.Endpoint, len(c.Webhooks))
	for i, ep := range c.Webhooks {
		out.Webhooks[i] = ep.Redacted()
	}
	return &out
}

// Webhook returns the endpoint with the given id.
func (c *Client) Webhook(id string) (webhook.Endpoint, bool) {
	for _, ep := range c.Webhooks {
		if ep.ID == id {
			return ep, true
		}
	}
	return webhook.Endpoint{}, false
}

// PublicClient is the view of a client shown on the consent screen.
type PublicClient struct {
	ClientID     string   `json:"client_id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
}

// ClientRegistration is the input for registering a new client.
type ClientRegistration struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	RedirectURIs []string `json:"redirect_uris"`
}

// RegisteredClient is returned once at registration; it is the only time the
// plaintext secret is visible.
type RegisteredClient struct {
	*Client
	ClientSecret string `json:"client_secret"`
}

// WebhookInput adds or updates a webhook endpoint. Nil fields are left
// unchanged on update.
type WebhookInput struct {
	URL    *string         `json:"url"`
	Events *[]string       `json:"events"`
	Status *webhook.Status `json:"status"`
}

// Consent records the cumulative scopes a user granted a client.
type Consent struct {
	UserID        string    `bson:"userId" json:"user_id"`
	ClientID      string    `bson:"clientId" json:"client_id"`
	GrantedScopes []string  `bson:"grantedScopes" json:"granted_scopes"`
	CreatedAt     time.Time `bson:"createdAt" json:"created_at"`
	UpdatedAt     time.Time `bson:"updatedAt" json:"updated_at"`
}

// Connection is a consented client as listed on the user's settings page.
type Connection struct {
	ClientID      string    `json:"client_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	GrantedScopes []string  `json:"granted_scopes"`
	ConnectedAt   time.Time `json:"connected_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AuthorizationCode is a single-use credential bound to user, client and scope.
type AuthorizationCode struct {
	Code                string    `bson:"code"`
	UserID              string    `bson:"userId"`
	ClientID            string    `bson:"clientId"`
	RedirectURI         string    `bson:"redirectUri"`
	Scope               []string  `bson:"scope"`
	CodeChallenge       string    `bson:"codeChallenge,omitempty"`
	CodeChallengeMethod string    `bson:"codeChallengeMethod,omitempty"`
	CreatedAt           time.Time `bson:"createdAt"`
	ExpiresAt           time.Time `bson:"expiresAt"`
}

// RefreshToken is persisted and rotated on every use.
type RefreshToken struct {
	Token     string     `bson:"token"`
	UserID    string     `bson:"userId"`
	ClientID  string     `bson:"clientId"`
	Scope     []string   `bson:"scope"`
	CreatedAt time.Time  `bson:"createdAt"`
	ExpiresAt time.Time  `bson:"expiresAt"`
	RevokedAt *time.Time `bson:"revokedAt"`
}

// AuthRequest carries the authorization endpoint's query parameters.
// RawQuery is the untouched query string forwarded to the consent UI.
type AuthRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	RawQuery            string
}

// AuthResult tells the browser where to go next.
type AuthResult struct {
	RedirectURL     string
	ConsentRequired bool
}

// ConsentDecision is posted by the consent UI after the user clicks allow or deny.
type ConsentDecision struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	State               string `json:"state,omitempty"`
	Allow               bool   `json:"allow"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
}

type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	CodeVerifier string `json:"code_verifier,omitempty"`
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// UserInfo describes the bearer of a valid access token.
type UserInfo struct {
	Subject  string `json:"sub"`
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
}

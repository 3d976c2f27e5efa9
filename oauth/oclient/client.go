// Package oclient is the Go SDK for applications integrating with the
// authorization server: authorization URLs, code exchange, refresh rotation,
// webhook signature checks and event verification.
package oclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/Seann-Moser/oauthcore/webhook"
)

const (
	authorizePath   = "/oauth/authorize"
	tokenPath       = "/oauth/token"
	userInfoPath    = "/oauth/userinfo"
	verifyEventPath = "/v1/webhooks/verify"

	maxBodyBytes = 1 << 20
)

// TokenStore persists each user's latest token pair. Refresh tokens rotate on
// every use, so the pair must be replaced after each refresh.
type TokenStore interface {
	StoreTokens(ctx context.Context, userID string, tokens TokenPair) error
	GetTokens(ctx context.Context, userID string) (TokenPair, error)
	DeleteTokens(ctx context.Context, userID string) error
}

// ErrTokensNotFound is returned by a TokenStore with no pair for the user.
var ErrTokensNotFound = errors.New("tokens not found")

// APIError is an error response from the authorization server.
type APIError struct {
	Status      int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *APIError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("oauth: %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("oauth: %d %s: %s", e.Status, e.Code, e.Description)
}

// Client talks to one authorization server as one registered application.
type Client struct {
	baseURL string
	oauth   *oauth2.Config
	http    *http.Client
	now     func() time.Time
}

type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient for every call, including the
// token endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

func New(cfg Config, opts ...Option) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{
		baseURL: base,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + authorizePath,
				TokenURL:  base + tokenPath,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		http: http.DefaultClient,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ctx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

// AuthCodeURL builds the URL to send the user's browser to. Pass a verifier
// from oauth2.GenerateVerifier to use PKCE.
func (c *Client) AuthCodeURL(state, verifier string) string {
	if verifier == "" {
		return c.oauth.AuthCodeURL(state)
	}
	return c.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// Exchange redeems an authorization code.
func (c *Client) Exchange(ctx context.Context, code, verifier string) (TokenPair, error) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := c.oauth.Exchange(c.ctx(ctx), code, opts...)
	if err != nil {
		return TokenPair{}, asAPIError(err)
	}
	return c.pair(tok), nil
}

// Refresh trades a refresh token for a new pair. The old refresh token is
// spent even if the caller loses the response.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	stale := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	tok, err := c.oauth.TokenSource(c.ctx(ctx), stale).Token()
	if err != nil {
		return TokenPair{}, asAPIError(err)
	}
	return c.pair(tok), nil
}

// TokenSource returns an oauth2.TokenSource that refreshes automatically. It
// does not persist rotated refresh tokens; use ValidTokens for that.
func (c *Client) TokenSource(ctx context.Context, t TokenPair) oauth2.TokenSource {
	return c.oauth.TokenSource(c.ctx(ctx), &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       t.ExpiresAt,
	})
}

// ValidTokens loads the user's pair, refreshing and persisting it when the
// access token is within a minute of expiry.
func (c *Client) ValidTokens(ctx context.Context, store TokenStore, userID string) (TokenPair, error) {
	current, err := store.GetTokens(ctx, userID)
	if err != nil {
		return TokenPair{}, err
	}
	if !current.Expired(c.now(), time.Minute) {
		return current, nil
	}
	updated, err := c.Refresh(ctx, current.RefreshToken)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == "invalid_grant" {
			_ = store.DeleteTokens(ctx, userID)
		}
		return TokenPair{}, err
	}
	if err := store.StoreTokens(ctx, userID, updated); err != nil {
		return TokenPair{}, err
	}
	return updated, nil
}

func (c *Client) pair(tok *oauth2.Token) TokenPair {
	scope, _ := tok.Extra("scope").(string)
	return TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scope:        scope,
		ExpiresAt:    tok.Expiry,
		IssuedAt:     c.now().UTC(),
	}
}

// UserInfo describes the bearer of accessToken.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+userInfoPath, nil)
	if err != nil {
		return nil, err
	}
	var out UserInfo
	if err := c.do(req, accessToken, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyEvent asks the server whether eventID was really sent to this
// application and returns the event as logged. The access token needs the
// webhook:verify scope.
func (c *Client) VerifyEvent(ctx context.Context, accessToken, eventID string) (*webhook.Event, error) {
	body, err := json.Marshal(map[string]string{"event_id": eventID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+verifyEventPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	var out webhook.Event
	if err := c.do(req, accessToken, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(req *http.Request, accessToken string, out any) error {
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(apiErr)
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func asAPIError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return &APIError{Status: re.Response.StatusCode, Code: re.ErrorCode, Description: re.ErrorDescription}
	}
	return err
}

// ParseWebhook reads a webhook delivery, checks its signature against secret
// and decodes the event. A zero tolerance skips the timestamp check.
func ParseWebhook(r *http.Request, secret string, tolerance time.Duration) (*webhook.Event, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read webhook body: %w", err)
	}
	if err := webhook.VerifySignature(secret, r.Header.Get(webhook.SignatureHeader), body, tolerance, time.Now()); err != nil {
		return nil, err
	}
	var event webhook.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("decode webhook event: %w", err)
	}
	return &event, nil
}

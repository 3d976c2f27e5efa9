package oserver

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/Seann-Moser/oauthcore/logging"
	"github.com/Seann-Moser/oauthcore/metrics"
	"github.com/Seann-Moser/oauthcore/utils"
)

const (
	DefaultRefreshTokenTTL = 90 * 24 * time.Hour

	refreshTokenPrefix = "rt_"
)

var _ TokenRevoker = (*Exchange)(nil)

// Exchange redeems authorization codes and refresh tokens for token pairs.
// Code consumption and refresh rotation are single atomic store operations;
// once either succeeds the credential is spent even if issuance later fails.
type Exchange struct {
	registry   *Registry
	codes      CodeStore
	refresh    RefreshTokenStore
	signer     AccessTokenSigner
	refreshTTL time.Duration
	now        func() time.Time
	logger     *zap.Logger
	metrics    *metrics.Recorder
}

func NewExchange(registry *Registry, codes CodeStore, refresh RefreshTokenStore, signer AccessTokenSigner, refreshTTL time.Duration, now func() time.Time, logger *zap.Logger, m *metrics.Recorder) *Exchange {
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Exchange{
		registry:   registry,
		codes:      codes,
		refresh:    refresh,
		signer:     signer,
		refreshTTL: refreshTTL,
		now:        now,
		logger:     logging.OrNop(logger),
		metrics:    m,
	}
}

// Token dispatches on grant_type. Every error returned is an *Error.
func (e *Exchange) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	var (
		resp *TokenResponse
		err  error
	)
	switch GrantType(req.GrantType) {
	case GrantTypeAuthorizationCode:
		resp, err = e.exchangeCode(ctx, req)
	case GrantTypeRefreshToken:
		resp, err = e.exchangeRefreshToken(ctx, req)
	case "":
		err = newError(ErrInvalidRequest, "grant_type is required")
	default:
		err = newError(ErrUnsupportedGrantType, "grant_type %q is not supported", req.GrantType)
	}
	if err != nil {
		oe := AsError(err)
		e.metrics.TokenError(oe.Code)
		if oe.Status >= 500 {
			e.logger.Error("token exchange failed",
				zap.String("grant_type", req.GrantType),
				zap.String("client_id", req.ClientID),
				zap.Error(oe),
			)
		}
		return nil, oe
	}
	e.metrics.TokenIssued(req.GrantType)
	return resp, nil
}

func (e *Exchange) exchangeCode(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.ClientID == "" || req.ClientSecret == "" || req.Code == "" || req.RedirectURI == "" {
		return nil, newError(ErrInvalidRequest, "client_id, client_secret, code and redirect_uri are required")
	}
	if !isAbsoluteURL(req.RedirectURI) {
		return nil, newError(ErrInvalidRequest, "redirect_uri must be an absolute url")
	}
	client, err := e.authenticate(ctx, req)
	if err != nil {
		return nil, err
	}
	if !e.registry.ValidateRedirectURI(client, req.RedirectURI) {
		return nil, newError(ErrInvalidGrant, "redirect_uri is not registered for this client")
	}

	code, err := e.codes.ConsumeCode(ctx, req.Code)
	if err != nil {
		return nil, serverError("consume authorization code", err)
	}
	switch {
	case code == nil:
		return nil, newError(ErrInvalidGrant, "authorization code is invalid or has already been used")
	case !e.now().Before(code.ExpiresAt):
		return nil, newError(ErrInvalidGrant, "authorization code has expired")
	case code.ClientID != client.ClientID:
		return nil, newError(ErrInvalidGrant, "authorization code was issued to another client")
	case code.RedirectURI != "" && code.RedirectURI != req.RedirectURI:
		return nil, newError(ErrInvalidGrant, "redirect_uri does not match the authorization request")
	case code.CodeChallenge != "" && !VerifyCodeVerifier(code.CodeChallengeMethod, code.CodeChallenge, req.CodeVerifier):
		return nil, newError(ErrInvalidGrant, "code_verifier does not match the code_challenge")
	}
	return e.issue(ctx, code.UserID, client.ClientID, code.Scope)
}

func (e *Exchange) exchangeRefreshToken(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.ClientID == "" || req.ClientSecret == "" || req.RefreshToken == "" {
		return nil, newError(ErrInvalidRequest, "client_id, client_secret and refresh_token are required")
	}
	client, err := e.authenticate(ctx, req)
	if err != nil {
		return nil, err
	}

	rt, err := e.refresh.RevokeRefreshToken(ctx, req.RefreshToken, client.ClientID, e.now().UTC())
	if err != nil {
		return nil, serverError("rotate refresh token", err)
	}
	if rt == nil {
		return nil, newError(ErrInvalidGrant, "refresh token is invalid, revoked or issued to another client")
	}
	if !e.now().Before(rt.ExpiresAt) {
		return nil, newError(ErrInvalidGrant, "refresh token has expired")
	}
	return e.issue(ctx, rt.UserID, client.ClientID, rt.Scope)
}

func (e *Exchange) authenticate(ctx context.Context, req TokenRequest) (*Client, error) {
	client, err := e.registry.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, serverError("authenticate client", err)
	}
	if client == nil {
		return nil, newError(ErrInvalidClient, "client authentication failed")
	}
	return client, nil
}

// issue signs a new access token and persists a new refresh token. Signing
// comes first so a signing failure leaves nothing behind.
func (e *Exchange) issue(ctx context.Context, userID, clientID string, scopes []string) (*TokenResponse, error) {
	now := e.now().UTC()
	access, ttl, err := e.signer.Sign(userID, clientID, scopes, now)
	if err != nil {
		return nil, serverError("sign access token", err)
	}
	token, err := utils.RandomHex(refreshTokenPrefix, 48)
	if err != nil {
		return nil, serverError("generate refresh token", err)
	}
	rt := &RefreshToken{
		Token:     token,
		UserID:    userID,
		ClientID:  clientID,
		Scope:     scopes,
		CreatedAt: now,
		ExpiresAt: now.Add(e.refreshTTL),
	}
	if err := e.refresh.InsertRefreshToken(ctx, rt); err != nil {
		return nil, serverError("store refresh token", err)
	}
	return &TokenResponse{
		AccessToken:  access,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(ttl / time.Second),
		RefreshToken: token,
		Scope:        FormatScopes(scopes),
	}, nil
}

// RevokeClientTokens revokes every live refresh token the client holds for
// the user.
func (e *Exchange) RevokeClientTokens(ctx context.Context, userID, clientID string) (int64, error) {
	n, err := e.refresh.RevokeRefreshTokens(ctx, userID, clientID, e.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens for %s: %w", clientID, err)
	}
	return n, nil
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}

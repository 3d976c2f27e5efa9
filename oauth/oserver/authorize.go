package oserver

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/Seann-Moser/oauthcore/metrics"
	"github.com/Seann-Moser/oauthcore/utils"
)

const DefaultAuthCodeTTL = 10 * time.Minute

// Issuer runs the authorization-code half of the flow: it validates the
// request, decides whether the consent prompt can be skipped and issues codes.
type Issuer struct {
	registry   *Registry
	ledger     *ConsentLedger
	codes      CodeStore
	consentURL string
	codeTTL    time.Duration
	now        func() time.Time
	metrics    *metrics.Recorder
}

func NewIssuer(registry *Registry, ledger *ConsentLedger, codes CodeStore, consentURL string, codeTTL time.Duration, now func() time.Time, m *metrics.Recorder) *Issuer {
	if codeTTL <= 0 {
		codeTTL = DefaultAuthCodeTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		registry:   registry,
		ledger:     ledger,
		codes:      codes,
		consentURL: consentURL,
		codeTTL:    codeTTL,
		now:        now,
		metrics:    m,
	}
}

// Authorize handles an authorization request from an authenticated user. It
// either issues a code straight away (trusted client or scopes already
// granted) or points the browser at the consent UI. Errors are never
// redirected since the redirect_uri may not have been validated.
func (i *Issuer) Authorize(ctx context.Context, userID string, req AuthRequest) (*AuthResult, error) {
	if req.ResponseType != ResponseTypeCode {
		return nil, newError(ErrUnsupportedResponseType, "response_type must be %q", ResponseTypeCode)
	}
	if req.ClientID == "" || req.RedirectURI == "" {
		return nil, newError(ErrInvalidRequest, "client_id and redirect_uri are required")
	}
	client, err := i.validateClient(ctx, req.ClientID, req.RedirectURI)
	if err != nil {
		return nil, err
	}
	method, err := normalizeChallenge(req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		return nil, err
	}
	scopes := ParseScopes(req.Scope)

	skip := client.Trusted()
	if !skip {
		if skip, err = i.ledger.HasConsent(ctx, userID, client.ClientID, scopes); err != nil {
			return nil, serverError("check consent", err)
		}
	}
	if !skip {
		i.metrics.ConsentPrompted()
		return &AuthResult{RedirectURL: i.consentRedirect(req), ConsentRequired: true}, nil
	}

	loc, err := i.grant(ctx, userID, client, req.RedirectURI, scopes, req.State, req.CodeChallenge, method)
	if err != nil {
		return nil, err
	}
	return &AuthResult{RedirectURL: loc}, nil
}

// Decide applies the user's allow/deny choice from the consent UI and returns
// the URL the browser should follow.
func (i *Issuer) Decide(ctx context.Context, userID string, d ConsentDecision) (string, error) {
	if d.ClientID == "" || d.RedirectURI == "" {
		return "", newError(ErrInvalidRequest, "client_id and redirect_uri are required")
	}
	client, err := i.validateClient(ctx, d.ClientID, d.RedirectURI)
	if err != nil {
		return "", err
	}
	if !d.Allow {
		return redirectWith(d.RedirectURI, map[string]string{
			"error": ErrAccessDenied.Code,
			"state": d.State,
		})
	}
	method, err := normalizeChallenge(d.CodeChallenge, d.CodeChallengeMethod)
	if err != nil {
		return "", err
	}
	return i.grant(ctx, userID, client, d.RedirectURI, ParseScopes(d.Scope), d.State, d.CodeChallenge, method)
}

func (i *Issuer) validateClient(ctx context.Context, clientID, redirectURI string) (*Client, error) {
	client, err := i.registry.FindByClientID(ctx, clientID)
	if err != nil {
		return nil, serverError("find client", err)
	}
	if client == nil || !client.IsActive {
		return nil, newError(ErrInvalidRequest, "unknown client_id")
	}
	if !i.registry.ValidateRedirectURI(client, redirectURI) {
		return nil, newError(ErrInvalidRequest, "redirect_uri is not registered for this client")
	}
	return client, nil
}

// grant persists a new code, unions the scopes into the consent record and
// builds the success redirect.
func (i *Issuer) grant(ctx context.Context, userID string, client *Client, redirectURI string, scopes []string, state, challenge, method string) (string, error) {
	code, err := utils.RandomHex("", 32)
	if err != nil {
		return "", serverError("generate code", err)
	}
	now := i.now().UTC()
	ac := &AuthorizationCode{
		Code:        code,
		UserID:      userID,
		ClientID:    client.ClientID,
		RedirectURI: redirectURI,
		Scope:       scopes,
		CreatedAt:   now,
		ExpiresAt:   now.Add(i.codeTTL),
	}
	if method != "" {
		ac.CodeChallenge = challenge
		ac.CodeChallengeMethod = method
	}
	if err := i.codes.InsertCode(ctx, ac); err != nil {
		return "", serverError("store authorization code", err)
	}
	if _, err := i.ledger.RecordConsent(ctx, userID, client.ClientID, scopes); err != nil {
		return "", serverError("record consent", err)
	}
	i.metrics.CodeIssued()
	return redirectWith(redirectURI, map[string]string{"code": code, "state": state})
}

// consentRedirect forwards the original query string to the consent UI
// untouched.
func (i *Issuer) consentRedirect(req AuthRequest) string {
	raw := req.RawQuery
	if raw == "" {
		q := url.Values{}
		q.Set("response_type", req.ResponseType)
		q.Set("client_id", req.ClientID)
		q.Set("redirect_uri", req.RedirectURI)
		for k, v := range map[string]string{
			"scope":                 req.Scope,
			"state":                 req.State,
			"code_challenge":        req.CodeChallenge,
			"code_challenge_method": req.CodeChallengeMethod,
		} {
			if v != "" {
				q.Set(k, v)
			}
		}
		raw = q.Encode()
	}
	u, err := url.Parse(i.consentURL)
	if err != nil {
		return i.consentURL + "?" + raw
	}
	u.RawQuery = raw
	return u.String()
}

func redirectWith(rawURL string, params map[string]string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", serverError("parse redirect_uri", fmt.Errorf("%q: %w", rawURL, err))
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

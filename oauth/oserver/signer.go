package oserver

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims are the claims carried by an access token. Subject is the user,
// the single audience is the client.
type AccessClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Scopes returns the parsed scope claim.
func (c *AccessClaims) Scopes() []string {
	return strings.Fields(c.Scope)
}

func (c *AccessClaims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes(), scope)
}

// ClientID returns the audience the token was issued to.
func (c *AccessClaims) ClientID() string {
	if len(c.Audience) == 0 {
		return ""
	}
	return c.Audience[0]
}

// AccessTokenSigner issues and verifies stateless access tokens.
type AccessTokenSigner interface {
	Sign(userID, clientID string, scopes []string, now time.Time) (token string, expiresIn time.Duration, err error)
	Verify(token string) (*AccessClaims, error)
}

var _ AccessTokenSigner = (*JWTSigner)(nil)

// JWTSigner signs HS256 JWTs with a shared secret.
type JWTSigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTSigner(secret []byte, issuer string, ttl time.Duration) *JWTSigner {
	return &JWTSigner{secret: secret, issuer: issuer, ttl: ttl, now: time.Now}
}

var errNoSigningKey = errors.New("access token signing key is not configured")

func (s *JWTSigner) Sign(userID, clientID string, scopes []string, now time.Time) (string, time.Duration, error) {
	if len(s.secret) == 0 {
		return "", 0, errNoSigningKey
	}
	claims := AccessClaims{
		Scope: FormatScopes(scopes),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", 0, fmt.Errorf("sign access token: %w", err)
	}
	return token, s.ttl, nil
}

func (s *JWTSigner) Verify(token string) (*AccessClaims, error) {
	if len(s.secret) == 0 {
		return nil, errNoSigningKey
	}
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify access token: %w", err)
	}
	return claims, nil
}

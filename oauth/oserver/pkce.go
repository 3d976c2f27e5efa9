package oserver

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"regexp"
)

// RFC 7636: 43-128 characters from the unreserved set.
var pkcePattern = regexp.MustCompile(`^[A-Za-z0-9._~-]{43,128}$`)

// GenerateCodeVerifier returns a random code_verifier (86 base64url characters).
func GenerateCodeVerifier() (string, error) {
	b := make([]byte, 64)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("pkce: failed to generate verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateCodeChallenge returns the S256 code_challenge for the given verifier.
func GenerateCodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// normalizeChallenge validates the optional PKCE parameters of an
// authorization request and returns the effective method ("" when PKCE is
// not used).
func normalizeChallenge(challenge, method string) (string, error) {
	if challenge == "" {
		if method != "" {
			return "", newError(ErrInvalidRequest, "code_challenge_method requires code_challenge")
		}
		return "", nil
	}
	if !pkcePattern.MatchString(challenge) {
		return "", newError(ErrInvalidRequest, "code_challenge is malformed")
	}
	switch method {
	case "":
		return CodeChallengePlain, nil
	case CodeChallengeS256, CodeChallengePlain:
		return method, nil
	}
	return "", newError(ErrInvalidRequest, "unsupported code_challenge_method %q", method)
}

// VerifyCodeVerifier checks a token request's code_verifier against the
// challenge stored with the authorization code.
func VerifyCodeVerifier(method, challenge, verifier string) bool {
	if !pkcePattern.MatchString(verifier) {
		return false
	}
	expected := verifier
	if method == CodeChallengeS256 {
		expected = GenerateCodeChallenge(verifier)
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) == 1
}

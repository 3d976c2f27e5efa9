package oserver

import (
	"regexp"
	"slices"
	"strings"
)

const (
	// MaxScopes caps the number of scopes kept from a single request.
	MaxScopes = 20

	ScopeWebhookVerify = "webhook:verify"
	ScopeProfileRead   = "profile:read"
	ScopeProfileWrite  = "profile:write"
	ScopeEmailRead     = "email:read"
)

var scopePattern = regexp.MustCompile(`^[A-Za-z0-9:_-]{1,64}$`)

// ParseScopes splits a space-delimited scope string. Parsing is lenient:
// tokens that do not match the scope pattern are dropped, duplicates are
// removed and anything past MaxScopes is ignored. It never fails.
func ParseScopes(raw string) []string {
	out := []string{}
	for _, s := range strings.Fields(raw) {
		if len(out) == MaxScopes {
			break
		}
		if !scopePattern.MatchString(s) || slices.Contains(out, s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// FormatScopes joins scopes into the space-delimited wire form.
func FormatScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ScopesSubset reports whether every requested scope is in granted.
func ScopesSubset(requested, granted []string) bool {
	for _, s := range requested {
		if !slices.Contains(granted, s) {
			return false
		}
	}
	return true
}

// UnionScopes appends the scopes of b missing from a, keeping order.
func UnionScopes(a, b []string) []string {
	out := slices.Clone(a)
	for _, s := range b {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

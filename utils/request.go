package utils

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// GetDomain returns the registrable domain of the request's Origin (or Referer)
// header, e.g. "example.com" for "https://dev.example.com:3000".
func GetDomain(r *http.Request) string {
	origin := getOrigin(r)
	if origin == "" {
		return ""
	}
	if !strings.HasPrefix(origin, "http") {
		origin = "https://" + origin
	}
	u, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return host
	}
	n := len(parts)
	return parts[n-2] + "." + parts[n-1]
}

func getOrigin(r *http.Request) string {
	if v := r.Header.Get("Origin"); v != "" {
		return v
	}
	if v := r.Header.Get("Referer"); v != "" {
		return v
	}
	return ""
}

// FullURL rebuilds the absolute URL of the request, honouring the
// X-Forwarded-Proto and X-Forwarded-Host headers set by a reverse proxy.
func FullURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	if fwdHost := r.Header.Get("X-Forwarded-Host"); fwdHost != "" {
		host = fwdHost
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, r.URL.RequestURI())
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	return token, token != ""
}

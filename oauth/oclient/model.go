package oclient

import "time"

// Config identifies a registered third-party application.
type Config struct {
	// BaseURL is the authorization server origin, e.g. https://accounts.example.com.
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// TokenPair holds an access + refresh token for a given user
type TokenPair struct {
	AccessToken  string    `bson:"access_token" json:"access_token"`
	RefreshToken string    `bson:"refresh_token" json:"refresh_token"`
	Scope        string    `bson:"scope" json:"scope"`
	ExpiresAt    time.Time `bson:"expires_at" json:"expires_at"`
	IssuedAt     time.Time `bson:"issued_at" json:"issued_at"`
}

// Expired reports whether the access token is expired or within skew of it.
func (t TokenPair) Expired(now time.Time, skew time.Duration) bool {
	return !t.ExpiresAt.IsZero() && !now.Add(skew).Before(t.ExpiresAt)
}

// UserInfo is the userinfo endpoint response.
type UserInfo struct {
	Subject  string `json:"sub"`
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
}

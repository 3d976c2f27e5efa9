// Package config loads service settings from the environment and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

const minJWTSecretLen = 32

// Config holds every runtime setting of the authorization server.
type Config struct {
	ServerPort      string
	ShutdownTimeout time.Duration
	LogLevel        string
	LogFormat       string

	MongoURI              string
	MongoDatabase         string
	RedisURL              string
	WebhookEventRetention time.Duration

	JWTSecret       string
	JWTIssuer       string
	SessionSecret   string
	SessionTTL      time.Duration
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
	BcryptCost      int

	ConsentURL string
	LoginURL   string

	// CookieDomain scopes the session cookie to the registrable domain so
	// sibling hosts such as the consent UI share it.
	CookieDomain bool

	WebhookTimeout     time.Duration
	WebhookMaxAttempts int
	WebhookConcurrency int

	TokenRateLimit  int
	TokenRateWindow time.Duration
	ClientCacheTTL  time.Duration
}

// Error describes an invalid setting.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Message)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_port", "8080")
	v.SetDefault("shutdown_timeout", 15*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("mongo_database", "oauthcore")
	v.SetDefault("redis_url", "")
	v.SetDefault("webhook_event_retention", time.Duration(0))

	v.SetDefault("jwt_issuer", "oauthcore")
	v.SetDefault("session_ttl", 24*time.Hour)
	v.SetDefault("access_token_ttl", time.Hour)
	v.SetDefault("refresh_token_ttl", 90*24*time.Hour)
	v.SetDefault("auth_code_ttl", 10*time.Minute)
	v.SetDefault("bcrypt_cost", bcrypt.DefaultCost)

	v.SetDefault("consent_url", "/oauth/consent")
	v.SetDefault("login_url", "/login")
	v.SetDefault("cookie_domain", false)

	v.SetDefault("webhook_timeout", 10*time.Second)
	v.SetDefault("webhook_max_attempts", 1)
	v.SetDefault("webhook_concurrency", 8)

	v.SetDefault("token_rate_limit", 60)
	v.SetDefault("token_rate_window", time.Minute)
	v.SetDefault("client_cache_ttl", 15*time.Minute)
}

// Load reads configuration from environment variables (upper-cased keys such
// as JWT_SECRET) layered over path, if path is non-empty, and the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		ServerPort:      v.GetString("server_port"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		LogLevel:        v.GetString("log_level"),
		LogFormat:       v.GetString("log_format"),

		MongoURI:              v.GetString("mongo_uri"),
		MongoDatabase:         v.GetString("mongo_database"),
		RedisURL:              v.GetString("redis_url"),
		WebhookEventRetention: v.GetDuration("webhook_event_retention"),

		JWTSecret:       v.GetString("jwt_secret"),
		JWTIssuer:       v.GetString("jwt_issuer"),
		SessionSecret:   v.GetString("session_secret"),
		SessionTTL:      v.GetDuration("session_ttl"),
		AccessTokenTTL:  v.GetDuration("access_token_ttl"),
		RefreshTokenTTL: v.GetDuration("refresh_token_ttl"),
		AuthCodeTTL:     v.GetDuration("auth_code_ttl"),
		BcryptCost:      v.GetInt("bcrypt_cost"),

		ConsentURL:   v.GetString("consent_url"),
		LoginURL:     v.GetString("login_url"),
		CookieDomain: v.GetBool("cookie_domain"),

		WebhookTimeout:     v.GetDuration("webhook_timeout"),
		WebhookMaxAttempts: v.GetInt("webhook_max_attempts"),
		WebhookConcurrency: v.GetInt("webhook_concurrency"),

		TokenRateLimit:  v.GetInt("token_rate_limit"),
		TokenRateWindow: v.GetDuration("token_rate_window"),
		ClientCacheTTL:  v.GetDuration("client_cache_ttl"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, &Error{Field: "JWT_SECRET", Message: "is required"})
	} else if len(c.JWTSecret) < minJWTSecretLen {
		errs = append(errs, &Error{Field: "JWT_SECRET", Message: fmt.Sprintf("must be at least %d bytes", minJWTSecretLen)})
	}
	if c.SessionSecret == "" {
		errs = append(errs, &Error{Field: "SESSION_SECRET", Message: "is required"})
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, &Error{Field: "SESSION_TTL", Message: "must be positive"})
	}
	if c.AccessTokenTTL <= 0 {
		errs = append(errs, &Error{Field: "ACCESS_TOKEN_TTL", Message: "must be positive"})
	}
	if c.RefreshTokenTTL <= 0 {
		errs = append(errs, &Error{Field: "REFRESH_TOKEN_TTL", Message: "must be positive"})
	}
	if c.AuthCodeTTL <= 0 {
		errs = append(errs, &Error{Field: "AUTH_CODE_TTL", Message: "must be positive"})
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, &Error{Field: "BCRYPT_COST", Message: fmt.Sprintf("must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)})
	}
	if c.WebhookMaxAttempts < 1 {
		errs = append(errs, &Error{Field: "WEBHOOK_MAX_ATTEMPTS", Message: "must be at least 1"})
	}
	if c.WebhookConcurrency < 1 {
		errs = append(errs, &Error{Field: "WEBHOOK_CONCURRENCY", Message: "must be at least 1"})
	}
	return errors.Join(errs...)
}

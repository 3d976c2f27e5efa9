package webhook

import (
	"errors"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Seann-Moser/oauthcore/utils"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

func (s Status) Valid() bool {
	return s == StatusActive || s == StatusDisabled
}

// Endpoint is a client-registered delivery target with its own signing secret.
type Endpoint struct {
	ID        string      `bson:"id" json:"id"`
	URL       string      `bson:"url" json:"url"`
	Secret    string      `bson:"secret" json:"secret,omitempty"`
	Events    []EventType `bson:"subscribedEvents" json:"subscribed_events"`
	Status    Status      `bson:"status" json:"status"`
	CreatedAt time.Time   `bson:"createdAt" json:"created_at"`
}

// Subscribed reports whether the endpoint is active and listens for t.
func (e Endpoint) Subscribed(t EventType) bool {
	return e.Status == StatusActive && slices.Contains(e.Events, t)
}

// Redacted returns a copy without the signing secret.
func (e Endpoint) Redacted() Endpoint {
	e.Secret = ""
	return e
}

// NewSecret returns a fresh "whsec_" prefixed signing secret.
func NewSecret() (string, error) {
	return utils.RandomHex("whsec_", 32)
}

// NewEndpoint validates rawURL and builds an active endpoint with a new id and secret.
func NewEndpoint(rawURL string, events []EventType, now time.Time) (Endpoint, error) {
	if err := ValidateURL(rawURL); err != nil {
		return Endpoint{}, err
	}
	if len(events) == 0 {
		return Endpoint{}, errors.New("at least one event is required")
	}
	secret, err := NewSecret()
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{
		ID:        uuid.NewString(),
		URL:       rawURL,
		Secret:    secret,
		Events:    events,
		Status:    StatusActive,
		CreatedAt: now,
	}, nil
}

// ValidateURL requires an absolute http or https URL.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid webhook url")
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return errors.New("webhook url must be an absolute http(s) url")
	}
	return nil
}

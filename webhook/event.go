package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/Seann-Moser/oauthcore/utils"
)

// EventType names an account event delivered to webhook endpoints.
type EventType string

const (
	EventProfileUpdated EventType = "profile.updated"
	EventUserConnected  EventType = "user.connected"
	EventUserRevoked    EventType = "user.revoked"
	EventPing           EventType = "webhook.ping"
)

// SubscribableEvents lists the events an endpoint may subscribe to. Pings are
// always delivered to the endpoint being tested.
var SubscribableEvents = []EventType{
	EventProfileUpdated,
	EventUserConnected,
	EventUserRevoked,
}

// ParseEventTypes converts raw names into event types, rejecting unknown
// names and removing duplicates.
func ParseEventTypes(names []string) ([]EventType, error) {
	out := make([]EventType, 0, len(names))
	for _, n := range names {
		t := EventType(n)
		if !slices.Contains(SubscribableEvents, t) {
			return nil, fmt.Errorf("unknown webhook event %q", n)
		}
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Payload is the event-specific body of an Event. Each variant carries only
// identifiers, field names and a timestamp.
type Payload interface {
	EventType() EventType
}

type ProfileUpdated struct {
	UserID        string    `json:"userId"`
	ChangedFields []string  `json:"changedFields"`
	Timestamp     time.Time `json:"timestamp"`
}

func (ProfileUpdated) EventType() EventType { return EventProfileUpdated }

type UserConnected struct {
	UserID        string    `json:"userId"`
	ClientID      string    `json:"clientId"`
	GrantedScopes []string  `json:"grantedScopes"`
	Timestamp     time.Time `json:"timestamp"`
}

func (UserConnected) EventType() EventType { return EventUserConnected }

type UserRevoked struct {
	UserID    string    `json:"userId"`
	ClientID  string    `json:"clientId"`
	Timestamp time.Time `json:"timestamp"`
}

func (UserRevoked) EventType() EventType { return EventUserRevoked }

type Ping struct {
	ClientID  string    `json:"clientId"`
	WebhookID string    `json:"webhookId"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (Ping) EventType() EventType { return EventPing }

// Event is the JSON document POSTed to endpoints.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"event"`
	CreatedAt time.Time `json:"createdAt"`
	Payload   Payload   `json:"payload"`
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        string          `json:"id"`
		Type      EventType       `json:"event"`
		CreatedAt time.Time       `json:"createdAt"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p, err := decodePayload(raw.Type, raw.Payload)
	if err != nil {
		return err
	}
	e.ID, e.Type, e.CreatedAt, e.Payload = raw.ID, raw.Type, raw.CreatedAt, p
	return nil
}

func decodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	switch t {
	case EventProfileUpdated:
		return decodeAs[ProfileUpdated](t, raw)
	case EventUserConnected:
		return decodeAs[UserConnected](t, raw)
	case EventUserRevoked:
		return decodeAs[UserRevoked](t, raw)
	case EventPing:
		return decodeAs[Ping](t, raw)
	}
	return nil, fmt.Errorf("unknown webhook event %q", t)
}

func decodeAs[T Payload](t EventType, raw json.RawMessage) (Payload, error) {
	var v T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
	}
	return v, nil
}

// NewEventID returns a fresh "evt_" prefixed identifier.
func NewEventID() (string, error) {
	return utils.RandomHex("evt_", 24)
}

// Record is the durable, append-only log entry of a dispatched event. Body is
// the exact JSON delivered to endpoints so receivers can re-verify it.
type Record struct {
	ID         string    `bson:"id"`
	Type       EventType `bson:"event"`
	UserID     string    `bson:"userId"`
	Recipients []string  `bson:"recipients"`
	Body       string    `bson:"body"`
	CreatedAt  time.Time `bson:"createdAt"`
}

// Event decodes the logged body.
func (r *Record) Event() (*Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(r.Body), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *Record) HasRecipient(clientID string) bool {
	return slices.Contains(r.Recipients, clientID)
}

// EventStore persists event records. GetEvent returns nil, nil when the id is
// unknown.
type EventStore interface {
	InsertEvent(ctx context.Context, rec *Record) error
	GetEvent(ctx context.Context, id string) (*Record, error)
}

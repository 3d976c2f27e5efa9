// Package webhook signs and delivers account events to the endpoints that
// authorized clients register, and keeps a durable log of every event sent.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Seann-Moser/oauthcore/logging"
	"github.com/Seann-Moser/oauthcore/metrics"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultConcurrency = 8

	maxResponseDrain = 64 << 10
)

// Subscribers resolves the endpoints of every client a user has a consent
// record with, keyed by client id.
type Subscribers interface {
	AuthorizedEndpoints(ctx context.Context, userID string) (map[string][]Endpoint, error)
}

type Dispatcher struct {
	subscribers Subscribers
	events      EventStore
	client      *http.Client
	logger      *zap.Logger
	metrics     *metrics.Recorder
	now         func() time.Time

	timeout       time.Duration
	maxAttempts   int
	retryInterval time.Duration
	concurrency   int

	inflight sync.WaitGroup
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithTimeout bounds every individual delivery attempt.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithRetry allows up to attempts tries per endpoint with exponential backoff
// starting at interval. Only network errors, 429 and 5xx responses are retried.
func WithRetry(attempts int, interval time.Duration) Option {
	return func(d *Dispatcher) {
		if attempts > 0 {
			d.maxAttempts = attempts
		}
		if interval > 0 {
			d.retryInterval = interval
		}
	}
}

// WithConcurrency caps simultaneous deliveries for one event.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

func NewDispatcher(subscribers Subscribers, events EventStore, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		subscribers:   subscribers,
		events:        events,
		client:        http.DefaultClient,
		logger:        zap.NewNop(),
		now:           time.Now,
		timeout:       DefaultTimeout,
		maxAttempts:   1,
		retryInterval: 500 * time.Millisecond,
		concurrency:   DefaultConcurrency,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

type dispatchOptions struct {
	onlyClient string
}

type DispatchOption func(*dispatchOptions)

// OnlyClient restricts delivery to the endpoints of a single client.
func OnlyClient(clientID string) DispatchOption {
	return func(o *dispatchOptions) { o.onlyClient = clientID }
}

type target struct {
	clientID string
	endpoint Endpoint
}

// Dispatch logs payload as a new event and delivers it to every active,
// subscribed endpoint of the clients userID has authorized. It returns nil, nil
// when no endpoint matches. Once the event is logged, delivery continues in the
// background and its failures are only logged; use Wait to drain.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, payload Payload, opts ...DispatchOption) (*Event, error) {
	var o dispatchOptions
	for _, opt := range opts {
		opt(&o)
	}
	byClient, err := d.subscribers.AuthorizedEndpoints(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve webhook subscribers: %w", err)
	}
	targets := selectTargets(byClient, payload.EventType(), o.onlyClient)
	if len(targets) == 0 {
		return nil, nil
	}

	recipients := make([]string, 0, len(targets))
	for _, t := range targets {
		if !slices.Contains(recipients, t.clientID) {
			recipients = append(recipients, t.clientID)
		}
	}
	event, body, err := d.record(ctx, userID, payload, recipients)
	if err != nil {
		return nil, err
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.fanOut(context.WithoutCancel(ctx), event, body, targets)
	}()
	return event, nil
}

// Ping logs a ping event for a single endpoint and delivers it synchronously,
// returning the delivery error so the owner can see why it failed.
func (d *Dispatcher) Ping(ctx context.Context, ownerID, clientID string, ep Endpoint) (*Event, error) {
	payload := Ping{
		ClientID:  clientID,
		WebhookID: ep.ID,
		Message:   "This is a test event.",
		Timestamp: d.now().UTC(),
	}
	event, body, err := d.record(ctx, ownerID, payload, []string{clientID})
	if err != nil {
		return nil, err
	}
	if err := d.deliver(ctx, event, body, ep); err != nil {
		return event, fmt.Errorf("deliver ping: %w", err)
	}
	return event, nil
}

// Wait blocks until every background delivery has finished. Callers must stop
// calling Dispatch first, for example by shutting the HTTP server down, since
// a Dispatch racing with Wait may start a delivery Wait does not see.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

func selectTargets(byClient map[string][]Endpoint, t EventType, onlyClient string) []target {
	var out []target
	for _, clientID := range slices.Sorted(maps.Keys(byClient)) {
		if onlyClient != "" && clientID != onlyClient {
			continue
		}
		for _, ep := range byClient[clientID] {
			if ep.Subscribed(t) {
				out = append(out, target{clientID: clientID, endpoint: ep})
			}
		}
	}
	return out
}

func (d *Dispatcher) record(ctx context.Context, userID string, payload Payload, recipients []string) (*Event, []byte, error) {
	id, err := NewEventID()
	if err != nil {
		return nil, nil, err
	}
	event := &Event{
		ID:        id,
		Type:      payload.EventType(),
		CreatedAt: d.now().UTC().Truncate(time.Millisecond),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return nil, nil, fmt.Errorf("encode webhook event: %w", err)
	}
	rec := &Record{
		ID:         event.ID,
		Type:       event.Type,
		UserID:     userID,
		Recipients: recipients,
		Body:       string(body),
		CreatedAt:  event.CreatedAt,
	}
	if err := d.events.InsertEvent(ctx, rec); err != nil {
		return nil, nil, fmt.Errorf("log webhook event: %w", err)
	}
	d.metrics.WebhookEventLogged(string(event.Type))
	return event, body, nil
}

func (d *Dispatcher) fanOut(ctx context.Context, event *Event, body []byte, targets []target) {
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, t := range targets {
		g.Go(func() error {
			if err := d.deliver(ctx, event, body, t.endpoint); err != nil {
				d.logger.Warn("webhook delivery failed",
					zap.String("event_id", event.ID),
					zap.String("event", string(event.Type)),
					zap.String("client_id", t.clientID),
					zap.String("webhook_id", t.endpoint.ID),
					zap.Error(err),
				)
				return nil
			}
			d.logger.Debug("webhook delivered",
				zap.String("event_id", event.ID),
				zap.String("client_id", t.clientID),
				zap.String("webhook_id", t.endpoint.ID),
			)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, event *Event, body []byte, ep Endpoint) error {
	start := time.Now()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retryInterval
	b.MaxInterval = 10 * d.retryInterval

	_, err := backoff.Retry(ctx, func() (int, error) {
		return d.post(ctx, event, body, ep)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.maxAttempts)),
	)
	result := "success"
	if err != nil {
		result = "failure"
	}
	d.metrics.WebhookDelivered(result, time.Since(start).Seconds())
	return err
}

func (d *Dispatcher) post(ctx context.Context, event *Event, body []byte, ep Endpoint) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, SignatureHeaderValue(ep.Secret, d.now().Unix(), body))
	req.Header.Set(EventIDHeader, event.ID)
	req.Header.Set(EventTypeHeader, string(event.Type))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return resp.StatusCode, fmt.Errorf("endpoint responded %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return resp.StatusCode, backoff.Permanent(fmt.Errorf("endpoint responded %d", resp.StatusCode))
	}
	return resp.StatusCode, nil
}

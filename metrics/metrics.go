// Package metrics exposes the prometheus collectors recorded by the
// authorization server. A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oauthcore"

type Recorder struct {
	registry *prometheus.Registry

	TokensIssued      *prometheus.CounterVec
	TokenErrors       *prometheus.CounterVec
	CodesIssued       prometheus.Counter
	ConsentPrompts    prometheus.Counter
	WebhookEvents     *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
	WebhookLatency    prometheus.Histogram
	RateLimitRejected prometheus.Counter
}

// NewRecorder registers every collector on a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Access/refresh token pairs issued, by grant type.",
		}, []string{"grant_type"}),
		TokenErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_errors_total",
			Help:      "Token endpoint failures, by OAuth error code.",
		}, []string{"error"}),
		CodesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_codes_issued_total",
			Help:      "Authorization codes issued.",
		}),
		ConsentPrompts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consent_prompts_total",
			Help:      "Authorization requests redirected to the consent UI.",
		}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Webhook events logged, by event name.",
		}, []string{"event"}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery outcomes.",
		}, []string{"result"}),
		WebhookLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_delivery_seconds",
			Help:      "Webhook delivery latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}),
		RateLimitRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejected_total",
			Help:      "Token requests rejected by the rate limiter.",
		}),
	}
	r.registry.MustRegister(
		r.TokensIssued,
		r.TokenErrors,
		r.CodesIssued,
		r.ConsentPrompts,
		r.WebhookEvents,
		r.WebhookDeliveries,
		r.WebhookLatency,
		r.RateLimitRejected,
	)
	return r
}

// Handler serves the registry in the prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) TokenIssued(grantType string) {
	if r == nil {
		return
	}
	r.TokensIssued.WithLabelValues(grantType).Inc()
}

func (r *Recorder) TokenError(code string) {
	if r == nil {
		return
	}
	r.TokenErrors.WithLabelValues(code).Inc()
}

func (r *Recorder) CodeIssued() {
	if r == nil {
		return
	}
	r.CodesIssued.Inc()
}

func (r *Recorder) ConsentPrompted() {
	if r == nil {
		return
	}
	r.ConsentPrompts.Inc()
}

func (r *Recorder) WebhookEventLogged(event string) {
	if r == nil {
		return
	}
	r.WebhookEvents.WithLabelValues(event).Inc()
}

// WebhookDelivered records one endpoint delivery; result is "success" or "failure".
func (r *Recorder) WebhookDelivered(result string, seconds float64) {
	if r == nil {
		return
	}
	r.WebhookDeliveries.WithLabelValues(result).Inc()
	r.WebhookLatency.Observe(seconds)
}

func (r *Recorder) RateLimited() {
	if r == nil {
		return
	}
	r.RateLimitRejected.Inc()
}

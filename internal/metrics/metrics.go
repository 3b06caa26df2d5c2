// Package metrics exposes Prometheus collectors for token refreshes, playback
// sessions, the page shell cache and the tokenize proxy.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stwalsh4118/vivo/internal/cacherouter"
	"github.com/stwalsh4118/vivo/internal/streaming"
	"github.com/stwalsh4118/vivo/internal/token"
)

const namespace = "vivo"

var breakerStates = []token.BreakerState{token.BreakerClosed, token.BreakerHalfOpen, token.BreakerOpen}

// Metrics holds the service collectors on a private registry.
// It implements token.Observer, streaming.Observer and cacherouter.Observer.
type Metrics struct {
	registry *prometheus.Registry

	tokenRefreshes    *prometheus.CounterVec
	tokenDuration     prometheus.Histogram
	tokenCoalesced    prometheus.Counter
	sessionStatus     *prometheus.GaugeVec
	sessionErrors     *prometheus.CounterVec
	sessionRecoveries *prometheus.CounterVec
	enginesLive       prometheus.Gauge
	cacheResults      *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	breakerTrips      prometheus.Counter
	rateLimited       prometheus.Counter
	proxyRequests     *prometheus.CounterVec
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Token exchanges by outcome",
		}, []string{"result"}),
		tokenDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "token_refresh_duration_seconds",
			Help:      "Duration of token exchanges",
			Buckets:   prometheus.DefBuckets,
		}),
		tokenCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_coalesced_total",
			Help:      "Refresh requests that joined an exchange already in flight",
		}),
		sessionStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Playback sessions by status",
		}, []string{"status"}),
		sessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_errors_total",
			Help:      "Classified playback errors",
		}, []string{"code", "fatal"}),
		sessionRecoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_recoveries_total",
			Help:      "Automatic recoveries attempted by engine error kind",
		}, []string{"kind"}),
		enginesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engines_live",
			Help:      "Adaptive engine instances currently alive",
		}),
		cacheResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shell_cache_requests_total",
			Help:      "Page shell requests by route and result",
		}, []string{"route", "result"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tokenize_breaker_state",
			Help:      "Tokenize upstream circuit breaker state (1 for the active state)",
		}, []string{"state"}),
		breakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokenize_breaker_trips_total",
			Help:      "Transitions of the tokenize circuit breaker to open",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokenize_rate_limited_total",
			Help:      "Tokenize requests rejected by the per-client limiter",
		}),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokenize_requests_total",
			Help:      "Tokenize proxy requests by response status class",
		}, []string{"class"}),
	}

	m.registry.MustRegister(
		m.tokenRefreshes,
		m.tokenDuration,
		m.tokenCoalesced,
		m.sessionStatus,
		m.sessionErrors,
		m.sessionRecoveries,
		m.enginesLive,
		m.cacheResults,
		m.breakerState,
		m.breakerTrips,
		m.rateLimited,
		m.proxyRequests,
	)
	m.BreakerStateChanged(token.BreakerClosed, token.BreakerClosed)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RefreshCompleted records one token exchange
func (m *Metrics) RefreshCompleted(err error, elapsed time.Duration) {
	m.tokenDuration.Observe(elapsed.Seconds())
	m.tokenRefreshes.WithLabelValues(refreshResult(err)).Inc()
}

func refreshResult(err error) string {
	var gwErr *token.GatewayError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &gwErr) && gwErr.Network:
		return "network_error"
	case errors.Is(err, token.ErrEmptyToken):
		return "empty"
	case errors.As(err, &gwErr):
		return "rejected"
	default:
		return "error"
	}
}

// RefreshCoalesced records a refresh that shared an in-flight exchange
func (m *Metrics) RefreshCoalesced() {
	m.tokenCoalesced.Inc()
}

// StatusChanged moves one session between status gauges
func (m *Metrics) StatusChanged(from, to streaming.Status) {
	if from != streaming.StatusIdle {
		m.sessionStatus.WithLabelValues(from.String()).Dec()
	}
	if to != streaming.StatusIdle {
		m.sessionStatus.WithLabelValues(to.String()).Inc()
	}
}

// ErrorClassified records a classified playback error
func (m *Metrics) ErrorClassified(code streaming.ErrorCode, fatal bool) {
	f := "false"
	if fatal {
		f = "true"
	}
	m.sessionErrors.WithLabelValues(code.String(), f).Inc()
}

// Recovery records an automatic recovery attempt
func (m *Metrics) Recovery(kind streaming.ErrorKind) {
	m.sessionRecoveries.WithLabelValues(string(kind)).Inc()
}

// EngineCreated increments the live engine gauge
func (m *Metrics) EngineCreated() {
	m.enginesLive.Inc()
}

// EngineReleased decrements the live engine gauge
func (m *Metrics) EngineReleased() {
	m.enginesLive.Dec()
}

// CacheResult records a page shell request outcome
func (m *Metrics) CacheResult(route cacherouter.Route, result string) {
	m.cacheResults.WithLabelValues(string(route), result).Inc()
}

// BreakerStateChanged is a token.WithStateChange callback
func (m *Metrics) BreakerStateChanged(_, to token.BreakerState) {
	for _, s := range breakerStates {
		v := 0.0
		if s == to {
			v = 1
		}
		m.breakerState.WithLabelValues(s.String()).Set(v)
	}
	if to == token.BreakerOpen {
		m.breakerTrips.Inc()
	}
}

// RateLimited records a tokenize request rejected by the limiter
func (m *Metrics) RateLimited() {
	m.rateLimited.Inc()
}

// ProxyResponse records a tokenize proxy response status
func (m *Metrics) ProxyResponse(status int) {
	m.proxyRequests.WithLabelValues(statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}

var (
	_ token.Observer       = (*Metrics)(nil)
	_ streaming.Observer   = (*Metrics)(nil)
	_ cacherouter.Observer = (*Metrics)(nil)
)

// Package metrics holds the Prometheus collectors of fee-lens. All methods
// are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "feelens"

// Metrics groups every collector the services report to.
type Metrics struct {
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	providerFetches    *prometheus.CounterVec
	fallbacks          *prometheus.CounterVec
	cacheRequests      *prometheus.CounterVec
	broadcastAttempts  *prometheus.CounterVec
	requestCounter     *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		breakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"breaker"},
		),
		breakerTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "breaker",
				Name:      "transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"breaker", "to"},
		),
		providerFetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "market",
				Name:      "provider_fetches_total",
				Help:      "Provider fetch attempts by outcome",
			},
			[]string{"service", "provider", "result"},
		),
		fallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "market",
				Name:      "fallbacks_total",
				Help:      "Requests answered from static fallback data",
			},
			[]string{"service"},
		),
		cacheRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "requests_total",
				Help:      "Cache lookups by outcome",
			},
			[]string{"result"},
		),
		broadcastAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broadcast",
				Name:      "attempts_total",
				Help:      "Broadcast attempts per endpoint by outcome",
			},
			[]string{"endpoint", "result"},
		),
		requestCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "path"},
		),
	}
}

// Breaker state values for the state gauge.
const (
	StateClosed   = 0
	StateHalfOpen = 1
	StateOpen     = 2
)

// BreakerTransition records a breaker moving to state.
func (m *Metrics) BreakerTransition(name, to string, value float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(value)
	m.breakerTransitions.WithLabelValues(name, to).Inc()
}

// ProviderFetch records one provider attempt.
func (m *Metrics) ProviderFetch(service, provider string, err error) {
	if m == nil {
		return
	}
	m.providerFetches.WithLabelValues(service, provider, result(err)).Inc()
}

// Fallback records a static fallback answer.
func (m *Metrics) Fallback(service string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(service).Inc()
}

// CacheLookup records a cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	r := "miss"
	if hit {
		r = "hit"
	}
	m.cacheRequests.WithLabelValues(r).Inc()
}

// BroadcastAttempt records one relay attempt.
func (m *Metrics) BroadcastAttempt(endpoint string, err error) {
	if m == nil {
		return
	}
	m.broadcastAttempts.WithLabelValues(endpoint, result(err)).Inc()
}

// Middleware returns a gin middleware that counts and times requests.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		m.requestCounter.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.requestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Package telemetry exposes Prometheus metrics for the HTTP surface and the
// order lifecycle, plus the /metrics handler.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config selects the metric namespace and the registry collectors land in.
// A nil Registry uses a fresh private registry.
type Config struct {
	Namespace string
	Registry  *prometheus.Registry
}

// Provider owns every collector the service exports.
type Provider struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	activeRequests prometheus.Gauge

	transitions        *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	lockWait           prometheus.Histogram
	publishFailures    *prometheus.CounterVec

	dbPoolActive prometheus.Gauge
	dbPoolIdle   prometheus.Gauge
}

// NewProvider registers the collectors. It panics on duplicate registration,
// like prometheus.MustRegister.
func NewProvider(cfg Config) *Provider {
	if cfg.Namespace == "" {
		cfg.Namespace = "noskhe"
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	ns := cfg.Namespace

	p := &Provider{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "http", Name: "active_requests",
			Help: "Requests currently being served.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "orders", Name: "transitions_total",
			Help: "Status transition attempts by source, target and outcome.",
		}, []string{"from", "to", "result"}),
		transitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "orders", Name: "transition_duration_seconds",
			Help:    "Time spent inside the locked transition unit.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"entry"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "orders", Name: "lock_wait_seconds",
			Help:    "Time spent waiting for an order row lock.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2, 5},
		}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "events", Name: "publish_failures_total",
			Help: "Status change events that could not be delivered, by sink.",
		}, []string{"sink"}),
		dbPoolActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "db", Name: "pool_active_connections",
			Help: "Connections currently acquired from the pool.",
		}),
		dbPoolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "db", Name: "pool_idle_connections",
			Help: "Idle connections in the pool.",
		}),
	}

	reg.MustRegister(
		p.httpRequests, p.httpDuration, p.activeRequests,
		p.transitions, p.transitionDuration, p.lockWait, p.publishFailures,
		p.dbPoolActive, p.dbPoolIdle,
	)
	return p
}

// Registry returns the registry the provider writes to.
func (p *Provider) Registry() *prometheus.Registry { return p.registry }

// ObserveTransition records one attempt. result is "ok" or an error kind
// such as "illegal", "invalid_payload", "not_found", "storage".
func (p *Provider) ObserveTransition(from, to, result string) {
	p.transitions.WithLabelValues(from, to, result).Inc()
}

// ObserveTransitionDuration records the wall time of a locked unit.
func (p *Provider) ObserveTransitionDuration(entry string, d time.Duration) {
	p.transitionDuration.WithLabelValues(entry).Observe(d.Seconds())
}

// ObserveLockWait records how long a caller queued for a row lock.
func (p *Provider) ObserveLockWait(d time.Duration) {
	p.lockWait.Observe(d.Seconds())
}

// PublishFailed counts an undelivered event.
func (p *Provider) PublishFailed(sink string) {
	p.publishFailures.WithLabelValues(sink).Inc()
}

// SetDBPool updates the pool gauges.
func (p *Provider) SetDBPool(active, idle int32) {
	p.dbPoolActive.Set(float64(active))
	p.dbPoolIdle.Set(float64(idle))
}

// MetricsMiddleware counts and times requests by route pattern.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.activeRequests.Inc()
			defer p.activeRequests.Dec()

			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			method := c.Request().Method

			p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			p.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the Prometheus exposition format.
func (p *Provider) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry}))
}

// Package metrics exposes the Prometheus collectors of the API on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "caprank"

// Collector holds every metric the API records.
type Collector struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	failures        *prometheus.CounterVec
	likeToggles     *prometheus.CounterVec
	activityDropped prometheus.Counter
}

// NewCollector registers the API metrics and the Go runtime collectors on a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	collector := &Collector{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_failures_total",
				Help:      "Failed requests by error kind",
			},
			[]string{"kind"},
		),
		likeToggles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "like_toggles_total",
				Help:      "Committed like toggles by target kind and resulting state",
			},
			[]string{"kind", "state"},
		),
		activityDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activity_dropped_total",
				Help:      "Activity events dropped because a subscriber was too slow",
			},
		),
	}

	registry.MustRegister(
		collector.httpRequests,
		collector.httpDuration,
		collector.failures,
		collector.likeToggles,
		collector.activityDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return collector
}

// ObserveRequest records one served request.
func (c *Collector) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObserveFailure records a failed request by error kind name.
func (c *Collector) ObserveFailure(kind string) {
	if c == nil {
		return
	}
	c.failures.WithLabelValues(kind).Inc()
}

// ObserveLikeToggle records a committed toggle.
func (c *Collector) ObserveLikeToggle(kind string, liked bool) {
	if c == nil {
		return
	}
	state := "unliked"
	if liked {
		state = "liked"
	}
	c.likeToggles.WithLabelValues(kind, state).Inc()
}

// ObserveActivityDropped records an event a subscriber did not receive.
func (c *Collector) ObserveActivityDropped() {
	if c == nil {
		return
	}
	c.activityDropped.Inc()
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

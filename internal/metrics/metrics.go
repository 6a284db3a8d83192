// Package metrics holds the Prometheus collectors of the auth service.
// Collectors are package-level and registered once through Register.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes recorded by ObserveOperation.
const (
	OutcomeSuccess      = "success"
	OutcomeValidation   = "validation"
	OutcomeUnauthorized = "unauthorized"
	OutcomeConflict     = "conflict"
	OutcomeError        = "error"
)

var (
	authOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_operations_total",
			Help: "Authentication operations by name and outcome.",
		},
		[]string{"op", "outcome"},
	)

	hashDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auth_hash_duration_seconds",
			Help:    "Time spent computing Argon2id hashes, including the wait for a worker.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"op"},
	)

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Register adds every collector to reg. Collectors that are already
// registered are skipped so tests can build several servers.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{authOperations, hashDuration, httpInFlight, httpRequestsTotal, httpRequestDuration} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveOperation counts one finished auth operation.
func ObserveOperation(op, outcome string) {
	authOperations.WithLabelValues(op, outcome).Inc()
}

// ObserveHash records how long a hash or verify call took since start.
func ObserveHash(op string, start time.Time) {
	hashDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Middleware records request counts and latency per route template.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			httpInFlight.Inc()
			defer httpInFlight.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			status := strconv.Itoa(c.Response().Status)
			httpRequestDuration.WithLabelValues(c.Request().Method, path, status).Observe(time.Since(start).Seconds())
			httpRequestsTotal.WithLabelValues(c.Request().Method, path, status).Inc()
			return nil
		}
	}
}

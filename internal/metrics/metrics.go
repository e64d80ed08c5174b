package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sandbox metrics
var (
	ContainersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctfarena_containers_active",
			Help: "Number of tracked sandbox containers",
		},
	)

	EngineOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ctfarena_engine_op_duration_seconds",
			Help:    "Time for container engine operations",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	TerminalSessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctfarena_terminal_sessions_active",
			Help: "Number of connected terminal streams",
		},
		[]string{"mode"}, // live or simulated
	)

	TerminalBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctfarena_terminal_bytes_total",
			Help: "Bytes relayed across terminal bridges",
		},
		[]string{"direction"},
	)
)

// Duel metrics
var (
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctfarena_queue_depth",
			Help: "Number of players waiting in the duel queue",
		},
	)

	MatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctfarena_matches_total",
			Help: "Total duel matches by outcome",
		},
		[]string{"status"},
	)

	MatchProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctfarena_match_provision_duration_seconds",
			Help:    "Time to provision both containers for a match",
			Buckets: []float64{0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctfarena_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ctfarena_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"method", "path"},
	)

	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctfarena_auth_attempts_total",
			Help: "Total auth attempts",
		},
		[]string{"type", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		ContainersActive,
		EngineOpDuration,
		TerminalSessionsActive,
		TerminalBytesTotal,
		QueueDepth,
		MatchesTotal,
		MatchProvisionDuration,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AuthAttemptsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()
			HTTPRequestDuration.WithLabelValues(
				c.Request().Method,
				c.Path(),
			).Observe(duration.Seconds())

			return err
		}
	}
}

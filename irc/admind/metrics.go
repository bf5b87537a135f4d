package admind

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kvitebjorn/irc2me/irc"
)

var (
	// requestDuration measures admin request latency
	requestDuration = promauto.With(irc.Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "admin_request_duration_seconds",
			Help:    "Admin HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	// requestsTotal counts admin requests by status code and path
	requestsTotal = promauto.With(irc.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "admin_requests_total",
			Help: "Total number of admin HTTP requests by status code",
		},
		[]string{"path", "method", "code"},
	)
)

// metricsMiddleware returns Echo middleware which records Prometheus
// metrics for every admin request.
func metricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			path := c.Path()
			method := c.Request().Method

			err := next(c)

			duration := time.Since(start).Seconds()
			status := c.Response().Status
			requestDuration.WithLabelValues(path, method).Observe(duration)
			requestsTotal.WithLabelValues(path, method, strconv.Itoa(status)).Inc()

			return err
		}
	}
}

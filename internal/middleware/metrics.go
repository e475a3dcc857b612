package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"tunestream-proxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request, including streams aborted mid-body.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			m.RequestsInFlight.Inc()
			start := time.Now()

			defer func() {
				m.RequestsInFlight.Dec()

				// When a handler returns an *echo.HTTPError the status has not
				// been written yet; Echo's error handler does that later.
				statusCode := c.Response().Status
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}

				status := strconv.Itoa(statusCode)
				method := metrics.NormalizeMethod(c.Request().Method)
				path := metrics.NormalizePath(c.Request().URL.Path)

				m.RequestsTotal.WithLabelValues(method, status, path).Inc()
				m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())
			}()

			return next(c)
		}
	}
}

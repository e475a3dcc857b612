// Package middleware provides Echo middleware for logging, metrics and security.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// The entry is written from a defer so streams aborted with
// http.ErrAbortHandler are logged too.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			start := time.Now()
			completed := false

			defer func() {
				req := c.Request()
				res := c.Response()

				logger.Info("request",
					"method", req.Method,
					"path", req.URL.Path,
					"range", req.Header.Get("Range"),
					"status", res.Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", res.Header().Get(echo.HeaderXRequestID),
					"remote_ip", c.RealIP(),
					"bytes_out", res.Size,
					"aborted", !completed,
				)
			}()

			err = next(c)
			completed = true
			return err
		}
	}
}

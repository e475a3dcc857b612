package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tunestream-proxy/internal/config"
	"tunestream-proxy/internal/metrics"
)

// streamCORS answers browser preflights for range-seeking audio requests
// from any origin.
var streamCORS = echomw.CORSConfig{
	AllowOrigins: []string{"*"},
	AllowMethods: []string{http.MethodGet},
	AllowHeaders: []string{"Range"},
}

// RegisterRoutes wires all route handlers onto the Echo instance.
// Stream routes accept any method so non-GET requests get the JSON 405
// body instead of Echo's default.
func RegisterRoutes(e *echo.Echo, stream *StreamHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	cors := echomw.CORSWithConfig(streamCORS)
	e.Any("/stream", stream.Handle, cors)
	e.Any("/stream/", stream.Handle, cors)
	e.Any("/stream/:id", stream.Handle, cors)
}

// RegisterMetrics exposes the Prometheus registry when metrics are enabled.
func RegisterMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}

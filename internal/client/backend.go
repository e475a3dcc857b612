// Package client provides the upstream HTTP client for the backend media origin.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"tunestream-proxy/internal/config"
	"tunestream-proxy/internal/metrics"
	"tunestream-proxy/internal/model"
)

// BackendClient fetches audio from the media origin.
type BackendClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewBackendClient creates a BackendClient with connection pooling and a
// response-header timeout. There is deliberately no overall client timeout:
// it would cut off the body of any track that takes longer to relay.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewBackendClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *BackendClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		// Byte ranges refer to the stored representation; transparent gzip
		// would change lengths and offsets under the client.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &BackendClient{
		httpClient: &http.Client{Transport: transport},
		logger:     logger.With("component", "backend_client"),
		metrics:    m,
	}
}

// Do executes an HTTP request against the origin and returns the raw response.
// The caller is responsible for closing the response body.
func (c *BackendClient) Do(req *http.Request) (*model.UpstreamResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
		"range", req.Header.Get("Range"),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	ttfb := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.Observe(ttfb)
	}
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// Get issues a GET to url with the given headers and returns the response
// with its body unread. The context controls the whole lifetime of the
// upstream exchange, body included: canceling it (e.g. because the
// downstream client went away) tears down the upstream connection.
func (c *BackendClient) Get(ctx context.Context, url string, header http.Header) (*model.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	return c.Do(req)
}

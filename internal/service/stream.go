// Package service implements the core stream forwarding logic.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"tunestream-proxy/internal/client"
	"tunestream-proxy/internal/config"
	"tunestream-proxy/internal/model"
)

// ErrTrackIDRequired is returned when the request carries no track identifier.
var ErrTrackIDRequired = errors.New("track ID is required")

// UpstreamStatusError reports a non-success status from the media origin.
type UpstreamStatusError struct {
	StatusCode int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// NotFound reports whether the origin does not have the track.
func (e *UpstreamStatusError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// forwardableResponseHeaders are the only origin headers relayed to the client.
// Anything else (server banners, tracing, internal debug headers) is dropped.
var forwardableResponseHeaders = canonicalSet(
	"content-type",
	"content-length",
	"content-range",
	"accept-ranges",
	"cache-control",
	"etag",
	"last-modified",
)

func canonicalSet(keys ...string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[http.CanonicalHeaderKey(k)] = true
	}
	return set
}

// StreamService opens audio streams on the media origin.
// It keeps no per-request state; one instance serves all requests concurrently.
type StreamService struct {
	client    *client.BackendClient
	logger    *slog.Logger
	baseURL   string
	userAgent string
}

// NewStreamService creates a StreamService.
func NewStreamService(c *client.BackendClient, cfg *config.Config, logger *slog.Logger) (*StreamService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return &StreamService{
		client:    c,
		logger:    logger.With("component", "stream_service"),
		baseURL:   strings.TrimRight(u.String(), "/"),
		userAgent: cfg.Upstream.UserAgent,
	}, nil
}

// Open requests the track from the origin and returns the response with its
// body unread. Only 4xx/5xx origin statuses are failures; anything below 400
// is returned unchanged so 206 reaches the client as 206.
// The caller is responsible for closing the response body.
func (s *StreamService) Open(sr *model.StreamRequest) (*model.UpstreamResponse, error) {
	trackID := strings.TrimSpace(sr.TrackID)
	if trackID == "" {
		return nil, ErrTrackIDRequired
	}

	upstreamURL := s.buildUpstreamURL(trackID)
	header := s.buildRequestHeaders(sr)

	s.logger.Debug("opening stream",
		"track_id", trackID,
		"range", sr.Range,
	)

	resp, err := s.client.Get(sr.Ctx, upstreamURL, header)
	if err != nil {
		return nil, fmt.Errorf("open stream %q: %w", trackID, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("open stream %q: %w", trackID, &UpstreamStatusError{StatusCode: resp.StatusCode})
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

// buildUpstreamURL returns {base}/stream/{trackID} with the id escaped as a
// single path segment.
func (s *StreamService) buildUpstreamURL(trackID string) string {
	return s.baseURL + "/stream/" + url.PathEscape(trackID)
}

func (s *StreamService) buildRequestHeaders(sr *model.StreamRequest) http.Header {
	h := make(http.Header)
	h.Set("User-Agent", s.userAgent)
	if sr.Range != "" {
		h.Set("Range", sr.Range)
	}
	if sr.IfRange != "" {
		h.Set("If-Range", sr.IfRange)
	}
	if sr.RequestID != "" {
		h.Set("X-Request-Id", sr.RequestID)
	}
	return h
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	return dst
}

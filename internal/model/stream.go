// Package model defines shared types for the streaming proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// StreamRequest identifies a track to fetch from the media origin.
// It lives for the duration of one inbound request.
type StreamRequest struct {
	Ctx       context.Context
	TrackID   string
	Range     string // raw Range header value, empty if absent
	IfRange   string // raw If-Range header value, empty if absent
	RequestID string
}

// UpstreamResponse is the origin's reply, streamed back to the caller.
// The holder must close Body.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

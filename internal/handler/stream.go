package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"tunestream-proxy/internal/metrics"
	"tunestream-proxy/internal/model"
	"tunestream-proxy/internal/service"
)

const (
	msgMethodNotAllowed = "Method not allowed"
	msgTrackIDRequired  = "Track ID is required"
	msgFetchFailed      = "Failed to fetch audio stream"
	msgInternal         = "Internal server error while streaming"
)

// quoteEscaper escapes a value for use inside a quoted-string header parameter.
var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// errorBody is the JSON shape of stream error responses.
type errorBody struct {
	Error  string `json:"error"`
	Status int    `json:"status,omitempty"`
}

// StreamHandler relays audio from the media origin to the client.
type StreamHandler struct {
	service *service.StreamService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewStreamHandler creates a StreamHandler. m may be nil.
func NewStreamHandler(svc *service.StreamService, logger *slog.Logger, m *metrics.Metrics) *StreamHandler {
	return &StreamHandler{
		service: svc,
		logger:  logger.With("component", "stream_handler"),
		metrics: m,
	}
}

// Handle serves GET /stream/:id. The origin's status code and allow-listed
// headers are relayed unchanged and the body is streamed without buffering.
func (h *StreamHandler) Handle(c echo.Context) error {
	req := c.Request()

	trackID, ok := trackIDParam(c)
	if !ok {
		return echo.ErrNotFound
	}

	if req.Method != http.MethodGet {
		return c.JSON(http.StatusMethodNotAllowed, map[string]string{
			"message": msgMethodNotAllowed,
		})
	}

	if trackID == "" {
		return c.JSON(http.StatusBadRequest, errorBody{Error: msgTrackIDRequired})
	}

	resp, err := h.service.Open(&model.StreamRequest{
		Ctx:       req.Context(),
		TrackID:   trackID,
		Range:     req.Header.Get("Range"),
		IfRange:   req.Header.Get("If-Range"),
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
	})
	if err != nil {
		return h.mapError(c, trackID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Response().Header()
	for key, vals := range resp.Header {
		header[key] = vals
	}
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", http.MethodGet)
	header.Set("Access-Control-Allow-Headers", "Range")

	if c.QueryParam("download") == "true" {
		name := c.QueryParam("filename")
		if name == "" {
			name = trackID
		}
		header.Set(echo.HeaderContentDisposition, attachmentDisposition(name))
	}

	c.Response().WriteHeader(resp.StatusCode)
	c.Response().Flush()

	body := &trackedReader{r: resp.Body}
	n, err := io.Copy(flushWriter{c.Response()}, body)
	if h.metrics != nil {
		h.metrics.StreamBytes.Add(float64(n))
	}
	if err != nil {
		h.abort(c, trackID, resp.StatusCode, n, body.err, err)
	}

	return nil
}

// abort tears down a response whose headers are already on the wire. The
// status cannot be changed and an error body would corrupt the audio, so the
// connection is dropped and the client sees a truncated transfer.
func (h *StreamHandler) abort(c echo.Context, trackID string, status int, written int64, readErr, copyErr error) {
	reason := metrics.AbortClient
	if readErr != nil && c.Request().Context().Err() == nil {
		reason = metrics.AbortUpstream
	}
	if h.metrics != nil {
		h.metrics.StreamAborts.WithLabelValues(reason).Inc()
	}

	if reason == metrics.AbortClient {
		h.logger.Debug("client disconnected mid-stream",
			"track_id", trackID,
			"bytes_written", written,
			"err", copyErr,
		)
	} else {
		h.logger.Error("upstream failed mid-stream",
			"track_id", trackID,
			"upstream_status", status,
			"bytes_written", written,
			"err", readErr,
		)
	}

	panic(http.ErrAbortHandler)
}

func (h *StreamHandler) mapError(c echo.Context, trackID string, err error) error {
	if errors.Is(err, service.ErrTrackIDRequired) {
		return c.JSON(http.StatusBadRequest, errorBody{Error: msgTrackIDRequired})
	}

	var se *service.UpstreamStatusError
	if errors.As(err, &se) {
		h.logger.Error("upstream error",
			"track_id", trackID,
			"upstream_status", se.StatusCode,
		)
		status := http.StatusInternalServerError
		if se.NotFound() {
			status = http.StatusNotFound
		}
		return c.JSON(status, errorBody{Error: msgFetchFailed, Status: se.StatusCode})
	}

	if errors.Is(err, context.Canceled) && c.Request().Context().Err() != nil {
		h.logger.Debug("client disconnected before upstream responded",
			"track_id", trackID,
		)
	} else {
		h.logger.Error("streaming error",
			"track_id", trackID,
			"err", err,
		)
	}
	return c.JSON(http.StatusInternalServerError, errorBody{Error: msgInternal})
}

// trackIDParam returns the decoded :id path parameter, or "" when the route
// has none. ok is false when the parameter spans more than one path segment;
// an escaped slash (%2F) stays part of a single id.
func trackIDParam(c echo.Context) (id string, ok bool) {
	raw := c.Param("id")
	if strings.Contains(raw, "/") {
		return "", false
	}
	// Echo hands back the escaped segment only when the request carries a
	// RawPath; otherwise the value is already decoded.
	if c.Request().URL.RawPath == "" {
		return raw, true
	}
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded, true
	}
	return raw, true
}

// attachmentDisposition builds a Content-Disposition value that makes the
// browser save the stream as name. Non-ASCII names use the RFC 2231 form.
func attachmentDisposition(name string) string {
	if isPrintableASCII(name) {
		return `attachment; filename="` + quoteEscaper.Replace(name) + `"`
	}
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}

func isPrintableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// flushWriter pushes every chunk to the client as soon as it is read from
// the origin instead of letting it sit in the server's write buffer.
type flushWriter struct {
	res *echo.Response
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.res.Write(p)
	if n > 0 {
		f.res.Flush()
	}
	return n, err
}

// trackedReader remembers the first non-EOF read error so a failed copy can
// be attributed to the origin rather than the client.
type trackedReader struct {
	r   io.Reader
	err error
}

func (t *trackedReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}

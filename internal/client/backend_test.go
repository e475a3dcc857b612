package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tunestream-proxy/internal/config"
	"tunestream-proxy/internal/metrics"
)

func testConfig(timeout int) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  timeout,
			IdleConnections: 10,
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBackendClient_Get(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %q, want GET", r.Method)
		}
		if got := r.Header.Get("Range"); got != "bytes=0-3" {
			t.Errorf("Range = %q, want %q", got, "bytes=0-3")
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("Content-Range", "bytes 0-3/10")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("ID3\x04"))
	}))
	defer srv.Close()

	c := NewBackendClient(testConfig(10), discardLogger(), nil)

	resp, err := c.Get(context.Background(), srv.URL+"/stream/abc", http.Header{"Range": {"bytes=0-3"}})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusPartialContent {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusPartialContent)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 0-3/10" {
		t.Errorf("Content-Range = %q, want %q", got, "bytes 0-3/10")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "ID3\x04" {
		t.Errorf("body = %q, want %q", body, "ID3\x04")
	}
}

func TestBackendClient_Get_NoTransparentGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept-Encoding"); got != "" {
			t.Errorf("Accept-Encoding = %q, want none", got)
		}
		_, _ = w.Write([]byte("raw"))
	}))
	defer srv.Close()

	c := NewBackendClient(testConfig(10), discardLogger(), nil)
	resp, err := c.Get(context.Background(), srv.URL, http.Header{})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	_ = resp.Body.Close()
}

func TestBackendClient_Get_Unreachable(t *testing.T) {
	c := NewBackendClient(testConfig(1), discardLogger(), nil)

	_, err := c.Get(context.Background(), "http://127.0.0.1:1/stream/abc", http.Header{})
	if err == nil {
		t.Fatal("Get() expected error for unreachable host, got nil")
	}
}

func TestBackendClient_Get_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewBackendClient(testConfig(30), discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Get(ctx, srv.URL+"/slow", http.Header{})
	if err == nil {
		t.Fatal("Get() expected error for canceled context, got nil")
	}
}

func TestBackendClient_Get_HeaderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewBackendClient(testConfig(1), discardLogger(), nil)

	start := time.Now()
	_, err := c.Get(context.Background(), srv.URL+"/stalled", http.Header{})
	if err == nil {
		t.Fatal("Get() expected response header timeout, got nil")
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Get() took %v, want header timeout near 1s", elapsed)
	}
}

func TestBackendClient_RecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := metrics.New()
	c := NewBackendClient(testConfig(10), discardLogger(), m)

	resp, err := c.Get(context.Background(), srv.URL+"/stream/missing", http.Header{})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	_ = resp.Body.Close()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "tunestream_proxy_upstream_responses_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "status_code" && lp.GetValue() == "404" {
					return
				}
			}
		}
	}
	t.Error("expected tunestream_proxy_upstream_responses_total with status_code=404")
}

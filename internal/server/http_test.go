package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/stream-transcriber/internal/config"
	"github.com/skypro1111/stream-transcriber/internal/metrics"
	"github.com/skypro1111/stream-transcriber/internal/stream"
	"github.com/skypro1111/stream-transcriber/internal/transcription"
)

type fakeSession struct{}

func (fakeSession) Stats() stream.ControllerStats {
	return stream.ControllerStats{State: "running", QueueDepth: 2, SessionsStarted: 1}
}

type fakeTransportStats struct{}

func (fakeTransportStats) GetStats() TransportStats {
	return TransportStats{Address: "localhost:8765", PeerConnected: true}
}

type fakeEngineStats struct{}

func (fakeEngineStats) GetStats() transcription.ClientStats {
	return transcription.ClientStats{TotalRequests: 3, SuccessRate: 100}
}

func newTestHTTPServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := config.Default()
	cfg.Model.APIKey = "model-secret"
	cfg.Completion.APIKey = "completion-secret"

	reg := prometheus.NewRegistry()
	h := NewHTTPServer(HTTPServerConfig{Address: "127.0.0.1", Port: 0}, testLogger(), cfg, Sources{
		Session:   fakeSession{},
		Transport: fakeTransportStats{},
		Engine:    fakeEngineStats{},
		Gatherer:  reg,
	}, metrics.NewMetrics(reg))

	server := httptest.NewServer(h.Handler())
	t.Cleanup(server.Close)
	return server
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestHTTPEndpoints(t *testing.T) {
	server := newTestHTTPServer(t)

	tests := []struct {
		name     string
		path     string
		status   int
		contains []string
	}{
		{"health", "/health", http.StatusOK, []string{`"status":"healthy"`, `"peer_connected":true`, `"state":"running"`}},
		{"stats", "/stats", http.StatusOK, []string{`"queue_depth":2`, `"total_requests":3`}},
		{"config", "/config", http.StatusOK, []string{`"silence_limit":8`, `"address":"localhost:8765"`}},
		{"index", "/", http.StatusOK, []string{"GET /metrics"}},
		{"unknown path", "/nope", http.StatusNotFound, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := get(t, server.URL+tt.path)
			if status != tt.status {
				t.Fatalf("Expected status %d, got %d", tt.status, status)
			}
			for _, s := range tt.contains {
				if !strings.Contains(body, s) {
					t.Errorf("Expected body to contain %s, got %s", s, body)
				}
			}
		})
	}
}

func TestHTTPConfigOmitsSecrets(t *testing.T) {
	server := newTestHTTPServer(t)

	_, body := get(t, server.URL+"/config")
	for _, secret := range []string{"model-secret", "completion-secret", "api_key"} {
		if strings.Contains(body, secret) {
			t.Errorf("Config response leaks %q: %s", secret, body)
		}
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		t.Fatalf("Config response is not JSON: %v", err)
	}
}

func TestHTTPMethodNotAllowed(t *testing.T) {
	server := newTestHTTPServer(t)

	resp, err := http.Post(server.URL+"/health", "application/json", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}

func TestHTTPMetricsRecordsRequests(t *testing.T) {
	server := newTestHTTPServer(t)

	get(t, server.URL+"/health")
	get(t, server.URL+"/nope")

	status, body := get(t, server.URL+"/metrics")
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	for _, expected := range []string{
		`transcriber_http_requests_total{endpoint="/health",method="GET",status_code="200"} 1`,
		`transcriber_http_errors_total{endpoint="/",error_type="client_error",method="GET"} 1`,
	} {
		if !strings.Contains(body, expected) {
			t.Errorf("Expected metrics to contain %s", expected)
		}
	}
}

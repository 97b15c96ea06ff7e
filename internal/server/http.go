package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/stream-transcriber/internal/config"
	"github.com/skypro1111/stream-transcriber/internal/metrics"
	"github.com/skypro1111/stream-transcriber/internal/stream"
	"github.com/skypro1111/stream-transcriber/internal/transcription"
)

const (
	serviceName    = "stream-transcriber"
	serviceVersion = "1.0.0"
)

// SessionStatsProvider exposes session statistics
type SessionStatsProvider interface {
	Stats() stream.ControllerStats
}

// TransportStatsProvider exposes transport statistics
type TransportStatsProvider interface {
	GetStats() TransportStats
}

// EngineStatsProvider exposes statistics of an HTTP transcription engine
type EngineStatsProvider interface {
	GetStats() transcription.ClientStats
}

// Sources are the components the status API reports on. Transport and
// Engine may be nil.
type Sources struct {
	Session   SessionStatsProvider
	Transport TransportStatsProvider
	Engine    EngineStatsProvider
	Gatherer  prometheus.Gatherer
}

// HTTPServer provides HTTP API endpoints for monitoring
type HTTPServer struct {
	server  *http.Server
	logger  *slog.Logger
	config  *config.Config
	sources Sources
	metrics *metrics.Metrics

	// Server state
	startTime time.Time
	listener  net.Listener
	done      chan struct{}
	mu        sync.RWMutex
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port    int
	Address string
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger,
	appConfig *config.Config, sources Sources, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		sources:   sources,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the route multiplexer
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// No request metrics for the metrics endpoint itself
	gatherer := h.sources.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start binds the listener and serves in the background
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.mu.Lock()
	h.listener = listener
	h.done = make(chan struct{})
	done := h.done
	h.mu.Unlock()

	h.logger.Info("Starting HTTP API server",
		slog.String("address", listener.Addr().String()),
	)

	go func() {
		defer close(done)
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start
func (h *HTTPServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	if err := h.server.Shutdown(ctx); err != nil {
		return err
	}

	h.mu.RLock()
	done := h.done
	h.mu.RUnlock()
	if done != nil {
		<-done
	}
	return nil
}

// writeJSON encodes v as the response body
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session := h.sources.Session.Stats()

	components := map[string]any{
		"session": map[string]any{
			"state":       session.State,
			"queue_depth": session.QueueDepth,
		},
	}

	if h.sources.Transport != nil {
		transport := h.sources.Transport.GetStats()
		components["transport"] = map[string]any{
			"address":        transport.Address,
			"peer_connected": transport.PeerConnected,
		}
	}

	if h.sources.Engine != nil {
		engine := h.sources.Engine.GetStats()
		components["transcription"] = map[string]any{
			"total_requests":  engine.TotalRequests,
			"success_rate":    engine.SuccessRate,
			"active_requests": engine.ActiveRequests,
		}
	}

	writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"session":   h.sources.Session.Stats(),
	}
	if h.sources.Transport != nil {
		stats["transport"] = h.sources.Transport.GetStats()
	}
	if h.sources.Engine != nil {
		stats["transcription"] = h.sources.Engine.GetStats()
	}

	writeJSON(w, stats)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// API keys are omitted
	writeJSON(w, map[string]any{
		"app_settings": h.config.App,
		"model_settings": map[string]any{
			"engine":             h.config.Model.Engine,
			"model_size_or_path": h.config.Model.ModelPath,
			"cpu_threads":        h.config.Model.CPUThreads,
			"endpoint":           h.config.Model.Endpoint,
			"timeout":            h.config.Model.Timeout,
			"max_retries":        h.config.Model.MaxRetries,
			"max_concurrent":     h.config.Model.MaxConcurrent,
		},
		"transcribe_settings": h.config.Transcribe,
		"vad": map[string]any{
			"engine":     h.config.VAD.Engine,
			"model_path": h.config.VAD.ModelPath,
		},
		"server": map[string]any{
			"address":          h.config.Server.Address,
			"path":             h.config.Server.Path,
			"max_message_size": h.config.Server.MaxMessageSize,
		},
		"completion": map[string]any{
			"base_url":   h.config.Completion.BaseURL,
			"model":      h.config.Completion.Model,
			"timeout":    h.config.Completion.Timeout,
			"queue_size": h.config.Completion.QueueSize,
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, map[string]any{
		"service": "Stream Transcription Service",
		"version": serviceVersion,
		"endpoints": map[string]any{
			"GET /":        "API documentation",
			"GET /health":  "Service health check",
			"GET /stats":   "Session, transport and engine statistics",
			"GET /config":  "Service configuration without secrets",
			"GET /metrics": "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}

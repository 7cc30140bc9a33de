package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicebridge/meeting-relay-service/internal/config"
	"github.com/voicebridge/meeting-relay-service/internal/metrics"
	"github.com/voicebridge/meeting-relay-service/internal/relay"
)

// HTTPServer exposes the monitoring API alongside the WebSocket ingress
type HTTPServer struct {
	cfg       config.HTTPConfig
	fullCfg   *config.Config
	manager   *relay.Manager
	logger    *slog.Logger
	metrics   *metrics.Metrics
	server    *http.Server
	startTime time.Time
}

// NewHTTPServer creates the monitoring API server
func NewHTTPServer(cfg config.HTTPConfig, fullCfg *config.Config,
	manager *relay.Manager, logger *slog.Logger, m *metrics.Metrics) *HTTPServer {

	s := &HTTPServer{
		cfg:       cfg,
		fullCfg:   fullCfg,
		manager:   manager,
		logger:    logger,
		metrics:   m,
		startTime: time.Now(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.withMetrics("/health", s.handleHealth)).Methods("GET")
	router.HandleFunc("/sessions", s.withMetrics("/sessions", s.handleSessions)).Methods("GET")
	router.HandleFunc("/sessions/{session_id}", s.withMetrics("/sessions/{session_id}", s.handleSession)).Methods("GET")
	router.HandleFunc("/config", s.withMetrics("/config", s.handleConfig)).Methods("GET")
	router.HandleFunc("/stats", s.withMetrics("/stats", s.handleStats)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Start serves the monitoring API until Stop is called
func (s *HTTPServer) Start() error {
	s.logger.Info("HTTP monitoring server listening",
		slog.String("address", s.server.Addr),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error",
				slog.String("error", err.Error()),
			)
		}
	}()

	return nil
}

// Stop gracefully shuts the monitoring API down
func (s *HTTPServer) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	s.logger.Info("HTTP monitoring server stopped")
	return nil
}

// responseWriter captures the status code for request metrics
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// withMetrics wraps a handler with request counting and timing
func (s *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(wrapped, r)

		s.metrics.RecordHTTPRequest(r.Method, endpoint,
			strconv.Itoa(wrapped.statusCode), time.Since(start).Seconds())
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"uptime_seconds":  int64(time.Since(s.startTime).Seconds()),
		"active_sessions": s.manager.Count(),
	})
}

func (s *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.manager.All()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(infos),
		"sessions": infos,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	rel := s.manager.Get(sessionID)
	if rel == nil {
		s.metrics.RecordHTTPError(r.Method, "/sessions/{session_id}", "not_found")
		s.writeJSON(w, http.StatusNotFound, map[string]any{
			"error": "session not found",
		})
		return
	}

	s.writeJSON(w, http.StatusOK, rel.Info())
}

// handleConfig returns the running configuration with secrets redacted
func (s *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	sanitized := *s.fullCfg
	if sanitized.Transcription.APIKey != "" {
		sanitized.Transcription.APIKey = "[REDACTED]"
	}
	if sanitized.Storage.URI != "" {
		sanitized.Storage.URI = "[REDACTED]"
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"server": map[string]any{
			"host":           sanitized.Server.Host,
			"port":           sanitized.Server.Port,
			"read_limit":     sanitized.Server.ReadLimit,
			"idle_timeout":   sanitized.Server.IdleTimeout,
			"shutdown_grace": sanitized.Server.ShutdownGrace,
		},
		"audio": map[string]any{
			"sample_rate": sanitized.Audio.SampleRate,
			"channels":    sanitized.Audio.Channels,
		},
		"batch": map[string]any{
			"flush_interval": sanitized.Batch.FlushInterval,
			"submit_timeout": sanitized.Batch.SubmitTimeout,
		},
		"transcription": map[string]any{
			"provider": sanitized.Transcription.Provider,
			"endpoint": sanitized.Transcription.Endpoint,
			"model":    sanitized.Transcription.Model,
			"api_key":  sanitized.Transcription.APIKey,
		},
		"storage": map[string]any{
			"enabled": sanitized.Storage.Enabled,
			"uri":     sanitized.Storage.URI,
		},
	})
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.manager.TranscriptionStats()

	s.writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":  int64(time.Since(s.startTime).Seconds()),
		"active_sessions": s.manager.Count(),
		"transcription": map[string]any{
			"total_requests":       stats.TotalRequests,
			"success_requests":     stats.SuccessRequests,
			"failed_requests":      stats.FailedRequests,
			"success_rate":         stats.SuccessRate,
			"total_retries":        stats.TotalRetries,
			"avg_response_seconds": stats.AvgResponseTime.Seconds(),
			"active_requests":      stats.ActiveRequests,
		},
	})
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode HTTP response",
			slog.String("error", err.Error()),
		)
	}
}

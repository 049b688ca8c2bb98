// Package api exposes the build and delta orchestrators over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gridctl/fleetbuild/pkg/builder"
	"github.com/gridctl/fleetbuild/pkg/delta"
	"github.com/gridctl/fleetbuild/pkg/dockerclient"
	"github.com/gridctl/fleetbuild/pkg/logging"
)

// BuildService runs build requests.
type BuildService interface {
	Serve(ctx context.Context, w http.ResponseWriter, req builder.Request, body io.Reader)
}

// DeltaService builds delta images.
type DeltaService interface {
	Build(ctx context.Context, src, dest string) (*delta.Result, error)
}

// Server provides the HTTP API of the build service.
type Server struct {
	builds         BuildService
	deltas         DeltaService
	dockerClient   dockerclient.DockerClient
	metrics        http.Handler
	logBuffer      *logging.LogBuffer
	logger         *slog.Logger
	allowedOrigins []string
}

// NewServer creates a new API server.
func NewServer(builds BuildService, deltas DeltaService) *Server {
	return &Server{
		builds: builds,
		deltas: deltas,
		logger: logging.NewDiscardLogger(),
	}
}

// SetDockerClient sets the Docker client used by the readiness check.
func (s *Server) SetDockerClient(cli dockerclient.DockerClient) {
	s.dockerClient = cli
}

// SetMetricsHandler sets the handler served at /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// SetLogBuffer sets the buffer served at /api/logs.
func (s *Server) SetLogBuffer(buffer *logging.LogBuffer) {
	s.logBuffer = buffer
}

// SetLogger sets the logger for request logging.
func (s *Server) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetAllowedOrigins sets the CORS allowed origins for the server.
func (s *Server) SetAllowedOrigins(origins []string) {
	s.allowedOrigins = origins
}

// Handler returns the main HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/build", requireBearer(s.handleBuild))
	mux.HandleFunc("/delta", requireBearer(s.handleDelta))
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	handler := requestMiddleware(s.logger, mux)
	return corsMiddleware(s.allowedOrigins, handler)
}

// handleBuild streams a build of the uploaded source.
func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token, _ := bearerToken(r)
	req, err := builder.ParseRequest(r.URL.Query(), token)
	if err != nil {
		http.Error(w, err.Error(), builder.StatusCode(err))
		return
	}
	s.builds.Serve(r.Context(), w, req, r.Body)
}

// deltaResponse is the /delta body. It is served as text/html for older
// clients.
type deltaResponse struct {
	Success bool   `json:"success"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
}

// handleDelta builds, or finds, the delta between two images. The build runs
// to completion even if the client goes away.
func (s *Server) handleDelta(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	src, dest := r.URL.Query().Get("src"), r.URL.Query().Get("dest")
	if src == "" || dest == "" {
		writeDelta(w, http.StatusBadRequest, deltaResponse{Message: "src and dest are required"})
		return
	}

	res, err := s.deltas.Build(context.WithoutCancel(r.Context()), src, dest)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, delta.ErrInvalidReference) || errors.Is(err, delta.ErrVersionMismatch) {
			status = http.StatusBadRequest
		}
		logging.ForRequest(r.Context(), s.logger).Error("delta build failed", "src", src, "dest", dest, "error", err)
		writeDelta(w, status, deltaResponse{Message: err.Error()})
		return
	}
	writeDelta(w, http.StatusOK, deltaResponse{Success: true, Name: res.Name})
}

func writeDelta(w http.ResponseWriter, status int, body deltaResponse) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// handleLogs returns recent service log entries.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.logBuffer == nil {
		writeJSON(w, []logging.BufferedEntry{})
		return
	}

	// Get number of lines from query param (default 100)
	lines := 100
	if linesParam := r.URL.Query().Get("lines"); linesParam != "" {
		if n, err := strconv.Atoi(linesParam); err == nil && n > 0 {
			lines = n
		}
	}

	entries := s.logBuffer.GetRecent(lines)

	// Filter by level if specified
	if levelParam := r.URL.Query().Get("level"); levelParam != "" {
		levels := make(map[string]bool)
		for _, l := range strings.Split(levelParam, ",") {
			levels[strings.ToUpper(strings.TrimSpace(l))] = true
		}

		filtered := make([]logging.BufferedEntry, 0, len(entries))
		for _, entry := range entries {
			if levels[entry.Level] {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}

	writeJSON(w, entries)
}

// handleHealth returns 200 OK while the process is serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK only when the Docker daemon answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.dockerClient == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Docker client not configured"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := dockerclient.Ping(ctx, s.dockerClient); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Docker daemon unavailable: " + err.Error()))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Flush keeps streaming responses flowing through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestMiddleware assigns every request an ID and logs its completion.
// Health and metrics probes are not logged.
func requestMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := logging.ContextWithRequestID(r.Context(), id)

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		switch r.URL.Path {
		case "/health", "/ready", "/metrics":
			return
		}
		logging.WithRequestID(logger, id).Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

// corsMiddleware adds CORS headers to responses based on allowed origins.
func corsMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	originSet := make(map[string]bool, len(allowedOrigins))
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		originSet[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || originSet[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

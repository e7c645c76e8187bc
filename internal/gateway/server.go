// Package gateway exposes the HTTP surface: the OpenAI-compatible chat
// endpoint, model listing, the valve admin API, and the log, status, and
// diagnostics projections.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/backend"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/routing"
	"github.com/haasonsaas/relay/internal/shadow"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/internal/valves"
	"github.com/haasonsaas/relay/pkg/models"
)

// Options carries the assembled subsystems into the server.
type Options struct {
	Config   *config.Config
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Ring     *observability.RingBuffer
	Tracker  *observability.TurnTracker
	Valves   *valves.Manager
	Backend  *backend.Client
	Registry *tools.Registry
	Router   *routing.Router
	Runtime  *agent.Runtime
	Observer *shadow.Observer
	Agents   []models.AgentDescriptor
	Version  string
}

// Server is the gateway HTTP server.
type Server struct {
	cfg      *config.Config
	logger   *observability.Logger
	metrics  *observability.Metrics
	ring     *observability.RingBuffer
	tracker  *observability.TurnTracker
	diag     *observability.Diagnostics
	valves   *valves.Manager
	backend  *backend.Client
	registry *tools.Registry
	router   *routing.Router
	runtime  *agent.Runtime
	observer *shadow.Observer
	agents   []models.AgentDescriptor
	version  string

	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time
}

// NewServer wires the server. It does not bind the port; call Start.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Server{
		cfg:      opts.Config,
		logger:   logger.Named("gateway"),
		metrics:  opts.Metrics,
		ring:     opts.Ring,
		tracker:  opts.Tracker,
		diag:     observability.NewDiagnostics(opts.Ring, opts.Tracker, nil),
		valves:   opts.Valves,
		backend:  opts.Backend,
		registry: opts.Registry,
		router:   opts.Router,
		runtime:  opts.Runtime,
		observer: opts.Observer,
		agents:   opts.Agents,
		version:  opts.Version,
		startTime: time.Now(),
	}
}

// Handler builds the full route table. Exposed for tests via httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /", s.instrument("/", http.HandlerFunc(s.handleManifest)))
	mux.Handle("GET /health", s.instrument("/health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /models", s.instrument("/models", http.HandlerFunc(s.handleModels)))
	mux.Handle("GET /v1/models", s.instrument("/v1/models", http.HandlerFunc(s.handleModels)))
	mux.Handle("POST /v1/chat/completions", s.instrument("/v1/chat/completions", http.HandlerFunc(s.handleChatCompletions)))

	mux.Handle("GET /{pipeline}/valves/spec", s.instrument("/valves/spec", s.pipelineHandler(s.handleValveSpec)))
	mux.Handle("GET /{pipeline}/valves", s.instrument("/valves", s.pipelineHandler(s.handleValveGet)))
	mux.Handle("POST /{pipeline}/valves", s.instrument("/valves", s.pipelineHandler(s.handleValveUpdate)))
	mux.Handle("POST /{pipeline}/valves/reset", s.instrument("/valves/reset", s.pipelineHandler(s.handleValveReset)))

	mux.Handle("GET /{pipeline}/logs", s.instrument("/logs", s.pipelineHandler(s.handleLogs)))
	mux.Handle("GET /{pipeline}/status", s.instrument("/status", s.pipelineHandler(s.handleStatus)))
	mux.Handle("GET /{pipeline}/diagnostics", s.instrument("/diagnostics", s.pipelineHandler(s.handleDiagnostics)))

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	return mux
}

// Start binds the port and serves in the background. When the port is taken
// and the port_recovery valve is on, the previous holder is terminated and
// the bind retried.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)

	listener, err := s.listen(ctx, addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server error", "error", err)
		}
	}()

	s.logger.Info(ctx, "gateway listening", "addr", addr, "pipeline_id", s.cfg.PipelineID)
	return nil
}

func (s *Server) listen(ctx context.Context, addr string) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err == nil {
		return listener, nil
	}

	// The error text carries "bind: address already in use" when the port is
	// held, which the diagnostics signature scan keys on.
	s.logger.Error(ctx, fmt.Sprintf("listen failed: %v", err), "addr", addr)

	if !s.valves.Bool("port_recovery") {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	attempts := s.valves.Int("port_recovery_attempts")
	if attempts <= 0 {
		attempts = 3
	}
	for i := 0; i < attempts; i++ {
		s.logger.Warn(ctx, "attempting port recovery", "addr", addr, "attempt", i+1)
		terminatePortHolder(s.cfg.Port)
		time.Sleep(500 * time.Millisecond)
		listener, err = net.Listen("tcp", addr)
		if err == nil {
			s.logger.Info(ctx, "port recovered", "addr", addr)
			return listener, nil
		}
	}
	return nil, fmt.Errorf("listen %s after %d recovery attempts: %w", addr, attempts, err)
}

// terminatePortHolder asks the OS to kill whatever holds the TCP port. Best
// effort and unix-only.
func terminatePortHolder(port int) {
	if runtime.GOOS == "windows" {
		return
	}
	_ = exec.Command("fuser", "-k", fmt.Sprintf("%d/tcp", port)).Run()
}

// Shutdown drains HTTP connections and waits for in-flight shadow tasks.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.observer != nil {
		s.observer.Wait()
	}
	s.logger.Info(ctx, "gateway stopped")
	return err
}

// Addr returns the bound address, for tests using port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// pipelineHandler guards the admin routes: the path segment must match the
// configured pipeline ID.
func (s *Server) pipelineHandler(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("pipeline") != s.cfg.PipelineID {
			writeError(w, http.StatusNotFound, "unknown pipeline")
			return
		}
		h(w, r)
	})
}

// instrument records handler latency per route pattern.
func (s *Server) instrument(pattern string, next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": msg, "type": "invalid_request_error"},
	})
}

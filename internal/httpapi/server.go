// Package httpapi exposes the OpenAI-compatible surface: /v1/responses,
// /v1/chat/completions, /v1/models, and /health, plus the streaming
// assembler that renders orchestrator events into both dialects.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rantslabs/rants/internal/backend"
	"github.com/rantslabs/rants/internal/config"
	"github.com/rantslabs/rants/internal/errkind"
	"github.com/rantslabs/rants/internal/orchestrator"
	"github.com/rantslabs/rants/internal/ratelimit"
	"github.com/rantslabs/rants/pkg/models"
)

// Version is stamped by the build; /health reports it.
var Version = "dev"

// Server is the HTTP composition of the gateway.
type Server struct {
	cfg          *config.Config
	orchestrator *orchestrator.Orchestrator
	limiter      *ratelimit.Limiter
	log          *slog.Logger
	backends     map[string]backend.Backend

	httpServer *http.Server
	listener   net.Listener

	registry *prometheus.Registry
	requests *prometheus.CounterVec
	inFlight prometheus.Gauge
}

// NewServer wires the HTTP surface. backends maps role names (generator,
// tool_compiler, vision) to their ports for health reporting.
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, backends map[string]backend.Backend, log *slog.Logger) *Server {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	s := &Server{
		cfg:          cfg,
		orchestrator: orch,
		log:          log,
		backends:     backends,
		registry:     registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rants_http_requests_total",
			Help: "HTTP requests by endpoint and status code.",
		}, []string{"endpoint", "status"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rants_http_requests_in_flight",
			Help: "In-flight HTTP requests.",
		}),
	}
	if cfg.RateLimits.Enabled {
		s.limiter = ratelimit.NewLimiter(ratelimit.Config{
			Enabled:           true,
			RequestsPerMinute: cfg.RateLimits.RequestsPerMinute,
			Burst:             cfg.RateLimits.Burst,
		})
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/responses", s.guard("/v1/responses", s.handleResponses))
	mux.HandleFunc("POST /v1/chat/completions", s.guard("/v1/chat/completions", s.handleChatCompletions))
	mux.HandleFunc("GET /v1/models", s.guard("/v1/models", s.handleModels))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info("starting http server", "addr", addr)

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// guard applies tenant resolution, rate limiting, and metrics around a
// handler.
func (s *Server) guard(endpoint string, next func(w http.ResponseWriter, r *http.Request, tenant string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.inFlight.Inc()
		defer s.inFlight.Dec()

		tenant, err := s.resolveTenant(r)
		if err != nil {
			s.requests.WithLabelValues(endpoint, "401").Inc()
			writeErrorStatus(w, http.StatusUnauthorized, "auth_error", errkind.MessageOf(err))
			return
		}
		if s.limiter != nil && !s.limiter.Allow(tenant) {
			retryAfter := s.limiter.RetryAfter(tenant)
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())+1))
			s.requests.WithLabelValues(endpoint, "429").Inc()
			writeErrorStatus(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r, tenant)
		s.requests.WithLabelValues(endpoint, fmt.Sprintf("%d", rec.status)).Inc()
	}
}

// resolveTenant maps the bearer token to a tenant, or "anonymous" when auth
// is disabled.
func (s *Server) resolveTenant(r *http.Request) (string, error) {
	if !s.cfg.Auth.Enabled {
		return "anonymous", nil
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		header = r.Header.Get("X-Api-Key")
	}
	if header == "" {
		return "", errkind.New(errkind.BadRequest, "missing API key")
	}
	key := header
	if len(header) > 7 && (header[:7] == "Bearer " || header[:7] == "bearer ") {
		key = header[7:]
	}
	for _, entry := range s.cfg.Auth.APIKeys {
		if entry.Key == key {
			return entry.TenantID, nil
		}
	}
	return "", errkind.New(errkind.BadRequest, "invalid API key")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// writeError maps a classified error onto the wire.
func writeError(w http.ResponseWriter, err error) {
	kind := errkind.KindOf(err)
	message := errkind.MessageOf(err)
	if kind == errkind.ToolCompileError {
		// Details are audited, not exposed.
		message = "tool compilation failed"
	}
	if kind == errkind.Internal {
		message = "internal error"
	}
	writeErrorStatus(w, kind.HTTPStatus(), string(kind), message)
}

func writeErrorStatus(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": models.ErrorPayload{Message: message, Type: code, Code: code},
	})
}

// writeJSON writes a 200 JSON body.
func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(value)
}

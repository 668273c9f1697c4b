// Package server binds the relay operations to HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agent-relay/internal/common/auth"
	"agent-relay/internal/common/errors"
	"agent-relay/internal/common/logger"
	"agent-relay/internal/common/metrics"
	"agent-relay/internal/relay/engine"
)

// Options configure the HTTP transport.
type Options struct {
	MaxBodyBytes int64
	// RateLimit is calls per RateWindow per agent. Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Server serves the relay API.
type Server struct {
	engine    *engine.Engine
	auth      auth.Authenticator
	logger    logger.Logger
	errs      *errors.ErrorHandler
	envelopes *envelopeValidator
	limiter   *rateLimiter
	maxBody   int64
	mux       *http.ServeMux
}

// New creates a Server with every route registered.
func New(eng *engine.Engine, authn auth.Authenticator, log logger.Logger, opts Options) (*Server, error) {
	envelopes, err := newEnvelopeValidator()
	if err != nil {
		return nil, err
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	log = log.Named("http")
	s := &Server{
		engine:    eng,
		auth:      authn,
		logger:    log,
		errs:      errors.NewErrorHandler(log),
		envelopes: envelopes,
		maxBody:   opts.MaxBodyBytes,
		mux:       http.NewServeMux(),
	}
	if opts.RateLimit > 0 {
		if opts.RateWindow <= 0 {
			opts.RateWindow = time.Minute
		}
		s.limiter = newRateLimiter(opts.RateLimit, opts.RateWindow)
	}
	s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run performs background housekeeping until ctx ends.
func (s *Server) Run(ctx context.Context) {
	if s.limiter != nil {
		s.limiter.run(ctx, s.limiter.window)
	}
}

func (s *Server) routes() {
	s.mux.Handle("POST /v1/relay", s.instrument("relay", s.authenticated(s.handleRelay)))
	s.mux.Handle("GET /v1/results/{id}", s.instrument("result", s.authenticated(s.handleGetResult)))

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleReady)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "agent-relay",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.engine.Ready(ctx); err != nil {
		s.logger.Warn("readiness check failed", map[string]interface{}{"error": err})
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type principalKey struct{}

func principalFrom(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey{}).(*auth.Principal)
	return p
}

// authenticated resolves the bearer token and applies the per-agent rate
// limit before calling next.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			s.errs.WriteHTTP(w, r, errors.NewUnauthorizedError("missing bearer token"))
			return
		}
		p, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			s.errs.WriteHTTP(w, r, err)
			return
		}
		if s.limiter != nil && !s.limiter.allow(p.AgentID) {
			w.Header().Set("Retry-After", strconv.Itoa(int(s.limiter.window.Seconds())))
			s.errs.WriteHTTP(w, r, errors.NewRateLimitedError(p.AgentID))
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

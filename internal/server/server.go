// Package server exposes the job manager over HTTP.
//
//	POST /stores/{key}             start a conversion, body {"source": "<location>"}
//	GET  /stores/{key}             status record of the latest run
//	GET  /stores/{key}/properties  run ?q= (default view when absent) against the store
//	GET  /metrics                  Prometheus metrics
//	GET  /healthz                  liveness
//
// When an auth token is configured the /stores routes require
// "Authorization: Bearer <token>". Submitted sources are limited to the
// configured schemes.
package server

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ajitpratap0/propdb/internal/jobs"
	"github.com/ajitpratap0/propdb/pkg/config"
	"github.com/ajitpratap0/propdb/pkg/errors"
	"github.com/ajitpratap0/propdb/pkg/json"
	"github.com/ajitpratap0/propdb/pkg/observability"
	"github.com/ajitpratap0/propdb/pkg/query"
	"github.com/ajitpratap0/propdb/pkg/source"
)

const maxBodyBytes = 1 << 20

// Server serves the job API.
type Server struct {
	jobs    *jobs.Manager
	logger  *zap.Logger
	http    *http.Server
	token   []byte
	schemes map[string]bool
}

// SubmitRequest is the body of POST /stores/{key}.
type SubmitRequest struct {
	Source string `json:"source"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Type  errors.ErrorType `json:"type"`
	Error string           `json:"error"`
}

// QueryResponse is the body of a successful property query.
type QueryResponse struct {
	Rows []query.Row `json:"rows"`
}

// New builds a server listening on cfg.Addr.
func New(cfg config.ServerConfig, manager *jobs.Manager, serviceName string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:    manager,
		logger:  logger.With(zap.String("component", "server")),
		schemes: make(map[string]bool, len(cfg.AllowedSchemes)),
	}
	if cfg.AuthToken != "" {
		s.token = []byte(cfg.AuthToken)
	}
	for _, scheme := range cfg.AllowedSchemes {
		s.schemes[strings.ToLower(scheme)] = true
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           observability.TracingMiddleware(serviceName)(s.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
	}
	return s
}

// Handler returns the routes wrapped in the tracing middleware.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Routes returns the request multiplexer without middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /stores/{key}", s.authorize(s.handleSubmit))
	mux.Handle("GET /stores/{key}", s.authorize(s.handleStatus))
	mux.Handle("GET /stores/{key}/properties", s.authorize(s.handleProperties))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "ok")
	})
	return mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.http.Addr))
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, errors.ErrorTypeInternal, "server failed")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("shutting down")
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "shutdown failed")
	}
	return nil
}

// authorize rejects requests without the configured bearer token. It is a
// pass-through when no token is configured.
func (s *Server) authorize(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == nil {
			next(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), s.token) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="propdb"`)
			s.writeError(w, errors.New(errors.ErrorTypeUnauthorized, "missing or invalid bearer token"))
			return
		}
		next(w, r)
	})
}

func (s *Server) schemeAllowed(location string) bool {
	return s.schemes["*"] || s.schemes[source.Scheme(location)]
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var req SubmitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, errors.Wrap(err, errors.ErrorTypeConfig, "invalid request body"))
		return
	}
	if req.Source != "" && !s.schemeAllowed(req.Source) {
		s.writeError(w, errors.Newf(errors.ErrorTypeConfig, "source scheme %q is not allowed", source.Scheme(req.Source)))
		return
	}
	rec, err := s.jobs.Submit(key, req.Source)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("conversion submitted", zap.String("key", key), zap.String("job_id", rec.ID))
	s.writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.jobs.Status(r.PathValue("key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleProperties(w http.ResponseWriter, r *http.Request) {
	rows, err := s.jobs.Query(r.Context(), r.PathValue("key"), r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rows == nil {
		rows = []query.Row{}
	}
	s.writeJSON(w, http.StatusOK, QueryResponse{Rows: rows})
}

// statusOf maps an error type to an HTTP status. Query errors are the
// caller's SQL failing in the engine and keep the engine's message.
func statusOf(t errors.ErrorType) int {
	switch t {
	case errors.ErrorTypeConfig:
		return http.StatusBadRequest
	case errors.ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeConflict:
		return http.StatusConflict
	case errors.ErrorTypePrecondition:
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	t := errors.TypeOf(err)
	status := statusOf(t)
	if status == http.StatusInternalServerError && t != errors.ErrorTypeQuery {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, ErrorResponse{Type: t, Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

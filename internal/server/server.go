// Package server provides the HTTP surface of the pipeline host: the
// OpenAI-compatible routes, the admin routes, and the middleware stack.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	srv    *http.Server
}

// New builds the router with the middleware stack applied in order. An empty
// apiKey disables authentication.
func New(port int, timeout time.Duration, apiKey string, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	if apiKey != "" {
		r.Use(AuthMiddleware(apiKey))
	}
	r.Use(TimeoutMiddleware(timeout))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "pipehost")
	})

	return &Server{
		Router: r,
		Port:   port,
		logger: logger,
	}
}

// Start listens until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Port),
		Handler: s.Router,
	}
	s.logger.Info("starting server", slog.Int("port", s.Port))
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// TimeoutMiddleware enforces a per-request deadline. A pipeline invocation
// that outlives it is abandoned by the transport, not preempted.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthMiddleware requires a matching bearer API key on every request.
func AuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Authorization")
			if len(key) > 7 && key[:7] == "Bearer " {
				key = key[7:]
			}
			if key == "" {
				writeErrorEnvelope(w, http.StatusUnauthorized, "missing Authorization header", "authentication", "")
				return
			}
			if key != apiKey {
				writeErrorEnvelope(w, http.StatusUnauthorized, "invalid API key", "authentication", "invalid_api_key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Package server exposes transcripts, cost summaries and relayed agent
// streams over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultTimeout = 30 * time.Second

// Options configures the HTTP server.
type Options struct {
	Port int

	// Timeout bounds non-streaming requests. Zero means 30s.
	Timeout time.Duration

	// ServiceName names the otelhttp server spans.
	ServiceName string

	Logger *slog.Logger
}

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	http   *http.Server
}

// New builds the router around h.
func New(opts Options, h *Handlers) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "agentstream"
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, opts.ServiceName)
	})

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(TimeoutMiddleware(opts.Timeout))

		r.Post("/v1/normalize/{vendor}", h.Normalize)

		r.Get("/v1/conversations", h.ListConversations)
		r.Post("/v1/conversations", h.CreateConversation)
		r.Get("/v1/conversations/{id}", h.GetConversation)
		r.Delete("/v1/conversations/{id}", h.DeleteConversation)
		r.Post("/v1/conversations/{id}/turns", h.AppendTurns)
		r.Get("/v1/conversations/{id}/transcript", h.Transcript)
		r.Delete("/v1/conversations/{id}/stream", h.CancelStream)
	})

	// Streams outlive the request timeout.
	r.Post("/v1/conversations/{id}/stream", h.Stream)

	return &Server{
		Router: r,
		Port:   opts.Port,
		logger: opts.Logger,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", opts.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// ServeHTTP lets the server be mounted directly, mainly in tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve accepts connections on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("starting server", slog.String("addr", l.Addr().String()))
	if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

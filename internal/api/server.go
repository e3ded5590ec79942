// Package api serves the HTTP submission and management surface. Every
// send goes through the same admission pipeline as SMTP submission; the
// handlers here only translate HTTP in and out of it.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/pkg/httputil"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/submission"
	"github.com/ultrazend/ultrazend/internal/tenant"
)

// Server wires the router to the platform services.
type Server struct {
	cfg          config.ServerConfig
	tenants      Authenticator
	pipeline     Submitter
	messages     MessageStore
	events       EventStore
	suppressions SuppressionStore
	router       *chi.Mux
	httpServer   *http.Server
	log          *logger.Logger
}

// Authenticator resolves API credentials to tenant contexts.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*tenant.Context, error)
}

// Submitter is the shared admission pipeline.
type Submitter interface {
	Submit(ctx context.Context, tc *tenant.Context, req *submission.Request) (*submission.Result, error)
}

var (
	_ Authenticator = (*tenant.Service)(nil)
	_ Submitter     = (*submission.Pipeline)(nil)
)

func NewServer(cfg config.ServerConfig, tenants Authenticator, pipeline Submitter, messages MessageStore, events EventStore, suppressions SuppressionStore) *Server {
	s := &Server{
		cfg:          cfg,
		tenants:      tenants,
		pipeline:     pipeline,
		messages:     messages,
		events:       events,
		suppressions: suppressions,
		log:          logger.Component("api"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://localhost:*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "Idempotency-Key"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/emails/send", s.handleSend)
		r.Post("/emails/send-batch", s.handleSendBatch)
		r.Get("/messages/{id}", s.handleGetMessage)

		r.Route("/suppressions", func(r chi.Router) {
			r.Get("/", s.handleListSuppressions)
			r.Post("/", s.handleCreateSuppression)
			r.Delete("/{address}", s.handleDeleteSuppression)
		})
	})

	return r
}

// Handler exposes the router for tests and for mounting tracking routes.
func (s *Server) Handler() *chi.Mux { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

// Start runs the HTTP server until ctx is canceled, then drains.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.GetHost(), s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", s.httpServer.Addr)
		errc <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

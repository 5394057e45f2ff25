package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	hub     *Hub
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps, version string) *Server {
	handler := NewHandler(deps, version, cfg.Async)
	hub := NewHub()
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(metrics.Middleware)
	router.Use(middleware.RealIP)

	// No tenant required
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	authn := AuthMiddleware(deps.Auth, cfg.AuthRequired)

	// The stream takes its tenant from the header or ?tenant=
	router.With(authn, RequireRole(domain.RoleViewer)).Get("/review-queue/stream", hub.HandleStream)

	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)
		r.Use(authn)
		r.Use(middleware.Compress(5))

		viewer := r.With(RequireRole(domain.RoleViewer))
		auditor := r.With(RequireRole(domain.RoleAuditor))
		admin := r.With(RequireRole(domain.RoleAdmin))

		auditor.Post("/transactions", handler.SubmitTransactions)
		viewer.Get("/transactions/{id}", handler.GetTransaction)
		viewer.Get("/transactions/{id}/scores", handler.ListScores)

		viewer.Get("/review-queue", handler.ListReviewQueue)
		auditor.Post("/review-queue/next", handler.NextItem)
		viewer.Get("/review-queue/{id}", handler.GetReviewItem)
		auditor.Post("/review-queue/{id}/resolve", handler.ResolveItem)
		admin.Post("/review-queue/{id}/archive", handler.ArchiveItem)
		viewer.Get("/review-queue/{id}/events", handler.ListItemEvents)

		viewer.Get("/model", handler.GetModel)
		admin.Post("/model/refit", handler.RefitModel)

		viewer.Get("/rules", handler.ListRules)
		admin.Post("/rules", handler.CreateRule)
		admin.Post("/rules/reload", handler.ReloadRules)

		viewer.Get("/summary", handler.Summary)

		admin.Get("/reviewers", handler.ListReviewers)
		admin.Post("/reviewers", handler.CreateReviewer)
		admin.Post("/reviewers/{id}/revoke", handler.RevokeReviewer)
	})

	return &Server{
		router:  router,
		handler: handler,
		hub:     hub,
		config:  cfg,
	}
}

// StartStream feeds the review stream from the event bus and runs the hub
// until ctx is done.
func (s *Server) StartStream(ctx context.Context) error {
	if s.handler.Bus != nil {
		if err := s.hub.Subscribe(ctx, s.handler.Bus); err != nil {
			return err
		}
	}
	go s.hub.Run(ctx)
	return nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Hub returns the review stream hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

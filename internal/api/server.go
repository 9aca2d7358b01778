package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/foxzi/drip/internal/campaign"
	"github.com/foxzi/drip/internal/config"
	"github.com/foxzi/drip/internal/dispatch"
	"github.com/foxzi/drip/internal/engine"
	"github.com/foxzi/drip/internal/ipfilter"
	"github.com/foxzi/drip/internal/metrics"
)

// Options holds the dependencies of the API server
type Options struct {
	Manager   *engine.Manager
	Responses *engine.ResponseHandler
	Campaigns campaign.Store
	// Sandbox is nil unless the sandbox dispatcher is in use
	Sandbox *dispatch.SandboxStorage
	Filter  *ipfilter.Filter
	Config  *config.APIConfig
	Version string
	Logger  *slog.Logger
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	manager    *engine.Manager
	responses  *engine.ResponseHandler
	campaigns  campaign.Store
	sandbox    *dispatch.SandboxStorage
	filter     *ipfilter.Filter
	validate   *validator.Validate
	config     *config.APIConfig
	version    string
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		manager:   opts.Manager,
		responses: opts.Responses,
		campaigns: opts.Campaigns,
		sandbox:   opts.Sandbox,
		filter:    opts.Filter,
		validate:  validator.New(),
		config:    opts.Config,
		version:   opts.Version,
		logger:    opts.Logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	if s.config.TrustProxy {
		s.router.Use(middleware.RealIP)
	}
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.filter.Middleware)
		r.Use(s.authMiddleware)

		r.Route("/followups", func(r chi.Router) {
			r.Post("/", s.handleCreateFollowUp)
			r.Get("/", s.handleListFollowUps)
			r.Get("/{id}", s.handleFollowUpStatus)
			r.Post("/{id}/cancel", s.handleCancelFollowUp)
			r.Post("/{id}/resume", s.handleResumeFollowUp)
			r.Post("/{id}/advance", s.handleAdvanceFollowUp)
		})

		r.Route("/clients/{id}", func(r chi.Router) {
			r.Post("/messages", s.handleClientMessage)
			r.Delete("/", s.handleRemoveClient)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", s.handleListCampaigns)
			r.Post("/", s.handleCreateCampaign)
			r.Get("/{id}", s.handleGetCampaign)
			r.Put("/{id}", s.handleReplaceCampaign)
			r.Delete("/{id}", s.handleDeleteCampaign)
		})

		if s.sandbox != nil {
			r.Route("/sandbox", func(r chi.Router) {
				r.Get("/messages", s.handleSandboxList)
				r.Delete("/messages", s.handleSandboxClear)
			})
		}
	})
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) newHTTPServer(addr string) *http.Server {
	s.httpServer = &http.Server{
		Addr:           addr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}
	return s.httpServer
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	srv := s.newHTTPServer(s.config.ListenAddr)
	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return ignoreClosed(srv.ListenAndServe())
}

// Serve accepts connections on ln
func (s *Server) Serve(ln net.Listener) error {
	srv := s.newHTTPServer(ln.Addr().String())
	s.logger.Info("starting HTTP API server", "addr", ln.Addr().String())
	return ignoreClosed(srv.Serve(ln))
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

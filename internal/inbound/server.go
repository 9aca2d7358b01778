package inbound

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/emersion/go-smtp"

	"github.com/foxzi/drip/internal/config"
	"github.com/foxzi/drip/internal/ipfilter"
)

// Server wraps go-smtp server with configuration
type Server struct {
	server *smtp.Server
	addr   string
	logger *slog.Logger
}

// NewServer creates the reply listener
func NewServer(cfg *config.InboundSMTPConfig, h Handler, filter *ipfilter.Filter, logger *slog.Logger) *Server {
	logger = logger.With("component", "inbound_smtp")
	backend := NewBackend(h, cfg, filter, logger)

	srv := smtp.NewServer(backend)
	srv.Addr = cfg.ListenAddr
	srv.Domain = cfg.Domain
	srv.MaxMessageBytes = int64(cfg.MaxMessageBytes)
	srv.MaxRecipients = 10
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.WriteTimeout
	srv.AllowInsecureAuth = true

	return &Server{
		server: srv,
		addr:   cfg.ListenAddr,
		logger: logger,
	}
}

// ListenAndServe starts the SMTP server
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting inbound SMTP server", "addr", s.addr)
	return s.filterClosed(s.server.ListenAndServe())
}

// Serve accepts connections on ln
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting inbound SMTP server", "addr", ln.Addr().String())
	return s.filterClosed(s.server.Serve(ln))
}

func (s *Server) filterClosed(err error) error {
	if errors.Is(err, smtp.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down inbound SMTP server")
	return s.server.Shutdown(ctx)
}

// Close immediately closes the server
func (s *Server) Close() error {
	return s.server.Close()
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/foxzi/drip/internal/api"
	"github.com/foxzi/drip/internal/campaign"
	"github.com/foxzi/drip/internal/config"
	"github.com/foxzi/drip/internal/delay"
	"github.com/foxzi/drip/internal/dispatch"
	"github.com/foxzi/drip/internal/engine"
	"github.com/foxzi/drip/internal/followup"
	"github.com/foxzi/drip/internal/inbound"
	"github.com/foxzi/drip/internal/ipfilter"
	"github.com/foxzi/drip/internal/metrics"
	"github.com/foxzi/drip/internal/scheduler"
)

// App is the main application
type App struct {
	config    *config.Config
	version   string
	clock     clockwork.Clock
	logger    *slog.Logger
	logCloser io.Closer

	followups *followup.BoltStorage
	campaigns *campaign.SQLiteStore
	scheduler *scheduler.Scheduler
	manager   *engine.Manager
	responses *engine.ResponseHandler

	apiServer     *api.Server
	inboundSMTP   *inbound.Server
	amqpConsumer  *inbound.Consumer
	metricsServer *metrics.Server
	collector     *metrics.Collector
}

// New creates a new application. Nothing is started until Run.
func New(cfg *config.Config, version string) (*App, error) {
	logger, logCloser := setupLogger(cfg.Logging, os.Stdout)
	return newApp(cfg, version, clockwork.NewRealClock(), logger, logCloser)
}

func newApp(cfg *config.Config, version string, clock clockwork.Clock, logger *slog.Logger, logCloser io.Closer) (_ *App, err error) {
	a := &App{
		config:    cfg,
		version:   version,
		clock:     clock,
		logger:    logger,
		logCloser: logCloser,
	}
	defer func() {
		if err != nil {
			a.closeStores()
		}
	}()

	a.followups, err = followup.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create follow-up storage: %w", err)
	}

	a.campaigns, err = campaign.OpenSQLite(cfg.Campaigns.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open campaign store: %w", err)
	}

	dispatcher, err := dispatch.New(&cfg.Dispatch, cfg.Server.Hostname, a.followups.DB(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}
	var sandbox *dispatch.SandboxStorage
	if sd, ok := dispatcher.(*dispatch.SandboxDispatcher); ok {
		sandbox = sd.Storage()
		logger.Info("sandbox dispatcher enabled, messages are captured instead of sent")
	}

	a.scheduler = scheduler.New(scheduler.Options{
		Store:           a.followups,
		Dispatcher:      dispatcher,
		Clock:           clock,
		Logger:          logger,
		DispatchTimeout: cfg.Scheduler.DispatchTimeout,
	})

	parser := delay.NewParser(cfg.Scheduler.DefaultWait, logger.With("component", "delay"), func(string) {
		metrics.IncDurationFallbacks()
	})
	a.manager = engine.NewManager(engine.Options{
		FollowUps:      a.followups,
		Campaigns:      a.campaigns,
		Timers:         a.scheduler,
		Clock:          clock,
		Parser:         parser,
		Logger:         logger,
		RecentMessages: cfg.Scheduler.RecentMessages,
	})
	a.responses = engine.NewResponseHandler(a.manager, a.followups, clock, logger)

	apiFilter, err := ipfilter.New(cfg.API.AllowedIPs, logger.With("component", "api_ipfilter"))
	if err != nil {
		return nil, fmt.Errorf("invalid api.allowed_ips: %w", err)
	}
	apiFilter.TrustProxyHeaders(cfg.API.TrustProxy)

	a.apiServer = api.NewServer(api.Options{
		Manager:   a.manager,
		Responses: a.responses,
		Campaigns: a.campaigns,
		Sandbox:   sandbox,
		Filter:    apiFilter,
		Config:    &cfg.API,
		Version:   version,
		Logger:    logger,
	})

	if cfg.Inbound.SMTP.Enabled {
		smtpFilter, err := ipfilter.New(cfg.Inbound.SMTP.AllowedIPs, logger.With("component", "smtp_ipfilter"))
		if err != nil {
			return nil, fmt.Errorf("invalid inbound.smtp.allowed_ips: %w", err)
		}
		a.inboundSMTP = inbound.NewServer(&cfg.Inbound.SMTP, a.responses, smtpFilter, logger)
	}
	if cfg.Inbound.AMQP.Enabled {
		a.amqpConsumer = inbound.NewConsumer(cfg.Inbound.AMQP, a.responses, logger)
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		a.collector, err = metrics.NewCollector(a.followups.DB(), m, a.manager, a.scheduler, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}

		metricsFilter, err := ipfilter.New(cfg.Metrics.AllowedIPs, logger.With("component", "metrics_ipfilter"))
		if err != nil {
			return nil, fmt.Errorf("invalid metrics.allowed_ips: %w", err)
		}
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, metricsFilter, logger)
	}

	return a, nil
}

// Manager returns the follow-up manager
func (a *App) Manager() *engine.Manager {
	return a.manager
}

// Start checks the stores, imports campaigns and recovers pending follow-ups.
// It does not start any listener.
func (a *App) Start(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, a.config.Scheduler.StartupTimeout)
	defer cancel()
	if err := a.campaigns.Ping(pingCtx); err != nil {
		return fmt.Errorf("campaign store not ready: %w", err)
	}
	if _, err := a.followups.Stats(pingCtx); err != nil {
		return fmt.Errorf("follow-up store not ready: %w", err)
	}

	if path := a.config.Campaigns.ImportFile; path != "" {
		list, err := campaign.LoadFile(path)
		if err != nil {
			return err
		}
		res, err := campaign.Import(ctx, a.campaigns, list)
		if err != nil {
			return fmt.Errorf("failed to import campaigns: %w", err)
		}
		a.logger.Info("campaigns imported", "file", path, "created", res.Created, "updated", res.Updated)
	}

	if err := a.scheduler.Start(ctx, a.manager); err != nil {
		return err
	}

	if a.collector != nil {
		a.collector.Start(ctx)
	}
	return nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting drip",
		"version", a.version,
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"dispatch_driver", a.config.Dispatch.Driver,
		"inbound_smtp", a.config.Inbound.SMTP.Enabled,
		"inbound_amqp", a.config.Inbound.AMQP.Enabled,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Start(ctx); err != nil {
		a.Shutdown(context.Background())
		return err
	}

	// Channel to collect errors
	errCh := make(chan error, 4)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.inboundSMTP != nil {
		go func() {
			if err := a.inboundSMTP.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("inbound smtp server: %w", err)
			}
		}()
	}

	if a.amqpConsumer != nil {
		go func() {
			if err := a.amqpConsumer.Run(ctx); err != nil {
				errCh <- fmt.Errorf("amqp consumer: %w", err)
			}
		}()
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	// Graceful shutdown
	if err := a.Shutdown(context.Background()); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// Create timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop intake first
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}
	if a.inboundSMTP != nil {
		if err := a.inboundSMTP.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("inbound smtp shutdown error", "error", err)
		}
	}

	// Timers are dropped; pending follow-ups are rearmed from storage on next start
	if err := a.scheduler.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("scheduler shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	// Persist counters before the bolt file is closed
	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	a.closeStores()
	a.logger.Info("shutdown complete")
	if a.logCloser != nil {
		a.logCloser.Close()
	}
	return nil
}

func (a *App) closeStores() {
	if a.campaigns != nil {
		if err := a.campaigns.Close(); err != nil {
			a.logger.Error("campaign store close error", "error", err)
		}
	}
	if a.followups != nil {
		if err := a.followups.Close(); err != nil {
			a.logger.Error("storage close error", "error", err)
		}
	}
}

// setupLogger creates a logger based on configuration. When a log file is
// configured records go to both stdout and a rotating file.
func setupLogger(cfg config.LoggingConfig, stdout io.Writer) (*slog.Logger, io.Closer) {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	out := stdout
	var closer io.Closer
	if cfg.File.Path != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
		out = io.MultiWriter(stdout, rotating)
		closer = rotating
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), closer
}

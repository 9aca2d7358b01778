package dispatch

import (
	"fmt"
	"log/slog"

	"github.com/foxzi/drip/internal/config"
	bolt "go.etcd.io/bbolt"
)

// New builds the dispatcher selected by cfg.Driver. db backs the sandbox driver.
func New(cfg *config.DispatchConfig, hostname string, db *bolt.DB, logger *slog.Logger) (Dispatcher, error) {
	logger = logger.With("component", "dispatch", "driver", cfg.Driver)

	switch cfg.Driver {
	case "http":
		return NewHTTPDispatcher(cfg.HTTP.URL, cfg.HTTP.APIKey, cfg.HTTP.Timeout, logger), nil

	case "smtp":
		var signer *DKIMSigner
		if dk := cfg.SMTP.DKIM; dk.Enabled {
			var err error
			signer, err = LoadDKIMSigner(dk.KeyFile, dk.Domain, dk.Selector)
			if err != nil {
				return nil, err
			}
			logger.Info("DKIM signing enabled", "domain", dk.Domain, "selector", dk.Selector)
		}
		return NewSMTPDispatcher(SMTPOptions{
			Host:            cfg.SMTP.Host,
			Port:            cfg.SMTP.Port,
			Username:        cfg.SMTP.Username,
			Password:        cfg.SMTP.Password,
			From:            cfg.SMTP.From,
			Subject:         cfg.SMTP.Subject,
			RecipientDomain: cfg.SMTP.RecipientDomain,
			TLS:             cfg.SMTP.TLS,
			Hostname:        hostname,
			Timeout:         cfg.SMTP.Timeout,
			Signer:          signer,
		}, logger), nil

	case "sandbox":
		storage, err := NewSandboxStorage(db)
		if err != nil {
			return nil, err
		}
		d := NewSandboxDispatcher(storage, logger)
		d.SetErrorSimulation(cfg.Sandbox.SimulateErrors, cfg.Sandbox.ErrorProbability)
		return d, nil
	}

	return nil, fmt.Errorf("unknown dispatch driver: %s", cfg.Driver)
}

package inbound

import (
	"log/slog"
	"sync"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/foxzi/drip/internal/config"
	"github.com/foxzi/drip/internal/ipfilter"
	"github.com/foxzi/drip/internal/metrics"
)

// authFailure tracks failed auth attempts
type authFailure struct {
	count     int
	lastFail  time.Time
	blockedAt time.Time
}

// Auth brute force protection constants
const (
	maxAuthFailures   = 5                // Max failures before blocking
	authBlockDuration = 15 * time.Minute // How long to block
	authFailureWindow = 5 * time.Minute  // Window for counting failures
)

// Backend implements smtp.Backend for the reply listener
type Backend struct {
	handler         Handler
	auth            *config.AuthConfig
	filter          *ipfilter.Filter
	recipientDomain string
	logger          *slog.Logger

	authFailures map[string]*authFailure
	authMu       sync.Mutex
	now          func() time.Time
}

// NewBackend creates a new SMTP backend
func NewBackend(h Handler, cfg *config.InboundSMTPConfig, filter *ipfilter.Filter, logger *slog.Logger) *Backend {
	return &Backend{
		handler:         h,
		auth:            &cfg.Auth,
		filter:          filter,
		recipientDomain: cfg.RecipientDomain,
		logger:          logger,
		authFailures:    make(map[string]*authFailure),
		now:             time.Now,
	}
}

// CheckAuthBlocked checks if IP is blocked due to too many auth failures
func (b *Backend) CheckAuthBlocked(ip string) bool {
	b.authMu.Lock()
	defer b.authMu.Unlock()

	f, ok := b.authFailures[ip]
	return ok && !f.blockedAt.IsZero() && b.now().Sub(f.blockedAt) < authBlockDuration
}

// RecordAuthFailure records a failed auth attempt and reports whether the IP is now blocked
func (b *Backend) RecordAuthFailure(ip string) bool {
	b.authMu.Lock()
	defer b.authMu.Unlock()

	now := b.now()
	f, ok := b.authFailures[ip]
	if !ok {
		f = &authFailure{}
		b.authFailures[ip] = f
	}

	if now.Sub(f.lastFail) > authFailureWindow {
		f.count = 0
		f.blockedAt = time.Time{}
	}

	f.count++
	f.lastFail = now
	metrics.IncSMTPAuthFailed()

	if f.count >= maxAuthFailures {
		f.blockedAt = now
		b.logger.Warn("IP blocked due to auth failures", "ip", ip, "failures", f.count)
		return true
	}
	return false
}

// ClearAuthFailure clears auth failure record on successful auth
func (b *Backend) ClearAuthFailure(ip string) {
	b.authMu.Lock()
	defer b.authMu.Unlock()
	delete(b.authFailures, ip)
}

// NewSession is called when a new SMTP connection is established
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remote := c.Conn().RemoteAddr().String()
	if !b.filter.AllowedAddr(remote) {
		b.logger.Warn("connection rejected by IP filter", "remote_addr", remote)
		return nil, &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Access denied",
		}
	}

	metrics.IncSMTPConnections()
	return newSession(b, c), nil
}

package inbound

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/drip/internal/email"
	"github.com/foxzi/drip/internal/engine"
	"github.com/foxzi/drip/internal/metrics"
)

const channelSMTP = "smtp"

// Session implements smtp.Session and smtp.AuthSession for go-smtp
type Session struct {
	backend  *Backend
	conn     *smtp.Conn
	from     string
	authUser string
	ip       string
	logger   *slog.Logger
}

func newSession(b *Backend, c *smtp.Conn) *Session {
	remote := c.Conn().RemoteAddr().String()
	ip, _, err := net.SplitHostPort(remote)
	if err != nil {
		ip = remote
	}
	return &Session{
		backend: b,
		conn:    c,
		ip:      ip,
		logger:  b.logger.With("remote_addr", remote),
	}
}

// AuthMechanisms returns supported authentication mechanisms
func (s *Session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

// Auth handles authentication
func (s *Session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	if s.backend.CheckAuthBlocked(s.ip) {
		return nil, &smtp.SMTPError{
			Code:         421,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Too many authentication failures, try again later",
		}
	}

	return sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return errors.New("identity must be empty or match username")
		}

		if len(s.backend.auth.Users) == 0 {
			return errors.New("authentication not configured")
		}

		expected, ok := s.backend.auth.Users[username]
		if !ok || expected != password {
			s.logger.Warn("authentication failed", "username", username)
			s.backend.RecordAuthFailure(s.ip)
			return smtp.ErrAuthFailed
		}

		s.backend.ClearAuthFailure(s.ip)
		s.authUser = username
		s.logger.Info("authentication successful", "username", username)
		return nil
	}), nil
}

// Mail handles MAIL FROM command. The envelope sender identifies the client.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if s.backend.auth.Required && s.authUser == "" {
		return &smtp.SMTPError{
			Code:         530,
			EnhancedCode: smtp.EnhancedCode{5, 7, 0},
			Message:      "Authentication required",
		}
	}

	s.from = from
	s.logger.Debug("MAIL FROM", "from", from)
	return nil
}

// Rcpt handles RCPT TO command. Any recipient is accepted.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.logger.Debug("RCPT TO", "to", to)
	return nil
}

// Data parses the reply and hands it to the engine
func (s *Session) Data(r io.Reader) error {
	reply, err := email.ParseReply(r)
	if err != nil {
		s.logger.Warn("unparseable reply", "error", err)
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Malformed message",
		}
	}

	sender := s.from
	if sender == "" {
		sender = reply.From
	}
	clientID := email.ClientID(sender, s.backend.recipientDomain)
	if clientID == "" {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 7},
			Message:      "Sender address required",
		}
	}

	res, err := s.backend.handler.Handle(context.Background(), engine.InboundMessage{
		EventID:  reply.MessageID,
		ClientID: clientID,
		Text:     reply.Text,
		Channel:  channelSMTP,
	})
	if err != nil {
		if errors.Is(err, engine.ErrInvalidRequest) {
			return &smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 6, 0},
				Message:      "Message rejected",
			}
		}
		s.logger.Error("failed to handle reply", "client_id", clientID, "error", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Failed to process reply, try again later",
		}
	}

	s.logger.Info("reply received",
		"client_id", clientID,
		"message_id", reply.MessageID,
		"touched", res.Touched,
		"duplicate", res.Duplicate,
	)
	return nil
}

// Reset resets the session state
func (s *Session) Reset() {
	s.from = ""
}

// Logout handles session logout
func (s *Session) Logout() error {
	metrics.DecSMTPConnectionsActive()
	s.logger.Debug("session logout")
	return nil
}

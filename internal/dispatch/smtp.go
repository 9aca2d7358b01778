package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/drip/internal/email"
)

// SMTPOptions configures the email dispatcher
type SMTPOptions struct {
	Host            string
	Port            int
	Username        string
	Password        string
	From            string
	Subject         string
	RecipientDomain string
	TLS             string // none, starttls or implicit
	Hostname        string
	Timeout         time.Duration
	// Signer is optional; when set every message is DKIM signed
	Signer *DKIMSigner
}

// SMTPDispatcher sends follow-up messages as plain text email through a relay
type SMTPDispatcher struct {
	opts   SMTPOptions
	logger *slog.Logger
}

// NewSMTPDispatcher creates a new email dispatcher
func NewSMTPDispatcher(opts SMTPOptions, logger *slog.Logger) *SMTPDispatcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	if opts.Subject == "" {
		opts.Subject = "Follow-up"
	}
	return &SMTPDispatcher{opts: opts, logger: logger}
}

// Recipient returns the email address of a client
func (d *SMTPDispatcher) Recipient(clientID string) string {
	return email.Address(clientID, d.opts.RecipientDomain)
}

// Send delivers msg to the client's address
func (d *SMTPDispatcher) Send(ctx context.Context, msg *Message) error {
	to := d.Recipient(msg.ClientID)
	if !strings.Contains(to, "@") {
		return &Error{Temporary: false, Message: fmt.Sprintf("no email address for client %s", msg.ClientID)}
	}

	data := d.buildMessage(msg, to)
	if d.opts.Signer != nil {
		signed, err := d.opts.Signer.Sign(data)
		if err != nil {
			return &Error{Temporary: false, Message: err.Error()}
		}
		data = signed
	}

	c, err := d.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if d.opts.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", d.opts.Username, d.opts.Password)); err != nil {
			return categorizeError(err, "AUTH")
		}
	}

	if err := c.SendMail(d.opts.From, []string{to}, bytes.NewReader(data)); err != nil {
		return categorizeError(err, "SEND")
	}
	c.Quit()

	d.logger.Info("message delivered",
		"message_id", msg.ID,
		"client_id", msg.ClientID,
		"to", to,
	)
	return nil
}

func (d *SMTPDispatcher) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(d.opts.Host, strconv.Itoa(d.opts.Port))

	dialer := &net.Dialer{
		Timeout: d.opts.Timeout,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", addr, err),
		}
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(d.opts.Timeout)
	}
	conn.SetDeadline(deadline)

	tlsConfig := &tls.Config{
		ServerName: d.opts.Host,
		MinVersion: tls.VersionTLS12,
	}

	switch d.opts.TLS {
	case "starttls":
		// NewClientStartTLS greets as "localhost"; the hostname can only be set
		// on a plain client.
		c, err := smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			return nil, categorizeError(err, "STARTTLS")
		}
		return c, nil
	case "implicit":
		conn = tls.Client(conn, tlsConfig)
	}

	c := smtp.NewClient(conn)
	if err := c.Hello(d.opts.Hostname); err != nil {
		c.Close()
		return nil, categorizeError(err, "HELO")
	}
	return c, nil
}

func (d *SMTPDispatcher) buildMessage(msg *Message, to string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", d.opts.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", d.opts.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@%s>\r\n", msg.ID, d.opts.Hostname)
	fmt.Fprintf(&b, "X-Drip-Follow-Up: %s\r\n", msg.FollowUpID)
	fmt.Fprintf(&b, "X-Drip-Step: %d\r\n", msg.StepIndex)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Text, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

// categorizeError determines if an SMTP error is temporary or permanent
func categorizeError(err error, stage string) *Error {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return &Error{
			Temporary: se.Code < 500,
			Message:   msg,
		}
	}

	// Assume temporary by default
	return &Error{
		Temporary: true,
		Message:   msg,
	}
}

// Package smtp implements a Provider that relays messages to an SMTP server.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/mimemail/internal/email"
)

// TLS modes.
const (
	ModeStartTLS = "starttls"
	ModeTLS      = "tls"
	ModeNone     = "none"
)

// Config holds the configuration for creating a Provider.
type Config struct {
	// Address is the relay host:port.
	Address  string
	Username string
	Password string
	// TLSMode is one of ModeStartTLS (default), ModeTLS or ModeNone.
	TLSMode   string
	TLSConfig *tls.Config
	// Timeout bounds one whole delivery. Zero means no limit beyond ctx.
	Timeout time.Duration
}

// Provider delivers messages to an SMTP relay, one connection per message.
type Provider struct {
	cfg Config
}

// New creates a new Provider with the given configuration.
func New(cfg Config) *Provider {
	if cfg.TLSMode == "" {
		cfg.TLSMode = ModeStartTLS
	}
	return &Provider{cfg: cfg}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

// Transmit opens a connection, authenticates when credentials are set and
// submits the payload bytes with the addresses from From and To as the
// envelope.
func (p *Provider) Transmit(ctx context.Context, payload *email.Payload) error {
	from, err := mail.ParseAddress(payload.From)
	if err != nil {
		return fmt.Errorf("failed to parse sender %q: %w", payload.From, err)
	}
	rcpts, err := mail.ParseAddressList(payload.To)
	if err != nil {
		return fmt.Errorf("failed to parse recipients %q: %w", payload.To, err)
	}
	if len(rcpts) == 0 {
		return errors.New("no recipients")
	}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	c, err := p.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if p.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", p.cfg.Username, p.cfg.Password)); err != nil {
			return fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	if err := c.Mail(from.Address, nil); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt.Address, nil); err != nil {
			return fmt.Errorf("failed to add recipient %s: %w", rcpt.Address, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("failed to start data: %w", err)
	}
	if _, err := w.Write(payload.Bytes()); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish data: %w", err)
	}

	if err := c.Quit(); err != nil {
		slog.Debug("SMTP QUIT failed", "error", err)
	}

	slog.Debug("SMTP relay accepted message",
		"address", p.cfg.Address,
		"recipients", len(rcpts),
	)
	return nil
}

// dial connects according to the TLS mode. The connection deadline follows
// ctx, and cancelling ctx closes the connection.
func (p *Provider) dial(ctx context.Context) (*session, error) {
	tlsCfg, err := p.tlsConfig()
	if err != nil {
		return nil, err
	}

	netDialer := &net.Dialer{}

	var conn net.Conn
	switch p.cfg.TLSMode {
	case ModeTLS:
		d := &tls.Dialer{NetDialer: netDialer, Config: tlsCfg}
		conn, err = d.DialContext(ctx, "tcp", p.cfg.Address)
	case ModeStartTLS, ModeNone:
		conn, err = netDialer.DialContext(ctx, "tcp", p.cfg.Address)
	default:
		return nil, fmt.Errorf("unknown TLS mode %q", p.cfg.TLSMode)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", p.cfg.Address, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	var c *gosmtp.Client
	if p.cfg.TLSMode == ModeStartTLS {
		c, err = gosmtp.NewClientStartTLS(conn, tlsCfg)
		if err != nil {
			stop()
			conn.Close()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	} else {
		c = gosmtp.NewClient(conn)
	}

	return &session{Client: c, stop: stop}, nil
}

// session is a client whose connection is tied to a context.
type session struct {
	*gosmtp.Client
	stop func() bool
}

// Close releases the context hook and closes the connection.
func (s *session) Close() error {
	s.stop()
	return s.Client.Close()
}

// tlsConfig returns the configured TLS settings with ServerName defaulted
// to the relay host.
func (p *Provider) tlsConfig() (*tls.Config, error) {
	var cfg *tls.Config
	if p.cfg.TLSConfig != nil {
		cfg = p.cfg.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(p.cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", p.cfg.Address, err)
		}
		cfg.ServerName = host
	}
	return cfg, nil
}

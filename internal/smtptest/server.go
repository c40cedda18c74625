// Package smtptest runs an in-process SMTP server that records every
// message it accepts, for end-to-end tests of the SMTP transport.
package smtptest

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-units"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	mimetls "github.com/shineum/mimemail/internal/tls"
)

const defaultMaxMessageBytes = 25 * units.MiB

// Message is one accepted delivery.
type Message struct {
	ID       string
	From     string
	To       []string
	Data     []byte
	Received time.Time
}

// Options configures a Server.
type Options struct {
	// Username and Password enable mandatory AUTH PLAIN when both are set.
	Username string
	Password string
	// ImplicitTLS wraps the listener in TLS. Otherwise STARTTLS is offered.
	ImplicitTLS bool
	// MaxMessageBytes caps DATA. Defaults to 25 MiB.
	MaxMessageBytes int64
}

// Server is a running in-process SMTP server.
type Server struct {
	srv   *smtp.Server
	ln    net.Listener
	roots *x509.CertPool

	mu       sync.Mutex
	messages []Message
}

// Start launches a server on a random loopback port. It is shut down when
// the test ends.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()

	tlsCfg, roots, err := mimetls.ServerConfig()
	if err != nil {
		t.Fatalf("smtptest: %v", err)
	}
	if opts.MaxMessageBytes == 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("smtptest: listen: %v", err)
	}
	if opts.ImplicitTLS {
		ln = tls.NewListener(ln, tlsCfg)
	}

	s := &Server{ln: ln, roots: roots}

	srv := smtp.NewServer(&backend{server: s, opts: opts})
	srv.Domain = "localhost"
	srv.TLSConfig = tlsCfg
	srv.AllowInsecureAuth = true
	srv.MaxMessageBytes = opts.MaxMessageBytes
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	s.srv = srv

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			t.Logf("smtptest: serve: %v", err)
		}
	}()

	t.Cleanup(func() {
		srv.Close()
		<-done
	})

	return s
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// RootCAs returns a pool that trusts the server certificate.
func (s *Server) RootCAs() *x509.CertPool {
	return s.roots
}

// Messages returns a copy of the accepted messages in arrival order.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Server) save(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

type backend struct {
	server *Server
	opts   Options
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

func (b *backend) authRequired() bool {
	return b.opts.Username != "" && b.opts.Password != ""
}

type session struct {
	backend       *backend
	from          string
	to            []string
	authenticated bool
}

func (s *session) AuthMechanisms() []string {
	if s.backend.authRequired() {
		return []string{sasl.Plain}
	}
	return nil
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, smtp.ErrAuthUnknownMechanism
	}
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username == s.backend.opts.Username && password == s.backend.opts.Password {
			s.authenticated = true
			return nil
		}
		return smtp.ErrAuthFailed
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.backend.authRequired() && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.authRequired() && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(r, s.backend.opts.MaxMessageBytes+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > s.backend.opts.MaxMessageBytes {
		return smtp.ErrDataTooLarge
	}

	s.backend.server.save(Message{
		ID:       uuid.NewString(),
		From:     s.from,
		To:       append([]string(nil), s.to...),
		Data:     data,
		Received: time.Now(),
	})
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

// Package email builds multipart MIME messages and hands them to a transport.
package email

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"os"
	"strings"
	"time"
)

const crlf = "\r\n"

// Boundary label prefixes. Existing consumers match on these, so they stay fixed.
const (
	mixedPrefix = "PHP-mixed"
	altPrefix   = "PHP-alt"
)

// boundaryTimeLayout is the RFC 2822 date layout the boundary token is hashed from.
const boundaryTimeLayout = "Mon, 02 Jan 2006 15:04:05 -0700"

// ReadFileFunc resolves an attachment path to its raw bytes.
type ReadFileFunc func(path string) ([]byte, error)

// Transmitter delivers a finished payload. A non-nil error means the
// message was not accepted.
type Transmitter interface {
	Transmit(ctx context.Context, p *Payload) error
}

// Payload is the built message handed to a Transmitter.
type Payload struct {
	To      string
	From    string
	Subject string
	// Headers is the CRLF joined header block, ending in CRLF.
	Headers string
	Body    string
}

// Bytes returns the complete RFC 5322 message: header block, blank line, body.
func (p *Payload) Bytes() []byte {
	return []byte(p.Headers + crlf + p.Body)
}

// Message holds the state of one outgoing email. Construct it with New,
// add headers and attachments, then call Send once.
type Message struct {
	to          string
	from        string
	subject     string
	textContent string
	htmlContent string

	headers     []string
	attachments []string

	boundaryToken string
	readFile      ReadFileFunc
	now           func() time.Time

	payload *Payload
	sent    bool
}

// Option configures a Message at construction time.
type Option func(*Message)

// WithText sets the plaintext alternative part.
func WithText(text string) Option {
	return func(m *Message) { m.textContent = text }
}

// WithHTML sets the HTML alternative part.
func WithHTML(html string) Option {
	return func(m *Message) { m.htmlContent = html }
}

// WithFileReader replaces os.ReadFile for resolving attachments.
func WithFileReader(fn ReadFileFunc) Option {
	return func(m *Message) { m.readFile = fn }
}

// WithClock sets the clock the boundary token is derived from.
func WithClock(now func() time.Time) Option {
	return func(m *Message) { m.now = now }
}

// New creates a Message. The boundary token is fixed here and shared by
// every part of the message.
func New(to, from, subject string, opts ...Option) *Message {
	m := &Message{
		to:       to,
		from:     from,
		subject:  subject,
		readFile: os.ReadFile,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.boundaryToken = boundaryToken(m.now())
	return m
}

// boundaryToken hashes t at one-second resolution. Messages created in the
// same second share a token, which is fine since boundaries only need to
// be unique inside one message.
func boundaryToken(t time.Time) string {
	sum := md5.Sum([]byte(t.Format(boundaryTimeLayout)))
	return hex.EncodeToString(sum[:])
}

// AddHeader appends a raw header line. The line is not validated.
func (m *Message) AddHeader(line string) {
	m.headers = append(m.headers, line)
}

// AddAttachment appends a file path. The file is read when the body is built.
func (m *Message) AddAttachment(path string) {
	m.attachments = append(m.attachments, path)
}

// BoundaryToken returns the hex digest shared by both boundary labels.
func (m *Message) BoundaryToken() string { return m.boundaryToken }

// MixedBoundary returns the multipart/mixed boundary label.
func (m *Message) MixedBoundary() string { return mixedPrefix + "-" + m.boundaryToken }

// AltBoundary returns the multipart/alternative boundary label.
func (m *Message) AltBoundary() string { return altPrefix + "-" + m.boundaryToken }

// Sent reports whether the transport accepted the message.
func (m *Message) Sent() bool { return m.sent }

// Payload returns what Send handed to the transport, or nil before Send.
func (m *Message) Payload() *Payload { return m.payload }

// Attachments returns a copy of the attachment paths in insertion order.
func (m *Message) Attachments() []string {
	return append([]string(nil), m.attachments...)
}

// defaultHeaders returns the five headers every message starts with.
func (m *Message) defaultHeaders() []string {
	return []string{
		"MIME-Version: 1.0",
		"From: " + m.from,
		"To: " + m.to,
		"Subject: " + m.subject,
		`Content-type: multipart/mixed; boundary="` + m.MixedBoundary() + `"`,
	}
}

// Headers returns the default headers followed by caller headers in the
// order they were added.
func (m *Message) Headers() []string {
	defaults := m.defaultHeaders()
	all := make([]string, 0, len(defaults)+len(m.headers))
	all = append(all, defaults...)
	return append(all, m.headers...)
}

// HeaderString returns the header block joined with CRLF and ending in CRLF.
func (m *Message) HeaderString() string {
	return strings.Join(m.Headers(), crlf) + crlf
}

// Build assembles the header block and body without transmitting.
func (m *Message) Build() (*Payload, error) {
	body, err := m.Body()
	if err != nil {
		return nil, err
	}

	return &Payload{
		To:      m.to,
		From:    m.from,
		Subject: m.subject,
		Headers: m.HeaderString(),
		Body:    body,
	}, nil
}

// Send builds the message and hands it to t. It reports whether t accepted
// it. A transport failure is returned as false with a nil error; only
// build failures (unreadable attachments) and a repeated Send return an
// error. Nothing is transmitted when the build fails.
func (m *Message) Send(ctx context.Context, t Transmitter) (bool, error) {
	if m.payload != nil {
		return m.sent, ErrAlreadySent
	}

	p, err := m.Build()
	if err != nil {
		return false, err
	}

	m.payload = p

	if err := t.Transmit(ctx, p); err != nil {
		slog.Warn("message transmission failed",
			"to", m.to,
			"subject", m.subject,
			"error", err,
		)
		m.sent = false
		return false, nil
	}

	slog.Debug("message transmitted",
		"to", m.to,
		"subject", m.subject,
		"attachments", len(m.attachments),
		"bytes", len(p.Headers)+len(p.Body),
	)
	m.sent = true
	return true, nil
}

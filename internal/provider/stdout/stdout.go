// Package stdout implements a Provider that prints emails to standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/docker/go-units"

	"github.com/shineum/mimemail/internal/email"
	"github.com/shineum/mimemail/internal/parser"
)

const separator = "========================================\n"

// Provider prints email messages to stdout in a human-readable format.
type Provider struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
	// raw additionally prints the full MIME message.
	raw bool
}

// New creates a new stdout Provider that writes to os.Stdout.
func New(raw bool) *Provider {
	return &Provider{writer: os.Stdout, raw: raw}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer, raw bool) *Provider {
	return &Provider{writer: w, raw: raw}
}

// Transmit prints a summary of the payload. It always returns nil.
func (p *Provider) Transmit(_ context.Context, payload *email.Payload) error {
	var b strings.Builder

	b.WriteString(separator)

	msg, err := parser.Parse(payload.Bytes())
	if err != nil {
		// Still show what we know from the envelope.
		slog.Warn("failed to parse payload for summary", "error", err)
		msg = &parser.Message{Subject: payload.Subject, From: payload.From, To: []string{payload.To}}
	}

	b.WriteString(fmt.Sprintf("From: %s\n", msg.From))
	b.WriteString(fmt.Sprintf("To: %s\n", strings.Join(msg.To, ", ")))
	b.WriteString(fmt.Sprintf("Subject: %s\n", msg.Subject))
	b.WriteString("Body:\n")

	body := msg.TextBody
	if body == "" {
		body = msg.HTMLBody
	}
	b.WriteString(strings.TrimRight(body, "\r\n") + "\n")

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		b.WriteString(fmt.Sprintf("Attachments: %s\n", strings.Join(attachments, ", ")))
	}

	if p.raw {
		b.WriteString("Raw:\n")
		b.Write(payload.Bytes())
	}

	b.WriteString(separator)

	if _, err := fmt.Fprint(p.writer, b.String()); err != nil {
		slog.Debug("stdout provider write failed", "error", err)
	}

	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	return units.BytesSize(float64(bytes))
}

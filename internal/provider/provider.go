// Package provider defines the interface for email delivery backends.
package provider

import (
	"github.com/shineum/mimemail/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Each provider takes a fully built MIME payload and hands it to the
// target service (e.g., stdout, an SMTP relay, AWS SES, Microsoft Graph).
type Provider interface {
	// Transmit delivers the payload through this provider.
	// It returns an error if the delivery fails.
	email.Transmitter

	// Name returns the human-readable name of this provider.
	Name() string
}

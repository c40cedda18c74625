// Package parser reads a built MIME message back into its parts. The stdout
// transport uses it to print summaries and the tests use it to verify
// round trips.
package parser

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/textproto"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Message is a parsed email.
type Message struct {
	From        string
	To          []string
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
}

// Attachment is a decoded attachment part.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Parse parses a raw RFC 5322 message. Nested multiparts are walked depth
// first; the first text/plain and text/html inline parts become the bodies.
// Transfer encodings and declared charsets are decoded.
func Parse(raw []byte) (*Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer mr.Close()

	result := &Message{
		RawHeaders: make(map[string][]string),
	}

	fields := mr.Header.Fields()
	for fields.Next() {
		key := textproto.CanonicalMIMEHeaderKey(fields.Key())
		result.RawHeaders[key] = append(result.RawHeaders[key], fields.Value())
	}

	if subject, err := mr.Header.Subject(); err == nil {
		result.Subject = subject
	} else {
		result.Subject = mr.Header.Get("Subject")
	}
	result.From = firstAddress(mr.Header, "From")
	result.To = addressList(mr.Header, "To")

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read next part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, err := h.ContentType()
			if err != nil {
				slog.Warn("failed to parse part content type, skipping",
					"content_type", h.Get("Content-Type"),
					"error", err,
				)
				continue
			}
			content, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s part: %w", mediaType, err)
			}
			switch mediaType {
			case "text/plain", "":
				if result.TextBody == "" {
					result.TextBody = string(content)
				}
			case "text/html":
				if result.HTMLBody == "" {
					result.HTMLBody = string(content)
				}
			default:
				slog.Warn("unrecognized inline MIME part, skipping",
					"content_type", mediaType,
				)
			}
		case *mail.AttachmentHeader:
			mediaType, params, _ := h.ContentType()
			content, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read attachment part: %w", err)
			}
			result.Attachments = append(result.Attachments, Attachment{
				Filename:    attachmentFilename(h, params, mediaType),
				ContentType: mediaType,
				Content:     content,
			})
		}
	}

	return result, nil
}

// attachmentFilename prefers the Content-Disposition filename, then the
// Content-Type name, then a name derived from the media type.
func attachmentFilename(h *mail.AttachmentHeader, params map[string]string, mediaType string) string {
	if fn, err := h.Filename(); err == nil && fn != "" {
		return fn
	}
	if name := params["name"]; name != "" {
		return name
	}
	if parts := strings.SplitN(mediaType, "/", 2); len(parts) == 2 {
		return "attachment." + parts[1]
	}
	return "attachment"
}

func firstAddress(h mail.Header, key string) string {
	list := addressList(h, key)
	if len(list) == 0 {
		return ""
	}
	return list[0]
}

// addressList parses an address header, falling back to a plain comma split
// when the value is not RFC 5322 compliant.
func addressList(h mail.Header, key string) []string {
	raw := h.Get(key)
	if raw == "" {
		return nil
	}

	addrs, err := h.AddressList(key)
	if err != nil {
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addrs))
	for _, a := range addrs {
		result = append(result, a.Address)
	}
	return result
}

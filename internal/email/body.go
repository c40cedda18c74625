package email

import (
	"path/filepath"
	"strings"
)

// Body builds the MIME body from the message fields. It reads every
// attachment and returns an *AttachmentReadError on the first failure.
// Repeated calls produce the same output.
func (m *Message) Body() (string, error) {
	var b strings.Builder

	mixed := m.MixedBoundary()
	alt := m.AltBoundary()

	writeLine(&b, "--"+mixed)
	writeLine(&b, `Content-Type: multipart/alternative; boundary="`+alt+`"`)
	writeLine(&b, "")

	if m.textContent != "" {
		writeTextPart(&b, alt, "text/plain", m.textContent)
	}
	if m.htmlContent != "" {
		writeTextPart(&b, alt, "text/html", m.htmlContent)
	}

	writeLine(&b, "--"+alt+"--")
	writeLine(&b, "")

	for _, path := range m.attachments {
		data, err := m.readFile(path)
		if err != nil {
			return "", &AttachmentReadError{Path: path, Err: err}
		}

		writeLine(&b, "--"+mixed)
		writeLine(&b, `Content-Type: application/octet-stream; name="`+filepath.Base(path)+`"`)
		writeLine(&b, "Content-Transfer-Encoding: base64")
		writeLine(&b, "Content-Disposition: attachment")
		writeLine(&b, "")
		b.WriteString(encodeBase64WithLineBreaks(data))
		writeLine(&b, "")
	}

	writeLine(&b, "--"+mixed+"--")
	writeLine(&b, "")

	return b.String(), nil
}

// writeTextPart writes one 7bit alternative part.
func writeTextPart(b *strings.Builder, boundary, mediaType, content string) {
	writeLine(b, "--"+boundary)
	writeLine(b, "Content-Type: "+mediaType+`; charset="iso-8859-1"`)
	writeLine(b, "Content-Transfer-Encoding: 7bit")
	writeLine(b, "")
	writeLine(b, content)
	writeLine(b, "")
}

func writeLine(b *strings.Builder, s string) {
	b.WriteString(s)
	b.WriteString(crlf)
}

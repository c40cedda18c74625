package email

import (
	"encoding/base64"
	"strings"
)

// base64LineLength is the RFC 2045 limit for encoded lines.
const base64LineLength = 76

// encodeBase64WithLineBreaks encodes data to base64 split into 76-character
// lines. Every line, including the last, ends with CRLF. Empty input
// yields an empty string.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)

	var b strings.Builder
	b.Grow(len(encoded) + (len(encoded)/base64LineLength+1)*len(crlf))
	for i := 0; i < len(encoded); i += base64LineLength {
		end := i + base64LineLength
		if end > len(encoded) {
			end = len(encoded)
		}
		b.WriteString(encoded[i:end])
		b.WriteString(crlf)
	}
	return b.String()
}

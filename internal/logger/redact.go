package logger

import (
	"bytes"
	"io"
	"regexp"
)

// RedactWriter wraps an io.Writer and masks sensitive values before writing.
// It redacts proxy passwords, credentials embedded in proxy URLs, API tokens
// and Bearer tokens from log lines.
type RedactWriter struct {
	w          io.Writer
	patterns   []*regexp.Regexp
	redactWith string
}

var defaultPatterns = []*regexp.Regexp{
	// Password in key=value or "key":"value" form
	regexp.MustCompile(`(?i)(proxy_password["'\s:=]+)[^\s",]+`),
	regexp.MustCompile(`(?i)(password["'\s:=]+)[^\s",]+`),
	// user:pass@ in http://, https://, socks4:// and socks5:// URLs.
	// Group 2 keeps the "@" so URLs without userinfo never match.
	regexp.MustCompile(`(?i)((?:https?|socks[45])://[^:/@\s"]+:)[^@/\s"]+(@)`),
	// API tokens
	regexp.MustCompile(`(?i)(api[_-]?token["'\s:=]+)[^\s",]+`),
	regexp.MustCompile(`(?i)(api[_-]?key["'\s:=]+)[A-Za-z0-9\-_]{16,}`),
	// Bearer tokens in Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9\-_\.]+`),
	// X-Api-Token header
	regexp.MustCompile(`(?i)(X-Api-Token["'\s:=]+)\S+`),
}

// NewRedactWriter returns a RedactWriter that applies all default sensitive patterns.
func NewRedactWriter(w io.Writer) *RedactWriter {
	return &RedactWriter{
		w:          w,
		patterns:   defaultPatterns,
		redactWith: "[REDACTED]",
	}
}

// Write applies all redaction patterns before forwarding to the underlying writer.
func (r *RedactWriter) Write(p []byte) (int, error) {
	sanitized := p
	for _, re := range r.patterns {
		sanitized = re.ReplaceAll(sanitized, appendRedacted(re, r.redactWith))
	}
	n, err := r.w.Write(sanitized)
	// Report the original length so callers never see a short write.
	if n > len(sanitized) {
		n = len(sanitized)
	}
	if err != nil {
		return n, err
	}
	return len(p), nil
}

// appendRedacted builds a replacement that keeps capture group $1, the redact
// marker and, when the pattern has one, capture group $2.
func appendRedacted(re *regexp.Regexp, redact string) []byte {
	var buf bytes.Buffer
	buf.WriteString("${1}")
	buf.WriteString(redact)
	if re.NumSubexp() > 1 {
		buf.WriteString("${2}")
	}
	return buf.Bytes()
}

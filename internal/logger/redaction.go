package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Redactor scrubs credentials from log lines
type Redactor struct {
	rules []rule
}

// NewRedactor creates a redactor with the default rules
func NewRedactor() *Redactor {
	r := &Redactor{}
	// Bearer and basic credentials in Authorization headers
	r.add(`(?i)(bearer|basic)\s+[a-zA-Z0-9._~+/=-]+`, "${1} "+redacted)
	// Webhook HMAC signatures
	r.add(`sha256=[0-9a-fA-F]{16,}`, "sha256="+redacted)
	// Credentials embedded in redis:// and http:// URLs
	r.add(`([a-z][a-z0-9+.-]*://)[^/\s:@"]*:[^/\s@"]+@`, "${1}"+redacted+"@")
	// JSON or key=value secrets, keeping the key
	r.add(`(?i)("?(?:password|passwd|pwd|secret|client_secret|api_key|apikey|token|access_token)"?\s*[:=]\s*"?)[^\s",}]+`, "${1}"+redacted)
	// AWS access keys
	r.add(`AKIA[0-9A-Z]{16}`, redacted)
	return r
}

func (r *Redactor) add(pattern, replacement string) {
	r.rules = append(r.rules, rule{pattern: regexp.MustCompile(pattern), replacement: replacement})
}

// AddPattern adds a custom pattern whose matches are fully replaced
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{pattern: re, replacement: redacted})
	return nil
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		s = rl.pattern.ReplaceAllString(s, rl.replacement)
	}
	return s
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success; the redacted line may be shorter.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}

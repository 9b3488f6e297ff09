package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// Redactor masks credentials before log lines leave the process.
type Redactor struct {
	rules []rule
}

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// NewRedactor masks the given literal secrets plus gateway credentials:
// shared secrets, HMAC signatures and the secret header.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{
		rules: []rule{
			{regexp.MustCompile(`("(?:shared_secret|secret|signature)"\s*:\s*)"[^"]*"`), `${1}"` + redacted + `"`},
			{regexp.MustCompile(`(X-Frameloader-Secret:\s*)\S+`), `${1}` + redacted},
		},
	}
	for _, s := range secrets {
		if s != "" {
			r.rules = append(r.rules, rule{regexp.MustCompile(regexp.QuoteMeta(s)), redacted})
		}
	}
	return r
}

// AddPattern masks every match of pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re, redacted})
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
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers never see a short write when
// redaction changed the length.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}

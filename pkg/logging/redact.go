package logging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// Patterns that match credentials in log output. The first capture group is
// kept so the shape of the line survives.
var defaultRedactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(Authorization:\s*)\S+(\s+\S+)?`),
	regexp.MustCompile(`(?i)(Bearer\s+)\S+`),
	regexp.MustCompile(`(--token[=\s]+)\S+`),
	regexp.MustCompile(`(?i)((?:password|secret|api[_-]?key|token|credentials?)\s*[=:]\s*)\S+`),
}

// RedactingHandler scrubs credentials from the message and string-like
// attributes of every record before handing it to the inner handler.
type RedactingHandler struct {
	inner    slog.Handler
	patterns []*regexp.Regexp
	secrets  []string
}

// NewRedactingHandler wraps inner. Any literal secrets given are removed
// wherever they appear, in addition to the pattern-based redaction.
func NewRedactingHandler(inner slog.Handler, secrets ...string) *RedactingHandler {
	var keep []string
	for _, s := range secrets {
		if s != "" {
			keep = append(keep, s)
		}
	}
	return &RedactingHandler{
		inner:    inner,
		patterns: defaultRedactPatterns,
		secrets:  keep,
	}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, h.redactString(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = h.redactAttr(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(clean), patterns: h.patterns, secrets: h.secrets}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name), patterns: h.patterns, secrets: h.secrets}
}

func (h *RedactingHandler) redactAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redactString(a.Value.String()))
	case slog.KindGroup:
		var group []any
		for _, ga := range a.Value.Group() {
			group = append(group, h.redactAttr(ga))
		}
		return slog.Group(a.Key, group...)
	case slog.KindAny:
		switch v := a.Value.Any().(type) {
		case []string:
			out := make([]string, len(v))
			for i, s := range v {
				out[i] = h.redactString(s)
			}
			return slog.Any(a.Key, out)
		case map[string]string:
			return slog.Any(a.Key, RedactEnv(v))
		case error:
			return slog.String(a.Key, h.redactString(v.Error()))
		case fmt.Stringer:
			return slog.String(a.Key, h.redactString(v.String()))
		}
	}
	return a
}

func (h *RedactingHandler) redactString(s string) string {
	for _, secret := range h.secrets {
		s = strings.ReplaceAll(s, secret, redacted)
	}
	for _, p := range h.patterns {
		s = p.ReplaceAllString(s, "${1}"+redacted)
	}
	return s
}

// RedactString applies the default redaction patterns to a string.
func RedactString(s string) string {
	return (&RedactingHandler{patterns: defaultRedactPatterns}).redactString(s)
}

var sensitiveKeyPattern = regexp.MustCompile(`(?i)(password|secret|token|key|credential|auth)`)

// RedactEnv returns a copy of env with values of secret-looking keys replaced.
func RedactEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if sensitiveKeyPattern.MatchString(k) {
			out[k] = redacted
		} else {
			out[k] = RedactString(v)
		}
	}
	return out
}

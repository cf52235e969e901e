// Package logging provides the component logger used across arc-session.
// Process-wide handler setup lives in internal/observability.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// Logger wraps slog.Logger with session-specific attribute helpers.
// The zero value is not usable; use New or Discard.
type Logger struct {
	base *slog.Logger
}

// New wraps base. A nil base uses slog.Default() at call time.
func New(base *slog.Logger) *Logger {
	return &Logger{base: base}
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	return &Logger{base: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func (l *Logger) slog() *slog.Logger {
	if l == nil || l.base == nil {
		return slog.Default()
	}
	return l.base
}

// With returns a child Logger carrying args as attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{base: l.slog().With(args...)}
}

// WithAccount tags records with the bare account address.
func (l *Logger) WithAccount(jid string) *Logger {
	return l.With(slog.String("account", jid))
}

// WithNode tags records with a caps node, shortened for long hashes.
func (l *Logger) WithNode(node string) *Logger {
	return l.With(slog.String("node", FormatNode(node)))
}

func (l *Logger) WithComponent(name string) *Logger {
	return l.With(slog.String("component", name))
}

func (l *Logger) WithCorrelation(id string) *Logger {
	return l.With(slog.String("correlation", id))
}

func (l *Logger) WithError(err error) *Logger {
	return l.With(slog.Any("error", err))
}

func (l *Logger) Debug(msg string, args ...any) { l.slog().Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog().Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog().Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog().Error(msg, args...) }

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog()
}

// FormatNode shortens a caps node ("uri#verhash") for log output.
func FormatNode(node string) string {
	uri, ver, ok := strings.Cut(node, "#")
	if !ok || len(ver) <= 12 {
		return node
	}
	return uri + "#" + ver[:12] + "..."
}

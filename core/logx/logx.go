// Package logx provides structured logging for the daemon and CLI.
package logx

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a JSON logger writing to w with a component field attached.
func New(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Str("component", component).Logger()
}

// NewCLI builds a stderr logger for command-line invocations. CLI output
// stays on stdout; only warnings and errors reach the terminal.
func NewCLI(component string) zerolog.Logger {
	return New(os.Stderr, component, zerolog.WarnLevel)
}

// ParseLevel maps a config string to a zerolog level, defaulting to info.
func ParseLevel(value string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithContext embeds the logger in ctx.
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}

// FromContext returns the logger embedded in ctx, or a disabled logger.
func FromContext(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

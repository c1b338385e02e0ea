// Package logging provides structured logging configuration and utilities.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level  string `yaml:"level" json:"level"`
	Pretty bool   `yaml:"pretty" json:"pretty"`
	// Output defaults to stdout.
	Output io.Writer `yaml:"-" json:"-"`
}

// NewLogger builds the slog logger injected into every component. Pretty output is rendered by
// zerolog's console writer, which reads the JSON records slog produces.
func NewLogger(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	if cfg.Pretty {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:       ParseLevel(cfg.Level),
		ReplaceAttr: zerologKeys,
	})
	return slog.New(handler)
}

// SetupLogger configures the global zerolog logger used by the audit sinks and returns the
// slog logger for everything else.
func SetupLogger(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	logger := NewLogger(cfg)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a level name to slog; unknown names fall back to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal", "panic":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// zerologKeys renames slog's built-in keys to the field names zerolog's console writer expects.
func zerologKeys(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.MessageKey:
		a.Key = zerolog.MessageFieldName
	case slog.TimeKey:
		a.Key = zerolog.TimestampFieldName
	case slog.LevelKey:
		a.Key = zerolog.LevelFieldName
		if lvl, ok := a.Value.Any().(slog.Level); ok {
			a.Value = slog.StringValue(levelName(lvl))
		}
	}
	return a
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError+4:
		return zerolog.LevelFatalValue
	case l >= slog.LevelError:
		return zerolog.LevelErrorValue
	case l >= slog.LevelWarn:
		return zerolog.LevelWarnValue
	case l >= slog.LevelInfo:
		return zerolog.LevelInfoValue
	default:
		return zerolog.LevelDebugValue
	}
}

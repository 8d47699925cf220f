// Package logger provides the application-wide structured logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LoggingConfig controls logger construction.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Format is "json" or "console". Empty means json.
	Format string
	// Output is "stdout", "stderr" or "file". Empty means stdout.
	Output string
	// FilePrefix is the path prefix for file output; the current date and a
	// .log suffix are appended.
	FilePrefix string
}

// Logger wraps zerolog with the printf-style helpers used across the services.
type Logger struct {
	zl zerolog.Logger
}

// New constructs a Logger from the provided configuration.
func New(cfg LoggingConfig) *Logger {
	var out io.Writer = os.Stdout
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		out = os.Stderr
	case "file":
		if cfg.FilePrefix != "" {
			path := fmt.Sprintf("%s-%s.log", cfg.FilePrefix, time.Now().UTC().Format("2006-01-02"))
			if err := os.MkdirAll(filepath.Dir(path), 0o750); err == nil {
				if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640); err == nil {
					out = f
				}
			}
		}
	}

	if strings.ToLower(cfg.Format) == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && cfg.Level != "" {
		level = parsed
	}

	zl := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// NewDefault returns an info-level stdout logger tagged with a component name.
func NewDefault(component string) *Logger {
	zl := zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().
		Timestamp().Str("component", component).Logger()
	return &Logger{zl: zl}
}

// With returns a child logger carrying an extra string field.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{zl: l.zl.With().Str(key, value).Logger()}
}

// WithError returns a child logger carrying the error as a field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zl: l.zl.With().AnErr("error", err).Logger()}
}

func (l *Logger) Debug(msg string)                   { l.zl.Debug().Msg(msg) }
func (l *Logger) Debugf(format string, args ...any)  { l.zl.Debug().Msgf(format, args...) }
func (l *Logger) Info(msg string)                    { l.zl.Info().Msg(msg) }
func (l *Logger) Infof(format string, args ...any)   { l.zl.Info().Msgf(format, args...) }
func (l *Logger) Warn(msg string)                    { l.zl.Warn().Msg(msg) }
func (l *Logger) Warnf(format string, args ...any)   { l.zl.Warn().Msgf(format, args...) }
func (l *Logger) Error(msg string)                   { l.zl.Error().Msg(msg) }
func (l *Logger) Errorf(format string, args ...any)  { l.zl.Error().Msgf(format, args...) }

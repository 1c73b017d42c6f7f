// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides structured key/value logging for patrolcov.
// All components log through a *Logger; WithComponent tags records with
// the owning subsystem so interleaved attach output stays readable.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	charmlog "github.com/charmbracelet/log"
)

// Level names accepted by Config.Level.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Config controls logger construction.
type Config struct {
	Level  string    // debug, info, warn, error; empty means info
	Format string    // "text" (default) or "json"
	Output io.Writer // defaults to os.Stderr
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: "text",
	}
}

// Logger is a leveled, structured logger.
type Logger struct {
	cl *charmlog.Logger
}

// New creates a Logger from the given configuration.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := charmlog.Options{
		ReportTimestamp: true,
	}
	if strings.EqualFold(cfg.Format, "json") {
		opts.Formatter = charmlog.JSONFormatter
	}

	cl := charmlog.NewWithOptions(out, opts)
	cl.SetLevel(parseLevel(cfg.Level))
	return &Logger{cl: cl}
}

func parseLevel(s string) charmlog.Level {
	switch strings.ToLower(s) {
	case LevelDebug:
		return charmlog.DebugLevel
	case LevelWarn:
		return charmlog.WarnLevel
	case LevelError:
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// WithComponent returns a child logger tagged with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{cl: l.cl.WithPrefix(name)}
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(keyvals ...any) *Logger {
	return &Logger{cl: l.cl.With(keyvals...)}
}

// SetLevel adjusts the minimum level at runtime.
func (l *Logger) SetLevel(level string) {
	l.cl.SetLevel(parseLevel(level))
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, keyvals ...any) { l.cl.Debug(msg, keyvals...) }

// Info logs at info level.
func (l *Logger) Info(msg string, keyvals ...any) { l.cl.Info(msg, keyvals...) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string, keyvals ...any) { l.cl.Warn(msg, keyvals...) }

// Error logs at error level.
func (l *Logger) Error(msg string, keyvals ...any) { l.cl.Error(msg, keyvals...) }

var (
	defaultOnce   sync.Once
	defaultLogger *Logger
)

// Default returns the process-wide default logger.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLogger = New(DefaultConfig())
	})
	return defaultLogger
}

// Debug logs at debug level on the default logger.
func Debug(msg string, keyvals ...any) { Default().Debug(msg, keyvals...) }

// Info logs at info level on the default logger.
func Info(msg string, keyvals ...any) { Default().Info(msg, keyvals...) }

// Warn logs at warn level on the default logger.
func Warn(msg string, keyvals ...any) { Default().Warn(msg, keyvals...) }

// Error logs at error level on the default logger.
func Error(msg string, keyvals ...any) { Default().Error(msg, keyvals...) }

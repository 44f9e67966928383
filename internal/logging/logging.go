// Package logging provides structured logging for LAN File Drop.
//
// It keeps the small field-map API used across the service
// (Info(msg, fields), Error(msg, fields, err)) on top of zerolog, writing
// JSON in production and a human readable console format otherwise.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Logger wraps a zerolog.Logger with the service's field-map helpers.
type Logger struct {
	zl zerolog.Logger
}

var (
	mu            sync.RWMutex
	defaultLogger = New(os.Stdout, LogLevelInfo, false)
)

// ParseLevel maps a level name to a LogLevel, defaulting to info.
func ParseLevel(s string) LogLevel {
	switch LogLevel(strings.ToLower(strings.TrimSpace(s))) {
	case LogLevelDebug:
		return LogLevelDebug
	case LogLevelWarn:
		return LogLevelWarn
	case LogLevelError:
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

func zerologLevel(l LogLevel) zerolog.Level {
	switch l {
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New builds a Logger writing to w. When enableJSON is false the output is
// formatted for a terminal.
func New(w io.Writer, level LogLevel, enableJSON bool) *Logger {
	if !enableJSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	}
	zl := zerolog.New(w).Level(zerologLevel(level)).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// Configure replaces the package default logger. format is "json" or "text".
func Configure(level, format string) {
	SetDefault(New(os.Stdout, ParseLevel(level), strings.EqualFold(format, "json")))
}

// SetDefault installs l as the package default logger.
func SetDefault(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = l
}

// Default returns the package default logger.
func Default() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields map[string]any) *Logger {
	return &Logger{zl: l.zl.With().Fields(fields).Logger()}
}

// Zerolog exposes the underlying logger for libraries that accept one.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields map[string]any) {
	l.zl.Debug().Fields(fields).Msg(msg)
}

// Info logs an info message
func (l *Logger) Info(msg string, fields map[string]any) {
	l.zl.Info().Fields(fields).Msg(msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields map[string]any) {
	l.zl.Warn().Fields(fields).Msg(msg)
}

// Error logs an error message
func (l *Logger) Error(msg string, fields map[string]any, err error) {
	l.zl.Error().Fields(fields).Err(err).Msg(msg)
}

// Global logging functions

// Debug logs a debug message
func Debug(msg string, fields map[string]any) {
	Default().Debug(msg, fields)
}

// Info logs an info message
func Info(msg string, fields map[string]any) {
	Default().Info(msg, fields)
}

// Warn logs a warning message
func Warn(msg string, fields map[string]any) {
	Default().Warn(msg, fields)
}

// Error logs an error message
func Error(msg string, fields map[string]any, err error) {
	Default().Error(msg, fields, err)
}

// Package plog defines the logging contract used across the decoder
// packages and a default console backend.
package plog

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// Severity mirrors the decoder's own notion of log level; it is distinct
// from slog.Level so callers never need to import log/slog to implement
// Logger.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "DEBUG"
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (s Severity) slogLevel() slog.Level {
	switch s {
	case SeverityDebug:
		return slog.LevelDebug
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityWarning:
		return slog.LevelWarn
	case SeverityError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger is the contract every decoder layer logs through.
type Logger interface {
	Log(severity Severity, msg string)
	Logf(severity Severity, format string, args ...interface{})
	Error(err error)
	Debug(msg string)
	Info(msg string)
	Warning(msg string)
}

// TintLogger implements Logger on top of log/slog using a tint handler,
// which renders level-colored, human-scannable lines on a terminal.
type TintLogger struct {
	log *slog.Logger
}

// New creates a TintLogger writing to w at or above minLevel.
func New(w io.Writer, minLevel Severity) *TintLogger {
	h := tint.NewHandler(w, &tint.Options{Level: minLevel.slogLevel()})
	return &TintLogger{log: slog.New(h)}
}

// NewStderr creates a TintLogger writing to os.Stderr, as the command-line
// tools use it.
func NewStderr(minLevel Severity) *TintLogger {
	return New(os.Stderr, minLevel)
}

func (l *TintLogger) Log(severity Severity, msg string) {
	l.log.Log(nil, severity.slogLevel(), msg)
}

func (l *TintLogger) Logf(severity Severity, format string, args ...interface{}) {
	l.log.Log(nil, severity.slogLevel(), fmt.Sprintf(format, args...))
}

func (l *TintLogger) Error(err error) {
	if err != nil {
		l.log.Error(err.Error())
	}
}

func (l *TintLogger) Debug(msg string)   { l.log.Debug(msg) }
func (l *TintLogger) Info(msg string)    { l.log.Info(msg) }
func (l *TintLogger) Warning(msg string) { l.log.Warn(msg) }

// NoOpLogger discards everything, for callers that need a Logger that
// never formats or writes.
type NoOpLogger struct{}

func NewNoOp() *NoOpLogger { return &NoOpLogger{} }

func (l *NoOpLogger) Log(Severity, string)                  {}
func (l *NoOpLogger) Logf(Severity, string, ...interface{}) {}
func (l *NoOpLogger) Error(error)                           {}
func (l *NoOpLogger) Debug(string)                          {}
func (l *NoOpLogger) Info(string)                           {}
func (l *NoOpLogger) Warning(string)                        {}

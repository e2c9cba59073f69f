// logger.go - Structured logging for zkpay
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog logger writing to the console and an optional log
// file, plus an optional audit log of security-relevant events.
type Logger struct {
	zerolog.Logger

	file      *os.File
	auditFile *os.File
	audit     zerolog.Logger
}

// ParseLevel maps a configured level name to a zerolog level. Unknown names
// fall back to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// New creates a logger with human-readable console output on stderr.
func New(level, logFile, auditFile string) (*Logger, error) {
	return NewWithWriter(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}, level, logFile, auditFile)
}

// NewWithWriter creates a logger whose console output goes to console.
func NewWithWriter(console io.Writer, level, logFile, auditFile string) (*Logger, error) {
	l := &Logger{audit: zerolog.Nop()}
	writers := []io.Writer{console}

	// Setup file logging if specified
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = f
		writers = append(writers, f)
	}

	// Setup audit logging if specified
	if auditFile != "" {
		f, err := os.OpenFile(auditFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		l.auditFile = f
		l.audit = zerolog.New(f).With().Timestamp().Str("type", "audit").Logger()
	}

	l.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(level)).
		With().Timestamp().Logger()
	return l, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop(), audit: zerolog.Nop()}
}

// Audit records an audit event. Audit events ignore the log level.
func (l *Logger) Audit(event string, details map[string]interface{}) {
	l.audit.Log().Str("event", event).Fields(details).Msg("audit")
}

// Close closes the logger and its files
func (l *Logger) Close() error {
	var errs []error
	if l.file != nil {
		errs = append(errs, l.file.Close())
	}
	if l.auditFile != nil {
		errs = append(errs, l.auditFile.Close())
	}
	return errors.Join(errs...)
}

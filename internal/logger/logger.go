package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger owns the process log sinks. Components receive child loggers
// through Component and never write to the sinks directly.
type Logger struct {
	logger   zerolog.Logger
	file     *os.File
	redactor *Redactor
}

// Config holds logger configuration
type Config struct {
	Level     string    // debug, info, warn, error
	File      string    // JSON log file, appended to
	Console   bool      // also log to Output
	Output    io.Writer // console destination, os.Stderr when nil
	Pretty    bool      // human readable console lines
	Redaction bool      // scrub credentials from task URLs and commands
}

// New opens the configured sinks and installs the result as the global
// zerolog logger
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	l := &Logger{}
	if cfg.Redaction {
		l.redactor = NewRedactor()
	}

	var sinks []io.Writer
	if cfg.Console {
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		if cfg.Pretty {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
		}
		sinks = append(sinks, l.wrap(out))
	}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		l.file, err = os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		sinks = append(sinks, l.wrap(l.file))
	}

	var w io.Writer = io.Discard
	if len(sinks) > 0 {
		w = zerolog.MultiLevelWriter(sinks...)
	}

	l.logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
	log.Logger = l.logger
	return l, nil
}

// wrap applies redaction before a sink. The pretty console writer formats
// first, so its output is scrubbed as the user sees it.
func (l *Logger) wrap(w io.Writer) io.Writer {
	if l.redactor == nil {
		return w
	}
	return l.redactor.Wrap(w)
}

// Close closes the log file
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Component returns a child logger tagged with a component name
func (l *Logger) Component(name string) zerolog.Logger {
	return l.logger.With().Str("component", name).Logger()
}

// GetZerolog returns the root zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.logger
}

// Redact scrubs s with the logger's rules. Without redaction s is returned as is.
func (l *Logger) Redact(s string) string {
	if l == nil || l.redactor == nil {
		return s
	}
	return l.redactor.Redact(s)
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
	}
}

// Package log provides structured logging for evmwallet. Output goes to
// stderr so command results on stdout stay machine readable.
package log

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Component loggers.
var (
	Registry zerolog.Logger
	Wallet   zerolog.Logger
	Tokens   zerolog.Logger
	Exec     zerolog.Logger
	Bridge   zerolog.Logger
	CLI      zerolog.Logger
)

func init() {
	Logger = NewConsoleLogger(os.Stderr, "warn")
	initComponentLoggers()
}

// Init configures the global logger. Component loggers are rebuilt, so
// loggers captured before Init keep the old configuration.
func Init(level string, jsonOutput bool) {
	if jsonOutput {
		Logger = NewJSONLogger(os.Stderr, level)
	} else {
		Logger = NewConsoleLogger(os.Stderr, level)
	}
	initComponentLoggers()
}

// NewConsoleLogger creates a human readable logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
	}
	return zerolog.New(output).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// NewJSONLogger creates a structured JSON logger.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// Nop returns a logger that discards everything.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.WarnLevel
	}
}

// ValidLevel reports whether level is one Init understands.
func ValidLevel(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "debug", "info", "warn", "warning", "error", "off", "disabled":
		return true
	}
	return false
}

func initComponentLoggers() {
	Registry = WithComponent("registry")
	Wallet = WithComponent("wallet")
	Tokens = WithComponent("tokens")
	Exec = WithComponent("execution")
	Bridge = WithComponent("bridge")
	CLI = WithComponent("cli")
}

// WithComponent returns a logger with a component field.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

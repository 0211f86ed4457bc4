package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with application-specific functionality
type Logger struct {
	*slog.Logger
}

// New creates a JSON logger at the named level ("debug", "info", "warn",
// "error", case-insensitive). Unknown names fall back to info.
func New(level string) *Logger {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	return &Logger{Logger: slog.New(handler)}
}

// Default returns an info-level logger.
func Default() *Logger {
	return New("info")
}

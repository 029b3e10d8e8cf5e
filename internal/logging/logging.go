// Package logging builds the zerolog logger shared by every component.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup creates a dual-output logger: human-readable lines to stderr and,
// when logFile is set, JSON lines appended to that file.
// The returned cleanup closes the file.
func Setup(level zerolog.Level, logFile string) (zerolog.Logger, func() error) {
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	if logFile == "" {
		return newLogger(level, console), func() error { return nil }
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		// Fall back to stderr only if the file cannot be opened
		logger := newLogger(level, console)
		logger.Error().Err(err).Str("file", logFile).Msg("failed to open log file, using stderr only")
		return logger, func() error { return nil }
	}

	return newLogger(level, zerolog.MultiLevelWriter(console, file)), file.Close
}

// SetupWithWriters creates a logger with custom writers (for testing).
// stderr receives console output and file receives JSON.
func SetupWithWriters(stderr, file io.Writer, level zerolog.Level) zerolog.Logger {
	console := zerolog.ConsoleWriter{Out: stderr, NoColor: true, TimeFormat: time.TimeOnly}
	return newLogger(level, zerolog.MultiLevelWriter(console, file))
}

func newLogger(level zerolog.Level, w io.Writer) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

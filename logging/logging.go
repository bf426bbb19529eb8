// Package logging builds structured slog loggers and provides a rotating
// file writer for log output.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// nopCloser is returned for stdout/stderr outputs, which must not be closed.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ParseLevel converts a level string to a slog.Level. Unknown strings
// default to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a JSON slog logger writing to the given output. Output is
// "stdout", "stderr", or a file path; file outputs rotate by size. The
// returned closer must be closed on shutdown when the output is a file.
func New(level, output string, maxSizeMB, maxBackups, maxAgeDays int) (*slog.Logger, io.Closer, error) {
	var w io.Writer
	var closer io.Closer = nopCloser{}

	switch output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		rw, err := NewRotatingWriter(output, maxSizeMB, maxBackups, maxAgeDays)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log output: %w", err)
		}
		w = rw
		closer = rw
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(handler), closer, nil
}

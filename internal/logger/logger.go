// Package logger configures Go's log/slog for the queryguard service:
// JSON or text output, configurable level, and stdout/stderr/file
// destinations.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"queryguard/internal/models"
	"queryguard/internal/version"
)

// Setup creates a structured logger from the logging configuration. It
// returns the logger with global version fields attached, an io.Closer for
// file outputs (nil for stdout/stderr), and any setup error.
//
// The caller is responsible for closing the returned Closer when done (if
// non-nil).
func Setup(cfg models.LoggingConfig, ver version.Info) (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}

	writer, closer, err := openWriter(cfg.Output, cfg.FilePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log output: %w", err)
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	log := slog.New(handler).With(
		slog.String("service", "queryguard"),
		slog.String("version", ver.Version),
		slog.String("instance_id", ver.InstanceID),
	)

	return log, closer, nil
}

// parseLevel converts a level string to an slog.Level. Supported values:
// debug, info, warn, error (case-insensitive).
func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level: %s", level)
	}
}

// openWriter returns the destination writer. For file output the file
// doubles as the closer; for stdout/stderr the closer is nil.
func openWriter(output, filePath string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(output) {
	case "stderr":
		return os.Stderr, nil, nil
	case "file":
		if filePath == "" {
			return nil, nil, fmt.Errorf("file path is required when output is file")
		}
		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", filePath, err)
		}
		return f, f, nil
	default:
		return os.Stdout, nil, nil
	}
}

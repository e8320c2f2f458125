package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) (slog.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO", "":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// InitLogger builds a stdout logger with the given level and format ("json" or
// "text") and installs it as the process default.
func InitLogger(level, format string) *slog.Logger {
	return initLogger(os.Stdout, level, format)
}

func initLogger(w io.Writer, level, format string) *slog.Logger {
	lvl, okLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	okFormat := true
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		opts.AddSource = true
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		okFormat = false
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	if !okLevel {
		logger.Warn("invalid log level specified, defaulting to INFO", "specified_level", level)
	}
	if !okFormat {
		logger.Warn("invalid log format specified, defaulting to text", "specified_format", format)
	}
	logger.Info("logger initialized", "level", lvl.String(), "format", format)
	return logger
}

// NewComponentLogger creates a component-specific logger with context.
// It adds the component name to all log messages for better traceability.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(
		slog.String("component", component),
	)
}

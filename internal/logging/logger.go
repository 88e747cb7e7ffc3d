// Package logging configures the structured loggers used across Kairo's
// subsystems (HealthMonitor, PolicyEngine, Semaphore, CircuitBreaker,
// NetworkClient and the Kairo façade itself).
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// levelNames maps a config-file/CLI spelling of a level to its slog.Level,
// including a couple of aliases ("warning", "trace") the rest of the
// ecosystem commonly accepts.
var levelNames = map[string]slog.Level{
	"trace":   slog.LevelDebug,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// NewLogger builds a slog.Logger for component, tagged with a "component"
// attribute on every record so Kairo's subsystems can be told apart in a
// shared log stream. Supported formats are "json" (default) and "text";
// supported levels are the keys of levelNames, defaulting to "info" for
// anything unrecognized. At debug level and below, source file:line is
// attached to every record.
//
// When filePath is non-empty, records are written to both stdout and the
// file via io.MultiWriter; the returned io.Closer must be closed on
// shutdown. When filePath is empty the Closer is a no-op.
func NewLogger(component, level, format, filePath string) (*slog.Logger, io.Closer) {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl, AddSource: lvl <= slog.LevelDebug}

	w, closer := openLogWriter(filePath)

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger, closer
}

// openLogWriter returns stdout alone, or stdout fanned out to filePath via
// io.MultiWriter when filePath can be opened. A file that can't be opened
// degrades to stdout-only with a stderr warning rather than failing
// construction outright — a logger that can't start is worse than one
// missing its file sink.
func openLogWriter(filePath string) (io.Writer, io.Closer) {
	if filePath == "" {
		return os.Stdout, io.NopCloser(nil)
	}
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kairo: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		return os.Stdout, io.NopCloser(nil)
	}
	return io.MultiWriter(os.Stdout, f), f
}

func parseLevel(level string) slog.Level {
	if lvl, ok := levelNames[strings.ToLower(level)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

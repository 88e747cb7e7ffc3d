package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// teeHandler is a slog.Handler that fans each record out to two underlying
// handlers. NewSessionLogger uses it to write every record to both the
// process-wide base handler and a session-scoped file handler.
type teeHandler struct {
	base    slog.Handler
	session slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level) || h.session.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	// Each branch checks Enabled() independently so a record below the
	// base handler's level (e.g. Debug into an Info-level base) still
	// reaches the session file, which always runs at Debug.
	if h.base.Enabled(ctx, r.Level) {
		if err := h.base.Handle(ctx, r); err != nil {
			return err
		}
	}
	if h.session.Enabled(ctx, r.Level) {
		// A write failure on the session file must not take down the
		// process-wide log stream.
		_ = h.session.Handle(ctx, r)
	}
	return nil
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{base: h.base.WithAttrs(attrs), session: h.session.WithAttrs(attrs)}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{base: h.base.WithGroup(name), session: h.session.WithGroup(name)}
}

// NewSessionLogger builds a logger that writes every record to baseLogger's
// handler and to a dedicated file for one Kairo run:
//
//	{sessionLogDir}/{agentName}/{sessionID}.log
//
// The returned logger is pre-tagged with a "session_id" attribute so every
// record in the dedicated file (and in the base stream) can be correlated
// back to this run without the caller threading the ID through by hand.
// The session file always accepts Debug and above, independent of
// baseLogger's configured level, so a run's full diagnostic trail —
// HealthMonitor ticks, PolicyEngine transitions, semaphore/breaker state
// changes — survives even when the base stream is tuned to Info for
// day-to-day operation.
//
// The returned io.Closer closes the session file and must be called (via
// defer) when the run ends. If sessionLogDir is empty, session logging is
// disabled: NewSessionLogger returns baseLogger unmodified, a no-op
// Closer, and an empty path.
func NewSessionLogger(baseLogger *slog.Logger, sessionLogDir, agentName, sessionID string) (*slog.Logger, io.Closer, string, error) {
	if sessionLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(sessionLogDir, agentName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating session log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, sessionID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening session log file %s: %w", logPath, err)
	}

	sessionHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	combined := &teeHandler{base: baseLogger.Handler(), session: sessionHandler}

	return slog.New(combined).With("session_id", sessionID), f, logPath, nil
}

// DeleteSessionLog removes a completed session's dedicated log file. It
// reports an error if sessionLogDir is set and the file exists but can't be
// removed; it is a no-op (nil error) when sessionLogDir is empty or the
// file was never created.
func DeleteSessionLog(sessionLogDir, agentName, sessionID string) error {
	if sessionLogDir == "" {
		return nil
	}
	logPath := filepath.Join(sessionLogDir, agentName, sessionID+".log")
	if err := os.Remove(logPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing session log %s: %w", logPath, err)
	}
	return nil
}

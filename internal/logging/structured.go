package logging

import (
	"log/slog"
	"os"
)

// InitStructured reconfigures the operational logger based on format settings.
// format: "text" (default) or "json" (Loki/ELK compatible)
// level: "debug", "info", "warn", "error"
func InitStructured(format, level string) {
	SetLevelFromString(level)

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	opLogger.Store(slog.New(handler))
}

// OpWithTurn returns the operational logger bound to a turn's correlation
// fields so every record of one pipeline pass can be grouped.
func OpWithTurn(turnID, sessionID string) *slog.Logger {
	l := opLogger.Load()
	if turnID == "" {
		return l
	}
	args := []any{"turn_id", turnID}
	if sessionID != "" {
		args = append(args, "session_id", sessionID)
	}
	return l.With(args...)
}

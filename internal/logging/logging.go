package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a JSON slog.Logger configured with the provided level, with
// every record tagged service=wa-delivery so logs from this binary's web
// and worker roles (they may run as one process or two, per ROLE) interleave
// cleanly in a shared aggregator. Defaults to INFO when the level is
// unknown; DEBUG additionally attaches the call site, since that's the
// level someone reaches for while actively chasing a delivery bug.
func New(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl, AddSource: lvl == slog.LevelDebug})
	return slog.New(handler).With(slog.String("service", "wa-delivery"))
}

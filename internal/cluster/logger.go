package cluster

import (
	"io"
	"log/slog"

	"github.com/hashicorp/go-hclog"
)

// newRaftLogger routes Raft's hclog output into logger. An empty level
// silences Raft entirely.
func newRaftLogger(logger *slog.Logger, level string) hclog.Logger {
	if level == "" || logger == nil {
		return hclog.New(&hclog.LoggerOptions{
			Name:   "raft",
			Level:  hclog.Off,
			Output: io.Discard,
		})
	}

	hcLevel := hclog.LevelFromString(level)
	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  hcLevel,
		Output: slog.NewLogLogger(logger.Handler(), slogLevel(hcLevel)).Writer(),
	})
}

func slogLevel(level hclog.Level) slog.Level {
	switch level {
	case hclog.Trace, hclog.Debug:
		return slog.LevelDebug
	case hclog.Warn:
		return slog.LevelWarn
	case hclog.Error:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Package logger sets up the process-wide structured logger.
package logger

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

var Log *slog.Logger

// Init builds the global slog.Logger, writing to stdout and, if logFile is
// non-empty, also appending to that file. level is one of
// debug/info/warn/error (case-insensitive; unrecognized values fall back to
// info). role tags every record emitted through Log (e.g. "root",
// "child:S-12345").
func Init(level, logFile, role string) error {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	writers := []io.Writer{os.Stdout}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}
	mw := io.MultiWriter(writers...)

	handler := slog.NewJSONHandler(mw, &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05.000"))
			}
			return a
		},
	})

	Log = slog.New(handler)
	if role != "" {
		Log = Log.With("role", role)
	}
	slog.SetDefault(Log)

	// Route the stdlib "log" package (used for terse lifecycle lines
	// elsewhere in the server) through the same writer.
	log.SetOutput(mw)
	log.SetFlags(log.Ltime)
	return nil
}

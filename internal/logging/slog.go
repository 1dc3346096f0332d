package logging

import (
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelInfo)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	opLogger.Store(slog.New(handler))
}

// Op returns the process-wide operational logger shared by romad's
// Dispatcher/Runtime and romaworker's per-request handling. It is the
// default passed to dispatcher.Config.Logger and logsink.NewStructuredSink
// when the host doesn't supply its own *slog.Logger.
func Op() *slog.Logger {
	return opLogger.Load()
}

// SetLevel changes the level the operational logger filters at.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLevelFromString sets the operational logger's level from a
// config.LoggingConfig.Level string ("debug", "info", "warn", "error");
// anything else leaves the level unchanged.
func SetLevelFromString(level string) {
	switch level {
	case "debug", "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "info", "INFO":
		logLevel.Set(slog.LevelInfo)
	case "warn", "WARN", "warning", "WARNING":
		logLevel.Set(slog.LevelWarn)
	case "error", "ERROR":
		logLevel.Set(slog.LevelError)
	}
}

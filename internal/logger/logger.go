package logger

import (
	"io"
	"log/slog"
	"os"
)

var Log *slog.Logger

// Init initializes the global logger. When quietStdio is set the logger
// writes to the log file only — in local attach mode stdout and stderr
// belong to the terminal passthrough and must stay clean.
func Init(level string, logFile string, quietStdio bool) error {
	// Parse log level
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var writers []io.Writer
	if !quietStdio {
		writers = append(writers, os.Stderr)
	}

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	multiWriter := io.MultiWriter(writers...)

	handler := slog.NewTextHandler(multiWriter, &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Shorten time format
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	})

	Log = slog.New(handler)
	slog.SetDefault(Log)

	return nil
}

// Debug logs at debug level
func Debug(msg string, args ...any) {
	logger().Debug(msg, args...)
}

// Info logs at info level
func Info(msg string, args ...any) {
	logger().Info(msg, args...)
}

// Warn logs at warn level
func Warn(msg string, args ...any) {
	logger().Warn(msg, args...)
}

// Error logs at error level
func Error(msg string, args ...any) {
	logger().Error(msg, args...)
}

func logger() *slog.Logger {
	if Log != nil {
		return Log
	}
	return slog.Default()
}

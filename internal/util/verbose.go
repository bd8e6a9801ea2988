package util

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

var logger *slog.Logger

// InitLogger initializes the global slog logger. Logs go to stderr so they
// never interleave with command output.
func InitLogger(verbose bool) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	slog.SetDefault(logger)
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	if logger == nil {
		InitLogger(false)
	}
	return logger
}

// IsVerbose checks if verbose mode is enabled by looking at command line arguments
func IsVerbose() bool {
	for _, arg := range os.Args {
		if arg == "--verbose" {
			return true
		}
	}
	return false
}

// SetupGlobalLogger routes the standard log package through slog at Info.
func SetupGlobalLogger() {
	log.SetFlags(0)
	log.SetOutput(&logWriter{logger: GetLogger()})
}

type logWriter struct {
	logger *slog.Logger
}

var _ io.Writer = (*logWriter)(nil)

func (w *logWriter) Write(p []byte) (n int, err error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"

	"github.com/dgnsrekt/walkie/internal/config"
)

func getLogFilePath() (string, error) {
	dir, err := gap.NewScope(gap.User, "walkie").CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "walkie.log"), nil
}

// setupLog configures the global logger. Interactive commands own the
// terminal, so they log to a file even when none is configured.
func setupLog(cfg config.LogConfig, interactive bool) (func() error, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)

	switch cfg.Format {
	case "json":
		log.SetFormatter(log.JSONFormatter)
	case "logfmt":
		log.SetFormatter(log.LogfmtFormatter)
	default:
		log.SetFormatter(log.TextFormatter)
	}

	logFile := cfg.File
	if logFile == "" && interactive {
		logFile, err = getLogFilePath()
		if err != nil {
			return nil, err
		}
	}
	if logFile == "" {
		log.SetOutput(os.Stderr)
		return func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		// log disabled
		log.SetOutput(io.Discard)
		return nil, fmt.Errorf("unable to create log directory: %w", err)
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.SetOutput(io.Discard)
		return nil, fmt.Errorf("unable to open log file: %w", err)
	}
	log.SetOutput(f)
	return f.Close, nil
}

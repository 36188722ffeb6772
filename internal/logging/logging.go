package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

// New creates a zerolog logger writing to the console and appending to
// logPath. An empty logPath uses the platform log file; "-" disables the
// file. The returned closer releases the log file.
func New(level, logPath string) (zerolog.Logger, io.Closer, error) {
	return newLogger(os.Stderr, level, logPath)
}

func newLogger(console io.Writer, level, logPath string) (zerolog.Logger, io.Closer, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}}
	var closer io.Closer = nopCloser{}

	if logPath != "-" {
		if logPath == "" {
			logPath = DefaultPath()
		}
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("create log directory: %w", err)
		}
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, logFile)
		closer = logFile
	}

	// Multi-writer: console + file
	multi := zerolog.MultiLevelWriter(writers...)

	return zerolog.New(multi).Level(lvl).With().Timestamp().Caller().Logger(), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// DefaultPath returns platform-specific log file path
func DefaultPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Logs"
	case "windows":
		base = os.Getenv("LOCALAPPDATA")
	default:
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.local/state"
		}
	}

	return filepath.Join(base, "plant-recorder", "plant-recorder.log")
}

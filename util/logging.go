package util

import (
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	rootLogger *log.Logger
	loggerOnce sync.Once
)

// Log returns the process-wide logger, creating it at info level on first use.
func Log() *log.Logger {
	loggerOnce.Do(func() {
		rootLogger = newLogger(os.Stderr, log.InfoLevel)
	})
	return rootLogger
}

// NewLogger creates a logger writing to stderr at the given level name
// (debug, info, warn, error) and installs it as the process-wide logger.
func NewLogger(level string) *log.Logger {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	l := newLogger(os.Stderr, lvl)
	loggerOnce.Do(func() {})
	rootLogger = l
	log.SetDefault(l)
	return l
}

// NewTestLogger returns a logger that writes to w without touching the
// process-wide logger.
func NewTestLogger(w io.Writer) *log.Logger {
	return newLogger(w, log.DebugLevel)
}

func newLogger(w io.Writer, lvl log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		Prefix:          Name,
		Level:           lvl,
		ReportTimestamp: true,
	})
}

// Package logging holds the process-wide structured logger.
package logging

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var logger atomic.Pointer[zerolog.Logger]

func init() {
	l := New("console", os.Stderr)
	if lvl := os.Getenv("ISOTAP_LOG_LEVEL"); lvl != "" {
		if parsed, err := zerolog.ParseLevel(lvl); err == nil {
			l = l.Level(parsed)
		}
	}
	logger.Store(&l)
}

// L returns the current global logger.
func L() *zerolog.Logger { return logger.Load() }

// Set replaces the global logger.
func Set(l zerolog.Logger) {
	logger.Store(&l)
}

// New builds a logger writing to w. format "json" emits raw JSON lines;
// anything else gets the human console writer.
func New(format string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Str("app", "isotap").Logger()
}

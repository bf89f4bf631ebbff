// Package logging provides structured logging for the index services.
//
// It wraps zerolog with a process-wide base logger and component loggers:
//
//	logging.Init(logging.Options{Level: "info", Format: "json"})
//	log := logging.Component("reindex")
//	log.Info().Str("operation", id).Msg("operation started")
//
// Component loggers are derived from the base logger at call time, so Init
// should run before components are constructed.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the base logger.
type Options struct {
	// Level is one of trace, debug, info, warn, error. Defaults to info.
	Level string
	// Format is "json" or "console". Defaults to json.
	Format string
	// Writer overrides the output destination (stderr by default).
	Writer io.Writer
}

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Init replaces the base logger.
func Init(opts Options) error {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return err
		}
		level = l
	}

	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	if opts.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	mu.Lock()
	base = zerolog.New(w).Level(level).With().Timestamp().Logger()
	mu.Unlock()
	return nil
}

// Logger returns the base logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Component returns a logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

// Discard silences all logging. Tests call it to keep output readable.
func Discard() {
	mu.Lock()
	base = zerolog.Nop()
	mu.Unlock()
}

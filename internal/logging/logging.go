// Package logging wires the process-wide structured logger. One Logger is
// constructed at startup in cmd/voidsyncd and passed as a *log.Logger into every
// component constructor that needs it, mirroring how the teacher threads a
// single conditional-debug logger through its plugin.
package logging

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// Options configures the root logger.
type Options struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string

	// Debug enables verbose per-component debug lines regardless of Level,
	// matching the teacher's EnableDebugLogging gate.
	Debug bool

	// Output defaults to os.Stderr when nil.
	Output io.Writer
}

// New constructs the root logger.
func New(opts Options) *log.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	logger := log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02T15:04:05Z07:00",
	})

	level := parseLevel(opts.Level)
	if opts.Debug {
		level = log.DebugLevel
	}
	logger.SetLevel(level)

	return logger
}

func parseLevel(s string) log.Level {
	switch s {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// Component returns a sub-logger tagged with a component name, the way the
// teacher's pluginLogger scopes debug output per subsystem.
func Component(logger *log.Logger, name string) *log.Logger {
	return logger.With("component", name)
}

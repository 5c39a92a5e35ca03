// Package logging builds the process logger.
package logging

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// New returns a zerolog logger writing JSON, or human-readable output when
// format is "console". Unknown levels fall back to info.
func New(level, format string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	out := w
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

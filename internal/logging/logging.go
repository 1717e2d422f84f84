// Package logging provides the structured, leveled logger shared by the
// relay and agent binaries: a console writer for interactive use, JSON
// output otherwise, with per-component sub-loggers.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New constructs the base logger. When pretty is true (typically when
// stderr is a terminal) it uses zerolog's human-readable console writer;
// otherwise it emits newline-delimited JSON suitable for log shippers
// (the shipping itself is out of scope for this package).
func New(pretty bool) zerolog.Logger {
	var w io.Writer = os.Stderr
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// Component returns a child logger tagged with component=name, the
// convention the relay and agent subsystems log under (e.g. "ingress",
// "control", "agent-link").
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// Package applog is the storage core's ambient structured logger. See
// DESIGN.md for why this stays on log/slog rather than pulling in one of
// the pack's richer logging libraries (devlog, cosmossdk.io/log): both
// arrive welded to a larger framework this module doesn't carry.
package applog

import (
	"log/slog"
	"os"
)

// New returns a slog.Logger writing structured text to stderr, tagged
// with the component name the way the teacher's log.Printf call sites
// were always prefixed by the originating subsystem (e.g. "[AUDIT] ...").
func New(component string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler).With("component", component)
}

// Package hvlog provides the hypervisor's structured logging, a thin
// wrapper around log/slog in the style of the smoynes-elsie emulator's
// internal/log package: a process-wide level var and a small set of
// subsystem-tagged loggers rather than a bespoke formatting handler.
package hvlog

import (
	"log/slog"
	"os"
)

// Level is the process-wide log level; adjustable at runtime (e.g. from a
// debug flag) without threading a level value through every constructor.
var Level = new(slog.LevelVar)

var base = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level: Level,
}))

// For returns a logger tagged with the given subsystem name, mirroring how
// each hypercore component (mm, gstage, irq, sched, vmm) identifies its own
// log lines.
func For(subsystem string) *slog.Logger {
	return base.With(slog.String("subsystem", subsystem))
}

// SetOutput redirects the base logger, used by tests that want to capture
// log output or by a CLI that wants JSON instead of text framing.
func SetOutput(h slog.Handler) {
	base = slog.New(h)
}

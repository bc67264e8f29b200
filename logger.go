package basalt

import (
	"log/slog"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/basalt/internal/logging"
)

// SetLogger configures the logger for basalt and all its sub-packages.
// By default, basalt produces no log output. Call SetLogger to enable
// logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior). The logger
// is also handed to the GPU abstraction layer.
//
// Log levels used by basalt:
//   - [slog.LevelDebug]: per-pass statistics (bins, vertices, images)
//   - [slog.LevelInfo]: lifecycle events (device opened, window opened)
//   - [slog.LevelWarn]: recovered conditions (out-of-date swapchain)
//   - [slog.LevelError]: a window stopping on an error
//
// Components log with a "component" attribute and, where it applies, a
// "window" attribute.
//
// Example:
//
//	basalt.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = logging.Nop()
	}
	logging.SetLogger(l)
	hal.SetLogger(l)
}

// Logger returns the current logger used by basalt.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return logging.Logger()
}

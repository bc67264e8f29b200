package basalt

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned when a window operation needs the window to
	// have been opened by its backend first.
	ErrNotReady = errors.New("basalt: not ready")

	// ErrNotSupported is returned for requests the device or window
	// backend cannot serve.
	ErrNotSupported = errors.New("basalt: not supported")

	// ErrNotImplemented is returned for recognised requests basalt does
	// not implement.
	ErrNotImplemented = errors.New("basalt: not implemented")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("basalt: closed")

	// ErrBackendExited is returned by a window whose worker or renderer
	// stopped on an error. Wait reports the cause.
	ErrBackendExited = errors.New("basalt: backend exited")

	// ErrUnavailable is returned by New when no device could be opened.
	ErrUnavailable = errors.New("basalt: unavailable")

	// ErrInvalidOption is returned for out-of-range options.
	ErrInvalidOption = errors.New("basalt: invalid option")
)

// EnableFullScreenError reports why a window could not enter full-screen
// mode.
type EnableFullScreenError struct {
	// Exclusive is whether exclusive full-screen was requested.
	Exclusive bool
	Err       error
}

func (e *EnableFullScreenError) Error() string {
	mode := "borderless"
	if e.Exclusive {
		mode = "exclusive"
	}
	return fmt.Sprintf("basalt: enable %s full-screen: %v", mode, e.Err)
}

func (e *EnableFullScreenError) Unwrap() error { return e.Err }

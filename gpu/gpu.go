package gpu

import (
	"fmt"

	"github.com/gogpu/gpucontext"
)

// Backend opens devices of one kind.
type Backend interface {
	// Name identifies the backend ("vulkan", "software").
	Name() string

	// Open creates a device.
	Open() (Device, error)
}

// Backends holds the registered device backends. Hardware backends are
// preferred over the software one.
var Backends = gpucontext.NewRegistry[Backend](
	gpucontext.WithPriority("vulkan", "software"),
)

// Register makes a backend available to Open. Backend packages call it
// from init.
func Register(b Backend) {
	Backends.Register(b.Name(), func() Backend { return b })
}

// Open opens a device from the named backend. An empty name selects the
// highest-priority registered backend.
func Open(name string) (Device, error) {
	var b Backend
	if name == "" {
		b = Backends.Best()
	} else {
		b = Backends.Get(name)
	}
	if b == nil {
		if name == "" {
			name = "any"
		}
		return nil, fmt.Errorf("%w: %s (available %v)", ErrBackendUnavailable, name, Backends.Available())
	}
	dev, err := b.Open()
	if err != nil {
		return nil, fmt.Errorf("gpu: open %s: %w", b.Name(), err)
	}
	return dev, nil
}

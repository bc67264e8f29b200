// Package basalt is the rendering core of a Vulkan-accelerated 2D user
// interface toolkit.
//
// # Overview
//
// Applications compose rectangular elements ("bins", see package bin). Each
// bin reports its triangles grouped by the image they sample; basalt places
// those images in shared atlases, keeps every window's vertices sorted by
// depth in a device-local buffer and draws the whole window with a single
// pass.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/basalt"
//	    "github.com/gogpu/basalt/bin"
//	)
//
//	b, err := basalt.New(basalt.WithMSAA(4))
//	if err != nil {
//	    return err
//	}
//	defer b.Close()
//
//	win, err := b.OpenWindow(target, basalt.WindowConfig{Extent: extent})
//	if err != nil {
//	    return err
//	}
//	win.Opened()
//	win.AssociateBin(bin.Strong(myBin))
//
// # Windows
//
// A window runs two goroutines: a worker that turns bin events into frames
// and a renderer that presents them. The window backend reports size, scale
// and lifecycle changes through the Window methods; applications associate
// and update bins through the same Window. Methods never block on the GPU.
//
// # Devices
//
// Devices come from registered backends. Importing basalt registers the
// Vulkan backend (package gpu/halgpu); the in-memory gpu/soft backend is
// registered by importing it and is selected with WithBackend("software").
// An existing device can be shared with WithDevice.
//
// # Logging
//
// Basalt is silent by default. SetLogger enables structured logging for
// every package, including the GPU abstraction layer.
package basalt

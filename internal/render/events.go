// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package render

import (
	"context"

	"github.com/gogpu/basalt/gpu"
	"github.com/gogpu/basalt/internal/odb"
)

// Event is a message from the worker to the renderer.
type Event interface{ isEvent() }

// Resize changes the swapchain extent.
type Resize struct{ Extent gpu.Extent }

// Redraw asks for a frame.
type Redraw struct{}

// Fullscreen reports a change of the window's full-screen state.
type Fullscreen struct{ Enabled bool }

// SetMSAA changes the sample count of the UI pass.
type SetMSAA struct{ Samples uint32 }

// SetVSync changes the present mode preference.
type SetVSync struct{ Enabled bool }

// SetUserRenderer switches to user composited drawing, or back to
// interface only drawing when R is nil.
type SetUserRenderer struct{ R UserRenderer }

// Update delivers a prepared frame. The renderer signals its barrier once
// the previous frame no longer uses the old resources.
type Update struct{ Handoff *odb.Handoff }

func (Resize) isEvent()          {}
func (Redraw) isEvent()          {}
func (Fullscreen) isEvent()      {}
func (SetMSAA) isEvent()         {}
func (SetVSync) isEvent()        {}
func (SetUserRenderer) isEvent() {}
func (Update) isEvent()          {}

// UserRenderer draws application content under the interface.
type UserRenderer interface {
	// Render draws into target, an image of the surface format and size.
	// Its work must be complete when Render returns.
	Render(ctx context.Context, dev gpu.Device, target gpu.ImageID, extent gpu.Extent) error
}

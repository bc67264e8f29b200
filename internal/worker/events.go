package worker

import (
	"github.com/gogpu/basalt/bin"
	"github.com/gogpu/basalt/gpu"
	"github.com/gogpu/basalt/internal/render"
	"github.com/gogpu/basalt/text"
)

// Event is a window or bin event consumed by the worker. Events are
// handled in the order they are pushed.
type Event interface{ isEvent() }

// Opened starts passes once the window's surface exists.
type Opened struct{}

// Closed ends the worker.
type Closed struct{}

// Resized changes the window extent in physical pixels.
type Resized struct{ Extent gpu.Extent }

// ScaleChanged changes the window scale factor.
type ScaleChanged struct{ Scale float32 }

// RedrawRequested asks the renderer for a frame.
type RedrawRequested struct{}

// EnabledFullscreen reports that the window entered full-screen mode.
type EnabledFullscreen struct{}

// DisabledFullscreen reports that the window left full-screen mode.
type DisabledFullscreen struct{}

// AssociateBin adds a bin to the window.
type AssociateBin struct{ Ref bin.Ref }

// DissociateBin removes a bin from the window.
type DissociateBin struct{ ID bin.ID }

// UpdateBin re-obtains a bin whose LastUpdate moved forward.
type UpdateBin struct{ ID bin.ID }

// UpdateBinBatch is UpdateBin for several bins.
type UpdateBinBatch struct{ IDs []bin.ID }

// AddBinaryFont loads a font into every obtain worker.
type AddBinaryFont struct{ Data []byte }

// SetDefaultFont changes the default font of every obtain worker.
type SetDefaultFont struct{ Font text.Font }

// SetMSAA changes the sample count.
type SetMSAA struct{ Samples uint32 }

// SetVSync changes the present mode preference.
type SetVSync struct{ Enabled bool }

// SetUserRenderer installs or removes the application renderer.
type SetUserRenderer struct{ R render.UserRenderer }

func (Opened) isEvent()             {}
func (Closed) isEvent()             {}
func (Resized) isEvent()            {}
func (ScaleChanged) isEvent()       {}
func (RedrawRequested) isEvent()    {}
func (EnabledFullscreen) isEvent()  {}
func (DisabledFullscreen) isEvent() {}
func (AssociateBin) isEvent()       {}
func (DissociateBin) isEvent()      {}
func (UpdateBin) isEvent()          {}
func (UpdateBinBatch) isEvent()     {}
func (AddBinaryFont) isEvent()      {}
func (SetDefaultFont) isEvent()     {}
func (SetMSAA) isEvent()            {}
func (SetVSync) isEvent()           {}
func (SetUserRenderer) isEvent()    {}

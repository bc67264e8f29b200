// Package bin defines what the rendering core consumes from the widget
// layer: bins producing vertex data per image source.
package bin

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gogpu/basalt/gpu"
	"github.com/gogpu/basalt/imagecache"
	"github.com/gogpu/basalt/text"
	"github.com/gogpu/basalt/vertex"
)

// ID identifies a bin. IDs are process-unique and ordered by creation.
type ID uint64

var lastID atomic.Uint64

// NewID returns a fresh ID.
func NewID() ID { return ID(lastID.Add(1)) }

type sourceKind uint8

const (
	sourceNone sourceKind = iota
	sourceCache
	sourceExternal
)

// ImageSource names the image a vertex batch samples. It is comparable.
type ImageSource struct {
	kind  sourceKind
	key   imagecache.Key
	image gpu.ImageID
}

// None is the source of batches that sample nothing.
func None() ImageSource { return ImageSource{} }

// Cache is the source of an image in the shared image cache.
func Cache(key imagecache.Key) ImageSource {
	return ImageSource{kind: sourceCache, key: key}
}

// External is the source of an image owned by the application.
func External(id gpu.ImageID) ImageSource {
	return ImageSource{kind: sourceExternal, image: id}
}

// IsNone reports whether s samples nothing.
func (s ImageSource) IsNone() bool { return s.kind == sourceNone }

// Key returns the cache key of a Cache source.
func (s ImageSource) Key() (imagecache.Key, bool) {
	return s.key, s.kind == sourceCache
}

// Image returns the image of an External source.
func (s ImageSource) Image() (gpu.ImageID, bool) {
	return s.image, s.kind == sourceExternal
}

// String returns a readable form of the source.
func (s ImageSource) String() string {
	switch s.kind {
	case sourceCache:
		return fmt.Sprintf("Cache(%v)", s.key)
	case sourceExternal:
		return fmt.Sprintf("External(%d)", s.image)
	default:
		return "None"
	}
}

// UpdateContext is passed to ObtainVertexData. It belongs to one obtain
// worker and must not be retained.
type UpdateContext struct {
	// Extent is the window size in physical pixels.
	Extent gpu.Extent

	// Scale is the window scale factor.
	Scale float32

	Fonts       *text.FontSystem
	Glyphs      *text.GlyphCache
	DefaultFont text.Font
}

// Bin is a rectangular element drawn by a window.
type Bin interface {
	ID() ID

	// LastUpdate is when the bin's content last changed. A window
	// re-obtains vertex data when it moves forward.
	LastUpdate() time.Time

	// ObtainVertexData returns the bin's triangles grouped by the image
	// they sample. Every vertex of a triangle must share its source.
	ObtainVertexData(ctx *UpdateContext) (map[ImageSource][]vertex.Vertex, error)
}

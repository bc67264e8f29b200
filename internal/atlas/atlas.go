// Package atlas implements the rectangle allocator behind image atlases.
//
// The allocator is a guillotine packer: free space is a list of disjoint
// rectangles; an allocation takes the best-fitting free rectangle and
// splits the remainder in two. Freed rectangles are coalesced with their
// neighbours, and the packing area can grow without moving existing
// allocations.
//
// An Allocator is not safe for concurrent use.
package atlas

import (
	"errors"
	"fmt"
)

// Allocator errors.
var (
	// ErrFull is returned when no free rectangle can hold the request.
	ErrFull = errors.New("atlas: full")

	// ErrUnknownAllocation is returned when freeing an unknown ID.
	ErrUnknownAllocation = errors.New("atlas: unknown allocation")

	// ErrInvalidSize is returned for empty requests and shrinking.
	ErrInvalidSize = errors.New("atlas: invalid size")
)

// Default allocator settings.
const (
	// DefaultAlignment rounds every allocation up to a multiple of 16 px.
	DefaultAlignment = 16

	// DefaultSmallThreshold is the largest side of a small allocation.
	DefaultSmallThreshold = 16

	// DefaultLargeThreshold is the smallest side of a large allocation.
	DefaultLargeThreshold = 512
)

// Region is a rectangle in atlas pixels.
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
}

// IsValid returns true if the region has valid dimensions.
func (r Region) IsValid() bool {
	return r.Width > 0 && r.Height > 0
}

// Contains returns true if the point (x, y) is inside the region.
func (r Region) Contains(x, y int) bool {
	return x >= r.X && x < r.X+r.Width && y >= r.Y && y < r.Y+r.Height
}

// Overlaps reports whether r and o share any pixel.
func (r Region) Overlaps(o Region) bool {
	return r.X < o.X+o.Width && o.X < r.X+r.Width && r.Y < o.Y+o.Height && o.Y < r.Y+r.Height
}

// Area returns Width*Height.
func (r Region) Area() int { return r.Width * r.Height }

// String returns a string representation of the region.
func (r Region) String() string {
	return fmt.Sprintf("Region(%d,%d %dx%d)", r.X, r.Y, r.Width, r.Height)
}

// ID identifies an allocation.
type ID uint32

// Allocation is a placed rectangle. Region is the aligned area reserved
// in the atlas; the requested size starts at its origin.
type Allocation struct {
	ID     ID
	Region Region
}

type sizeClass int

const (
	classSmall sizeClass = iota
	classMedium
	classLarge
	numClasses
)

// Options configures an Allocator.
type Options struct {
	Alignment      int
	SmallThreshold int
	LargeThreshold int
}

// DefaultOptions returns the atlas settings used for UI images.
func DefaultOptions() Options {
	return Options{
		Alignment:      DefaultAlignment,
		SmallThreshold: DefaultSmallThreshold,
		LargeThreshold: DefaultLargeThreshold,
	}
}

// Allocator packs rectangles into a width×height area.
type Allocator struct {
	width  int
	height int
	opts   Options

	// free rectangles, segregated by size class
	free [numClasses][]Region

	allocs map[ID]Region
	nextID ID
	used   int
}

// New creates an allocator for a width×height area.
func New(width, height int, opts Options) *Allocator {
	if opts.Alignment < 1 {
		opts.Alignment = 1
	}
	a := &Allocator{
		width:  width,
		height: height,
		opts:   opts,
		allocs: make(map[ID]Region),
	}
	a.addFree(Region{Width: width, Height: height})
	return a
}

// Size returns the packing area.
func (a *Allocator) Size() (width, height int) { return a.width, a.height }

// Len returns the number of live allocations.
func (a *Allocator) Len() int { return len(a.allocs) }

// IsEmpty reports whether nothing is allocated.
func (a *Allocator) IsEmpty() bool { return len(a.allocs) == 0 }

// UsedArea returns the total aligned area of live allocations.
func (a *Allocator) UsedArea() int { return a.used }

// Get returns the region of a live allocation.
func (a *Allocator) Get(id ID) (Region, bool) {
	r, ok := a.allocs[id]
	return r, ok
}

func (a *Allocator) align(v int) int {
	al := a.opts.Alignment
	return (v + al - 1) / al * al
}

func (a *Allocator) classOf(w, h int) sizeClass {
	switch {
	case w >= a.opts.LargeThreshold || h >= a.opts.LargeThreshold:
		return classLarge
	case w <= a.opts.SmallThreshold && h <= a.opts.SmallThreshold:
		return classSmall
	default:
		return classMedium
	}
}

func (a *Allocator) addFree(r Region) {
	if !r.IsValid() {
		return
	}
	c := a.classOf(r.Width, r.Height)
	a.free[c] = append(a.free[c], r)
}

func (a *Allocator) removeFree(c sizeClass, i int) {
	l := a.free[c]
	l[i] = l[len(l)-1]
	a.free[c] = l[:len(l)-1]
}

// Allocate reserves a width×height rectangle. It returns ErrFull when no
// free rectangle fits.
func (a *Allocator) Allocate(width, height int) (Allocation, error) {
	if width <= 0 || height <= 0 {
		return Allocation{}, ErrInvalidSize
	}
	w, h := a.align(width), a.align(height)
	if w > a.width || h > a.height {
		return Allocation{}, ErrFull
	}

	// Best fit by leftover area, searching the request's class and above.
	bestC, bestI, bestWaste := sizeClass(-1), -1, 0
	for c := a.classOf(w, h); c < numClasses; c++ {
		for i, r := range a.free[c] {
			if r.Width < w || r.Height < h {
				continue
			}
			waste := r.Area() - w*h
			if bestI < 0 || waste < bestWaste {
				bestC, bestI, bestWaste = c, i, waste
			}
		}
		if bestI >= 0 {
			break
		}
	}
	if bestI < 0 {
		return Allocation{}, ErrFull
	}

	r := a.free[bestC][bestI]
	a.removeFree(bestC, bestI)

	// Split along the axis that leaves the larger leftover whole.
	rw, rh := r.Width-w, r.Height-h
	if rw > rh {
		a.addFree(Region{X: r.X + w, Y: r.Y, Width: rw, Height: r.Height})
		a.addFree(Region{X: r.X, Y: r.Y + h, Width: w, Height: rh})
	} else {
		a.addFree(Region{X: r.X, Y: r.Y + h, Width: r.Width, Height: rh})
		a.addFree(Region{X: r.X + w, Y: r.Y, Width: rw, Height: h})
	}

	a.nextID++
	reg := Region{X: r.X, Y: r.Y, Width: w, Height: h}
	a.allocs[a.nextID] = reg
	a.used += reg.Area()
	return Allocation{ID: a.nextID, Region: reg}, nil
}

// Free releases an allocation and coalesces free space around it.
func (a *Allocator) Free(id ID) error {
	r, ok := a.allocs[id]
	if !ok {
		return ErrUnknownAllocation
	}
	delete(a.allocs, id)
	a.used -= r.Area()
	if len(a.allocs) == 0 {
		a.free = [numClasses][]Region{}
		a.addFree(Region{Width: a.width, Height: a.height})
		return nil
	}
	a.insertAndMerge(r)
	return nil
}

// insertAndMerge adds r to the free lists, merging it with any free
// rectangle sharing a full edge until no merge applies.
func (a *Allocator) insertAndMerge(r Region) {
	for {
		merged := false
		for c := range numClasses {
			for i, f := range a.free[c] {
				if m, ok := mergeRegions(r, f); ok {
					a.removeFree(c, i)
					r = m
					merged = true
					break
				}
			}
			if merged {
				break
			}
		}
		if !merged {
			break
		}
	}
	a.addFree(r)
}

func mergeRegions(a, b Region) (Region, bool) {
	switch {
	case a.Y == b.Y && a.Height == b.Height && a.X+a.Width == b.X:
		return Region{X: a.X, Y: a.Y, Width: a.Width + b.Width, Height: a.Height}, true
	case a.Y == b.Y && a.Height == b.Height && b.X+b.Width == a.X:
		return Region{X: b.X, Y: a.Y, Width: a.Width + b.Width, Height: a.Height}, true
	case a.X == b.X && a.Width == b.Width && a.Y+a.Height == b.Y:
		return Region{X: a.X, Y: a.Y, Width: a.Width, Height: a.Height + b.Height}, true
	case a.X == b.X && a.Width == b.Width && b.Y+b.Height == a.Y:
		return Region{X: a.X, Y: b.Y, Width: a.Width, Height: a.Height + b.Height}, true
	}
	return Region{}, false
}

// Grow enlarges the packing area to width×height. Existing allocations
// keep their position.
func (a *Allocator) Grow(width, height int) error {
	if width < a.width || height < a.height {
		return ErrInvalidSize
	}
	ow, oh := a.width, a.height
	a.width, a.height = width, height
	if width > ow {
		a.insertAndMerge(Region{X: ow, Y: 0, Width: width - ow, Height: height})
	}
	if height > oh {
		a.insertAndMerge(Region{X: 0, Y: oh, Width: ow, Height: height - oh})
	}
	return nil
}

// FreeRegions returns the current free rectangles.
func (a *Allocator) FreeRegions() []Region {
	var out []Region
	for c := range numClasses {
		out = append(out, a.free[c]...)
	}
	return out
}

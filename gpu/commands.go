package gpu

import "github.com/gogpu/gputypes"

// BufferCopy is one buffer-to-buffer copy region in bytes.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// BufferImageCopy is one buffer-to-image copy region.
type BufferImageCopy struct {
	// BufferOffset is the byte offset of the first row in the buffer.
	BufferOffset uint64

	// BytesPerRow is the buffer row pitch, a multiple of CopyPitchAlignment.
	BytesPerRow uint32

	X, Y          uint32
	Width, Height uint32
}

// Op is one recorded command. The set of ops is closed.
type Op interface {
	isOp()
}

// CopyBufferOp copies regions between two buffers.
type CopyBufferOp struct {
	Src, Dst BufferID
	Regions  []BufferCopy
}

// CopyBufferToImageOp copies buffer rows into image rectangles.
type CopyBufferToImageOp struct {
	Src     BufferID
	Dst     ImageID
	Regions []BufferImageCopy
}

// CopyImageOp copies the top-left Width×Height texels of Src into Dst.
type CopyImageOp struct {
	Src, Dst      ImageID
	Width, Height uint32
}

// ClearBufferOp zeroes a byte range of a buffer.
type ClearBufferOp struct {
	Dst    BufferID
	Offset uint64
	Size   uint64
}

// ClearImageOp fills a whole image with a color.
type ClearImageOp struct {
	Dst   ImageID
	Color gputypes.Color
}

func (CopyBufferOp) isOp()        {}
func (CopyBufferToImageOp) isOp() {}
func (CopyImageOp) isOp()         {}
func (ClearBufferOp) isOp()       {}
func (ClearImageOp) isOp()        {}

// CommandList is an ordered list of transfer commands.
//
// A CommandList is plain data: it can be kept after execution and
// replayed, appended to another list, or inspected.
type CommandList struct {
	Label string
	ops   []Op
}

// NewCommandList creates an empty list.
func NewCommandList(label string) *CommandList {
	return &CommandList{Label: label}
}

// Ops returns the recorded commands in order. A nil list has none.
func (l *CommandList) Ops() []Op {
	if l == nil {
		return nil
	}
	return l.ops
}

// Len returns the number of recorded commands.
func (l *CommandList) Len() int { return len(l.Ops()) }

// Empty reports whether nothing was recorded.
func (l *CommandList) Empty() bool { return l == nil || len(l.ops) == 0 }

// Reset drops all recorded commands.
func (l *CommandList) Reset() { l.ops = l.ops[:0] }

// Append records every command of other after the commands of l.
func (l *CommandList) Append(other *CommandList) {
	if other.Empty() {
		return
	}
	l.ops = append(l.ops, other.ops...)
}

// CopyBuffer records a buffer-to-buffer copy. Empty region lists are dropped.
func (l *CommandList) CopyBuffer(src, dst BufferID, regions ...BufferCopy) {
	if len(regions) == 0 {
		return
	}
	l.ops = append(l.ops, CopyBufferOp{Src: src, Dst: dst, Regions: regions})
}

// CopyBufferToImage records a buffer-to-image copy.
func (l *CommandList) CopyBufferToImage(src BufferID, dst ImageID, regions ...BufferImageCopy) {
	if len(regions) == 0 {
		return
	}
	l.ops = append(l.ops, CopyBufferToImageOp{Src: src, Dst: dst, Regions: regions})
}

// CopyImage records an image-to-image copy of the top-left w×h texels.
func (l *CommandList) CopyImage(src, dst ImageID, w, h uint32) {
	l.ops = append(l.ops, CopyImageOp{Src: src, Dst: dst, Width: w, Height: h})
}

// ClearBuffer records a zero fill.
func (l *CommandList) ClearBuffer(dst BufferID, offset, size uint64) {
	l.ops = append(l.ops, ClearBufferOp{Dst: dst, Offset: offset, Size: size})
}

// ClearImage records a full-image clear. Hardware devices require dst to
// be a render attachment.
func (l *CommandList) ClearImage(dst ImageID, color gputypes.Color) {
	l.ops = append(l.ops, ClearImageOp{Dst: dst, Color: color})
}

// MergeBufferCopies merges consecutive regions that are contiguous in both
// source and destination. Regions contiguous only in the destination are
// kept apart.
func MergeBufferCopies(regions []BufferCopy) []BufferCopy {
	if len(regions) < 2 {
		return regions
	}
	out := make([]BufferCopy, 0, len(regions))
	cur := regions[0]
	for _, r := range regions[1:] {
		if cur.SrcOffset+cur.Size == r.SrcOffset && cur.DstOffset+cur.Size == r.DstOffset {
			cur.Size += r.Size
			continue
		}
		out = append(out, cur)
		cur = r
	}
	return append(out, cur)
}

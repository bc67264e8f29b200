// Package soft implements gpu.Device in host memory.
//
// Copies, clears and readbacks are executed byte-exactly, honouring image
// origins and buffer row pitch, so the results of a command list can be
// compared against expectations in tests. Render passes clear their
// target and record the drawn vertices instead of rasterising them.
//
// Importing the package registers the "software" backend with gpu.Open.
package soft

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/basalt/gpu"
	"github.com/gogpu/basalt/vertex"
)

func init() {
	gpu.Register(backend{})
}

type backend struct{}

func (backend) Name() string              { return "software" }
func (backend) Open() (gpu.Device, error) { return New(), nil }

// DefaultLimits are the limits of a device created without WithLimits.
var DefaultLimits = gpu.Limits{
	MaxImageDimension2D: 8192,
	MaxBufferSize:       1 << 32,
}

// maxFrames bounds the frame history kept for inspection.
const maxFrames = 64

// Stats counts device activity.
type Stats struct {
	// BufferWrites is the number of WriteBuffer calls.
	BufferWrites int
	// BytesWritten is the number of bytes passed to WriteBuffer.
	BytesWritten uint64
	// Executes is the number of executed command lists.
	Executes int
	// Ops is the number of executed commands.
	Ops int
	// PipelinesCreated counts CreatePipeline calls.
	PipelinesCreated int
	// RenderPasses counts Render calls.
	RenderPasses int
	// LiveBuffers and LiveImages count resources not yet destroyed.
	LiveBuffers int
	LiveImages  int
}

// Frame is a recorded render pass.
type Frame struct {
	Pass     gpu.RenderPass
	Vertices []vertex.Vertex
}

// Option configures a Device.
type Option func(*Device)

// WithLimits overrides the device limits.
func WithLimits(l gpu.Limits) Option {
	return func(d *Device) { d.limits = l }
}

// WithFormatFeatures overrides the features reported for one format.
func WithFormatFeatures(format gputypes.TextureFormat, f gpu.FormatFeatures) Option {
	return func(d *Device) { d.formats[format] = f }
}

// WithMemoryLimit makes allocations fail with gpu.ErrOutOfMemory once the
// live resources would exceed n bytes.
func WithMemoryLimit(n uint64) Option {
	return func(d *Device) { d.memLimit = n }
}

type buffer struct {
	desc gpu.BufferDescriptor
	data []byte
}

type image struct {
	desc gpu.ImageDescriptor
	bpp  int
	data []byte
}

// Device is an in-memory gpu.Device. It is safe for concurrent use.
type Device struct {
	mu sync.Mutex

	limits   gpu.Limits
	formats  map[gputypes.TextureFormat]gpu.FormatFeatures
	memLimit uint64
	memUsed  uint64

	nextID    uint64
	buffers   map[gpu.BufferID]*buffer
	images    map[gpu.ImageID]*image
	pipelines map[gpu.PipelineID]gpu.PipelineDescriptor

	stats  Stats
	frames []Frame
	closed bool
}

var _ gpu.Device = (*Device)(nil)

// New creates a device.
func New(opts ...Option) *Device {
	all := gpu.FeatureCopySrc | gpu.FeatureCopyDst | gpu.FeatureSampled |
		gpu.FeatureFilterable | gpu.FeatureRenderAttachment | gpu.FeatureMultisample
	d := &Device{
		limits: DefaultLimits,
		formats: map[gputypes.TextureFormat]gpu.FormatFeatures{
			gputypes.TextureFormatR8Unorm:        all,
			gputypes.TextureFormatRGBA8Unorm:     all,
			gputypes.TextureFormatRGBA8UnormSrgb: all,
			gputypes.TextureFormatBGRA8Unorm:     all,
			gputypes.TextureFormatBGRA8UnormSrgb: all,
			gputypes.TextureFormatRGBA16Unorm:    all,
			gputypes.TextureFormatRGBA16Float:    all,
			gputypes.TextureFormatRGB10A2Unorm:   all,
		},
		buffers:   make(map[gpu.BufferID]*buffer),
		images:    make(map[gpu.ImageID]*image),
		pipelines: make(map[gpu.PipelineID]gpu.PipelineDescriptor),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Limits implements gpu.Device.
func (d *Device) Limits() gpu.Limits { return d.limits }

// FormatFeatures implements gpu.Device.
func (d *Device) FormatFeatures(format gputypes.TextureFormat) gpu.FormatFeatures {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.formats[format]
}

// Stats returns a snapshot of the activity counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.LiveBuffers = len(d.buffers)
	s.LiveImages = len(d.images)
	return s
}

// Frames returns the most recent render passes, oldest first.
func (d *Device) Frames() []Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Frame(nil), d.frames...)
}

// LastFrame returns the most recent render pass.
func (d *Device) LastFrame() (Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.frames) == 0 {
		return Frame{}, false
	}
	return d.frames[len(d.frames)-1], true
}

// ImageSize returns the dimensions of a live image.
func (d *Device) ImageSize(id gpu.ImageID) (w, h uint32, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	img := d.images[id]
	if img == nil {
		return 0, 0, false
	}
	return img.desc.Width, img.desc.Height, true
}

func (d *Device) allocLocked(n uint64) error {
	if d.closed {
		return gpu.ErrClosed
	}
	if d.memLimit != 0 && d.memUsed+n > d.memLimit {
		return gpu.ErrOutOfMemory
	}
	d.memUsed += n
	d.nextID++
	return nil
}

// CreateBuffer implements gpu.Device.
func (d *Device) CreateBuffer(desc *gpu.BufferDescriptor) (gpu.BufferID, error) {
	if desc.Size == 0 || desc.Size > d.limits.MaxBufferSize {
		return gpu.InvalidID, fmt.Errorf("soft: buffer %q size %d: %w", desc.Label, desc.Size, gpu.ErrOutOfMemory)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.allocLocked(desc.Size); err != nil {
		return gpu.InvalidID, err
	}
	id := gpu.BufferID(d.nextID)
	d.buffers[id] = &buffer{desc: *desc, data: make([]byte, desc.Size)}
	return id, nil
}

// DestroyBuffer implements gpu.Device.
func (d *Device) DestroyBuffer(id gpu.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b := d.buffers[id]; b != nil {
		d.memUsed -= uint64(len(b.data))
		delete(d.buffers, id)
	}
}

// WriteBuffer implements gpu.Device.
func (d *Device) WriteBuffer(id gpu.BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.buffers[id]
	if b == nil {
		return gpu.ErrInvalidID
	}
	if offset+uint64(len(data)) > uint64(len(b.data)) {
		return gpu.ErrOutOfBounds
	}
	copy(b.data[offset:], data)
	d.stats.BufferWrites++
	d.stats.BytesWritten += uint64(len(data))
	return nil
}

// ReadBuffer implements gpu.Device.
func (d *Device) ReadBuffer(_ context.Context, id gpu.BufferID, offset uint64, out []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.buffers[id]
	if b == nil {
		return gpu.ErrInvalidID
	}
	if offset+uint64(len(out)) > uint64(len(b.data)) {
		return gpu.ErrOutOfBounds
	}
	copy(out, b.data[offset:])
	return nil
}

// CreateImage implements gpu.Device.
func (d *Device) CreateImage(desc *gpu.ImageDescriptor) (gpu.ImageID, error) {
	bpp := gpu.BytesPerPixel(desc.Format)
	if bpp == 0 {
		return gpu.InvalidID, fmt.Errorf("soft: image %q format %v: %w", desc.Label, desc.Format, gpu.ErrFormatUnavailable)
	}
	if desc.Width == 0 || desc.Height == 0 ||
		desc.Width > d.limits.MaxImageDimension2D || desc.Height > d.limits.MaxImageDimension2D {
		return gpu.InvalidID, fmt.Errorf("soft: image %q %dx%d: %w", desc.Label, desc.Width, desc.Height, gpu.ErrOutOfBounds)
	}
	samples := uint64(max(desc.SampleCount, 1))
	size := uint64(desc.Width) * uint64(desc.Height) * uint64(bpp)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.allocLocked(size * samples); err != nil {
		return gpu.InvalidID, err
	}
	id := gpu.ImageID(d.nextID)
	d.images[id] = &image{desc: *desc, bpp: bpp, data: make([]byte, size)}
	return id, nil
}

// DestroyImage implements gpu.Device.
func (d *Device) DestroyImage(id gpu.ImageID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if img := d.images[id]; img != nil {
		d.memUsed -= uint64(len(img.data)) * uint64(max(img.desc.SampleCount, 1))
		delete(d.images, id)
	}
}

// ReadImage implements gpu.Device. out receives tightly packed rows.
func (d *Device) ReadImage(_ context.Context, id gpu.ImageID, out []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	img := d.images[id]
	if img == nil {
		return gpu.ErrInvalidID
	}
	if len(out) < len(img.data) {
		return gpu.ErrOutOfBounds
	}
	copy(out, img.data)
	return nil
}

// Execute implements gpu.Device. Commands run in order; the first failing
// command stops the list.
func (d *Device) Execute(_ context.Context, cmds *gpu.CommandList) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gpu.ErrClosed
	}
	d.stats.Executes++
	for i, op := range cmds.Ops() {
		if err := d.execLocked(op); err != nil {
			return fmt.Errorf("soft: %s op %d (%T): %w", cmds.Label, i, op, err)
		}
		d.stats.Ops++
	}
	return nil
}

func (d *Device) execLocked(op gpu.Op) error {
	switch op := op.(type) {
	case gpu.CopyBufferOp:
		src, dst := d.buffers[op.Src], d.buffers[op.Dst]
		if src == nil || dst == nil {
			return gpu.ErrInvalidID
		}
		for _, r := range op.Regions {
			if r.SrcOffset+r.Size > uint64(len(src.data)) || r.DstOffset+r.Size > uint64(len(dst.data)) {
				return gpu.ErrOutOfBounds
			}
			copy(dst.data[r.DstOffset:r.DstOffset+r.Size], src.data[r.SrcOffset:r.SrcOffset+r.Size])
		}
	case gpu.CopyBufferToImageOp:
		src, dst := d.buffers[op.Src], d.images[op.Dst]
		if src == nil || dst == nil {
			return gpu.ErrInvalidID
		}
		for _, r := range op.Regions {
			if r.X+r.Width > dst.desc.Width || r.Y+r.Height > dst.desc.Height {
				return gpu.ErrOutOfBounds
			}
			row := uint64(r.Width) * uint64(dst.bpp)
			for y := range uint64(r.Height) {
				so := r.BufferOffset + y*uint64(r.BytesPerRow)
				if so+row > uint64(len(src.data)) {
					return gpu.ErrOutOfBounds
				}
				do := ((uint64(r.Y)+y)*uint64(dst.desc.Width) + uint64(r.X)) * uint64(dst.bpp)
				copy(dst.data[do:do+row], src.data[so:so+row])
			}
		}
	case gpu.CopyImageOp:
		src, dst := d.images[op.Src], d.images[op.Dst]
		if src == nil || dst == nil {
			return gpu.ErrInvalidID
		}
		if src.bpp != dst.bpp {
			return fmt.Errorf("%w: texel size %d vs %d", gpu.ErrFormatUnavailable, src.bpp, dst.bpp)
		}
		if op.Width > min(src.desc.Width, dst.desc.Width) || op.Height > min(src.desc.Height, dst.desc.Height) {
			return gpu.ErrOutOfBounds
		}
		row := uint64(op.Width) * uint64(src.bpp)
		for y := range uint64(op.Height) {
			so := y * uint64(src.desc.Width) * uint64(src.bpp)
			do := y * uint64(dst.desc.Width) * uint64(dst.bpp)
			copy(dst.data[do:do+row], src.data[so:so+row])
		}
	case gpu.ClearBufferOp:
		dst := d.buffers[op.Dst]
		if dst == nil {
			return gpu.ErrInvalidID
		}
		if op.Offset+op.Size > uint64(len(dst.data)) {
			return gpu.ErrOutOfBounds
		}
		clear(dst.data[op.Offset : op.Offset+op.Size])
	case gpu.ClearImageOp:
		dst := d.images[op.Dst]
		if dst == nil {
			return gpu.ErrInvalidID
		}
		fillImage(dst, op.Color)
	default:
		return fmt.Errorf("unsupported command %T", op)
	}
	return nil
}

// fillImage writes color into every texel of img.
func fillImage(img *image, c gputypes.Color) {
	texel := encodeColor(img.desc.Format, c)
	for i := 0; i+len(texel) <= len(img.data); i += len(texel) {
		copy(img.data[i:], texel)
	}
}

func unorm8(v float64) byte {
	return byte(math.Round(math.Max(0, math.Min(1, v)) * 255))
}

func encodeColor(f gputypes.TextureFormat, c gputypes.Color) []byte {
	switch f {
	case gputypes.TextureFormatR8Unorm:
		return []byte{unorm8(c.R)}
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb:
		return []byte{unorm8(c.R), unorm8(c.G), unorm8(c.B), unorm8(c.A)}
	case gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatBGRA8UnormSrgb:
		return []byte{unorm8(c.B), unorm8(c.G), unorm8(c.R), unorm8(c.A)}
	case gputypes.TextureFormatRGBA16Unorm:
		out := make([]byte, 8)
		for i, v := range []float64{c.R, c.G, c.B, c.A} {
			u := uint16(math.Round(math.Max(0, math.Min(1, v)) * 65535))
			out[2*i], out[2*i+1] = byte(u), byte(u>>8)
		}
		return out
	}
	// Other formats only support clearing to zero.
	return make([]byte, gpu.BytesPerPixel(f))
}

// CreatePipeline implements gpu.Device.
func (d *Device) CreatePipeline(desc *gpu.PipelineDescriptor) (gpu.PipelineID, error) {
	if desc.ImageCapacity <= 0 || desc.ImageCapacity&(desc.ImageCapacity-1) != 0 {
		return gpu.InvalidID, fmt.Errorf("soft: pipeline image capacity %d is not a power of two", desc.ImageCapacity)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.allocLocked(0); err != nil {
		return gpu.InvalidID, err
	}
	id := gpu.PipelineID(d.nextID)
	d.pipelines[id] = *desc
	d.stats.PipelinesCreated++
	return id, nil
}

// DestroyPipeline implements gpu.Device.
func (d *Device) DestroyPipeline(id gpu.PipelineID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pipelines, id)
}

// Pipeline returns the descriptor of a live pipeline.
func (d *Device) Pipeline(id gpu.PipelineID) (gpu.PipelineDescriptor, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pipelines[id]
	return p, ok
}

// Render implements gpu.Device. The pass is validated, its target cleared
// when LoadOp is clear, and its vertices recorded as a Frame.
func (d *Device) Render(_ context.Context, pass *gpu.RenderPass) (gpu.Submission, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, gpu.ErrClosed
	}
	p, ok := d.pipelines[pass.Pipeline]
	if !ok {
		return nil, fmt.Errorf("soft: render pipeline: %w", gpu.ErrInvalidID)
	}
	if len(pass.Images) != p.ImageCapacity {
		return nil, fmt.Errorf("soft: render: %d images bound, pipeline capacity %d", len(pass.Images), p.ImageCapacity)
	}
	for _, id := range pass.Images {
		if d.images[id] == nil {
			return nil, fmt.Errorf("soft: render image %d: %w", id, gpu.ErrInvalidID)
		}
	}
	target := d.images[pass.Target]
	if target == nil {
		return nil, fmt.Errorf("soft: render target: %w", gpu.ErrInvalidID)
	}
	var verts []vertex.Vertex
	if pass.VertexCount > 0 {
		vb := d.buffers[pass.VertexBuffer]
		if vb == nil {
			return nil, fmt.Errorf("soft: render vertex buffer: %w", gpu.ErrInvalidID)
		}
		n := uint64(pass.VertexCount) * vertex.Size
		if n > uint64(len(vb.data)) {
			return nil, gpu.ErrOutOfBounds
		}
		verts = vertex.Decode(vb.data[:n])
	}
	if pass.LoadOp == gputypes.LoadOpClear {
		fillImage(target, pass.ClearColor)
		if r := d.images[pass.ResolveTarget]; r != nil {
			fillImage(r, pass.ClearColor)
		}
	}
	frame := Frame{Pass: *pass, Vertices: verts}
	frame.Pass.Images = append([]gpu.ImageID(nil), pass.Images...)
	d.frames = append(d.frames, frame)
	if len(d.frames) > maxFrames {
		d.frames = d.frames[len(d.frames)-maxFrames:]
	}
	d.stats.RenderPasses++
	return gpu.DoneSubmission{}, nil
}

// Close implements gpu.Device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	clear(d.buffers)
	clear(d.images)
	clear(d.pipelines)
	d.memUsed = 0
	return nil
}

// CreateSurface implements gpu.Device with a headless surface.
func (d *Device) CreateSurface(gpu.SurfaceTarget) (gpu.Surface, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, gpu.ErrClosed
	}
	return NewSurface(d), nil
}

// Surface is a headless swapchain backed by device images.
type Surface struct {
	dev *Device

	mu       sync.Mutex
	caps     gpu.SurfaceCapabilities
	cfg      gpu.SwapchainConfig
	images   []gpu.ImageID
	next     int
	acquired map[gpu.ImageID]bool
	inject   []error
	presents []gpu.ImageID
	configs  int
}

var _ gpu.Surface = (*Surface)(nil)

// NewSurface creates a headless surface on dev.
func NewSurface(dev *Device) *Surface {
	return &Surface{
		dev: dev,
		caps: gpu.SurfaceCapabilities{
			Formats: []gpu.SurfaceFormat{
				{Format: gputypes.TextureFormatRGBA16Float, ColorSpace: gpu.ColorSpaceExtendedSrgbLinear},
				{Format: gputypes.TextureFormatBGRA8UnormSrgb, ColorSpace: gpu.ColorSpaceSrgbNonLinear},
				{Format: gputypes.TextureFormatRGB10A2Unorm, ColorSpace: gpu.ColorSpaceHDR10},
				{Format: gputypes.TextureFormatRGBA8UnormSrgb, ColorSpace: gpu.ColorSpaceSrgbNonLinear},
			},
			PresentModes: []gputypes.PresentMode{
				gputypes.PresentModeFifo, gputypes.PresentModeMailbox, gputypes.PresentModeImmediate,
			},
		},
		acquired: make(map[gpu.ImageID]bool),
	}
}

// SetCapabilities replaces the reported capabilities.
func (s *Surface) SetCapabilities(c gpu.SurfaceCapabilities) {
	s.mu.Lock()
	s.caps = c
	s.mu.Unlock()
}

// InjectAcquireError makes the next Acquire calls fail with errs in order.
func (s *Surface) InjectAcquireError(errs ...error) {
	s.mu.Lock()
	s.inject = append(s.inject, errs...)
	s.mu.Unlock()
}

// Presents returns the presented images in order.
func (s *Surface) Presents() []gpu.ImageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gpu.ImageID(nil), s.presents...)
}

// Config returns the current configuration and how many times Configure
// succeeded.
func (s *Surface) Config() (gpu.SwapchainConfig, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.configs
}

// Capabilities implements gpu.Surface.
func (s *Surface) Capabilities() (gpu.SurfaceCapabilities, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps, nil
}

// Configure implements gpu.Surface.
func (s *Surface) Configure(cfg *gpu.SwapchainConfig) error {
	if cfg.Extent.IsZero() {
		return fmt.Errorf("soft: configure zero extent: %w", gpu.ErrOutOfDate)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
	n := max(cfg.ImageCount, 1)
	for range n {
		id, err := s.dev.CreateImage(&gpu.ImageDescriptor{
			Label:  "swapchain",
			Width:  cfg.Extent.Width,
			Height: cfg.Extent.Height,
			Format: cfg.Format,
			Usage:  cfg.Usage,
		})
		if err != nil {
			s.releaseLocked()
			return err
		}
		s.images = append(s.images, id)
	}
	s.cfg = *cfg
	s.next = 0
	s.configs++
	return nil
}

func (s *Surface) releaseLocked() {
	for _, id := range s.images {
		s.dev.DestroyImage(id)
	}
	s.images = s.images[:0]
	clear(s.acquired)
}

// Acquire implements gpu.Surface.
func (s *Surface) Acquire(time.Duration) (gpu.ImageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inject) > 0 {
		err := s.inject[0]
		s.inject = s.inject[1:]
		return gpu.InvalidID, err
	}
	if len(s.images) == 0 {
		return gpu.InvalidID, gpu.ErrOutOfDate
	}
	for range s.images {
		id := s.images[s.next]
		s.next = (s.next + 1) % len(s.images)
		if !s.acquired[id] {
			s.acquired[id] = true
			return id, nil
		}
	}
	return gpu.InvalidID, gpu.ErrTimeout
}

// Present implements gpu.Surface.
func (s *Surface) Present(img gpu.ImageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired[img] {
		return fmt.Errorf("soft: present image %d: %w", img, gpu.ErrInvalidID)
	}
	delete(s.acquired, img)
	s.presents = append(s.presents, img)
	return nil
}

// Destroy implements gpu.Surface.
func (s *Surface) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

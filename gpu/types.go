package gpu

import (
	"errors"

	"github.com/gogpu/gputypes"
)

// BufferID is an opaque handle to a device buffer.
type BufferID uint64

// ImageID is an opaque handle to a 2D device image.
type ImageID uint64

// PipelineID is an opaque handle to a UI render pipeline.
type PipelineID uint64

// InvalidID is the zero value, representing a null resource.
const InvalidID = 0

// Device errors.
var (
	// ErrOutOfMemory is returned when an allocation cannot be satisfied.
	ErrOutOfMemory = errors.New("gpu: out of device memory")

	// ErrOutOfDate is returned by Surface.Acquire and Surface.Present when
	// the swapchain no longer matches the surface and must be recreated.
	ErrOutOfDate = errors.New("gpu: swapchain out of date")

	// ErrTimeout is returned by Surface.Acquire when no image became
	// available within the timeout.
	ErrTimeout = errors.New("gpu: timeout")

	// ErrFullscreenLost is returned when exclusive fullscreen was revoked.
	ErrFullscreenLost = errors.New("gpu: full-screen exclusive mode lost")

	// ErrFormatUnavailable is returned when no acceptable format exists.
	ErrFormatUnavailable = errors.New("gpu: format unavailable")

	// ErrInvalidID is returned for unknown or destroyed resource IDs.
	ErrInvalidID = errors.New("gpu: invalid resource id")

	// ErrOutOfBounds is returned when a write or read exceeds a resource.
	ErrOutOfBounds = errors.New("gpu: access out of bounds")

	// ErrClosed is returned after Device.Close.
	ErrClosed = errors.New("gpu: device closed")

	// ErrBackendUnavailable is returned by Open for unregistered backends.
	ErrBackendUnavailable = errors.New("gpu: backend unavailable")
)

// Extent is a 2D size in pixels.
type Extent struct {
	Width  uint32
	Height uint32
}

// IsZero reports whether either dimension is zero.
func (e Extent) IsZero() bool { return e.Width == 0 || e.Height == 0 }

// Limits describes device limits the core depends on.
type Limits struct {
	// MaxImageDimension2D bounds atlas growth.
	MaxImageDimension2D uint32

	// MaxBufferSize bounds vertex and staging buffers.
	MaxBufferSize uint64
}

// FormatFeatures is a bitmask of operations a format supports.
type FormatFeatures uint32

// Format features.
const (
	FeatureCopySrc FormatFeatures = 1 << iota
	FeatureCopyDst
	FeatureSampled
	FeatureFilterable
	FeatureRenderAttachment
	FeatureMultisample
)

// Has reports whether every bit of want is set.
func (f FormatFeatures) Has(want FormatFeatures) bool { return f&want == want }

// BufferDescriptor describes a buffer.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage

	// HostVisible buffers accept WriteBuffer and ReadBuffer directly.
	HostVisible bool
}

// ImageDescriptor describes a 2D image.
type ImageDescriptor struct {
	Label       string
	Width       uint32
	Height      uint32
	Format      gputypes.TextureFormat
	Usage       gputypes.TextureUsage
	SampleCount uint32
}

// ShaderSource carries a shader as WGSL source, SPIR-V words, or both.
type ShaderSource struct {
	WGSL  string
	SPIRV []uint32
}

// PipelineDescriptor describes the UI render pipeline.
type PipelineDescriptor struct {
	Label       string
	ColorFormat gputypes.TextureFormat
	SampleCount uint32

	// ImageCapacity is the number of sampled image slots, a power of two.
	ImageCapacity int

	Shader ShaderSource
}

// RenderPass describes one draw of the UI vertex buffer.
type RenderPass struct {
	Label string

	// Target is the color attachment. When ResolveTarget is set, Target is
	// the multisampled image and ResolveTarget receives the resolve.
	Target        ImageID
	ResolveTarget ImageID
	Extent        Extent

	LoadOp     gputypes.LoadOp
	ClearColor gputypes.Color

	Pipeline PipelineID

	// Images fills every slot of the pipeline's image capacity in tex order.
	Images []ImageID

	VertexBuffer BufferID
	VertexCount  uint32
}

// ColorSpace is the presentation color space of a surface format.
type ColorSpace uint8

// Color spaces.
const (
	ColorSpaceSrgbNonLinear ColorSpace = iota
	ColorSpaceExtendedSrgbLinear
	ColorSpaceDisplayP3NonLinear
	ColorSpaceHDR10
)

// String returns the color space name.
func (c ColorSpace) String() string {
	switch c {
	case ColorSpaceSrgbNonLinear:
		return "SrgbNonLinear"
	case ColorSpaceExtendedSrgbLinear:
		return "ExtendedSrgbLinear"
	case ColorSpaceDisplayP3NonLinear:
		return "DisplayP3NonLinear"
	case ColorSpaceHDR10:
		return "HDR10"
	default:
		return "Unknown"
	}
}

// SurfaceFormat pairs a swapchain format with its color space.
type SurfaceFormat struct {
	Format     gputypes.TextureFormat
	ColorSpace ColorSpace
}

// SurfaceCapabilities lists what a surface can be configured with.
type SurfaceCapabilities struct {
	Formats      []SurfaceFormat
	PresentModes []gputypes.PresentMode
}

// SwapchainConfig configures a surface.
type SwapchainConfig struct {
	Format      gputypes.TextureFormat
	ColorSpace  ColorSpace
	Extent      Extent
	ImageCount  uint32
	Usage       gputypes.TextureUsage
	PresentMode gputypes.PresentMode
}

// SurfaceTarget carries the native handles of a window.
type SurfaceTarget struct {
	Display uintptr
	Window  uintptr
}

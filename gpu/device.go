package gpu

import (
	"context"
	"time"

	"github.com/gogpu/gputypes"
)

// Device abstracts a GPU device and its transfer queue.
//
// Resource lifecycle:
//   - Resources are created via Create* methods and released via Destroy*
//   - Destroying a resource still referenced by pending work is undefined
//   - IDs are never reused
//
// Implementations must be safe for concurrent use; the core accesses a
// device from the worker and renderer goroutines of every window.
type Device interface {
	// Limits returns the limits of the device.
	Limits() Limits

	// FormatFeatures reports what format supports for sampled images.
	FormatFeatures(format gputypes.TextureFormat) FormatFeatures

	// CreateBuffer creates a buffer.
	CreateBuffer(desc *BufferDescriptor) (BufferID, error)

	// DestroyBuffer releases a buffer.
	DestroyBuffer(id BufferID)

	// WriteBuffer writes host data into a buffer at offset.
	WriteBuffer(id BufferID, offset uint64, data []byte) error

	// ReadBuffer reads len(out) bytes at offset back to the host.
	ReadBuffer(ctx context.Context, id BufferID, offset uint64, out []byte) error

	// CreateImage creates a 2D image with zeroed contents.
	CreateImage(desc *ImageDescriptor) (ImageID, error)

	// DestroyImage releases an image.
	DestroyImage(id ImageID)

	// ReadImage reads the tightly packed contents of an image.
	ReadImage(ctx context.Context, id ImageID, out []byte) error

	// Execute submits a command list and waits for it to complete.
	Execute(ctx context.Context, cmds *CommandList) error

	// CreatePipeline creates a UI render pipeline.
	CreatePipeline(desc *PipelineDescriptor) (PipelineID, error)

	// DestroyPipeline releases a pipeline.
	DestroyPipeline(id PipelineID)

	// Render records and submits a render pass without waiting for it.
	Render(ctx context.Context, pass *RenderPass) (Submission, error)

	// CreateSurface creates a presentation surface for a native window.
	CreateSurface(target SurfaceTarget) (Surface, error)

	// Close releases the device. Outstanding resources are released too.
	Close() error
}

// Submission is in-flight device work.
type Submission interface {
	// Wait blocks until the work has completed.
	Wait(ctx context.Context) error
}

// Surface is a presentable swapchain bound to a window.
type Surface interface {
	// Capabilities lists supported formats and present modes.
	Capabilities() (SurfaceCapabilities, error)

	// Configure (re)creates the swapchain.
	Configure(cfg *SwapchainConfig) error

	// Acquire returns the next swapchain image. It returns ErrTimeout,
	// ErrOutOfDate or ErrFullscreenLost when no image can be drawn to.
	Acquire(timeout time.Duration) (ImageID, error)

	// Present queues an acquired image for display.
	Present(img ImageID) error

	// Destroy releases the swapchain and the surface.
	Destroy()
}

// DoneSubmission is a Submission that has already completed.
type DoneSubmission struct{}

// Wait returns immediately.
func (DoneSubmission) Wait(context.Context) error { return nil }

// WaitTimeout is the fence timeout used by synchronous device work.
const WaitTimeout = 5 * time.Second

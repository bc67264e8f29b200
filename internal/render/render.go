// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package render runs the swapchain loop of a window.
//
// The renderer takes prepared frames from the worker, draws them into
// acquired swapchain images and presents them. It never mutates worker
// state; a frame's resources are handed over through odb.Handoff and its
// barrier.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/basalt/gpu"
	"github.com/gogpu/basalt/internal/backing"
	"github.com/gogpu/basalt/internal/logging"
	"github.com/gogpu/basalt/internal/odb"
	"github.com/gogpu/basalt/internal/queue"
	"github.com/gogpu/basalt/shader"
)

// AcquireTimeout bounds one swapchain acquire; the loop retries after it.
const AcquireTimeout = time.Second

// SwapchainImages is the requested swapchain length.
const SwapchainImages = 2

// Config configures a Renderer.
type Config struct {
	Device  gpu.Device
	Surface gpu.Surface
	Events  *queue.Queue[Event]

	// ImageFormat is the format of the default image bound to unused
	// slots; it matches the atlas images.
	ImageFormat gputypes.TextureFormat

	Extent           gpu.Extent
	MSAA             uint32
	VSync            bool
	ConservativeDraw bool
	ClearColor       gputypes.Color
}

// Stats counts renderer activity.
type Stats struct {
	Frames            int
	Updates           int
	Configures        int
	PipelineCreations int
	Capacity          int
	SkippedAcquires   int
}

// Renderer owns the swapchain, pipeline and render targets of a window.
type Renderer struct {
	dev     gpu.Device
	surface gpu.Surface
	events  *queue.Queue[Event]
	log     *slog.Logger

	format       gpu.SurfaceFormat
	imageFormat  gputypes.TextureFormat
	extent       gpu.Extent
	msaa         uint32
	vsync        bool
	conservative bool
	clear        gputypes.Color
	user         UserRenderer

	recreate  bool
	suspended bool
	redraw    bool
	pending   *odb.Handoff
	current   *odb.Handoff
	prev      gpu.Submission

	pipeline        gpu.PipelineID
	capacity        int
	pipelineSamples uint32
	defaultImage    gpu.ImageID

	msaaTarget    gpu.ImageID
	userTarget    gpu.ImageID
	targetExtent  gpu.Extent
	targetSamples uint32

	mu    sync.Mutex
	stats Stats
}

// New prepares a renderer: it selects the surface format, creates the
// default image and the pipeline for the minimum image capacity.
func New(cfg Config) (*Renderer, error) {
	caps, err := cfg.Surface.Capabilities()
	if err != nil {
		return nil, fmt.Errorf("render: surface capabilities: %w", err)
	}
	format, err := SelectSurfaceFormat(caps)
	if err != nil {
		return nil, err
	}
	r := &Renderer{
		dev:          cfg.Device,
		surface:      cfg.Surface,
		events:       cfg.Events,
		log:          logging.Logger().With("component", "render"),
		format:       format,
		imageFormat:  cfg.ImageFormat,
		extent:       cfg.Extent,
		msaa:         1,
		vsync:        cfg.VSync,
		conservative: cfg.ConservativeDraw,
		clear:        cfg.ClearColor,
		recreate:     true,
		redraw:       true,
	}
	r.setMSAA(max(cfg.MSAA, 1))

	r.defaultImage, err = r.dev.CreateImage(&gpu.ImageDescriptor{
		Label:  "default",
		Width:  1,
		Height: 1,
		Format: r.imageFormat,
		Usage:  gputypes.TextureUsageTextureBinding | gputypes.TextureUsageRenderAttachment,
	})
	if err != nil {
		return nil, fmt.Errorf("render: default image: %w", err)
	}
	cmds := gpu.NewCommandList("default-image")
	cmds.ClearImage(r.defaultImage, r.clear)
	if err := r.dev.Execute(context.Background(), cmds); err != nil {
		r.dev.DestroyImage(r.defaultImage)
		return nil, fmt.Errorf("render: clear default image: %w", err)
	}
	if err := r.ensurePipeline(backing.MinCapacity); err != nil {
		r.dev.DestroyImage(r.defaultImage)
		return nil, err
	}
	return r, nil
}

// Format returns the selected surface format.
func (r *Renderer) Format() gpu.SurfaceFormat { return r.format }

// Stats returns a snapshot of the activity counters.
func (r *Renderer) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Renderer) count(f func(*Stats)) {
	r.mu.Lock()
	f(&r.stats)
	r.mu.Unlock()
}

func (r *Renderer) setMSAA(n uint32) {
	switch {
	case !ValidMSAA(n):
		r.log.Warn("render: unsupported sample count", "samples", n)
		return
	case n > 1 && !r.dev.FormatFeatures(r.format.Format).Has(gpu.FeatureMultisample):
		r.log.Warn("render: surface format cannot be multisampled", "format", r.format.Format, "samples", n)
		n = 1
	}
	r.msaa = n
}

// ready reports whether a frame should be drawn now.
func (r *Renderer) ready() bool {
	if r.extent.IsZero() || r.suspended {
		return false
	}
	return r.pending != nil || r.redraw || (!r.conservative && r.current != nil)
}

// Run draws frames until the event queue is closed or ctx is done.
func (r *Renderer) Run(ctx context.Context) error {
	defer r.release()
	for {
		if !r.ready() {
			if err := r.adopt(ctx); err != nil {
				return err
			}
			ev, err := r.events.Next(ctx)
			if errors.Is(err, queue.ErrClosed) {
				return nil
			}
			if err != nil {
				return err
			}
			r.handle(ev)
			continue
		}
		if ev, ok := r.events.TryNext(); ok {
			r.handle(ev)
			continue
		}
		if r.events.Closed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.frame(ctx); err != nil {
			r.log.Error("render: frame failed", "err", err)
			return err
		}
	}
}

func (r *Renderer) handle(ev Event) {
	switch ev := ev.(type) {
	case Resize:
		if ev.Extent != r.extent {
			r.extent = ev.Extent
			r.recreate = true
		}
		r.suspended = false
		r.redraw = true
	case Redraw:
		r.redraw = true
	case Fullscreen:
		r.log.Debug("render: full-screen changed", "enabled", ev.Enabled)
		r.recreate = true
		r.redraw = true
	case SetMSAA:
		r.setMSAA(ev.Samples)
		r.redraw = true
	case SetVSync:
		if ev.Enabled != r.vsync {
			r.vsync = ev.Enabled
			r.recreate = true
		}
		r.redraw = true
	case SetUserRenderer:
		r.user = ev.R
		r.redraw = true
	case Update:
		// The worker waits on each barrier before preparing the next
		// frame, so at most one handoff is pending.
		r.pending = ev.Handoff
	}
}

func (r *Renderer) waitPrev(ctx context.Context) error {
	if r.prev == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, gpu.WaitTimeout)
	defer cancel()
	if err := r.prev.Wait(ctx); err != nil {
		return fmt.Errorf("render: wait previous frame: %w", err)
	}
	r.prev = nil
	return nil
}

// adopt makes the pending frame current once the previous submission no
// longer reads the resources it replaces, and releases the worker.
func (r *Renderer) adopt(ctx context.Context) error {
	if r.pending == nil {
		return nil
	}
	if err := r.waitPrev(ctx); err != nil {
		return err
	}
	r.current, r.pending = r.pending, nil
	r.current.Barrier.Signal()
	r.count(func(s *Stats) { s.Updates++ })
	return nil
}

func (r *Renderer) configure() error {
	caps, err := r.surface.Capabilities()
	if err != nil {
		return fmt.Errorf("render: surface capabilities: %w", err)
	}
	cfg := &gpu.SwapchainConfig{
		Format:      r.format.Format,
		ColorSpace:  r.format.ColorSpace,
		Extent:      r.extent,
		ImageCount:  SwapchainImages,
		Usage:       gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopyDst,
		PresentMode: SelectPresentMode(caps, r.vsync),
	}
	if err := r.surface.Configure(cfg); err != nil {
		return err
	}
	r.count(func(s *Stats) { s.Configures++ })
	r.log.Debug("render: swapchain configured", "extent", r.extent, "mode", cfg.PresentMode)
	return nil
}

// frame draws and presents one frame. Recoverable swapchain conditions
// return nil with flags set for the next attempt.
func (r *Renderer) frame(ctx context.Context) error {
	if r.recreate {
		if err := r.waitPrev(ctx); err != nil {
			return err
		}
		if err := r.configure(); err != nil {
			if errors.Is(err, gpu.ErrOutOfDate) {
				r.log.Warn("render: swapchain unavailable until resized", "err", err)
				r.suspended = true
				return nil
			}
			return fmt.Errorf("render: configure swapchain: %w", err)
		}
		r.recreate = false
	}

	img, err := r.surface.Acquire(AcquireTimeout)
	switch {
	case errors.Is(err, gpu.ErrOutOfDate), errors.Is(err, gpu.ErrFullscreenLost):
		r.log.Warn("render: acquire", "err", err)
		r.recreate = true
		r.count(func(s *Stats) { s.SkippedAcquires++ })
		return nil
	case errors.Is(err, gpu.ErrTimeout):
		r.count(func(s *Stats) { s.SkippedAcquires++ })
		return nil
	case err != nil:
		return fmt.Errorf("render: acquire: %w", err)
	}

	if err := r.adopt(ctx); err != nil {
		return err
	}

	var images []gpu.ImageID
	if r.current != nil {
		images = r.current.Images
	}
	if err := r.ensurePipeline(backing.Capacity(len(images))); err != nil {
		return err
	}
	if err := r.ensureTargets(); err != nil {
		return err
	}

	pass := &gpu.RenderPass{
		Label:      "ui",
		Target:     img,
		Extent:     r.extent,
		LoadOp:     gputypes.LoadOpClear,
		ClearColor: r.clear,
		Pipeline:   r.pipeline,
		Images:     make([]gpu.ImageID, r.capacity),
	}
	for i := range pass.Images {
		pass.Images[i] = r.defaultImage
	}
	copy(pass.Images, images)
	if r.current != nil && r.current.VertexCount > 0 {
		pass.VertexBuffer = r.current.VertexBuffer
		pass.VertexCount = r.current.VertexCount
	}

	switch {
	case r.user != nil:
		if err := r.user.Render(ctx, r.dev, r.userTarget, r.extent); err != nil {
			return fmt.Errorf("render: user renderer: %w", err)
		}
		under := gpu.NewCommandList("user-composite")
		under.CopyImage(r.userTarget, img, r.extent.Width, r.extent.Height)
		if err := r.dev.Execute(ctx, under); err != nil {
			return fmt.Errorf("render: composite: %w", err)
		}
		pass.LoadOp = gputypes.LoadOpLoad
	case r.msaa > 1:
		pass.Target, pass.ResolveTarget = r.msaaTarget, img
	}

	sub, err := r.dev.Render(ctx, pass)
	if err != nil {
		return fmt.Errorf("render: draw: %w", err)
	}
	r.prev = sub
	if err := r.surface.Present(img); err != nil {
		if !errors.Is(err, gpu.ErrOutOfDate) {
			return fmt.Errorf("render: present: %w", err)
		}
		r.recreate = true
	}
	r.redraw = false
	r.count(func(s *Stats) { s.Frames++ })
	return nil
}

// samples is the sample count of the UI pass. User composited frames are
// drawn single-sampled on top of the copied user image.
func (r *Renderer) samples() uint32 {
	if r.user != nil {
		return 1
	}
	return r.msaa
}

// ensurePipeline recreates the pipeline when the image capacity must grow
// or the sample count changed.
func (r *Renderer) ensurePipeline(capacity int) error {
	capacity = max(capacity, r.capacity)
	samples := r.samples()
	if r.pipeline != gpu.InvalidID && capacity == r.capacity && samples == r.pipelineSamples {
		return nil
	}
	if err := r.waitPrev(context.Background()); err != nil {
		return err
	}
	id, err := r.dev.CreatePipeline(&gpu.PipelineDescriptor{
		Label:         "ui",
		ColorFormat:   r.format.Format,
		SampleCount:   samples,
		ImageCapacity: capacity,
		Shader:        gpu.ShaderSource{WGSL: shader.WGSL(capacity)},
	})
	if err != nil {
		return fmt.Errorf("render: create pipeline: %w", err)
	}
	if r.pipeline != gpu.InvalidID {
		r.dev.DestroyPipeline(r.pipeline)
	}
	r.pipeline, r.capacity, r.pipelineSamples = id, capacity, samples
	r.count(func(s *Stats) {
		s.PipelineCreations++
		s.Capacity = capacity
	})
	r.log.Debug("render: pipeline created", "capacity", capacity, "samples", samples)
	return nil
}

// ensureTargets keeps the multisampled and user images in step with the
// extent and mode.
func (r *Renderer) ensureTargets() error {
	samples := r.samples()
	if r.targetExtent == r.extent && r.targetSamples == samples &&
		(r.user == nil) == (r.userTarget == gpu.InvalidID) {
		return nil
	}
	if err := r.waitPrev(context.Background()); err != nil {
		return err
	}
	r.destroyTargets()
	if samples > 1 {
		id, err := r.dev.CreateImage(&gpu.ImageDescriptor{
			Label:       "msaa",
			Width:       r.extent.Width,
			Height:      r.extent.Height,
			Format:      r.format.Format,
			Usage:       gputypes.TextureUsageRenderAttachment,
			SampleCount: samples,
		})
		if err != nil {
			return fmt.Errorf("render: msaa target: %w", err)
		}
		r.msaaTarget = id
	}
	if r.user != nil {
		id, err := r.dev.CreateImage(&gpu.ImageDescriptor{
			Label:  "user",
			Width:  r.extent.Width,
			Height: r.extent.Height,
			Format: r.format.Format,
			Usage: gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc |
				gputypes.TextureUsageTextureBinding,
		})
		if err != nil {
			return fmt.Errorf("render: user target: %w", err)
		}
		r.userTarget = id
	}
	r.targetExtent, r.targetSamples = r.extent, samples
	return nil
}

func (r *Renderer) destroyTargets() {
	if r.msaaTarget != gpu.InvalidID {
		r.dev.DestroyImage(r.msaaTarget)
		r.msaaTarget = gpu.InvalidID
	}
	if r.userTarget != gpu.InvalidID {
		r.dev.DestroyImage(r.userTarget)
		r.userTarget = gpu.InvalidID
	}
}

// release frees renderer resources and lets a waiting worker continue.
func (r *Renderer) release() {
	if r.pending != nil {
		r.pending.Barrier.Signal()
		r.pending = nil
	}
	if err := r.waitPrev(context.Background()); err != nil {
		r.log.Warn("render: release", "err", err)
	}
	r.destroyTargets()
	if r.pipeline != gpu.InvalidID {
		r.dev.DestroyPipeline(r.pipeline)
		r.pipeline = gpu.InvalidID
	}
	if r.defaultImage != gpu.InvalidID {
		r.dev.DestroyImage(r.defaultImage)
		r.defaultImage = gpu.InvalidID
	}
}

// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package halgpu implements gpu.Device on the gogpu/wgpu hardware
// abstraction layer.
//
// Importing the package registers the "vulkan" backend with gpu.Register.
// A device can also be built from a host application's existing hal device
// with FromProvider, in which case the application owns the device and
// surfaces cannot be created.
//
// Submissions are serialised by the device. Resources destroyed while a
// submission may still use them are retired until the queue reports it
// complete.
package halgpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/vulkan" // Vulkan hal backend

	"github.com/gogpu/basalt/gpu"
	"github.com/gogpu/basalt/internal/logging"
)

func init() {
	gpu.Register(backend{})
}

type backend struct{}

func (backend) Name() string              { return "vulkan" }
func (backend) Open() (gpu.Device, error) { return Open() }

// Provider exposes an existing hal device and queue. HalDevice must return
// a hal.Device and HalQueue a hal.Queue.
type Provider interface {
	HalDevice() any
	HalQueue() any
}

// Device is a gpu.Device backed by a hal device.
type Device struct {
	instance hal.Instance // nil for provided devices
	adapter  hal.Adapter  // nil for provided devices
	device   hal.Device
	queue    hal.Queue
	limits   gpu.Limits
	owned    bool
	log      *slog.Logger

	mu        sync.Mutex
	closed    bool
	nextID    uint64
	submitted uint64
	buffers   map[gpu.BufferID]*buffer
	images    map[gpu.ImageID]*image
	pipelines map[gpu.PipelineID]*pipeline
	inflight  []inflight
	retired   []retired
	pending   []func()
	sampler   hal.Sampler
	blits     map[gputypes.TextureFormat]*blitPipeline
}

// Open creates an instance with the Vulkan backend and opens a device on
// its preferred adapter.
func Open() (*Device, error) {
	b, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("halgpu: %w: vulkan", gpu.ErrBackendUnavailable)
	}
	inst, err := b.CreateInstance(&hal.InstanceDescriptor{Backends: gputypes.BackendsVulkan})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create instance: %w", err)
	}
	exposed, ok := pickAdapter(inst.EnumerateAdapters(nil))
	if !ok {
		inst.Destroy()
		return nil, fmt.Errorf("halgpu: %w: no vulkan adapter", gpu.ErrBackendUnavailable)
	}
	open, err := exposed.Adapter.Open(0, exposed.Capabilities.Limits)
	if err != nil {
		inst.Destroy()
		return nil, fmt.Errorf("halgpu: open adapter %q: %w", exposed.Info.Name, mapError(err))
	}

	d, err := newDevice(open.Device, open.Queue, exposed.Capabilities.Limits)
	if err != nil {
		open.Device.Destroy()
		inst.Destroy()
		return nil, err
	}
	d.instance = inst
	d.adapter = exposed.Adapter
	d.owned = true
	d.log.Info("device opened", "adapter", exposed.Info.Name, "type", exposed.Info.DeviceType.String())
	return d, nil
}

// FromProvider wraps the hal device of a host application. Close releases
// the resources created through the returned device but not the device.
func FromProvider(p Provider) (*Device, error) {
	dev, ok := p.HalDevice().(hal.Device)
	if !ok || dev == nil {
		return nil, errors.New("halgpu: provider has no hal device")
	}
	q, ok := p.HalQueue().(hal.Queue)
	if !ok || q == nil {
		return nil, errors.New("halgpu: provider has no hal queue")
	}
	return newDevice(dev, q, gputypes.DefaultLimits())
}

func newDevice(dev hal.Device, q hal.Queue, limits gputypes.Limits) (*Device, error) {
	d := &Device{
		device: dev,
		queue:  q,
		limits: gpu.Limits{
			MaxImageDimension2D: limits.MaxTextureDimension2D,
			MaxBufferSize:       limits.MaxBufferSize,
		},
		log:       logging.Logger().With("component", "halgpu"),
		buffers:   make(map[gpu.BufferID]*buffer),
		images:    make(map[gpu.ImageID]*image),
		pipelines: make(map[gpu.PipelineID]*pipeline),
		blits:     make(map[gputypes.TextureFormat]*blitPipeline),
	}
	sampler, err := dev.CreateSampler(samplerDescriptor())
	if err != nil {
		return nil, fmt.Errorf("halgpu: create sampler: %w", mapError(err))
	}
	d.sampler = sampler
	return d, nil
}

// samplerDescriptor describes the sampler shared by every image slot.
// Filtering is nearest so atlas padding never bleeds into a sub-image.
// The HAL has no clamp-to-border mode; clamp-to-edge reads the zeroed
// padding instead.
func samplerDescriptor() *hal.SamplerDescriptor {
	return &hal.SamplerDescriptor{
		Label:        "basalt_sampler",
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    gputypes.FilterModeNearest,
		MinFilter:    gputypes.FilterModeNearest,
		MipmapFilter: gputypes.FilterModeNearest,
	}
}

// pickAdapter prefers a discrete GPU, then an integrated one, then
// whatever was enumerated first.
func pickAdapter(adapters []hal.ExposedAdapter) (hal.ExposedAdapter, bool) {
	if len(adapters) == 0 {
		return hal.ExposedAdapter{}, false
	}
	best, rank := 0, adapterRank(adapters[0].Info.DeviceType)
	for i, a := range adapters[1:] {
		if r := adapterRank(a.Info.DeviceType); r < rank {
			best, rank = i+1, r
		}
	}
	return adapters[best], true
}

func adapterRank(t gputypes.DeviceType) int {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		return 0
	case gputypes.DeviceTypeIntegratedGPU:
		return 1
	case gputypes.DeviceTypeVirtualGPU:
		return 2
	default:
		return 3
	}
}

// mapError translates hal errors into the gpu package's errors.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, hal.ErrDeviceOutOfMemory):
		return fmt.Errorf("%w: %w", gpu.ErrOutOfMemory, err)
	case errors.Is(err, hal.ErrSurfaceOutdated), errors.Is(err, hal.ErrSurfaceLost),
		errors.Is(err, hal.ErrZeroArea):
		return fmt.Errorf("%w: %w", gpu.ErrOutOfDate, err)
	case errors.Is(err, hal.ErrTimeout), errors.Is(err, hal.ErrNotReady):
		return fmt.Errorf("%w: %w", gpu.ErrTimeout, err)
	}
	return err
}

// featuresFrom maps hal format capabilities to format features.
func featuresFrom(flags hal.TextureFormatCapabilityFlags) gpu.FormatFeatures {
	var f gpu.FormatFeatures
	if flags&hal.TextureFormatCapabilitySampled != 0 {
		f |= gpu.FeatureSampled | gpu.FeatureFilterable | gpu.FeatureCopySrc | gpu.FeatureCopyDst
	}
	if flags&hal.TextureFormatCapabilityRenderAttachment != 0 {
		f |= gpu.FeatureRenderAttachment
	}
	if flags&hal.TextureFormatCapabilityMultisample != 0 {
		f |= gpu.FeatureMultisample
	}
	return f
}

// Limits implements gpu.Device.
func (d *Device) Limits() gpu.Limits { return d.limits }

// FormatFeatures implements gpu.Device. Provided devices have no adapter
// to query and report the features every Vulkan implementation guarantees
// for the 8-bit formats.
func (d *Device) FormatFeatures(format gputypes.TextureFormat) gpu.FormatFeatures {
	if d.adapter != nil {
		return featuresFrom(d.adapter.TextureFormatCapabilities(format).Flags)
	}
	switch format {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb,
		gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatBGRA8UnormSrgb:
		return featuresFrom(hal.TextureFormatCapabilitySampled |
			hal.TextureFormatCapabilityRenderAttachment |
			hal.TextureFormatCapabilityMultisample)
	case gputypes.TextureFormatR8Unorm:
		return featuresFrom(hal.TextureFormatCapabilitySampled | hal.TextureFormatCapabilityRenderAttachment)
	}
	return 0
}

func (d *Device) newIDLocked() uint64 {
	d.nextID++
	return d.nextID
}

// Close waits for the queue to drain and releases every resource.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	err := d.device.WaitIdle()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.reclaimLocked(d.submitted)
	for id, p := range d.pipelines {
		p.destroy(d.device)
		delete(d.pipelines, id)
	}
	for _, b := range d.blits {
		b.destroy(d.device)
	}
	clear(d.blits)
	for id, img := range d.images {
		img.destroy(d.device)
		delete(d.images, id)
	}
	for id, b := range d.buffers {
		d.device.DestroyBuffer(b.raw)
		delete(d.buffers, id)
	}
	d.device.DestroySampler(d.sampler)
	if d.owned {
		d.device.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
	if err != nil {
		return fmt.Errorf("halgpu: wait idle: %w", mapError(err))
	}
	return nil
}

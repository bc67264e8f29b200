// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halgpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/basalt/gpu"
)

// Surface is a gpu.Surface over a hal surface.
type Surface struct {
	d   *Device
	raw hal.Surface

	mu         sync.Mutex
	cfg        gpu.SwapchainConfig
	configured bool
	suboptimal bool
	acquired   map[gpu.ImageID]hal.SurfaceTexture
}

// CreateSurface implements gpu.Device. Devices from FromProvider have no
// instance and cannot create surfaces.
func (d *Device) CreateSurface(target gpu.SurfaceTarget) (gpu.Surface, error) {
	if d.instance == nil || d.adapter == nil {
		return nil, fmt.Errorf("halgpu: create surface: %w: device has no instance", gpu.ErrBackendUnavailable)
	}
	raw, err := d.instance.CreateSurface(target.Display, target.Window)
	if err != nil {
		return nil, fmt.Errorf("halgpu: create surface: %w", mapError(err))
	}
	return &Surface{d: d, raw: raw, acquired: make(map[gpu.ImageID]hal.SurfaceTexture)}, nil
}

// Capabilities implements gpu.Surface. Vulkan surfaces report sRGB
// non-linear formats.
func (s *Surface) Capabilities() (gpu.SurfaceCapabilities, error) {
	caps := s.d.adapter.SurfaceCapabilities(s.raw)
	if caps == nil {
		return gpu.SurfaceCapabilities{}, fmt.Errorf("halgpu: surface capabilities: %w", gpu.ErrFormatUnavailable)
	}
	out := gpu.SurfaceCapabilities{PresentModes: caps.PresentModes}
	for _, f := range caps.Formats {
		out.Formats = append(out.Formats, gpu.SurfaceFormat{Format: f, ColorSpace: gpu.ColorSpaceSrgbNonLinear})
	}
	return out, nil
}

// Configure implements gpu.Surface. ImageCount is chosen by the hal.
func (s *Surface) Configure(cfg *gpu.SwapchainConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
	if cfg.Extent.IsZero() {
		return fmt.Errorf("halgpu: configure %dx%d: %w", cfg.Extent.Width, cfg.Extent.Height, gpu.ErrOutOfDate)
	}
	err := s.raw.Configure(s.d.device, &hal.SurfaceConfiguration{
		Width:       cfg.Extent.Width,
		Height:      cfg.Extent.Height,
		Format:      cfg.Format,
		Usage:       cfg.Usage,
		PresentMode: cfg.PresentMode,
		AlphaMode:   gputypes.CompositeAlphaModeOpaque,
	})
	if err != nil {
		s.configured = false
		return fmt.Errorf("halgpu: configure surface: %w", mapError(err))
	}
	s.cfg = *cfg
	s.configured = true
	s.suboptimal = false
	return nil
}

// Acquire implements gpu.Surface. The hal paces acquisition itself, so
// timeout is not passed down.
func (s *Surface) Acquire(time.Duration) (gpu.ImageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configured {
		return gpu.InvalidID, fmt.Errorf("halgpu: acquire: %w", gpu.ErrOutOfDate)
	}
	acq, err := s.raw.AcquireTexture(nil)
	if err != nil {
		return gpu.InvalidID, fmt.Errorf("halgpu: acquire: %w", mapError(err))
	}
	view, err := s.d.device.CreateTextureView(acq.Texture, &hal.TextureViewDescriptor{
		Label:         "basalt_swapchain",
		Format:        s.cfg.Format,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		s.raw.DiscardTexture(acq.Texture)
		return gpu.InvalidID, fmt.Errorf("halgpu: swapchain view: %w", mapError(err))
	}

	d := s.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.device.DestroyTextureView(view)
		s.raw.DiscardTexture(acq.Texture)
		return gpu.InvalidID, gpu.ErrClosed
	}
	id := gpu.ImageID(d.newIDLocked())
	d.images[id] = &image{
		tex:  acq.Texture,
		view: view,
		desc: gpu.ImageDescriptor{
			Label:       "swapchain",
			Width:       s.cfg.Extent.Width,
			Height:      s.cfg.Extent.Height,
			Format:      s.cfg.Format,
			Usage:       s.cfg.Usage,
			SampleCount: 1,
		},
		surface: s,
	}
	s.acquired[id] = acq.Texture
	s.suboptimal = s.suboptimal || acq.Suboptimal
	return id, nil
}

// takeLocked unregisters an acquired image. With flush, copies still queued
// for it are submitted first. It must be called with s.mu held.
func (s *Surface) takeLocked(id gpu.ImageID, flush bool) (hal.SurfaceTexture, error) {
	tex, ok := s.acquired[id]
	if !ok {
		return nil, fmt.Errorf("halgpu: present image %d: %w", id, gpu.ErrInvalidID)
	}
	delete(s.acquired, id)

	d := s.d
	d.mu.Lock()
	defer d.mu.Unlock()
	img, ok := d.images[id]
	if !ok {
		return tex, nil
	}
	delete(d.images, id)
	for _, p := range d.pipelines {
		p.forget(d, id)
	}
	var err error
	if flush && len(img.blits) > 0 {
		var enc hal.CommandEncoder
		if enc, err = d.beginLocked("basalt_present_copy"); err == nil {
			if err = d.flushBlitsLocked(enc, img); err != nil {
				d.discardLocked(enc)
			} else {
				_, err = d.submitLocked(enc, true)
			}
		}
	}
	d.retireLocked(func() { img.destroy(d.device) })
	return tex, err
}

// Present implements gpu.Surface. A suboptimal swapchain is presented and
// then reported as out of date.
func (s *Surface) Present(img gpu.ImageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tex, err := s.takeLocked(img, true)
	if tex == nil {
		return err
	}
	if err != nil {
		s.raw.DiscardTexture(tex)
		return err
	}
	if err := s.d.queue.Present(s.raw, tex, nil); err != nil {
		return fmt.Errorf("halgpu: present: %w", mapError(err))
	}
	if s.suboptimal {
		s.suboptimal = false
		return fmt.Errorf("halgpu: present: suboptimal swapchain: %w", gpu.ErrOutOfDate)
	}
	return nil
}

// releaseLocked discards every acquired image.
func (s *Surface) releaseLocked() {
	for id := range s.acquired {
		if tex, _ := s.takeLocked(id, false); tex != nil {
			s.raw.DiscardTexture(tex)
		}
	}
}

// Destroy implements gpu.Surface.
func (s *Surface) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
	if s.configured {
		if err := s.d.device.WaitIdle(); err != nil {
			s.d.log.Warn("halgpu: wait idle before unconfigure", "err", err)
		}
		s.raw.Unconfigure(s.d.device)
		s.configured = false
	}
	s.raw.Destroy()
}

// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halgpu

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/basalt/gpu"
)

type buffer struct {
	raw  hal.Buffer
	size uint64

	// mapped buffers accept queue writes directly.
	mapped bool
}

type image struct {
	tex  hal.Texture
	view hal.TextureView
	desc gpu.ImageDescriptor

	// state is the usage the image was last transitioned to, 0 when its
	// contents are undefined.
	state gputypes.TextureUsage

	// surface is set for swapchain images, which the surface owns.
	surface *Surface

	// blits are copies into a swapchain image recorded before its frame.
	blits []blitRequest
}

func (img *image) destroy(dev hal.Device) {
	dev.DestroyTextureView(img.view)
	if img.surface == nil {
		dev.DestroyTexture(img.tex)
	}
}

func (d *Device) bufferLocked(id gpu.BufferID) (*buffer, error) {
	b, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("halgpu: buffer %d: %w", id, gpu.ErrInvalidID)
	}
	return b, nil
}

func (d *Device) imageLocked(id gpu.ImageID) (*image, error) {
	img, ok := d.images[id]
	if !ok {
		return nil, fmt.Errorf("halgpu: image %d: %w", id, gpu.ErrInvalidID)
	}
	return img, nil
}

// bufferUsage adds the copy usages every buffer needs for staged writes,
// reads and clears.
func bufferUsage(desc *gpu.BufferDescriptor) gputypes.BufferUsage {
	u := desc.Usage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	if desc.HostVisible {
		u |= gputypes.BufferUsageMapWrite
	}
	return u
}

// CreateBuffer implements gpu.Device. New buffers are zeroed.
func (d *Device) CreateBuffer(desc *gpu.BufferDescriptor) (gpu.BufferID, error) {
	if desc.Size > d.limits.MaxBufferSize && d.limits.MaxBufferSize > 0 {
		return gpu.InvalidID, fmt.Errorf("halgpu: buffer %q of %d bytes: %w", desc.Label, desc.Size, gpu.ErrOutOfMemory)
	}
	raw, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: bufferUsage(desc),
	})
	if err != nil {
		return gpu.InvalidID, fmt.Errorf("halgpu: create buffer %q: %w", desc.Label, mapError(err))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.device.DestroyBuffer(raw)
		return gpu.InvalidID, gpu.ErrClosed
	}
	id := gpu.BufferID(d.newIDLocked())
	d.buffers[id] = &buffer{raw: raw, size: desc.Size, mapped: desc.HostVisible}

	if desc.Size > 0 {
		enc, err := d.beginLocked("basalt_zero_buffer")
		if err != nil {
			d.destroyBufferLocked(id)
			return gpu.InvalidID, err
		}
		enc.ClearBuffer(raw, 0, desc.Size)
		if _, err := d.submitLocked(enc, false); err != nil {
			d.destroyBufferLocked(id)
			return gpu.InvalidID, err
		}
	}
	return id, nil
}

// DestroyBuffer implements gpu.Device.
func (d *Device) DestroyBuffer(id gpu.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyBufferLocked(id)
}

func (d *Device) destroyBufferLocked(id gpu.BufferID) {
	b, ok := d.buffers[id]
	if !ok {
		return
	}
	delete(d.buffers, id)
	d.retireLocked(func() { d.device.DestroyBuffer(b.raw) })
}

// WriteBuffer implements gpu.Device. Writes to buffers that are not host
// visible go through a staging buffer and wait for the copy.
func (d *Device) WriteBuffer(id gpu.BufferID, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	d.mu.Lock()
	b, err := d.bufferLocked(id)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if offset+uint64(len(data)) > b.size {
		d.mu.Unlock()
		return fmt.Errorf("halgpu: write %d bytes at %d to buffer %d: %w", len(data), offset, id, gpu.ErrOutOfBounds)
	}
	if b.mapped {
		defer d.mu.Unlock()
		if err := d.queue.WriteBuffer(b.raw, offset, data); err != nil {
			return fmt.Errorf("halgpu: write buffer %d: %w", id, mapError(err))
		}
		return nil
	}

	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "basalt_upload",
		Size:  uint64(len(data)),
		Usage: gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc,
	})
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("halgpu: create upload buffer: %w", mapError(err))
	}
	if err := d.queue.WriteBuffer(staging, 0, data); err != nil {
		d.device.DestroyBuffer(staging)
		d.mu.Unlock()
		return fmt.Errorf("halgpu: write upload buffer: %w", mapError(err))
	}
	enc, err := d.beginLocked("basalt_upload")
	if err != nil {
		d.device.DestroyBuffer(staging)
		d.mu.Unlock()
		return err
	}
	enc.CopyBufferToBuffer(staging, b.raw, []hal.BufferCopy{{DstOffset: offset, Size: uint64(len(data))}})
	sub, err := d.submitLocked(enc, false)
	if err != nil {
		d.device.DestroyBuffer(staging)
		d.mu.Unlock()
		return err
	}
	d.retireLocked(func() { d.device.DestroyBuffer(staging) })
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), gpu.WaitTimeout)
	defer cancel()
	return sub.Wait(ctx)
}

// ReadBuffer implements gpu.Device.
func (d *Device) ReadBuffer(ctx context.Context, id gpu.BufferID, offset uint64, out []byte) error {
	if len(out) == 0 {
		return nil
	}
	d.mu.Lock()
	b, err := d.bufferLocked(id)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if offset+uint64(len(out)) > b.size {
		d.mu.Unlock()
		return fmt.Errorf("halgpu: read %d bytes at %d from buffer %d: %w", len(out), offset, id, gpu.ErrOutOfBounds)
	}
	size := uint64(len(out))
	return d.readback(ctx, size, func(enc hal.CommandEncoder, staging hal.Buffer) {
		enc.CopyBufferToBuffer(b.raw, staging, []hal.BufferCopy{{SrcOffset: offset, Size: size}})
	}, func(data []byte) {
		copy(out, data)
	})
}

// readback records a copy into a mappable staging buffer of size bytes,
// waits for it and hands the mapped bytes to read. It must be called with
// d.mu held and releases it.
func (d *Device) readback(ctx context.Context, size uint64,
	record func(enc hal.CommandEncoder, staging hal.Buffer), read func(data []byte),
) error {
	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "basalt_readback",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("halgpu: create readback buffer: %w", mapError(err))
	}
	enc, err := d.beginLocked("basalt_readback")
	if err != nil {
		d.device.DestroyBuffer(staging)
		d.mu.Unlock()
		return err
	}
	record(enc, staging)
	sub, err := d.submitLocked(enc, false)
	d.mu.Unlock()
	if err == nil {
		err = sub.Wait(ctx)
	}
	if err != nil {
		d.mu.Lock()
		d.retireLocked(func() { d.device.DestroyBuffer(staging) })
		d.mu.Unlock()
		return err
	}
	defer d.device.DestroyBuffer(staging)

	m, err := d.device.MapBuffer(staging, 0, size)
	if err != nil {
		return fmt.Errorf("halgpu: map readback buffer: %w", mapError(err))
	}
	read(unsafe.Slice((*byte)(m.Ptr), size))
	if err := d.device.UnmapBuffer(staging); err != nil {
		return fmt.Errorf("halgpu: unmap readback buffer: %w", mapError(err))
	}
	return nil
}

// CreateImage implements gpu.Device. New images are zeroed.
func (d *Device) CreateImage(desc *gpu.ImageDescriptor) (gpu.ImageID, error) {
	if desc.Width == 0 || desc.Height == 0 ||
		desc.Width > d.limits.MaxImageDimension2D || desc.Height > d.limits.MaxImageDimension2D {
		return gpu.InvalidID, fmt.Errorf("halgpu: image %q of %dx%d: %w", desc.Label, desc.Width, desc.Height, gpu.ErrOutOfBounds)
	}
	samples := max(desc.SampleCount, 1)
	tex, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label:         desc.Label,
		Size:          hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   samples,
		Dimension:     gputypes.TextureDimension2D,
		Format:        desc.Format,
		Usage:         desc.Usage,
	})
	if err != nil {
		return gpu.InvalidID, fmt.Errorf("halgpu: create image %q: %w", desc.Label, mapError(err))
	}
	view, err := d.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:         desc.Label,
		Format:        desc.Format,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		d.device.DestroyTexture(tex)
		return gpu.InvalidID, fmt.Errorf("halgpu: create view of %q: %w", desc.Label, mapError(err))
	}

	img := &image{tex: tex, view: view, desc: *desc}
	img.desc.SampleCount = samples

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		img.destroy(d.device)
		return gpu.InvalidID, gpu.ErrClosed
	}
	id := gpu.ImageID(d.newIDLocked())
	d.images[id] = img
	if err := d.zeroImageLocked(img); err != nil {
		d.destroyImageLocked(id)
		return gpu.InvalidID, err
	}
	return id, nil
}

// zeroImageLocked clears a new image with a render pass when it is an
// attachment, or by copying from a cleared buffer otherwise.
func (d *Device) zeroImageLocked(img *image) error {
	u := img.desc.Usage
	if u&(gputypes.TextureUsageRenderAttachment|gputypes.TextureUsageCopyDst) == 0 {
		return nil
	}
	enc, err := d.beginLocked("basalt_zero_image")
	if err != nil {
		return err
	}
	if u&gputypes.TextureUsageRenderAttachment != 0 {
		if err := clearImage(enc, img, gputypes.Color{}); err != nil {
			d.discardLocked(enc)
			return err
		}
		_, err = d.submitLocked(enc, false)
		return err
	}

	pitch := gpu.RowPitch(img.desc.Width, max(gpu.BytesPerPixel(img.desc.Format), 1))
	size := uint64(pitch) * uint64(img.desc.Height)
	zero, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "basalt_zero",
		Size:  size,
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		d.discardLocked(enc)
		return fmt.Errorf("halgpu: create zero buffer: %w", mapError(err))
	}
	enc.ClearBuffer(zero, 0, size)
	transition(enc, img, gputypes.TextureUsageCopyDst)
	enc.CopyBufferToTexture(zero, img.tex, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{BytesPerRow: pitch, RowsPerImage: img.desc.Height},
		TextureBase:  hal.ImageCopyTexture{Texture: img.tex, Aspect: gputypes.TextureAspectAll},
		Size:         hal.Extent3D{Width: img.desc.Width, Height: img.desc.Height, DepthOrArrayLayers: 1},
	}})
	if _, err := d.submitLocked(enc, false); err != nil {
		d.device.DestroyBuffer(zero)
		return err
	}
	d.retireLocked(func() { d.device.DestroyBuffer(zero) })
	return nil
}

// DestroyImage implements gpu.Device.
func (d *Device) DestroyImage(id gpu.ImageID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyImageLocked(id)
}

func (d *Device) destroyImageLocked(id gpu.ImageID) {
	img, ok := d.images[id]
	if !ok {
		return
	}
	delete(d.images, id)
	for _, p := range d.pipelines {
		p.forget(d, id)
	}
	d.retireLocked(func() { img.destroy(d.device) })
}

// ReadImage implements gpu.Device.
func (d *Device) ReadImage(ctx context.Context, id gpu.ImageID, out []byte) error {
	d.mu.Lock()
	img, err := d.imageLocked(id)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	bpp := gpu.BytesPerPixel(img.desc.Format)
	w, h := img.desc.Width, img.desc.Height
	tight := int(w) * bpp
	if bpp == 0 || len(out) < tight*int(h) || img.surface != nil || img.desc.SampleCount > 1 {
		d.mu.Unlock()
		return fmt.Errorf("halgpu: read image %d into %d bytes: %w", id, len(out), gpu.ErrOutOfBounds)
	}
	pitch := gpu.RowPitch(w, bpp)
	return d.readback(ctx, uint64(pitch)*uint64(h), func(enc hal.CommandEncoder, staging hal.Buffer) {
		transition(enc, img, gputypes.TextureUsageCopySrc)
		enc.CopyTextureToBuffer(img.tex, staging, []hal.BufferTextureCopy{{
			BufferLayout: hal.ImageDataLayout{BytesPerRow: pitch, RowsPerImage: h},
			TextureBase:  hal.ImageCopyTexture{Texture: img.tex, Aspect: gputypes.TextureAspectAll},
			Size:         hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
		}})
	}, func(data []byte) {
		unpackRows(out, data, tight, int(pitch), int(h))
	})
}

// unpackRows copies rows tight bytes wide from a pitched buffer.
func unpackRows(dst, src []byte, tight, pitch, rows int) {
	if tight == pitch {
		copy(dst, src[:tight*rows])
		return
	}
	for y := range rows {
		copy(dst[y*tight:(y+1)*tight], src[y*pitch:y*pitch+tight])
	}
}

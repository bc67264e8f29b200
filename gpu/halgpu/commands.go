// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halgpu

import (
	"context"
	"fmt"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/basalt/gpu"
)

// pollInterval is how often Submission.Wait polls the queue.
const pollInterval = 200 * time.Microsecond

// inflight is a submitted command buffer awaiting completion.
type inflight struct {
	index uint64
	enc   hal.CommandEncoder
	cmd   hal.CommandBuffer
}

// retired is a release deferred until a submission completes.
type retired struct {
	index   uint64
	release func()
}

type submission struct {
	d     *Device
	index uint64
}

// Wait polls the queue until the submission has completed.
func (s submission) Wait(ctx context.Context) error {
	var t *time.Ticker
	for {
		if done := s.d.queue.PollCompleted(); done >= s.index {
			s.d.reclaim(done)
			return nil
		}
		if t == nil {
			t = time.NewTicker(pollInterval)
			defer t.Stop()
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("halgpu: wait for submission %d: %w", s.index, ctx.Err())
		case <-t.C:
		}
	}
}

func (d *Device) reclaim(done uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reclaimLocked(done)
}

// reclaimLocked frees the command buffers and retired resources of every
// submission up to done.
func (d *Device) reclaimLocked(done uint64) {
	n := 0
	for _, f := range d.inflight {
		if f.index <= done {
			d.device.FreeCommandBuffer(f.cmd)
			f.enc.Destroy()
			continue
		}
		d.inflight[n] = f
		n++
	}
	clear(d.inflight[n:])
	d.inflight = d.inflight[:n]

	n = 0
	for _, r := range d.retired {
		if r.index <= done {
			r.release()
			continue
		}
		d.retired[n] = r
		n++
	}
	clear(d.retired[n:])
	d.retired = d.retired[:n]
}

// retireLocked runs release once every submission made so far completed.
func (d *Device) retireLocked(release func()) {
	if d.submitted == 0 || d.queue.PollCompleted() >= d.submitted {
		release()
		return
	}
	d.retired = append(d.retired, retired{index: d.submitted, release: release})
}

func (d *Device) beginLocked(label string) (hal.CommandEncoder, error) {
	if d.closed {
		return nil, gpu.ErrClosed
	}
	enc, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create command encoder: %w", mapError(err))
	}
	if err := enc.BeginEncoding(label); err != nil {
		enc.Destroy()
		return nil, fmt.Errorf("halgpu: begin encoding: %w", mapError(err))
	}
	return enc, nil
}

// releaseAfterSubmitLocked defers release until the commands being
// recorded have completed.
func (d *Device) releaseAfterSubmitLocked(release func()) {
	d.pending = append(d.pending, release)
}

// discardLocked abandons enc and runs the releases recorded for it.
func (d *Device) discardLocked(enc hal.CommandEncoder) {
	enc.DiscardEncoding()
	enc.Destroy()
	for _, release := range d.pending {
		release()
	}
	clear(d.pending)
	d.pending = d.pending[:0]
}

// submitLocked ends and submits enc. Only frame submissions wait on and
// signal the swapchain semaphores.
func (d *Device) submitLocked(enc hal.CommandEncoder, frame bool) (submission, error) {
	cmd, err := enc.EndEncoding()
	if err != nil {
		d.discardLocked(enc)
		return submission{}, fmt.Errorf("halgpu: end encoding: %w", mapError(err))
	}
	if !frame {
		d.queue.SetSwapchainSuppressed(true)
		defer d.queue.SetSwapchainSuppressed(false)
	}
	idx, err := d.queue.Submit([]hal.CommandBuffer{cmd})
	if err != nil {
		d.device.FreeCommandBuffer(cmd)
		d.discardLocked(enc)
		return submission{}, fmt.Errorf("halgpu: submit: %w", mapError(err))
	}
	d.submitted = max(d.submitted, idx)
	d.inflight = append(d.inflight, inflight{index: idx, enc: enc, cmd: cmd})
	for _, release := range d.pending {
		d.retired = append(d.retired, retired{index: idx, release: release})
	}
	clear(d.pending)
	d.pending = d.pending[:0]
	return submission{d: d, index: idx}, nil
}

// Execute implements gpu.Device.
func (d *Device) Execute(ctx context.Context, cmds *gpu.CommandList) error {
	if cmds.Empty() {
		return nil
	}
	d.mu.Lock()
	enc, err := d.beginLocked("basalt_transfer")
	if err != nil {
		d.mu.Unlock()
		return err
	}
	for _, op := range cmds.Ops() {
		if err := d.recordLocked(enc, op); err != nil {
			d.discardLocked(enc)
			d.mu.Unlock()
			return err
		}
	}
	sub, err := d.submitLocked(enc, false)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	return sub.Wait(ctx)
}

func (d *Device) recordLocked(enc hal.CommandEncoder, op gpu.Op) error {
	switch op := op.(type) {
	case gpu.CopyBufferOp:
		src, err := d.bufferLocked(op.Src)
		if err != nil {
			return err
		}
		dst, err := d.bufferLocked(op.Dst)
		if err != nil {
			return err
		}
		regions := make([]hal.BufferCopy, 0, len(op.Regions))
		for _, r := range op.Regions {
			if r.SrcOffset+r.Size > src.size || r.DstOffset+r.Size > dst.size {
				return fmt.Errorf("halgpu: copy %d bytes from %d to %d: %w", r.Size, op.Src, op.Dst, gpu.ErrOutOfBounds)
			}
			regions = append(regions, hal.BufferCopy{SrcOffset: r.SrcOffset, DstOffset: r.DstOffset, Size: r.Size})
		}
		if len(regions) > 0 {
			enc.CopyBufferToBuffer(src.raw, dst.raw, regions)
		}

	case gpu.CopyBufferToImageOp:
		src, err := d.bufferLocked(op.Src)
		if err != nil {
			return err
		}
		dst, err := d.imageLocked(op.Dst)
		if err != nil {
			return err
		}
		regions := make([]hal.BufferTextureCopy, 0, len(op.Regions))
		for _, r := range op.Regions {
			if r.X+r.Width > dst.desc.Width || r.Y+r.Height > dst.desc.Height ||
				r.BufferOffset+uint64(r.BytesPerRow)*uint64(r.Height) > src.size {
				return fmt.Errorf("halgpu: copy %dx%d to image %d at %d,%d: %w",
					r.Width, r.Height, op.Dst, r.X, r.Y, gpu.ErrOutOfBounds)
			}
			regions = append(regions, hal.BufferTextureCopy{
				BufferLayout: hal.ImageDataLayout{Offset: r.BufferOffset, BytesPerRow: r.BytesPerRow, RowsPerImage: r.Height},
				TextureBase: hal.ImageCopyTexture{
					Texture: dst.tex,
					Origin:  hal.Origin3D{X: r.X, Y: r.Y},
					Aspect:  gputypes.TextureAspectAll,
				},
				Size: hal.Extent3D{Width: r.Width, Height: r.Height, DepthOrArrayLayers: 1},
			})
		}
		if len(regions) > 0 {
			transition(enc, dst, gputypes.TextureUsageCopyDst)
			enc.CopyBufferToTexture(src.raw, dst.tex, regions)
		}

	case gpu.CopyImageOp:
		src, err := d.imageLocked(op.Src)
		if err != nil {
			return err
		}
		dst, err := d.imageLocked(op.Dst)
		if err != nil {
			return err
		}
		if op.Width > src.desc.Width || op.Height > src.desc.Height ||
			op.Width > dst.desc.Width || op.Height > dst.desc.Height {
			return fmt.Errorf("halgpu: copy image %d to %d: %w", op.Src, op.Dst, gpu.ErrOutOfBounds)
		}
		if op.Width == 0 || op.Height == 0 {
			return nil
		}
		if dst.surface != nil {
			// Swapchain images cannot be copy destinations; the copy is
			// drawn at the start of the frame that presents dst.
			dst.blits = append(dst.blits, blitRequest{src: op.Src, width: op.Width, height: op.Height})
			return nil
		}
		transition(enc, src, gputypes.TextureUsageCopySrc)
		transition(enc, dst, gputypes.TextureUsageCopyDst)
		enc.CopyTextureToTexture(src.tex, dst.tex, []hal.TextureCopy{{
			SrcBase: hal.ImageCopyTexture{Texture: src.tex, Aspect: gputypes.TextureAspectAll},
			DstBase: hal.ImageCopyTexture{Texture: dst.tex, Aspect: gputypes.TextureAspectAll},
			Size:    hal.Extent3D{Width: op.Width, Height: op.Height, DepthOrArrayLayers: 1},
		}})

	case gpu.ClearBufferOp:
		dst, err := d.bufferLocked(op.Dst)
		if err != nil {
			return err
		}
		if op.Offset+op.Size > dst.size {
			return fmt.Errorf("halgpu: clear %d bytes of buffer %d: %w", op.Size, op.Dst, gpu.ErrOutOfBounds)
		}
		if op.Size > 0 {
			enc.ClearBuffer(dst.raw, op.Offset, op.Size)
		}

	case gpu.ClearImageOp:
		dst, err := d.imageLocked(op.Dst)
		if err != nil {
			return err
		}
		return clearImage(enc, dst, op.Color)

	default:
		return fmt.Errorf("halgpu: unknown op %T", op)
	}
	return nil
}

// usageGeneral is the tracked state of images left in the general layout,
// which the hal maps from storage usage.
const usageGeneral = gputypes.TextureUsageStorageBinding

// attachmentState is the state a render pass leaves a color attachment in.
// Attachments that are also sampled end in the general layout.
func attachmentState(desc *gpu.ImageDescriptor) gputypes.TextureUsage {
	if desc.Usage&gputypes.TextureUsageTextureBinding != 0 && desc.SampleCount <= 1 {
		return usageGeneral
	}
	return gputypes.TextureUsageRenderAttachment
}

// transition records a barrier moving img into state. Swapchain images are
// tracked by the hal.
func transition(enc hal.CommandEncoder, img *image, state gputypes.TextureUsage) {
	if img.surface != nil || img.state == state {
		return
	}
	enc.TransitionTextures([]hal.TextureBarrier{{
		Texture: img.tex,
		Range:   hal.TextureRange{Aspect: gputypes.TextureAspectAll, MipLevelCount: 1, ArrayLayerCount: 1},
		Usage:   hal.TextureUsageTransition{OldUsage: img.state, NewUsage: state},
	}})
	img.state = state
}

// clearImage fills img with c using a clearing render pass.
func clearImage(enc hal.CommandEncoder, img *image, c gputypes.Color) error {
	if img.desc.Usage&gputypes.TextureUsageRenderAttachment == 0 {
		return fmt.Errorf("halgpu: clear image %q: not a render attachment", img.desc.Label)
	}
	rp := enc.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: "basalt_clear",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:       img.view,
			LoadOp:     gputypes.LoadOpClear,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: c,
		}},
	})
	rp.End()
	if img.surface == nil {
		img.state = attachmentState(&img.desc)
	}
	return nil
}

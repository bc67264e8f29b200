// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/basalt/gpu"
)

// blitWGSL draws a full-screen triangle that loads the source texel under
// each fragment.
const blitWGSL = `@group(0) @binding(0) var src: texture_2d<f32>;

@vertex
fn vs_main(@builtin(vertex_index) i: u32) -> @builtin(position) vec4<f32> {
    let p = vec2<f32>(f32((i << 1u) & 2u), f32(i & 2u));
    return vec4<f32>(p * 2.0 - 1.0, 0.0, 1.0);
}

@fragment
fn fs_main(@builtin(position) pos: vec4<f32>) -> @location(0) vec4<f32> {
    return textureLoad(src, vec2<i32>(pos.xy), 0);
}
`

// blitRequest is a copy into a swapchain image waiting for its frame.
type blitRequest struct {
	src           gpu.ImageID
	width, height uint32
}

// blitPipeline copies images into targets of one format by drawing.
type blitPipeline struct {
	module hal.ShaderModule
	group  hal.BindGroupLayout
	layout hal.PipelineLayout
	raw    hal.RenderPipeline
}

func (b *blitPipeline) destroy(dev hal.Device) {
	if b.raw != nil {
		dev.DestroyRenderPipeline(b.raw)
	}
	if b.layout != nil {
		dev.DestroyPipelineLayout(b.layout)
	}
	if b.group != nil {
		dev.DestroyBindGroupLayout(b.group)
	}
	if b.module != nil {
		dev.DestroyShaderModule(b.module)
	}
}

func (d *Device) blitPipelineLocked(format gputypes.TextureFormat) (*blitPipeline, error) {
	if b, ok := d.blits[format]; ok {
		return b, nil
	}
	b := &blitPipeline{}
	var err error
	b.module, err = d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "basalt_blit",
		Source: hal.ShaderSource{WGSL: blitWGSL},
	})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create blit shader: %w", mapError(err))
	}
	b.group, err = d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "basalt_blit",
		Entries: []gputypes.BindGroupLayoutEntry{{
			Binding:    0,
			Visibility: gputypes.ShaderStageFragment,
			Texture: &gputypes.TextureBindingLayout{
				SampleType:    gputypes.TextureSampleTypeFloat,
				ViewDimension: gputypes.TextureViewDimension2D,
			},
		}},
	})
	if err != nil {
		b.destroy(d.device)
		return nil, fmt.Errorf("halgpu: create blit layout: %w", mapError(err))
	}
	b.layout, err = d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "basalt_blit",
		BindGroupLayouts: []hal.BindGroupLayout{b.group},
	})
	if err != nil {
		b.destroy(d.device)
		return nil, fmt.Errorf("halgpu: create blit pipeline layout: %w", mapError(err))
	}
	b.raw, err = d.device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  "basalt_blit",
		Layout: b.layout,
		Vertex: hal.VertexState{Module: b.module, EntryPoint: "vs_main"},
		Fragment: &hal.FragmentState{
			Module:     b.module,
			EntryPoint: "fs_main",
			Targets: []gputypes.ColorTargetState{{
				Format:    format,
				WriteMask: gputypes.ColorWriteMaskAll,
			}},
		},
		Primitive:   gputypes.PrimitiveState{Topology: gputypes.PrimitiveTopologyTriangleList},
		Multisample: gputypes.MultisampleState{Count: 1, Mask: 0xFFFFFFFF},
	})
	if err != nil {
		b.destroy(d.device)
		return nil, fmt.Errorf("halgpu: create blit pipeline: %w", mapError(err))
	}
	d.blits[format] = b
	return b, nil
}

// flushBlitsLocked records the copies queued for a swapchain image.
func (d *Device) flushBlitsLocked(enc hal.CommandEncoder, dst *image) error {
	reqs := dst.blits
	dst.blits = nil
	for _, r := range reqs {
		src, err := d.imageLocked(r.src)
		if err != nil {
			return err
		}
		if err := d.blitLocked(enc, src, dst, r.width, r.height); err != nil {
			return err
		}
	}
	return nil
}

// blitLocked draws the top-left width×height texels of src into dst. A
// copy covering dst clears it first, otherwise dst is loaded.
func (d *Device) blitLocked(enc hal.CommandEncoder, src, dst *image, width, height uint32) error {
	b, err := d.blitPipelineLocked(dst.desc.Format)
	if err != nil {
		return err
	}
	group, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "basalt_blit",
		Layout: b.group,
		Entries: []gputypes.BindGroupEntry{{
			Binding:  0,
			Resource: gputypes.TextureViewBinding{TextureView: src.view.NativeHandle()},
		}},
	})
	if err != nil {
		return fmt.Errorf("halgpu: create blit bind group: %w", mapError(err))
	}
	d.releaseAfterSubmitLocked(func() { d.device.DestroyBindGroup(group) })

	load := gputypes.LoadOpLoad
	if width == dst.desc.Width && height == dst.desc.Height {
		load = gputypes.LoadOpClear
	} else {
		transition(enc, dst, attachmentState(&dst.desc))
	}
	transition(enc, src, gputypes.TextureUsageTextureBinding)
	rp := enc.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: "basalt_blit",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:    dst.view,
			LoadOp:  load,
			StoreOp: gputypes.StoreOpStore,
		}},
	})
	rp.SetViewport(0, 0, float32(width), float32(height), 0, 1)
	rp.SetScissorRect(0, 0, width, height)
	rp.SetPipeline(b.raw)
	rp.SetBindGroup(0, group, nil)
	rp.Draw(3, 1, 0, 0)
	rp.End()
	if dst.surface == nil {
		dst.state = attachmentState(&dst.desc)
	}
	return nil
}

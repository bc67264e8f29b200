// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halgpu

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/basalt/gpu"
	"github.com/gogpu/basalt/shader"
	"github.com/gogpu/basalt/vertex"
)

// pipeline is the UI render pipeline with its bindings. The image bind
// group is rebuilt whenever the bound images change.
type pipeline struct {
	desc gpu.PipelineDescriptor

	module       hal.ShaderModule
	imageLayout  hal.BindGroupLayout
	globalLayout hal.BindGroupLayout
	layout       hal.PipelineLayout
	raw          hal.RenderPipeline

	globals     hal.Buffer
	globalGroup hal.BindGroup
	extent      gpu.Extent

	bound []gpu.ImageID
	group hal.BindGroup
}

func (p *pipeline) destroy(dev hal.Device) {
	if p.group != nil {
		dev.DestroyBindGroup(p.group)
	}
	if p.globalGroup != nil {
		dev.DestroyBindGroup(p.globalGroup)
	}
	if p.globals != nil {
		dev.DestroyBuffer(p.globals)
	}
	if p.raw != nil {
		dev.DestroyRenderPipeline(p.raw)
	}
	if p.layout != nil {
		dev.DestroyPipelineLayout(p.layout)
	}
	if p.globalLayout != nil {
		dev.DestroyBindGroupLayout(p.globalLayout)
	}
	if p.imageLayout != nil {
		dev.DestroyBindGroupLayout(p.imageLayout)
	}
	if p.module != nil {
		dev.DestroyShaderModule(p.module)
	}
}

// forget drops the image bind group when it references id.
func (p *pipeline) forget(d *Device, id gpu.ImageID) {
	if p.group == nil || !slices.Contains(p.bound, id) {
		return
	}
	g := p.group
	p.group, p.bound = nil, nil
	d.retireLocked(func() { d.device.DestroyBindGroup(g) })
}

// moduleSource picks the shader source handed to the hal. Generated UI
// shaders reuse the compiled SPIR-V cache.
func moduleSource(desc *gpu.PipelineDescriptor) (hal.ShaderSource, error) {
	src := desc.Shader
	if len(src.SPIRV) == 0 && (src.WGSL == "" || src.WGSL == shader.WGSL(desc.ImageCapacity)) {
		var err error
		if src, err = shader.Source(desc.ImageCapacity); err != nil {
			return hal.ShaderSource{}, err
		}
	}
	if len(src.SPIRV) > 0 {
		return hal.ShaderSource{SPIRV: src.SPIRV}, nil
	}
	return hal.ShaderSource{WGSL: src.WGSL}, nil
}

// imageLayoutEntries returns the group 0 layout: the sampler followed by
// capacity sampled images.
func imageLayoutEntries(capacity int) []gputypes.BindGroupLayoutEntry {
	entries := make([]gputypes.BindGroupLayoutEntry, 0, capacity+1)
	entries = append(entries, gputypes.BindGroupLayoutEntry{
		Binding:    shader.SamplerBinding,
		Visibility: gputypes.ShaderStageFragment,
		Sampler:    &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering},
	})
	for i := range capacity {
		entries = append(entries, gputypes.BindGroupLayoutEntry{
			Binding:    uint32(shader.FirstImageBinding + i),
			Visibility: gputypes.ShaderStageFragment,
			Texture: &gputypes.TextureBindingLayout{
				SampleType:    gputypes.TextureSampleTypeFloat,
				ViewDimension: gputypes.TextureViewDimension2D,
			},
		})
	}
	return entries
}

// CreatePipeline implements gpu.Device.
func (d *Device) CreatePipeline(desc *gpu.PipelineDescriptor) (gpu.PipelineID, error) {
	if desc.ImageCapacity <= 0 {
		return gpu.InvalidID, fmt.Errorf("halgpu: pipeline %q: invalid image capacity %d", desc.Label, desc.ImageCapacity)
	}
	src, err := moduleSource(desc)
	if err != nil {
		return gpu.InvalidID, fmt.Errorf("halgpu: pipeline %q: %w", desc.Label, err)
	}
	p := &pipeline{desc: *desc}
	if err := d.buildPipeline(p, src); err != nil {
		p.destroy(d.device)
		return gpu.InvalidID, fmt.Errorf("halgpu: pipeline %q: %w", desc.Label, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		p.destroy(d.device)
		return gpu.InvalidID, gpu.ErrClosed
	}
	id := gpu.PipelineID(d.newIDLocked())
	d.pipelines[id] = p
	return id, nil
}

func (d *Device) buildPipeline(p *pipeline, src hal.ShaderSource) error {
	var err error
	p.module, err = d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{Label: "basalt_ui", Source: src})
	if err != nil {
		return fmt.Errorf("create shader module: %w", mapError(err))
	}
	p.imageLayout, err = d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   "basalt_ui_images",
		Entries: imageLayoutEntries(p.desc.ImageCapacity),
	})
	if err != nil {
		return fmt.Errorf("create image layout: %w", mapError(err))
	}
	p.globalLayout, err = d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "basalt_ui_globals",
		Entries: []gputypes.BindGroupLayoutEntry{{
			Binding:    0,
			Visibility: gputypes.ShaderStageVertex,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
		}},
	})
	if err != nil {
		return fmt.Errorf("create globals layout: %w", mapError(err))
	}
	p.layout, err = d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "basalt_ui_layout",
		BindGroupLayouts: []hal.BindGroupLayout{p.imageLayout, p.globalLayout},
	})
	if err != nil {
		return fmt.Errorf("create pipeline layout: %w", mapError(err))
	}

	blend := gputypes.BlendStatePremultiplied()
	p.raw, err = d.device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  p.desc.Label,
		Layout: p.layout,
		Vertex: hal.VertexState{
			Module:     p.module,
			EntryPoint: shader.VertexEntry,
			Buffers:    []gputypes.VertexBufferLayout{vertex.Layout()},
		},
		Fragment: &hal.FragmentState{
			Module:     p.module,
			EntryPoint: shader.FragmentEntry,
			Targets: []gputypes.ColorTargetState{{
				Format:    p.desc.ColorFormat,
				Blend:     &blend,
				WriteMask: gputypes.ColorWriteMaskAll,
			}},
		},
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleList,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{
			Count: max(p.desc.SampleCount, 1),
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return fmt.Errorf("create render pipeline: %w", mapError(err))
	}

	p.globals, err = d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "basalt_ui_globals",
		Size:  shader.ExtentSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create globals buffer: %w", mapError(err))
	}
	p.globalGroup, err = d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "basalt_ui_globals",
		Layout: p.globalLayout,
		Entries: []gputypes.BindGroupEntry{{
			Binding:  0,
			Resource: gputypes.BufferBinding{Buffer: p.globals.NativeHandle(), Size: shader.ExtentSize},
		}},
	})
	if err != nil {
		return fmt.Errorf("create globals bind group: %w", mapError(err))
	}
	return nil
}

// DestroyPipeline implements gpu.Device.
func (d *Device) DestroyPipeline(id gpu.PipelineID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pipelines[id]
	if !ok {
		return
	}
	delete(d.pipelines, id)
	d.retireLocked(func() { p.destroy(d.device) })
}

// extentUniform encodes the Globals uniform of the UI shader.
func extentUniform(e gpu.Extent) []byte {
	b := make([]byte, shader.ExtentSize)
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(float32(e.Width)))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(float32(e.Height)))
	return b
}

// bindImagesLocked returns the image bind group for images, reusing the
// previous one when the images are unchanged.
func (d *Device) bindImagesLocked(p *pipeline, images []*image, ids []gpu.ImageID) (hal.BindGroup, error) {
	if p.group != nil && slices.Equal(p.bound, ids) {
		return p.group, nil
	}
	entries := make([]gputypes.BindGroupEntry, 0, len(images)+1)
	entries = append(entries, gputypes.BindGroupEntry{
		Binding:  shader.SamplerBinding,
		Resource: gputypes.SamplerBinding{Sampler: d.sampler.NativeHandle()},
	})
	for i, img := range images {
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  uint32(shader.FirstImageBinding + i),
			Resource: gputypes.TextureViewBinding{TextureView: img.view.NativeHandle()},
		})
	}
	g, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   "basalt_ui_images",
		Layout:  p.imageLayout,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create image bind group: %w", mapError(err))
	}
	if old := p.group; old != nil {
		d.retireLocked(func() { d.device.DestroyBindGroup(old) })
	}
	p.group, p.bound = g, slices.Clone(ids)
	return g, nil
}

// Render implements gpu.Device.
func (d *Device) Render(_ context.Context, pass *gpu.RenderPass) (gpu.Submission, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, gpu.ErrClosed
	}
	p, ok := d.pipelines[pass.Pipeline]
	if !ok {
		return nil, fmt.Errorf("halgpu: pipeline %d: %w", pass.Pipeline, gpu.ErrInvalidID)
	}
	if len(pass.Images) != p.desc.ImageCapacity {
		return nil, fmt.Errorf("halgpu: pass binds %d images, pipeline holds %d: %w",
			len(pass.Images), p.desc.ImageCapacity, gpu.ErrOutOfBounds)
	}
	target, err := d.imageLocked(pass.Target)
	if err != nil {
		return nil, err
	}
	var resolve *image
	if pass.ResolveTarget != gpu.InvalidID {
		if resolve, err = d.imageLocked(pass.ResolveTarget); err != nil {
			return nil, err
		}
	}
	images := make([]*image, len(pass.Images))
	for i, id := range pass.Images {
		if images[i], err = d.imageLocked(id); err != nil {
			return nil, err
		}
	}
	var vb *buffer
	if pass.VertexCount > 0 {
		if vb, err = d.bufferLocked(pass.VertexBuffer); err != nil {
			return nil, err
		}
		if uint64(pass.VertexCount)*vertex.Size > vb.size {
			return nil, fmt.Errorf("halgpu: %d vertices in buffer %d: %w", pass.VertexCount, pass.VertexBuffer, gpu.ErrOutOfBounds)
		}
	}

	if pass.Extent != p.extent {
		if err := d.queue.WriteBuffer(p.globals, 0, extentUniform(pass.Extent)); err != nil {
			return nil, fmt.Errorf("halgpu: write globals: %w", mapError(err))
		}
		p.extent = pass.Extent
	}
	group, err := d.bindImagesLocked(p, images, pass.Images)
	if err != nil {
		return nil, err
	}

	enc, err := d.beginLocked(pass.Label)
	if err != nil {
		return nil, err
	}
	for _, out := range []*image{target, resolve} {
		if out != nil && out.surface != nil {
			if err := d.flushBlitsLocked(enc, out); err != nil {
				d.discardLocked(enc)
				return nil, err
			}
		}
	}
	for _, img := range images {
		transition(enc, img, gputypes.TextureUsageTextureBinding)
	}
	if pass.LoadOp == gputypes.LoadOpLoad {
		transition(enc, target, attachmentState(&target.desc))
	}

	att := hal.RenderPassColorAttachment{
		View:       target.view,
		LoadOp:     pass.LoadOp,
		StoreOp:    gputypes.StoreOpStore,
		ClearValue: pass.ClearColor,
	}
	if resolve != nil {
		att.ResolveTarget = resolve.view
	}
	rp := enc.BeginRenderPass(&hal.RenderPassDescriptor{
		Label:            pass.Label,
		ColorAttachments: []hal.RenderPassColorAttachment{att},
	})
	rp.SetViewport(0, 0, float32(pass.Extent.Width), float32(pass.Extent.Height), 0, 1)
	rp.SetPipeline(p.raw)
	rp.SetBindGroup(0, group, nil)
	rp.SetBindGroup(shader.ExtentGroup, p.globalGroup, nil)
	if vb != nil {
		rp.SetVertexBuffer(0, vb.raw, 0)
		rp.Draw(pass.VertexCount, 1, 0, 0)
	}
	rp.End()

	for _, out := range []*image{target, resolve} {
		if out != nil && out.surface == nil {
			out.state = attachmentState(&out.desc)
		}
	}
	sub, err := d.submitLocked(enc, true)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

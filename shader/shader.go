// Package shader generates the UI pipeline shader.
//
// The fragment stage samples one of a fixed number of images selected by
// the vertex tex index, so the source depends on the pipeline's image
// capacity. Sources are compiled to SPIR-V with naga and cached per
// capacity.
package shader

import (
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/gogpu/naga"

	"github.com/gogpu/basalt/gpu"
)

// Entry points.
const (
	VertexEntry   = "vs_main"
	FragmentEntry = "fs_main"
)

// Binding layout: group 0 holds the sampler at binding 0 and the images at
// bindings 1 to capacity; group 1 holds the extent uniform.
const (
	SamplerBinding    = 0
	FirstImageBinding = 1
	ExtentGroup       = 1
	ExtentSize        = 16
)

var source = template.Must(template.New("ui").Parse(`// Basalt UI shader, {{.Capacity}} images.

struct Globals {
    extent: vec4<f32>,
}

@group(1) @binding(0) var<uniform> globals: Globals;
@group(0) @binding(0) var samp: sampler;
{{range .Slots}}@group(0) @binding({{.Binding}}) var tex{{.Index}}: texture_2d<f32>;
{{end}}
struct VertexInput {
    @location(0) position: vec3<f32>,
    @location(1) coords: vec2<f32>,
    @location(2) color: vec4<f32>,
    @location(3) tex_i: u32,
    @location(4) ty: u32,
}

struct VertexOutput {
    @builtin(position) clip: vec4<f32>,
    @location(0) coords: vec2<f32>,
    @location(1) color: vec4<f32>,
    @location(2) @interpolate(flat) tex_i: u32,
    @location(3) @interpolate(flat) ty: u32,
}

@vertex
fn vs_main(in: VertexInput) -> VertexOutput {
    var out: VertexOutput;
    let ext = max(globals.extent.xy, vec2<f32>(1.0, 1.0));
    out.clip = vec4<f32>(in.position.x / ext.x * 2.0 - 1.0, 1.0 - in.position.y / ext.y * 2.0, 0.0, 1.0);
    out.coords = in.coords;
    out.color = in.color;
    out.tex_i = in.tex_i;
    out.ty = in.ty;
    return out;
}

fn tex_size(i: u32) -> vec2<f32> {
    switch i {
{{range .Slots}}        case {{.Index}}u: { return vec2<f32>(textureDimensions(tex{{.Index}})); }
{{end}}        default: { return vec2<f32>(1.0, 1.0); }
    }
}

// Coordinates are in texels.
fn sample_tex(i: u32, coords: vec2<f32>) -> vec4<f32> {
    let uv = coords / tex_size(i);
    switch i {
{{range .Slots}}        case {{.Index}}u: { return textureSampleLevel(tex{{.Index}}, samp, uv, 0.0); }
{{end}}        default: { return vec4<f32>(0.0, 0.0, 0.0, 0.0); }
    }
}

// Planar 4:2:0: Y over U and V side by side at half resolution.
fn sample_yuv(i: u32, coords: vec2<f32>) -> vec4<f32> {
    let size = tex_size(i);
    let h = size.y * 2.0 / 3.0;
    let y = sample_tex(i, coords).r;
    let c = vec2<f32>(coords.x * 0.5, h + coords.y * 0.5);
    let u = sample_tex(i, c).r - 0.5;
    let v = sample_tex(i, c + vec2<f32>(size.x * 0.5, 0.0)).r - 0.5;
    let rgb = vec3<f32>(y + 1.402 * v, y - 0.344136 * u - 0.714136 * v, y + 1.772 * u);
    return vec4<f32>(clamp(rgb, vec3<f32>(0.0), vec3<f32>(1.0)), 1.0);
}

@fragment
fn fs_main(in: VertexOutput) -> @location(0) vec4<f32> {
    var c = in.color;
    switch bitcast<i32>(in.ty) {
        case 0: {}
        case 1: { c = sample_tex(in.tex_i, in.coords) * in.color; }
        case 2: { c = vec4<f32>(in.color.rgb, in.color.a * sample_tex(in.tex_i, in.coords).r); }
        case 100: { c = sample_tex(in.tex_i, in.coords); }
        case 101: { c = sample_yuv(in.tex_i, in.coords); }
        case 102: {
            let t = sample_tex(in.tex_i, in.coords);
            c = vec4<f32>(clamp(t.rgb + in.color.rgb, vec3<f32>(0.0), vec3<f32>(1.0)), t.a);
        }
        case 103: {
            let t = sample_tex(in.tex_i, in.coords);
            c = vec4<f32>(mix(in.color.rgb, t.rgb, t.a), max(t.a, in.color.a));
        }
        case 104: {
            let t = sample_tex(in.tex_i, in.coords);
            c = vec4<f32>(clamp(t.rgb - in.color.rgb, vec3<f32>(0.0), vec3<f32>(1.0)), t.a);
        }
        case 105: {
            let t = sample_tex(in.tex_i, in.coords);
            c = vec4<f32>(t.rgb * in.color.rgb, t.a);
        }
        case 106: {
            let t = sample_tex(in.tex_i, in.coords);
            c = vec4<f32>(clamp(t.rgb / max(in.color.rgb, vec3<f32>(0.0001)), vec3<f32>(0.0), vec3<f32>(1.0)), t.a);
        }
        case 107: {
            let t = sample_tex(in.tex_i, in.coords);
            c = vec4<f32>(vec3<f32>(1.0) - t.rgb, t.a);
        }
        // Clear and unknown types leave the target untouched.
        default: { c = vec4<f32>(0.0, 0.0, 0.0, 0.0); }
    }
    return vec4<f32>(c.rgb * c.a, c.a);
}
`))

type slot struct {
	Index   int
	Binding int
}

// WGSL returns the shader source for capacity images.
func WGSL(capacity int) string {
	data := struct {
		Capacity int
		Slots    []slot
	}{Capacity: capacity}
	for i := range capacity {
		data.Slots = append(data.Slots, slot{Index: i, Binding: FirstImageBinding + i})
	}
	var b strings.Builder
	if err := source.Execute(&b, data); err != nil {
		// The template and its data are fixed.
		panic(err)
	}
	return b.String()
}

var compiled sync.Map // int -> gpu.ShaderSource

// Source returns the WGSL and SPIR-V of the shader for capacity images.
func Source(capacity int) (gpu.ShaderSource, error) {
	if capacity <= 0 {
		return gpu.ShaderSource{}, fmt.Errorf("shader: invalid image capacity %d", capacity)
	}
	if s, ok := compiled.Load(capacity); ok {
		return s.(gpu.ShaderSource), nil
	}
	wgsl := WGSL(capacity)
	spirv, err := Compile(wgsl)
	if err != nil {
		return gpu.ShaderSource{}, err
	}
	s := gpu.ShaderSource{WGSL: wgsl, SPIRV: spirv}
	compiled.Store(capacity, s)
	return s, nil
}

// Compile compiles WGSL to SPIR-V words.
func Compile(wgsl string) ([]uint32, error) {
	b, err := naga.Compile(wgsl)
	if err != nil {
		return nil, fmt.Errorf("shader: compile: %w", err)
	}
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = uint32(b[i*4]) |
			uint32(b[i*4+1])<<8 |
			uint32(b[i*4+2])<<16 |
			uint32(b[i*4+3])<<24
	}
	return words, nil
}

// Package vertex defines the fixed vertex record consumed by the UI pipeline.
//
// Every vertex is 44 bytes, 4-byte aligned, little-endian:
//
//	position f32[3]  offset 0   x,y in surface pixels, z is the depth key
//	coords   f32[2]  offset 12  sub-image pixel coords or glyph mask coords
//	color    f32[4]  offset 20  straight RGBA
//	tex_i    u32     offset 36  index into the sampled image array
//	type     u32     offset 40  see Type
package vertex

import (
	"encoding/binary"
	"math"

	"github.com/gogpu/gputypes"
)

// Size is the encoded size of one Vertex in bytes.
const Size = 44

// Type selects how the fragment stage treats a vertex.
// The values are part of the shader contract and must not change.
type Type int32

// Vertex types.
const (
	// TypeClear passes the previous pass through.
	TypeClear Type = -1
	// TypeSolid fills with the vertex colour.
	TypeSolid Type = 0
	// TypeTextureColor modulates the sampled image by the vertex colour.
	TypeTextureColor Type = 1
	// TypeGlyph samples the red channel as a coverage mask.
	TypeGlyph Type = 2
	// TypeImage draws the sampled image as is.
	TypeImage Type = 100
	// TypeYUV samples a planar 4:2:0 image laid out as Y over U|V halves.
	TypeYUV Type = 101
	// TypeBackColorAdd adds the vertex colour to the destination.
	TypeBackColorAdd Type = 102
	// TypeBackColorBehind draws the vertex colour behind the destination.
	TypeBackColorBehind Type = 103
	// TypeBackColorSubtract subtracts the vertex colour from the destination.
	TypeBackColorSubtract Type = 104
	// TypeBackColorMultiply multiplies the destination by the vertex colour.
	TypeBackColorMultiply Type = 105
	// TypeBackColorDivide divides the destination by the vertex colour.
	TypeBackColorDivide Type = 106
	// TypeBackColorInvert inverts the destination.
	TypeBackColorInvert Type = 107
)

// String returns the type name.
func (t Type) String() string {
	switch t {
	case TypeClear:
		return "Clear"
	case TypeSolid:
		return "Solid"
	case TypeTextureColor:
		return "TextureColor"
	case TypeGlyph:
		return "Glyph"
	case TypeImage:
		return "Image"
	case TypeYUV:
		return "YUV"
	case TypeBackColorAdd:
		return "BackColorAdd"
	case TypeBackColorBehind:
		return "BackColorBehind"
	case TypeBackColorSubtract:
		return "BackColorSubtract"
	case TypeBackColorMultiply:
		return "BackColorMultiply"
	case TypeBackColorDivide:
		return "BackColorDivide"
	case TypeBackColorInvert:
		return "BackColorInvert"
	default:
		return "Unknown"
	}
}

// Samples reports whether the fragment stage reads the bound image for t.
// Only sampling vertices have their coords offset into an atlas.
func (t Type) Samples() bool {
	switch t {
	case TypeTextureColor, TypeGlyph, TypeImage, TypeYUV,
		TypeBackColorAdd, TypeBackColorBehind, TypeBackColorSubtract,
		TypeBackColorMultiply, TypeBackColorDivide, TypeBackColorInvert:
		return true
	default:
		return false
	}
}

// Vertex is one corner of a UI triangle.
type Vertex struct {
	Position [3]float32
	Coords   [2]float32
	Color    [4]float32
	TexIndex uint32
	Type     Type
}

// Z returns the depth key of the vertex.
func (v Vertex) Z() float32 { return v.Position[2] }

// Put encodes v into b, which must hold at least Size bytes.
func (v Vertex) Put(b []byte) {
	_ = b[Size-1]
	le := binary.LittleEndian
	le.PutUint32(b[0:], math.Float32bits(v.Position[0]))
	le.PutUint32(b[4:], math.Float32bits(v.Position[1]))
	le.PutUint32(b[8:], math.Float32bits(v.Position[2]))
	le.PutUint32(b[12:], math.Float32bits(v.Coords[0]))
	le.PutUint32(b[16:], math.Float32bits(v.Coords[1]))
	le.PutUint32(b[20:], math.Float32bits(v.Color[0]))
	le.PutUint32(b[24:], math.Float32bits(v.Color[1]))
	le.PutUint32(b[28:], math.Float32bits(v.Color[2]))
	le.PutUint32(b[32:], math.Float32bits(v.Color[3]))
	le.PutUint32(b[36:], v.TexIndex)
	le.PutUint32(b[40:], uint32(v.Type))
}

// Get decodes a vertex from b.
func Get(b []byte) Vertex {
	_ = b[Size-1]
	le := binary.LittleEndian
	f := func(off int) float32 { return math.Float32frombits(le.Uint32(b[off:])) }
	return Vertex{
		Position: [3]float32{f(0), f(4), f(8)},
		Coords:   [2]float32{f(12), f(16)},
		Color:    [4]float32{f(20), f(24), f(28), f(32)},
		TexIndex: le.Uint32(b[36:]),
		Type:     Type(int32(le.Uint32(b[40:]))),
	}
}

// Encode appends the encoding of vs to dst and returns the extended slice.
func Encode(dst []byte, vs []Vertex) []byte {
	n := len(dst)
	dst = append(dst, make([]byte, len(vs)*Size)...)
	for i, v := range vs {
		v.Put(dst[n+i*Size:])
	}
	return dst
}

// Decode decodes every whole vertex in b.
func Decode(b []byte) []Vertex {
	out := make([]Vertex, len(b)/Size)
	for i := range out {
		out[i] = Get(b[i*Size:])
	}
	return out
}

// Layout returns the vertex buffer layout matching the shader locations
// 0 position, 1 coords, 2 color, 3 tex_i, 4 type.
func Layout() gputypes.VertexBufferLayout {
	return gputypes.VertexBufferLayout{
		ArrayStride: Size,
		StepMode:    gputypes.VertexStepModeVertex,
		Attributes: []gputypes.VertexAttribute{
			{Format: gputypes.VertexFormatFloat32x3, Offset: 0, ShaderLocation: 0},
			{Format: gputypes.VertexFormatFloat32x2, Offset: 12, ShaderLocation: 1},
			{Format: gputypes.VertexFormatFloat32x4, Offset: 20, ShaderLocation: 2},
			{Format: gputypes.VertexFormatUint32, Offset: 36, ShaderLocation: 3},
			{Format: gputypes.VertexFormatUint32, Offset: 40, ShaderLocation: 4},
		},
	}
}

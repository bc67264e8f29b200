package vertex

import "testing"

func TestVertexEncodeDecode(t *testing.T) {
	vs := []Vertex{
		{Position: [3]float32{1, 2, 3}, Coords: [2]float32{4, 5}, Color: [4]float32{1, 0, 0, 1}, TexIndex: 7, Type: TypeGlyph},
		{Position: [3]float32{-1, 0.5, 0}, Type: TypeClear},
	}

	buf := Encode(nil, vs)
	if len(buf) != 2*Size {
		t.Fatalf("len = %d, want %d", len(buf), 2*Size)
	}

	got := Decode(buf)
	for i := range vs {
		if got[i] != vs[i] {
			t.Errorf("vertex %d = %+v, want %+v", i, got[i], vs[i])
		}
	}
}

func TestVertexClearTypeBits(t *testing.T) {
	b := make([]byte, Size)
	Vertex{Type: TypeClear}.Put(b)

	// -1 must reach the shader as 0xFFFFFFFF.
	for _, c := range b[40:44] {
		if c != 0xFF {
			t.Fatalf("type bytes = %x, want ffffffff", b[40:44])
		}
	}
}

func TestLayoutStride(t *testing.T) {
	l := Layout()
	if l.ArrayStride != Size {
		t.Errorf("ArrayStride = %d, want %d", l.ArrayStride, Size)
	}
	if len(l.Attributes) != 5 {
		t.Fatalf("attributes = %d, want 5", len(l.Attributes))
	}
	last := l.Attributes[4]
	if last.Offset+4 != Size {
		t.Errorf("last attribute ends at %d, want %d", last.Offset+4, Size)
	}
}

func TestTypeSamples(t *testing.T) {
	tests := []struct {
		typ  Type
		want bool
	}{
		{TypeSolid, false},
		{TypeClear, false},
		{TypeTextureColor, true},
		{TypeGlyph, true},
		{TypeImage, true},
		{TypeYUV, true},
		{TypeBackColorAdd, true},
		{TypeBackColorInvert, true},
		{Type(3), false},
	}
	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			if got := tt.typ.Samples(); got != tt.want {
				t.Errorf("Samples() = %v, want %v", got, tt.want)
			}
		})
	}
}

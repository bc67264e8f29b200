package text

import (
	"errors"
	"fmt"
	"image"

	"github.com/chewxy/math32"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"

	"github.com/gogpu/basalt/imagecache"
	"github.com/gogpu/basalt/vertex"
)

// GlyphInfo places a rasterised glyph relative to the pen position.
type GlyphInfo struct {
	Key imagecache.Key

	// Width and Height are the size of the coverage image.
	Width, Height int

	// Left and Top offset the image from the pen position, y down.
	Left, Top float32
}

// Empty reports whether the glyph has no visible pixels.
func (g GlyphInfo) Empty() bool { return g.Width == 0 || g.Height == 0 }

// GlyphCache rasterises glyphs into the image cache.
type GlyphCache struct {
	cache  *imagecache.Cache
	buf    sfnt.Buffer
	placed map[imagecache.Key]GlyphInfo
}

// NewGlyphCache creates a glyph cache storing images in cache.
func NewGlyphCache(cache *imagecache.Cache) *GlyphCache {
	return &GlyphCache{
		cache:  cache,
		placed: make(map[imagecache.Key]GlyphInfo),
	}
}

// Obtain returns the placement of glyph index of face at size, rasterising
// it into the image cache unless another worker already did.
func (gc *GlyphCache) Obtain(face *Face, index uint32, size float32) (GlyphInfo, error) {
	key := imagecache.Glyph(face.id, index, size)
	if info, ok := gc.placed[key]; ok && gc.cache.Contains(key) {
		return info, nil
	}

	segs, err := face.sf.LoadGlyph(&gc.buf, sfnt.GlyphIndex(index), fixed.Int26_6(size*64), nil)
	if errors.Is(err, sfnt.ErrColoredGlyph) {
		return GlyphInfo{Key: key}, nil
	}
	if err != nil {
		return GlyphInfo{}, fmt.Errorf("text: load glyph %d: %w", index, err)
	}
	if len(segs) == 0 {
		info := GlyphInfo{Key: key}
		gc.placed[key] = info
		return info, nil
	}

	b := segs.Bounds()
	minX := math32.Floor(fixedToFloat(b.Min.X))
	minY := math32.Floor(fixedToFloat(b.Min.Y))
	maxX := math32.Ceil(fixedToFloat(b.Max.X))
	maxY := math32.Ceil(fixedToFloat(b.Max.Y))
	info := GlyphInfo{
		Key:    key,
		Width:  int(maxX - minX),
		Height: int(maxY - minY),
		Left:   minX,
		Top:    minY,
	}
	if info.Empty() {
		gc.placed[key] = info
		return info, nil
	}

	if !gc.cache.Contains(key) {
		mask := rasterize(segs, info.Width, info.Height, minX, minY)
		raw := imagecache.RawImage{
			Format: imagecache.LMono,
			Depth:  imagecache.Depth8,
			Width:  uint32(info.Width),
			Height: uint32(info.Height),
			Data:   mask.Pix,
		}
		if err := gc.cache.LoadGlyph(key, raw); err != nil {
			return GlyphInfo{}, err
		}
	}
	gc.placed[key] = info
	return info, nil
}

// rasterize fills the outline into a w×h coverage mask whose origin is at
// (ox, oy) in glyph space.
func rasterize(segs sfnt.Segments, w, h int, ox, oy float32) *image.Alpha {
	r := vector.NewRasterizer(w, h)
	pt := func(p fixed.Point26_6) (float32, float32) {
		return fixedToFloat(p.X) - ox, fixedToFloat(p.Y) - oy
	}
	for _, s := range segs {
		switch s.Op {
		case sfnt.SegmentOpMoveTo:
			r.ClosePath()
			r.MoveTo(pt(s.Args[0]))
		case sfnt.SegmentOpLineTo:
			r.LineTo(pt(s.Args[0]))
		case sfnt.SegmentOpQuadTo:
			bx, by := pt(s.Args[0])
			cx, cy := pt(s.Args[1])
			r.QuadTo(bx, by, cx, cy)
		case sfnt.SegmentOpCubeTo:
			bx, by := pt(s.Args[0])
			cx, cy := pt(s.Args[1])
			dx, dy := pt(s.Args[2])
			r.CubeTo(bx, by, cx, cy, dx, dy)
		}
	}
	r.ClosePath()
	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	r.Draw(mask, mask.Bounds(), image.Opaque, image.Point{})
	return mask
}

// Quad is one glyph ready to draw: two triangles sampling the glyph image.
type Quad struct {
	Key      imagecache.Key
	Vertices [6]vertex.Vertex
}

// Layout shapes s and returns one quad per visible glyph. (x, y) is the
// pen position on the baseline and z the depth of every vertex.
func (gc *GlyphCache) Layout(fs *FontSystem, face *Face, s string, size, x, y, z float32, color [4]float32) ([]Quad, error) {
	glyphs := fs.Shape(face, s, size)
	quads := make([]Quad, 0, len(glyphs))
	for _, g := range glyphs {
		info, err := gc.Obtain(face, g.Index, size)
		if err != nil {
			return nil, err
		}
		if info.Empty() {
			continue
		}
		x0 := math32.Round(x + g.X + info.Left)
		y0 := math32.Round(y + g.Y + info.Top)
		quads = append(quads, Quad{
			Key:      info.Key,
			Vertices: GlyphVertices(x0, y0, z, float32(info.Width), float32(info.Height), color),
		})
	}
	return quads, nil
}

// GlyphVertices returns the two triangles of a w×h glyph image drawn at
// (x, y), with coords in glyph image pixels.
func GlyphVertices(x, y, z, w, h float32, color [4]float32) [6]vertex.Vertex {
	v := func(px, py, u, t float32) vertex.Vertex {
		return vertex.Vertex{
			Position: [3]float32{px, py, z},
			Coords:   [2]float32{u, t},
			Color:    color,
			Type:     vertex.TypeGlyph,
		}
	}
	return [6]vertex.Vertex{
		v(x, y, 0, 0), v(x+w, y, w, 0), v(x, y+h, 0, h),
		v(x+w, y, w, 0), v(x+w, y+h, w, h), v(x, y+h, 0, h),
	}
}

package text

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"

	"github.com/go-text/typesetting/di"
	"github.com/go-text/typesetting/font"
	"github.com/go-text/typesetting/language"
	"github.com/go-text/typesetting/shaping"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/unicode/norm"
)

// ErrInvalidFont is returned when font data cannot be parsed.
var ErrInvalidFont = errors.New("text: invalid font")

// DefaultFamily is the family of the embedded default font.
const DefaultFamily = "Go"

// Font selects a face by family and aspect. The zero Font selects the
// default face.
type Font struct {
	Family string
	Weight font.Weight
	Style  font.Style
}

// DefaultFont returns the font of the embedded default face.
func DefaultFont() Font {
	return Font{Family: DefaultFamily, Weight: font.WeightNormal, Style: font.StyleNormal}
}

// Face is a loaded font.
type Face struct {
	id   uint64
	desc font.Description
	gt   *font.Font
	sf   *sfnt.Font
}

// ID identifies the font data. Faces parsed from equal bytes share an ID
// across font systems, so glyph keys are shared between windows.
func (f *Face) ID() uint64 { return f.id }

// Family returns the family name of the face.
func (f *Face) Family() string { return f.desc.Family }

// Aspect returns style, weight and stretch of the face.
func (f *Face) Aspect() font.Aspect { return f.desc.Aspect }

// GlyphIndex returns the glyph of r, or false if the face lacks it.
func (f *Face) GlyphIndex(r rune) (uint32, bool) {
	gid, ok := f.gt.NominalGlyph(r)
	return uint32(gid), ok
}

// ParseFace parses TrueType or OpenType data.
func ParseFace(data []byte) (*Face, error) {
	gt, err := font.ParseTTF(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFont, err)
	}
	sf, err := sfnt.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFont, err)
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return &Face{id: h.Sum64(), desc: gt.Font.Describe(), gt: gt.Font, sf: sf}, nil
}

// FontSystem holds the faces available to one obtain worker.
type FontSystem struct {
	faces  []*Face
	byID   map[uint64]*Face
	shaper shaping.HarfbuzzShaper
	lang   language.Language
	shaped *Cache[shapeKey, []Glyph]
}

// NewFontSystem creates a font system holding the default face.
func NewFontSystem() *FontSystem {
	fs := &FontSystem{
		byID:   make(map[uint64]*Face),
		lang:   language.NewLanguage("en"),
		shaped: NewCache[shapeKey, []Glyph](DefaultShapeCacheSize),
	}
	if _, err := fs.AddBinaryFont(goregular.TTF); err != nil {
		// The embedded font is known to parse.
		panic(err)
	}
	return fs
}

// AddBinaryFont parses and adds a font. Adding the same data twice
// returns the face added first.
func (fs *FontSystem) AddBinaryFont(data []byte) (*Face, error) {
	face, err := ParseFace(data)
	if err != nil {
		return nil, err
	}
	if prev, ok := fs.byID[face.id]; ok {
		return prev, nil
	}
	fs.faces = append(fs.faces, face)
	fs.byID[face.id] = face
	return face, nil
}

// Faces returns the loaded faces in load order.
func (fs *FontSystem) Faces() []*Face { return fs.faces }

// Face returns the face with the given ID.
func (fs *FontSystem) Face(id uint64) (*Face, bool) {
	f, ok := fs.byID[id]
	return f, ok
}

// Select returns the face matching f best: same family (case-insensitive),
// then same style, then the closest weight. Unknown families fall back to
// the default face.
func (fs *FontSystem) Select(f Font) *Face {
	family := f.Family
	if family == "" {
		family = DefaultFamily
	}
	weight := f.Weight
	if weight == 0 {
		weight = font.WeightNormal
	}
	style := f.Style
	if style == 0 {
		style = font.StyleNormal
	}

	var best *Face
	bestScore := float32(0)
	for _, face := range fs.faces {
		if !strings.EqualFold(face.desc.Family, family) {
			continue
		}
		score := abs32(float32(face.desc.Aspect.Weight - weight))
		if face.desc.Aspect.Style != style {
			score += 1000
		}
		if best == nil || score < bestScore {
			best, bestScore = face, score
		}
	}
	if best == nil {
		return fs.faces[0]
	}
	return best
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// Glyph is a shaped glyph positioned relative to the run origin on the
// baseline, in pixels, with y growing downwards.
type Glyph struct {
	Index   uint32
	X, Y    float32
	Advance float32
	Cluster int
}

// Shape shapes s with face at size pixels per em. The text is normalised
// to NFC first. Runs are cached per face, size and text.
func (fs *FontSystem) Shape(face *Face, s string, size float32) []Glyph {
	key := shapeKey{face: face.id, size: size, text: s}
	if glyphs, ok := fs.shaped.Get(key); ok {
		return slices.Clone(glyphs)
	}
	glyphs := fs.shape(face, s, size)
	fs.shaped.Set(key, glyphs)
	return slices.Clone(glyphs)
}

// ShapeCacheStats returns the hits and misses of the shaping cache.
func (fs *FontSystem) ShapeCacheStats() (hits, misses int) { return fs.shaped.Stats() }

func (fs *FontSystem) shape(face *Face, s string, size float32) []Glyph {
	runes := []rune(norm.NFC.String(s))
	if len(runes) == 0 {
		return nil
	}
	in := shaping.Input{
		Text:      runes,
		RunStart:  0,
		RunEnd:    len(runes),
		Direction: di.DirectionLTR,
		Face:      font.NewFace(face.gt),
		Size:      fixed.Int26_6(size * 64),
		Script:    detectScript(runes),
		Language:  fs.lang,
	}
	out := fs.shaper.Shape(in)

	glyphs := make([]Glyph, len(out.Glyphs))
	var pen fixed.Int26_6
	for i, g := range out.Glyphs {
		glyphs[i] = Glyph{
			Index:   uint32(g.GlyphID),
			X:       fixedToFloat(pen + g.XOffset),
			Y:       -fixedToFloat(g.YOffset),
			Advance: fixedToFloat(g.Advance),
			Cluster: g.ClusterIndex,
		}
		pen += g.Advance
	}
	return glyphs
}

// Measure returns the advance width of s.
func (fs *FontSystem) Measure(face *Face, s string, size float32) float32 {
	var w float32
	for _, g := range fs.Shape(face, s, size) {
		w += g.Advance
	}
	return w
}

func detectScript(runes []rune) language.Script {
	for _, r := range runes {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		return language.LookupScript(r)
	}
	return language.Latin
}

func fixedToFloat(v fixed.Int26_6) float32 { return float32(v) / 64 }

// Package text provides the font system and glyph rasteriser used by bins.
//
// A FontSystem holds the fonts loaded into a window: the embedded default
// (Go Regular) plus every binary font added by the application. It selects
// faces by family and aspect and shapes strings with HarfBuzz.
//
// A GlyphCache rasterises glyph outlines into coverage images and stores
// them in the shared image cache under imagecache.Glyph keys, so that bins
// reference glyphs like any other image.
//
// FontSystem and GlyphCache are not safe for concurrent use; each vertex
// obtain worker owns one of each.
package text

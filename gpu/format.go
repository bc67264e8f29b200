package gpu

import "github.com/gogpu/gputypes"

// CopyPitchAlignment is the required alignment of BytesPerRow in
// buffer-to-image copies.
const CopyPitchAlignment = 256

// BytesPerPixel returns the texel size of the formats the core uses, or 0.
func BytesPerPixel(f gputypes.TextureFormat) int {
	switch f {
	case gputypes.TextureFormatR8Unorm:
		return 1
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb,
		gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatBGRA8UnormSrgb,
		gputypes.TextureFormatRGB10A2Unorm:
		return 4
	case gputypes.TextureFormatRGBA16Unorm, gputypes.TextureFormatRGBA16Float:
		return 8
	case gputypes.TextureFormatRGBA32Float:
		return 16
	}
	return 0
}

// BitsPerComponent returns the color depth of a format, or 0.
func BitsPerComponent(f gputypes.TextureFormat) int {
	switch f {
	case gputypes.TextureFormatR8Unorm,
		gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb,
		gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatBGRA8UnormSrgb:
		return 8
	case gputypes.TextureFormatRGB10A2Unorm:
		return 10
	case gputypes.TextureFormatRGBA16Unorm, gputypes.TextureFormatRGBA16Float:
		return 16
	case gputypes.TextureFormatRGBA32Float:
		return 32
	}
	return 0
}

// IsBGRA reports whether the format stores blue in the first channel.
func IsBGRA(f gputypes.TextureFormat) bool {
	return f == gputypes.TextureFormatBGRA8Unorm || f == gputypes.TextureFormatBGRA8UnormSrgb
}

// RowPitch returns width*bpp rounded up to CopyPitchAlignment.
func RowPitch(width uint32, bpp int) uint32 {
	p := width * uint32(bpp)
	return (p + CopyPitchAlignment - 1) &^ (CopyPitchAlignment - 1)
}

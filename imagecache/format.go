package imagecache

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"
)

// Format is the channel layout and encoding of a RawImage.
//
// L formats hold linear values, S formats sRGB-encoded values. YUV
// formats use full-range BT.601 and decode to sRGB-encoded RGB.
type Format uint8

// Image formats.
const (
	LRGBA Format = iota
	LRGB
	LMono
	SRGBA
	SRGB
	SMono
	YUV444
	// YUV422 stores two channels per pixel: Y, then U on even and V on
	// odd columns.
	YUV422
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case LRGBA:
		return "LRGBA"
	case LRGB:
		return "LRGB"
	case LMono:
		return "LMono"
	case SRGBA:
		return "SRGBA"
	case SRGB:
		return "SRGB"
	case SMono:
		return "SMono"
	case YUV444:
		return "YUV444"
	case YUV422:
		return "YUV422"
	default:
		return fmt.Sprintf("Format(%d)", uint8(f))
	}
}

// Channels returns the number of stored channels per pixel, or 0.
func (f Format) Channels() int {
	switch f {
	case LRGBA, SRGBA:
		return 4
	case LRGB, SRGB, YUV444:
		return 3
	case YUV422:
		return 2
	case LMono, SMono:
		return 1
	}
	return 0
}

// Depth is the number of bits per channel.
type Depth uint8

// Supported depths. 16-bit samples are little-endian.
const (
	Depth8  Depth = 8
	Depth16 Depth = 16
)

// BytesPerPixel returns the size of one pixel, or 0 for invalid input.
func BytesPerPixel(f Format, d Depth) int {
	if d != Depth8 && d != Depth16 {
		return 0
	}
	return f.Channels() * int(d) / 8
}

// RawImage is an uncompressed image.
type RawImage struct {
	Format Format
	Depth  Depth
	Width  uint32
	Height uint32
	Data   []byte
}

// validate checks the image dimensions against the data length.
func (r *RawImage) validate() error {
	bpp := BytesPerPixel(r.Format, r.Depth)
	if bpp == 0 {
		return fmt.Errorf("%w: %v/%d", ErrInvalidFormat, r.Format, r.Depth)
	}
	if r.Width == 0 || r.Height == 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidLength, r.Width, r.Height)
	}
	if want := int(r.Width) * int(r.Height) * bpp; len(r.Data) != want {
		return fmt.Errorf("%w: have %d bytes, want %d", ErrInvalidLength, len(r.Data), want)
	}
	return nil
}

// Target is the texel format images are converted to when obtained.
type Target struct {
	Format gputypes.TextureFormat
}

// BytesPerPixel returns the texel size of the target, or 0 if unsupported.
func (t Target) BytesPerPixel() int {
	switch t.Format {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb,
		gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatBGRA8UnormSrgb:
		return 4
	case gputypes.TextureFormatRGBA16Unorm:
		return 8
	}
	return 0
}

func (t Target) depth() Depth {
	if t.Format == gputypes.TextureFormatRGBA16Unorm {
		return Depth16
	}
	return Depth8
}

func (t Target) srgb() bool {
	return t.Format == gputypes.TextureFormatRGBA8UnormSrgb || t.Format == gputypes.TextureFormatBGRA8UnormSrgb
}

func (t Target) bgra() bool {
	return t.Format == gputypes.TextureFormatBGRA8Unorm || t.Format == gputypes.TextureFormatBGRA8UnormSrgb
}

// Convert returns the pixels of r in the target format, tightly packed.
// Colors are linearised, mono images expand to grey, missing alpha becomes
// opaque and YUV decodes to RGB.
func Convert(r *RawImage, t Target) ([]byte, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	obpp := t.BytesPerPixel()
	if obpp == 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedTarget, t.Format)
	}
	w, h := int(r.Width), int(r.Height)
	ibpp := BytesPerPixel(r.Format, r.Depth)
	out := make([]byte, w*h*obpp)
	var px [4]float64
	for y := range h {
		for x := range w {
			i := y*w + x
			r.pixel(r.Data[i*ibpp:], x, w, &px)
			if r.Format == YUV422 {
				r.chroma422(i, x, w, ibpp, &px)
			}
			t.put(out[i*obpp:], px)
		}
	}
	return out, nil
}

// sample reads channel c of the pixel starting at p.
func (r *RawImage) sample(p []byte, c int) float64 {
	if r.Depth == Depth16 {
		return float64(binary.LittleEndian.Uint16(p[2*c:])) / 65535
	}
	return float64(p[c]) / 255
}

// pixel decodes one pixel into linear straight RGBA.
func (r *RawImage) pixel(p []byte, x, w int, px *[4]float64) {
	switch r.Format {
	case LRGBA:
		*px = [4]float64{r.sample(p, 0), r.sample(p, 1), r.sample(p, 2), r.sample(p, 3)}
	case LRGB:
		*px = [4]float64{r.sample(p, 0), r.sample(p, 1), r.sample(p, 2), 1}
	case LMono:
		v := r.sample(p, 0)
		*px = [4]float64{v, v, v, 1}
	case SRGBA:
		*px = [4]float64{srgbToLinear(r.sample(p, 0)), srgbToLinear(r.sample(p, 1)), srgbToLinear(r.sample(p, 2)), r.sample(p, 3)}
	case SRGB:
		*px = [4]float64{srgbToLinear(r.sample(p, 0)), srgbToLinear(r.sample(p, 1)), srgbToLinear(r.sample(p, 2)), 1}
	case SMono:
		v := srgbToLinear(r.sample(p, 0))
		*px = [4]float64{v, v, v, 1}
	case YUV444:
		*px = yuvToLinear(r.sample(p, 0), r.sample(p, 1), r.sample(p, 2), r.chromaZero())
	case YUV422:
		// Luma only; chroma422 fills in the rest.
		px[0] = r.sample(p, 0)
	}
}

// chroma422 completes a YUV422 pixel whose luma is in px[0].
func (r *RawImage) chroma422(i, x, w, bpp int, px *[4]float64) {
	even := i - x%2
	u := r.sample(r.Data[even*bpp:], 1)
	v := r.chromaZero()
	if x-x%2+1 < w {
		v = r.sample(r.Data[(even+1)*bpp:], 1)
	}
	*px = yuvToLinear(px[0], u, v, r.chromaZero())
}

// chromaZero is the normalised chroma value of a colourless pixel.
func (r *RawImage) chromaZero() float64 {
	if r.Depth == Depth16 {
		return 32768.0 / 65535
	}
	return 128.0 / 255
}

func yuvToLinear(y, u, v, zero float64) [4]float64 {
	u -= zero
	v -= zero
	r := clamp01(y + 1.402*v)
	g := clamp01(y - 0.344136*u - 0.714136*v)
	b := clamp01(y + 1.772*u)
	return [4]float64{srgbToLinear(r), srgbToLinear(g), srgbToLinear(b), 1}
}

// put encodes one linear pixel in the target format.
func (t Target) put(dst []byte, px [4]float64) {
	if t.srgb() {
		px[0], px[1], px[2] = linearToSrgb(px[0]), linearToSrgb(px[1]), linearToSrgb(px[2])
	}
	if t.bgra() {
		px[0], px[2] = px[2], px[0]
	}
	if t.Format == gputypes.TextureFormatRGBA16Unorm {
		for c := range 4 {
			binary.LittleEndian.PutUint16(dst[2*c:], uint16(math.Round(clamp01(px[c])*65535)))
		}
		return
	}
	for c := range 4 {
		dst[c] = byte(math.Round(clamp01(px[c]) * 255))
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func srgbToLinear(v float64) float64 {
	if v <= 0.04045 {
		return v / 12.92
	}
	return math.Pow((v+0.055)/1.055, 2.4)
}

func linearToSrgb(v float64) float64 {
	if v <= 0.0031308 {
		return v * 12.92
	}
	return 1.055*math.Pow(v, 1/2.4) - 0.055
}

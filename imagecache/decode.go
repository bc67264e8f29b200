package imagecache

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"os"

	// Registered decoders.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/h2non/filetype"
	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// decodable lists the extensions filetype reports for formats with a
// registered decoder.
var decodable = map[string]bool{
	"png": true, "jpg": true, "gif": true, "bmp": true, "tif": true, "webp": true,
}

// maxDownload bounds the size of a fetched image.
var maxDownload int64 = 256 << 20

// LoadEncoded decodes PNG, JPEG, GIF, BMP, TIFF or WebP data and stores
// the pixels under key. Data of a recognised format without a decoder
// (AVIF, HEIF, PSD, ...) fails with ErrMissingFeature.
func (c *Cache) LoadEncoded(key Key, lifetime Lifetime, data []byte) error {
	if !key.IsValid() || key.IsGlyph() {
		return fmt.Errorf("%w: %v", ErrUnsuitableKey, key)
	}
	raw, err := Decode(data)
	if err != nil {
		return fmt.Errorf("load %v: %w", key, err)
	}
	return c.store(key, lifetime, raw)
}

// Load fetches and decodes the image named by a Path or URL key.
func (c *Cache) Load(ctx context.Context, key Key, lifetime Lifetime) error {
	var (
		data []byte
		err  error
	)
	switch key.Kind() {
	case KindPath:
		data, err = os.ReadFile(key.Str())
		if err != nil {
			return fmt.Errorf("%w: %w", ErrOpen, err)
		}
	case KindURL:
		data, err = fetch(ctx, key.Str())
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %v cannot be fetched", ErrUnsuitableKey, key)
	}
	return c.LoadEncoded(key, lifetime, data)
}

func fetch(ctx context.Context, raw string) ([]byte, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrURL, u.Scheme)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrURL, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownload, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s", ErrDownload, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownload+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownload, err)
	}
	if int64(len(data)) > maxDownload {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrDownload, maxDownload)
	}
	return data, nil
}

// Decode decodes an encoded image into an SRGBA (or SMono for greyscale)
// RawImage. 16-bit sources keep their depth.
func Decode(data []byte) (RawImage, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if kind, merr := filetype.Match(data); merr == nil && kind != filetype.Unknown && !decodable[kind.Extension] {
			return RawImage{}, fmt.Errorf("%w: no decoder for %s", ErrMissingFeature, kind.MIME.Value)
		}
		return RawImage{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return RawImage{}, fmt.Errorf("%w: empty image", ErrDecode)
	}
	raw := RawImage{Width: uint32(w), Height: uint32(h)}

	switch img.(type) {
	case *image.Gray:
		g := image.NewGray(image.Rect(0, 0, w, h))
		draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
		raw.Format, raw.Depth, raw.Data = SMono, Depth8, g.Pix
	case *image.Gray16:
		g := image.NewGray16(image.Rect(0, 0, w, h))
		draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
		raw.Format, raw.Depth, raw.Data = SMono, Depth16, swap16(g.Pix)
	case *image.RGBA64, *image.NRGBA64:
		n := image.NewNRGBA64(image.Rect(0, 0, w, h))
		draw.Draw(n, n.Bounds(), img, b.Min, draw.Src)
		raw.Format, raw.Depth, raw.Data = SRGBA, Depth16, swap16(n.Pix)
	default:
		n := image.NewNRGBA(image.Rect(0, 0, w, h))
		draw.Draw(n, n.Bounds(), img, b.Min, draw.Src)
		raw.Format, raw.Depth, raw.Data = SRGBA, Depth8, n.Pix
	}
	return raw, nil
}

// swap16 converts big-endian 16-bit samples to little-endian in place.
func swap16(p []byte) []byte {
	for i := 0; i+1 < len(p); i += 2 {
		binary.LittleEndian.PutUint16(p[i:], binary.BigEndian.Uint16(p[i:]))
	}
	return p
}

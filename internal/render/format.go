// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package render

import (
	"fmt"
	"slices"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/basalt/gpu"
	"github.com/gogpu/basalt/imagecache"
)

// DefaultImageFormats is the image format preference used when none is
// configured.
var DefaultImageFormats = []gputypes.TextureFormat{
	gputypes.TextureFormatRGBA8UnormSrgb,
	gputypes.TextureFormatBGRA8UnormSrgb,
	gputypes.TextureFormatRGBA16Unorm,
	gputypes.TextureFormatRGBA8Unorm,
	gputypes.TextureFormatBGRA8Unorm,
}

// imageFeatures are required of atlas and dedicated image formats.
const imageFeatures = gpu.FeatureCopySrc | gpu.FeatureCopyDst | gpu.FeatureSampled | gpu.FeatureFilterable

// SelectSurfaceFormat picks the sRGB non-linear format with the most bits
// per component. Ties keep the surface's order.
func SelectSurfaceFormat(caps gpu.SurfaceCapabilities) (gpu.SurfaceFormat, error) {
	best, bits := gpu.SurfaceFormat{}, 0
	for _, f := range caps.Formats {
		if f.ColorSpace != gpu.ColorSpaceSrgbNonLinear {
			continue
		}
		if b := gpu.BitsPerComponent(f.Format); b > bits {
			best, bits = f, b
		}
	}
	if bits == 0 {
		return gpu.SurfaceFormat{}, fmt.Errorf("render: no sRGB surface format: %w", gpu.ErrFormatUnavailable)
	}
	return best, nil
}

// SelectImageFormat returns the first format of prefs the device can copy,
// sample and filter, and the image cache can convert to.
func SelectImageFormat(dev gpu.Device, prefs []gputypes.TextureFormat) (gputypes.TextureFormat, error) {
	if len(prefs) == 0 {
		prefs = DefaultImageFormats
	}
	for _, f := range prefs {
		if (imagecache.Target{Format: f}).BytesPerPixel() == 0 {
			continue
		}
		if dev.FormatFeatures(f).Has(imageFeatures) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("render: no usable image format in %v: %w", prefs, gpu.ErrFormatUnavailable)
}

// PresentModes returns the present modes in order of preference.
func PresentModes(vsync bool) []gputypes.PresentMode {
	if vsync {
		return []gputypes.PresentMode{
			gputypes.PresentModeFifo, gputypes.PresentModeFifoRelaxed,
			gputypes.PresentModeMailbox, gputypes.PresentModeImmediate,
		}
	}
	return []gputypes.PresentMode{
		gputypes.PresentModeImmediate, gputypes.PresentModeMailbox,
		gputypes.PresentModeFifoRelaxed, gputypes.PresentModeFifo,
	}
}

// SelectPresentMode picks the preferred present mode the surface supports.
// Fifo is always available.
func SelectPresentMode(caps gpu.SurfaceCapabilities, vsync bool) gputypes.PresentMode {
	for _, m := range PresentModes(vsync) {
		if slices.Contains(caps.PresentModes, m) {
			return m
		}
	}
	return gputypes.PresentModeFifo
}

// ValidMSAA reports whether n is a supported sample count.
func ValidMSAA(n uint32) bool {
	return n == 1 || n == 2 || n == 4 || n == 8
}

package basalt

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/pelletier/go-toml/v2"

	"github.com/gogpu/basalt/gpu"
	"github.com/gogpu/basalt/internal/render"
)

// DefaultSweepInterval is how often the image cache drops expired images.
const DefaultSweepInterval = time.Second

// Options configures a Basalt instance and the windows it opens.
type Options struct {
	// MSAA is the sample count of new windows: 1, 2, 4 or 8.
	MSAA uint32

	// VSync prefers presentation modes that wait for vertical blank.
	VSync bool

	// ConservativeDraw presents a frame only after a redraw request or an
	// update.
	ConservativeDraw bool

	// Workers is the number of obtain workers per window. Zero means one.
	Workers int

	// ImageFormats is the atlas format preference, most preferred first.
	ImageFormats []gputypes.TextureFormat

	// Backend names the device backend. Empty selects the best registered
	// one.
	Backend string

	// Device is used instead of opening one. Basalt does not close it.
	Device gpu.Device

	// SweepInterval is the image cache sweep period. Zero disables the
	// sweeper.
	SweepInterval time.Duration

	// ClearColor fills every frame before the interface is drawn.
	ClearColor gputypes.Color

	// WatchImages reloads file images when they change on disk.
	WatchImages bool
}

// Option configures Options.
//
// Example:
//
//	b, err := basalt.New(basalt.WithMSAA(4), basalt.WithVSync(false))
type Option func(*Options)

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		MSAA:          1,
		VSync:         true,
		ImageFormats:  slices.Clone(render.DefaultImageFormats),
		SweepInterval: DefaultSweepInterval,
		ClearColor:    gputypes.Color{A: 1},
	}
}

// WithOptions replaces every option with o, typically loaded with
// LoadOptions. Options given after it still apply.
func WithOptions(o Options) Option {
	return func(dst *Options) { *dst = o }
}

// WithMSAA sets the sample count.
func WithMSAA(samples uint32) Option {
	return func(o *Options) { o.MSAA = samples }
}

// WithVSync sets the vertical sync preference.
func WithVSync(enabled bool) Option {
	return func(o *Options) { o.VSync = enabled }
}

// WithConservativeDraw enables or disables conservative drawing.
func WithConservativeDraw(enabled bool) Option {
	return func(o *Options) { o.ConservativeDraw = enabled }
}

// WithWorkers sets the obtain worker count per window.
func WithWorkers(n int) Option {
	return func(o *Options) { o.Workers = n }
}

// WithImageFormats sets the atlas format preference.
func WithImageFormats(formats ...gputypes.TextureFormat) Option {
	return func(o *Options) { o.ImageFormats = slices.Clone(formats) }
}

// WithBackend selects a device backend by name.
func WithBackend(name string) Option {
	return func(o *Options) { o.Backend = name }
}

// WithDevice shares an existing device.
func WithDevice(dev gpu.Device) Option {
	return func(o *Options) { o.Device = dev }
}

// WithSweepInterval sets the image cache sweep period.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Options) { o.SweepInterval = d }
}

// WithClearColor sets the frame clear color.
func WithClearColor(c gputypes.Color) Option {
	return func(o *Options) { o.ClearColor = c }
}

// WithWatchImages enables reloading of changed image files.
func WithWatchImages(enabled bool) Option {
	return func(o *Options) { o.WatchImages = enabled }
}

// Validate reports the first out-of-range option.
func (o *Options) Validate() error {
	if !render.ValidMSAA(o.MSAA) {
		return fmt.Errorf("%w: msaa %d", ErrInvalidOption, o.MSAA)
	}
	if o.Workers < 0 {
		return fmt.Errorf("%w: %d workers", ErrInvalidOption, o.Workers)
	}
	if len(o.ImageFormats) == 0 {
		return fmt.Errorf("%w: no image formats", ErrInvalidOption)
	}
	if o.SweepInterval < 0 {
		return fmt.Errorf("%w: sweep interval %v", ErrInvalidOption, o.SweepInterval)
	}
	c := o.ClearColor
	for _, v := range []float64{c.R, c.G, c.B, c.A} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: clear color %v", ErrInvalidOption, c)
		}
	}
	return nil
}

// fileOptions is the TOML form of Options. Unset keys keep their
// defaults.
type fileOptions struct {
	MSAA             *uint32   `toml:"msaa"`
	VSync            *bool     `toml:"vsync"`
	ConservativeDraw *bool     `toml:"conservative_draw"`
	Workers          *int      `toml:"workers"`
	ImageFormats     []string  `toml:"image_formats"`
	Backend          *string   `toml:"backend"`
	SweepInterval    *string   `toml:"sweep_interval"`
	ClearColor       []float64 `toml:"clear_color"`
	WatchImages      *bool     `toml:"watch_images"`
}

// LoadOptions reads options from a TOML file on top of DefaultOptions.
//
// Example file:
//
//	msaa = 4
//	vsync = false
//	workers = 2
//	image_formats = ["rgba8unorm-srgb", "bgra8unorm-srgb"]
//	sweep_interval = "500ms"
//	clear_color = [0.1, 0.1, 0.1, 1.0]
func LoadOptions(path string) (Options, error) {
	f, err := os.Open(path)
	if err != nil {
		return Options{}, fmt.Errorf("basalt: load options: %w", err)
	}
	defer f.Close()

	var fo fileOptions
	if err := toml.NewDecoder(f).DisallowUnknownFields().Decode(&fo); err != nil {
		var missing *toml.StrictMissingError
		if errors.As(err, &missing) {
			return Options{}, fmt.Errorf("%w: %s: %s", ErrInvalidOption, path, missing.String())
		}
		return Options{}, fmt.Errorf("basalt: load options %s: %w", path, err)
	}
	o, err := fo.apply(DefaultOptions())
	if err != nil {
		return Options{}, fmt.Errorf("%w (%s)", err, path)
	}
	if err := o.Validate(); err != nil {
		return Options{}, fmt.Errorf("%w (%s)", err, path)
	}
	return o, nil
}

func (fo *fileOptions) apply(o Options) (Options, error) {
	if fo.MSAA != nil {
		o.MSAA = *fo.MSAA
	}
	if fo.VSync != nil {
		o.VSync = *fo.VSync
	}
	if fo.ConservativeDraw != nil {
		o.ConservativeDraw = *fo.ConservativeDraw
	}
	if fo.Workers != nil {
		o.Workers = *fo.Workers
	}
	if fo.ImageFormats != nil {
		o.ImageFormats = o.ImageFormats[:0:0]
		for _, name := range fo.ImageFormats {
			f, err := ParseImageFormat(name)
			if err != nil {
				return o, err
			}
			o.ImageFormats = append(o.ImageFormats, f)
		}
	}
	if fo.Backend != nil {
		o.Backend = *fo.Backend
	}
	if fo.SweepInterval != nil {
		d, err := time.ParseDuration(*fo.SweepInterval)
		if err != nil {
			return o, fmt.Errorf("%w: sweep interval: %w", ErrInvalidOption, err)
		}
		o.SweepInterval = d
	}
	if fo.ClearColor != nil {
		if len(fo.ClearColor) != 4 {
			return o, fmt.Errorf("%w: clear color needs 4 components, got %d", ErrInvalidOption, len(fo.ClearColor))
		}
		o.ClearColor = gputypes.Color{R: fo.ClearColor[0], G: fo.ClearColor[1], B: fo.ClearColor[2], A: fo.ClearColor[3]}
	}
	if fo.WatchImages != nil {
		o.WatchImages = *fo.WatchImages
	}
	return o, nil
}

// imageFormats are the formats accepted by ParseImageFormat.
var imageFormats = []gputypes.TextureFormat{
	gputypes.TextureFormatRGBA8Unorm,
	gputypes.TextureFormatRGBA8UnormSrgb,
	gputypes.TextureFormatBGRA8Unorm,
	gputypes.TextureFormatBGRA8UnormSrgb,
	gputypes.TextureFormatRGBA16Unorm,
	gputypes.TextureFormatRGBA16Float,
	gputypes.TextureFormatRGB10A2Unorm,
	gputypes.TextureFormatRGBA32Float,
}

// ParseImageFormat parses a format name such as "rgba8unorm-srgb". Case,
// dashes and underscores are ignored.
func ParseImageFormat(name string) (gputypes.TextureFormat, error) {
	norm := func(s string) string {
		s = strings.ToLower(s)
		return strings.NewReplacer("-", "", "_", "").Replace(s)
	}
	want := norm(name)
	for _, f := range imageFormats {
		if norm(f.String()) == want {
			return f, nil
		}
	}
	return gputypes.TextureFormatUndefined, fmt.Errorf("%w: image format %q", ErrInvalidOption, name)
}

package basalt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/basalt/gpu"
	_ "github.com/gogpu/basalt/gpu/halgpu" // Vulkan backend
	"github.com/gogpu/basalt/imagecache"
	"github.com/gogpu/basalt/internal/logging"
	"github.com/gogpu/basalt/internal/render"
	"github.com/gogpu/basalt/text"
)

// Basalt owns a device, the image cache shared by its windows and the
// windows themselves.
type Basalt struct {
	opts        Options
	dev         gpu.Device
	ownsDev     bool
	imageFormat gputypes.TextureFormat
	cache       *imagecache.Cache
	watcher     *imagecache.Watcher
	stopWatch   context.CancelFunc
	watchDone   chan struct{}
	log         *slog.Logger

	mu      sync.Mutex
	closed  bool
	windows map[WindowID]*Window
	fonts   [][]byte
	font    *text.Font
}

// New opens a device and starts the image cache.
func New(opts ...Option) (*Basalt, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}

	b := &Basalt{
		opts:    o,
		dev:     o.Device,
		log:     logging.Logger().With("component", "basalt"),
		windows: make(map[WindowID]*Window),
	}
	if b.dev == nil {
		dev, err := gpu.Open(o.Backend)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		b.dev, b.ownsDev = dev, true
	}
	format, err := render.SelectImageFormat(b.dev, o.ImageFormats)
	if err != nil {
		b.closeDevice()
		return nil, fmt.Errorf("%w: %w", ErrNotSupported, err)
	}
	b.imageFormat = format

	b.cache = imagecache.New()
	if o.SweepInterval > 0 {
		b.cache.StartSweeper(context.Background(), o.SweepInterval)
	}
	if o.WatchImages {
		if err := b.watch(); err != nil {
			b.cache.Close()
			b.closeDevice()
			return nil, err
		}
	}
	b.log.Info("basalt: ready", "image_format", format.String(), "msaa", o.MSAA)
	return b, nil
}

func (b *Basalt) watch() error {
	w, err := b.cache.Watch()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.watcher, b.stopWatch, b.watchDone = w, cancel, make(chan struct{})
	go func() {
		defer close(b.watchDone)
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.log.Warn("basalt: image watcher stopped", "err", err)
		}
	}()
	return nil
}

// Options returns the options b was created with.
func (b *Basalt) Options() Options { return b.opts }

// Device returns the device shared by b's windows.
func (b *Basalt) Device() gpu.Device { return b.dev }

// ImageCache returns the image cache shared by b's windows.
func (b *Basalt) ImageCache() *imagecache.Cache { return b.cache }

// ImageFormat returns the format of atlas and dedicated images.
func (b *Basalt) ImageFormat() gputypes.TextureFormat { return b.imageFormat }

// Windows returns the open windows ordered by ID.
func (b *Basalt) Windows() []*Window {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := slices.Sorted(maps.Keys(b.windows))
	out := make([]*Window, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.windows[id])
	}
	return out
}

// AddBinaryFont makes a font available to every window, including those
// opened later.
func (b *Basalt) AddBinaryFont(data []byte) error {
	if _, err := text.ParseFace(data); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.fonts = append(b.fonts, data)
	wins := slices.Collect(maps.Values(b.windows))
	b.mu.Unlock()
	for _, w := range wins {
		// A window that already stopped has nothing to update.
		_ = w.AddBinaryFont(data)
	}
	return nil
}

// SetDefaultFont changes the default font of every window, including
// those opened later.
func (b *Basalt) SetDefaultFont(f text.Font) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.font = &f
	wins := slices.Collect(maps.Values(b.windows))
	b.mu.Unlock()
	for _, w := range wins {
		_ = w.SetDefaultFont(f)
	}
	return nil
}

func (b *Basalt) forget(id WindowID) {
	b.mu.Lock()
	delete(b.windows, id)
	b.mu.Unlock()
}

// Close closes every window, the image cache and, unless it was given
// with WithDevice, the device.
func (b *Basalt) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	wins := slices.Collect(maps.Values(b.windows))
	b.mu.Unlock()

	var errs []error
	for _, w := range wins {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("window %d: %w", w.ID(), err))
		}
	}
	if b.watcher != nil {
		b.stopWatch()
		<-b.watchDone
		if err := b.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.cache.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := b.closeDevice(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (b *Basalt) closeDevice() error {
	if !b.ownsDev {
		return nil
	}
	return b.dev.Close()
}

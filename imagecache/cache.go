// Package imagecache holds decoded images shared by every window.
//
// Images are stored once per Key and reference counted by the image
// backing managers of the windows that draw them. A Lifetime decides when
// an unreferenced image is dropped.
package imagecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/basalt/internal/logging"
)

// Errors returned by the cache.
var (
	ErrInvalidLength     = errors.New("imagecache: invalid length")
	ErrInvalidFormat     = errors.New("imagecache: invalid format")
	ErrUnsuitableKey     = errors.New("imagecache: unsuitable key")
	ErrDecode            = errors.New("imagecache: decode failed")
	ErrMissingFeature    = errors.New("imagecache: missing feature")
	ErrOpen              = errors.New("imagecache: open failed")
	ErrURL               = errors.New("imagecache: invalid url")
	ErrDownload          = errors.New("imagecache: download failed")
	ErrNotLoaded         = errors.New("imagecache: not loaded")
	ErrUnsupportedTarget = errors.New("imagecache: unsupported target format")
	ErrClosed            = errors.New("imagecache: closed")
)

type lifetimeKind uint8

const (
	lifetimeImmediate lifetimeKind = iota
	lifetimeIndefinite
	lifetimeSeconds
)

// Lifetime decides when an image nobody references is removed.
type Lifetime struct {
	kind lifetimeKind
	d    time.Duration
}

// Immediate images are removed as soon as their last reference is
// released.
func Immediate() Lifetime { return Lifetime{kind: lifetimeImmediate} }

// Indefinite images stay until removed explicitly.
func Indefinite() Lifetime { return Lifetime{kind: lifetimeIndefinite} }

// Seconds keeps an unreferenced image for n seconds.
func Seconds(n uint32) Lifetime {
	return Lifetime{kind: lifetimeSeconds, d: time.Duration(n) * time.Second}
}

// String returns a readable form of the lifetime.
func (l Lifetime) String() string {
	switch l.kind {
	case lifetimeImmediate:
		return "Immediate"
	case lifetimeIndefinite:
		return "Indefinite"
	default:
		return fmt.Sprintf("Seconds(%d)", int(l.d/time.Second))
	}
}

type entry struct {
	raw      RawImage
	lifetime Lifetime
	refs     int
	used     bool
	// lastUsed is when refs last dropped to zero, or the load time.
	lastUsed time.Time
	removed  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache stores images by key. It is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*entry
	now     func() time.Time
	closed  bool

	stopSweep context.CancelFunc
	sweepDone chan struct{}
	watcher   *Watcher
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[Key]*entry),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// LoadRaw stores uncompressed pixels under key, replacing any previous
// image. Glyph keys are rejected with ErrUnsuitableKey.
func (c *Cache) LoadRaw(key Key, lifetime Lifetime, format Format, depth Depth, width, height uint32, data []byte) error {
	if !key.IsValid() || key.IsGlyph() {
		return fmt.Errorf("%w: %v", ErrUnsuitableKey, key)
	}
	raw := RawImage{Format: format, Depth: depth, Width: width, Height: height, Data: data}
	if err := raw.validate(); err != nil {
		return fmt.Errorf("load %v: %w", key, err)
	}
	return c.store(key, lifetime, raw)
}

// LoadGlyph stores a rasterised glyph. It is the only way to load glyph
// keys; glyphs live until removed.
func (c *Cache) LoadGlyph(key Key, raw RawImage) error {
	if !key.IsGlyph() {
		return fmt.Errorf("%w: %v is not a glyph key", ErrUnsuitableKey, key)
	}
	if err := raw.validate(); err != nil {
		return fmt.Errorf("load %v: %w", key, err)
	}
	return c.store(key, Indefinite(), raw)
}

func (c *Cache) store(key Key, lifetime Lifetime, raw RawImage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.watcher != nil && key.Kind() == KindPath {
		c.watcher.add(key.Str())
	}
	e := c.entries[key]
	if e == nil {
		e = &entry{}
		c.entries[key] = e
	}
	e.raw = raw
	e.lifetime = lifetime
	e.lastUsed = c.now()
	e.removed = false
	return nil
}

// Contains reports whether an image is loaded under key.
func (c *Cache) Contains(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Refs returns the reference count of key, or 0 if not loaded.
func (c *Cache) Refs(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[key]; e != nil {
		return e.refs
	}
	return 0
}

// Len returns the number of loaded images.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Remove drops the image under key. A referenced image is dropped once
// its last reference is released.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	if e == nil {
		return
	}
	if e.refs == 0 {
		delete(c.entries, key)
		return
	}
	e.removed = true
}

// ObtainData releases one reference of every key in deref, then converts
// every key in obtain to target and takes one reference on it.
//
// The returned images hold texels of the target format; their Format is
// reported as LRGBA at the target depth. Releases and references happen
// under one lock; conversion runs after it is dropped. Keys of obtain
// that are not loaded are left out of the result, are not referenced, and
// are reported by an error wrapping ErrNotLoaded; the other keys are still
// returned.
func (c *Cache) ObtainData(deref, obtain []Key, target Target) (map[Key]RawImage, error) {
	if target.BytesPerPixel() == 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedTarget, target.Format)
	}
	srcs, missing := c.reference(deref, obtain)

	out := make(map[Key]RawImage, len(srcs))
	for k, raw := range srcs {
		data, err := convert(&raw, target)
		if err != nil {
			// Stored images are validated on load.
			return out, fmt.Errorf("convert %v: %w", k, err)
		}
		out[k] = RawImage{Format: LRGBA, Depth: target.depth(), Width: raw.Width, Height: raw.Height, Data: data}
	}
	if len(missing) > 0 {
		return out, fmt.Errorf("%w: %v", ErrNotLoaded, missing)
	}
	return out, nil
}

// convert is replaced in tests.
var convert = Convert

// reference applies the reference changes of ObtainData and returns the
// stored image of every loaded key of obtain.
func (c *Cache) reference(deref, obtain []Key) (map[Key]RawImage, []Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, k := range deref {
		e := c.entries[k]
		if e == nil || e.refs == 0 {
			logging.Logger().Warn("imagecache: release of unreferenced image", "key", k)
			continue
		}
		e.refs--
		if e.refs == 0 {
			e.lastUsed = now
			if e.removed || e.lifetime.kind == lifetimeImmediate {
				delete(c.entries, k)
			}
		}
	}

	srcs := make(map[Key]RawImage, len(obtain))
	var missing []Key
	for _, k := range obtain {
		e := c.entries[k]
		if e == nil {
			missing = append(missing, k)
			continue
		}
		srcs[k] = e.raw
		e.refs++
		e.used = true
	}
	return srcs, missing
}

// Sweep removes unreferenced images whose lifetime has ended at now.
// It returns the number of removed images.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.refs > 0 {
			continue
		}
		switch e.lifetime.kind {
		case lifetimeImmediate:
			if !e.used {
				continue
			}
		case lifetimeIndefinite:
			continue
		case lifetimeSeconds:
			if now.Sub(e.lastUsed) < e.lifetime.d {
				continue
			}
		}
		delete(c.entries, k)
		n++
	}
	if n > 0 {
		logging.Logger().Debug("imagecache: swept", "removed", n, "remaining", len(c.entries))
	}
	return n
}

// StartSweeper runs Sweep every interval until ctx is done or the cache
// is closed. Starting a sweeper stops the previous one.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	c.stopSweeper()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.stopSweep, c.sweepDone = cancel, done
	c.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.Sweep(c.now())
			}
		}
	}()
}

func (c *Cache) stopSweeper() {
	c.mu.Lock()
	cancel, done := c.stopSweep, c.sweepDone
	c.stopSweep, c.sweepDone = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Close stops the sweeper and drops every image.
func (c *Cache) Close() error {
	c.stopSweeper()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	clear(c.entries)
	return nil
}

package basalt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/basalt/bin"
	"github.com/gogpu/basalt/gpu"
	"github.com/gogpu/basalt/internal/backing"
	"github.com/gogpu/basalt/internal/logging"
	"github.com/gogpu/basalt/internal/queue"
	"github.com/gogpu/basalt/internal/render"
	"github.com/gogpu/basalt/internal/worker"
	"github.com/gogpu/basalt/text"
)

// WindowID identifies a window within the process.
type WindowID uint64

var lastWindowID atomic.Uint64

// UserRenderer draws application content under the interface of a window.
// Render receives an image of the surface format and size and must finish
// its work before returning.
type UserRenderer = render.UserRenderer

// FullscreenFunc asks the window backend to enter (enable) or leave
// full-screen mode.
type FullscreenFunc func(enable, exclusive bool) error

// WindowConfig describes a window being opened.
type WindowConfig struct {
	// Extent is the initial size in physical pixels. A zero extent is
	// allowed; nothing is drawn until Resized reports a real size.
	Extent gpu.Extent

	// Scale is the initial scale factor, 1 if zero.
	Scale float32

	// Fullscreen switches the native window. Without it full-screen
	// requests fail with ErrNotSupported.
	Fullscreen FullscreenFunc
}

// WindowStats counts the activity of a window.
type WindowStats struct {
	Events   int
	Passes   int
	Handoffs int

	Frames     int
	Updates    int
	Configures int
}

// Window draws the bins associated with it into a surface. Its methods are
// safe for concurrent use; events are applied in the order they are
// posted.
type Window struct {
	id         WindowID
	b          *Basalt
	surface    gpu.Surface
	events     *queue.Queue[worker.Event]
	worker     *worker.Worker
	renderer   *render.Renderer
	fullscreen FullscreenFunc
	log        *slog.Logger

	opened    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// OpenWindow creates a surface for target and starts the window's worker
// and renderer. The window draws once its backend calls Opened.
func (b *Basalt) OpenWindow(target gpu.SurfaceTarget, cfg WindowConfig) (*Window, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if cfg.Scale < 0 {
		return nil, fmt.Errorf("%w: scale %v", ErrInvalidOption, cfg.Scale)
	}
	if cfg.Scale == 0 {
		cfg.Scale = 1
	}

	surface, err := b.dev.CreateSurface(target)
	if err != nil {
		return nil, fmt.Errorf("basalt: create surface: %w", err)
	}
	id := WindowID(lastWindowID.Add(1))
	events, rq := queue.New[worker.Event](), queue.New[render.Event]()

	r, err := render.New(render.Config{
		Device:           b.dev,
		Surface:          surface,
		Events:           rq,
		ImageFormat:      b.imageFormat,
		Extent:           cfg.Extent,
		MSAA:             b.opts.MSAA,
		VSync:            b.opts.VSync,
		ConservativeDraw: b.opts.ConservativeDraw,
		ClearColor:       b.opts.ClearColor,
	})
	if err != nil {
		surface.Destroy()
		return nil, fmt.Errorf("basalt: window %d: %w", id, err)
	}
	wk, err := worker.New(worker.Config{
		Device:  b.dev,
		Cache:   b.cache,
		Events:  events,
		Render:  rq,
		Backing: backing.Options{Format: b.imageFormat},
		Workers: b.opts.Workers,
		Extent:  cfg.Extent,
		Scale:   cfg.Scale,
		Window:  uint64(id),
	})
	if err != nil {
		// The renderer releases its resources when its queue ends.
		rq.Close()
		_ = r.Run(context.Background())
		surface.Destroy()
		return nil, fmt.Errorf("basalt: window %d: %w", id, err)
	}

	w := &Window{
		id:         id,
		b:          b,
		surface:    surface,
		events:     events,
		worker:     wk,
		renderer:   r,
		fullscreen: cfg.Fullscreen,
		log:        logging.Logger().With("component", "window", "window", uint64(id)),
		done:       make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		w.start()
		w.Close()
		return nil, ErrClosed
	}
	b.windows[id] = w
	fonts, font := b.fonts, b.font
	b.mu.Unlock()

	for _, data := range fonts {
		events.Push(worker.AddBinaryFont{Data: data})
	}
	if font != nil {
		events.Push(worker.SetDefaultFont{Font: *font})
	}
	w.start()
	w.log.Info("basalt: window opened", "extent", cfg.Extent, "format", r.Format().Format.String())
	return w, nil
}

// start runs the worker and the renderer. The worker closes the render
// queue when it returns, which ends the renderer; an error from either
// cancels the other.
func (w *Window) start() {
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return w.worker.Run(ctx) })
	g.Go(func() error { return w.renderer.Run(ctx) })
	go func() {
		err := g.Wait()
		w.events.Close()
		w.worker.Close()
		w.surface.Destroy()
		if err != nil {
			w.log.Error("basalt: window stopped", "err", err)
		}
		w.err = err
		w.b.forget(w.id)
		close(w.done)
	}()
}

// ID returns the window's ID.
func (w *Window) ID() WindowID { return w.id }

// Format returns the surface format selected for the window.
func (w *Window) Format() gpu.SurfaceFormat { return w.renderer.Format() }

// Stats returns a snapshot of the window's activity counters.
func (w *Window) Stats() WindowStats {
	ws, rs := w.worker.Stats(), w.renderer.Stats()
	return WindowStats{
		Events:     ws.Events,
		Passes:     ws.Passes,
		Handoffs:   ws.Handoffs,
		Frames:     rs.Frames,
		Updates:    rs.Updates,
		Configures: rs.Configures,
	}
}

// Done is closed once the window stopped.
func (w *Window) Done() <-chan struct{} { return w.done }

// Wait blocks until the window stopped and returns the error that stopped
// it, or nil after Close.
func (w *Window) Wait() error {
	<-w.done
	return w.err
}

// Close stops the window and releases its surface. Bins stay owned by the
// application.
func (w *Window) Close() error {
	w.closeOnce.Do(func() {
		w.events.Push(worker.Closed{})
		w.events.Close()
	})
	return w.Wait()
}

// post queues ev for the worker.
func (w *Window) post(ev worker.Event) error {
	if w.events.Push(ev) {
		return nil
	}
	select {
	case <-w.done:
		if w.err != nil {
			return fmt.Errorf("%w: %w", ErrBackendExited, w.err)
		}
	default:
	}
	return ErrClosed
}

// Opened reports that the native window is mapped. Nothing is drawn
// before it.
func (w *Window) Opened() error {
	if err := w.post(worker.Opened{}); err != nil {
		return err
	}
	w.opened.Store(true)
	return nil
}

// Resized reports a new size in physical pixels.
func (w *Window) Resized(extent gpu.Extent) error {
	return w.post(worker.Resized{Extent: extent})
}

// ScaleChanged reports a new scale factor. Every bin is obtained again.
func (w *Window) ScaleChanged(scale float32) error {
	if scale <= 0 {
		return fmt.Errorf("%w: scale %v", ErrInvalidOption, scale)
	}
	return w.post(worker.ScaleChanged{Scale: scale})
}

// RequestRedraw asks for a frame even if nothing changed.
func (w *Window) RequestRedraw() error {
	return w.post(worker.RedrawRequested{})
}

// FullscreenChanged reports that the backend entered or left full-screen
// mode.
func (w *Window) FullscreenChanged(enabled bool) error {
	if enabled {
		return w.post(worker.EnabledFullscreen{})
	}
	return w.post(worker.DisabledFullscreen{})
}

// EnableFullscreen asks the window backend for full-screen mode. Failures
// are returned as *EnableFullScreenError.
func (w *Window) EnableFullscreen(exclusive bool) error {
	fail := func(err error) error {
		return &EnableFullScreenError{Exclusive: exclusive, Err: err}
	}
	switch {
	case !w.opened.Load():
		return fail(ErrNotReady)
	case exclusive:
		return fail(ErrNotImplemented)
	case w.fullscreen == nil:
		return fail(ErrNotSupported)
	}
	if err := w.fullscreen(true, false); err != nil {
		return fail(err)
	}
	return w.FullscreenChanged(true)
}

// DisableFullscreen asks the window backend to leave full-screen mode.
func (w *Window) DisableFullscreen() error {
	if w.fullscreen == nil {
		return fmt.Errorf("basalt: disable full-screen: %w", ErrNotSupported)
	}
	if err := w.fullscreen(false, false); err != nil {
		return fmt.Errorf("basalt: disable full-screen: %w", err)
	}
	return w.FullscreenChanged(false)
}

// AssociateBin starts drawing the bin behind ref. A pending dissociation of
// the same bin is cancelled.
func (w *Window) AssociateBin(ref bin.Ref) error {
	if ref == nil {
		return fmt.Errorf("%w: nil bin", ErrInvalidOption)
	}
	return w.post(worker.AssociateBin{Ref: ref})
}

// DissociateBin stops drawing a bin. It overrides pending updates of it.
func (w *Window) DissociateBin(id bin.ID) error {
	return w.post(worker.DissociateBin{ID: id})
}

// UpdateBin asks for the bin's vertex data to be obtained again.
func (w *Window) UpdateBin(id bin.ID) error {
	return w.post(worker.UpdateBin{ID: id})
}

// UpdateBins is UpdateBin for many bins in one event.
func (w *Window) UpdateBins(ids []bin.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return w.post(worker.UpdateBinBatch{IDs: append([]bin.ID(nil), ids...)})
}

// AddBinaryFont makes a font available to this window's bins.
func (w *Window) AddBinaryFont(data []byte) error {
	return w.post(worker.AddBinaryFont{Data: data})
}

// SetDefaultFont changes the font bins get by default.
func (w *Window) SetDefaultFont(f text.Font) error {
	return w.post(worker.SetDefaultFont{Font: f})
}

// SetMSAA changes the sample count. Counts above one need a surface format
// that supports multisampling.
func (w *Window) SetMSAA(samples uint32) error {
	if !render.ValidMSAA(samples) {
		return fmt.Errorf("%w: msaa %d", ErrInvalidOption, samples)
	}
	if samples > 1 && w.b.dev.FormatFeatures(w.Format().Format)&gpu.FeatureMultisample == 0 {
		return fmt.Errorf("basalt: msaa %d with %v: %w", samples, w.Format().Format, ErrNotSupported)
	}
	return w.post(worker.SetMSAA{Samples: samples})
}

// SetVSync changes the vertical sync preference.
func (w *Window) SetVSync(enabled bool) error {
	return w.post(worker.SetVSync{Enabled: enabled})
}

// SetUserRenderer draws r under the interface; nil draws the interface
// only.
func (w *Window) SetUserRenderer(r UserRenderer) error {
	return w.post(worker.SetUserRenderer{R: r})
}

// Err returns nil while the window runs. Once it stopped it returns
// ErrBackendExited wrapping the cause, or ErrClosed after Close.
func (w *Window) Err() error {
	select {
	case <-w.done:
		if w.err != nil {
			return fmt.Errorf("%w: %w", ErrBackendExited, w.err)
		}
		return ErrClosed
	default:
		return nil
	}
}

// Package worker runs the per-window event loop. It owns the window's
// vertex buffers, backing images and obtain pool, prepares a frame for
// every batch of bin changes and hands it to the renderer.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/gogpu/basalt/bin"
	"github.com/gogpu/basalt/gpu"
	"github.com/gogpu/basalt/imagecache"
	"github.com/gogpu/basalt/internal/backing"
	"github.com/gogpu/basalt/internal/logging"
	"github.com/gogpu/basalt/internal/odb"
	"github.com/gogpu/basalt/internal/ovd"
	"github.com/gogpu/basalt/internal/queue"
	"github.com/gogpu/basalt/internal/render"
)

// Config configures a Worker.
type Config struct {
	Device gpu.Device
	Cache  *imagecache.Cache

	// Events is consumed by Run. Render receives the frames and the
	// forwarded window events; Run closes it on return.
	Events *queue.Queue[Event]
	Render *queue.Queue[render.Event]

	Backing backing.Options

	// Workers is the obtain pool size.
	Workers int

	Extent gpu.Extent
	Scale  float32

	// Window names the window in log messages.
	Window uint64
}

// Stats counts worker activity.
type Stats struct {
	Events   int
	Passes   int
	Handoffs int
}

// Worker is the event loop of one window.
type Worker struct {
	dev    gpu.Device
	events *queue.Queue[Event]
	render *queue.Queue[render.Event]
	log    *slog.Logger

	pool    *ovd.Pool
	backing *backing.Manager
	odb     *odb.Buffer

	opened bool
	extent gpu.Extent
	scale  float32

	// pending bin changes; associate and dissociate are disjoint
	associate  map[bin.ID]bin.Ref
	dissociate map[bin.ID]struct{}
	update     map[bin.ID]struct{}
	all        bool

	mu    sync.Mutex
	stats Stats
}

// New creates the worker state of a window.
func New(cfg Config) (*Worker, error) {
	if cfg.Scale <= 0 {
		cfg.Scale = 1
	}
	m, err := backing.New(cfg.Device, cfg.Cache, cfg.Backing)
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	pool := ovd.New(cfg.Workers, cfg.Cache, cfg.Extent, cfg.Scale)
	return &Worker{
		dev:        cfg.Device,
		events:     cfg.Events,
		render:     cfg.Render,
		log:        logging.Logger().With("component", "worker", "window", cfg.Window),
		pool:       pool,
		backing:    m,
		odb:        odb.New(cfg.Device, m, pool),
		extent:     cfg.Extent,
		scale:      cfg.Scale,
		associate:  make(map[bin.ID]bin.Ref),
		dissociate: make(map[bin.ID]struct{}),
		update:     make(map[bin.ID]struct{}),
	}, nil
}

// Stats returns a snapshot of the activity counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Worker) count(f func(*Stats)) {
	w.mu.Lock()
	f(&w.stats)
	w.mu.Unlock()
}

// Buffer returns the window's ordered dual buffer. It must only be used
// while Run is not running.
func (w *Worker) Buffer() *odb.Buffer { return w.odb }

// Workers returns the number of obtain workers.
func (w *Worker) Workers() int { return w.pool.Workers() }

// hasWork reports whether a pass should run now.
func (w *Worker) hasWork() bool {
	if !w.opened || w.extent.IsZero() {
		return false
	}
	return w.all || len(w.associate) > 0 || len(w.dissociate) > 0 || len(w.update) > 0
}

// Run handles events until Closed, an unrecoverable pass error or the end
// of ctx. It closes the render queue on return so the renderer stops.
func (w *Worker) Run(ctx context.Context) error {
	defer w.render.Close()
	for {
		var (
			ev  Event
			err error
		)
		if w.hasWork() {
			var ok bool
			if ev, ok = w.events.TryNext(); !ok {
				if err := w.pass(ctx); err != nil {
					w.log.Error("worker: pass failed", "err", err)
					return err
				}
				continue
			}
		} else if ev, err = w.events.Next(ctx); err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}
		if done := w.handle(ev); done {
			w.log.Debug("worker: closed")
			return nil
		}
	}
}

// handle applies one event. It reports whether the worker must stop.
func (w *Worker) handle(ev Event) bool {
	w.count(func(s *Stats) { s.Events++ })
	switch ev := ev.(type) {
	case Opened:
		w.opened = true
		w.all = true
	case Closed:
		return true
	case Resized:
		if ev.Extent != w.extent {
			w.extent = ev.Extent
			w.pool.SetExtent(ev.Extent)
			w.all = true
		}
		w.render.Push(render.Resize{Extent: ev.Extent})
	case ScaleChanged:
		if ev.Scale > 0 && ev.Scale != w.scale {
			w.scale = ev.Scale
			w.pool.SetScale(ev.Scale)
			w.all = true
		}
		w.render.Push(render.Resize{Extent: w.extent})
	case RedrawRequested:
		w.render.Push(render.Redraw{})
	case EnabledFullscreen:
		w.render.Push(render.Fullscreen{Enabled: true})
	case DisabledFullscreen:
		w.render.Push(render.Fullscreen{Enabled: false})
	case AssociateBin:
		id := ev.Ref.ID()
		delete(w.dissociate, id)
		w.associate[id] = ev.Ref
	case DissociateBin:
		delete(w.associate, ev.ID)
		delete(w.update, ev.ID)
		w.dissociate[ev.ID] = struct{}{}
	case UpdateBin:
		w.markUpdate(ev.ID)
	case UpdateBinBatch:
		for _, id := range ev.IDs {
			w.markUpdate(id)
		}
	case AddBinaryFont:
		w.pool.AddBinaryFont(ev.Data)
		w.all = true
	case SetDefaultFont:
		w.pool.SetDefaultFont(ev.Font)
		w.all = true
	case SetMSAA:
		w.render.Push(render.SetMSAA{Samples: ev.Samples})
	case SetVSync:
		w.render.Push(render.SetVSync{Enabled: ev.Enabled})
	case SetUserRenderer:
		w.render.Push(render.SetUserRenderer{R: ev.R})
	default:
		w.log.Warn("worker: unknown event", "event", fmt.Sprintf("%T", ev))
	}
	return false
}

func (w *Worker) markUpdate(id bin.ID) {
	if _, ok := w.dissociate[id]; ok {
		return
	}
	w.update[id] = struct{}{}
}

// request drains the pending changes into an odb request.
func (w *Worker) request() *odb.Request {
	req := &odb.Request{All: w.all}
	for _, id := range slices.Sorted(maps.Keys(w.associate)) {
		req.Associate = append(req.Associate, w.associate[id])
	}
	req.Dissociate = slices.Sorted(maps.Keys(w.dissociate))
	req.Update = slices.Sorted(maps.Keys(w.update))
	clear(w.associate)
	clear(w.dissociate)
	clear(w.update)
	w.all = false
	return req
}

// pass runs one update and hands its frame to the renderer.
func (w *Worker) pass(ctx context.Context) error {
	req := w.request()
	w.count(func(s *Stats) { s.Passes++ })
	h, err := w.odb.Update(ctx, req)
	if err != nil {
		return err
	}
	if h == nil {
		return nil
	}
	if !w.render.Push(render.Update{Handoff: h}) {
		return fmt.Errorf("worker: %w", queue.ErrClosed)
	}
	if err := h.Barrier.Wait(ctx); err != nil {
		return err
	}
	w.odb.Swap()
	w.count(func(s *Stats) { s.Handoffs++ })
	w.log.Debug("worker: frame handed off",
		"bins", w.odb.Len(), "vertices", h.VertexCount, "images", len(h.Images))
	return nil
}

// Close releases the window's buffers, images and obtain pool. It must
// only be called after Run returned and the renderer stopped.
func (w *Worker) Close() {
	w.odb.Close()
	w.backing.Close()
	w.pool.Close()
}

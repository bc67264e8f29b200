// Package ovd obtains vertex data from bins on a pool of goroutines.
//
// Every worker owns a font system, a glyph cache and an update context.
// Settings reach the workers as control messages, so a pass always sees
// the settings sent before it.
package ovd

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/basalt/bin"
	"github.com/gogpu/basalt/gpu"
	"github.com/gogpu/basalt/imagecache"
	"github.com/gogpu/basalt/internal/logging"
	"github.com/gogpu/basalt/text"
	"github.com/gogpu/basalt/vertex"
)

// ErrCallbackPanicked is reported when ObtainVertexData panics. It is fatal
// to the window.
var ErrCallbackPanicked = errors.New("ovd: obtain vertex data panicked")

// ErrClosed is returned by a closed pool.
var ErrClosed = errors.New("ovd: pool closed")

// Batches groups the triangles of a bin by depth, then by image source.
type Batches map[float32]map[bin.ImageSource][]vertex.Vertex

// Len returns the number of vertices.
func (b Batches) Len() int {
	n := 0
	for _, bySrc := range b {
		for _, vs := range bySrc {
			n += len(vs)
		}
	}
	return n
}

// Result is the outcome of one bin.
type Result struct {
	Bin bin.ID

	// Updated is the bin's LastUpdate read before obtaining.
	Updated time.Time

	// Sources holds every source other than None sampled by the bin.
	Sources map[bin.ImageSource]struct{}

	Batches Batches

	// Err is set when the callback failed. Batches is nil then.
	Err error
}

// Group splits vertex data into triangles and groups them by the depth of
// their first vertex, then by source. Incomplete triangles and triangles
// with a NaN depth are dropped.
func Group(data map[bin.ImageSource][]vertex.Vertex) (Batches, map[bin.ImageSource]struct{}, int) {
	batches := make(Batches)
	sources := make(map[bin.ImageSource]struct{})
	dropped := 0
	for src, vs := range data {
		n := len(vs) / 3 * 3
		dropped += len(vs) - n
		for i := 0; i < n; i += 3 {
			z := vs[i].Z()
			if math.IsNaN(float64(z)) {
				dropped += 3
				continue
			}
			bySrc := batches[z]
			if bySrc == nil {
				bySrc = make(map[bin.ImageSource][]vertex.Vertex)
				batches[z] = bySrc
			}
			bySrc[src] = append(bySrc[src], vs[i:i+3]...)
			if !src.IsNone() {
				sources[src] = struct{}{}
			}
		}
	}
	return batches, sources, dropped
}

type message interface{ isMessage() }

type setExtent struct{ extent gpu.Extent }

type setScale struct{ scale float32 }

type setDefaultFont struct{ font text.Font }

type addBinaryFont struct{ data []byte }

type performOVD struct {
	work    <-chan bin.Bin
	results chan<- Result
}

func (setExtent) isMessage()      {}
func (setScale) isMessage()       {}
func (setDefaultFont) isMessage() {}
func (addBinaryFont) isMessage()  {}
func (performOVD) isMessage()     {}

type worker struct {
	id   int
	ctl  chan message
	uctx bin.UpdateContext
	log  *slog.Logger
}

// Pool runs ObtainVertexData for the bins of one window.
//
// Settings and Obtain must be called from one goroutine, the window's
// worker.
type Pool struct {
	workers []*worker
	wg      sync.WaitGroup
	running atomic.Bool
}

// New starts a pool of n workers; n below 1 means one worker.
func New(n int, cache *imagecache.Cache, extent gpu.Extent, scale float32) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{workers: make([]*worker, n)}
	log := logging.Logger().With("component", "ovd")
	for i := range n {
		w := &worker{
			id:  i,
			ctl: make(chan message, 16),
			uctx: bin.UpdateContext{
				Extent:      extent,
				Scale:       scale,
				Fonts:       text.NewFontSystem(),
				Glyphs:      text.NewGlyphCache(cache),
				DefaultFont: text.DefaultFont(),
			},
			log: log.With("worker", i),
		}
		p.workers[i] = w
	}
	p.running.Store(true)
	p.wg.Add(n)
	for _, w := range p.workers {
		go w.run(&p.wg)
	}
	return p
}

// Workers returns the number of workers.
func (p *Pool) Workers() int { return len(p.workers) }

func (p *Pool) broadcast(m message) {
	if !p.running.Load() {
		return
	}
	for _, w := range p.workers {
		w.ctl <- m
	}
}

// SetExtent changes the extent seen by later passes.
func (p *Pool) SetExtent(e gpu.Extent) { p.broadcast(setExtent{e}) }

// SetScale changes the scale seen by later passes.
func (p *Pool) SetScale(s float32) { p.broadcast(setScale{s}) }

// SetDefaultFont changes the default font seen by later passes.
func (p *Pool) SetDefaultFont(f text.Font) { p.broadcast(setDefaultFont{f}) }

// AddBinaryFont adds a font to every worker's font system. The data
// should be validated with text.ParseFace first; workers only log errors.
func (p *Pool) AddBinaryFont(data []byte) { p.broadcast(addBinaryFont{data}) }

// Obtain runs ObtainVertexData for every bin and returns one result per
// bin in completion order. A panicking callback is reported as an error
// wrapping ErrCallbackPanicked after every bin has finished.
func (p *Pool) Obtain(bins []bin.Bin) ([]Result, error) {
	if !p.running.Load() {
		return nil, ErrClosed
	}
	if len(bins) == 0 {
		return nil, nil
	}
	work := make(chan bin.Bin, len(bins)+len(p.workers))
	for _, b := range bins {
		work <- b
	}
	for range p.workers {
		work <- nil
	}
	close(work)

	results := make(chan Result, len(bins))
	for _, w := range p.workers {
		w.ctl <- performOVD{work: work, results: results}
	}

	out := make([]Result, 0, len(bins))
	var panicked error
	for range bins {
		r := <-results
		if errors.Is(r.Err, ErrCallbackPanicked) && panicked == nil {
			panicked = r.Err
		}
		out = append(out, r)
	}
	return out, panicked
}

// Close stops the workers and waits for them.
func (p *Pool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	for _, w := range p.workers {
		close(w.ctl)
	}
	p.wg.Wait()
}

func (w *worker) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for m := range w.ctl {
		switch m := m.(type) {
		case setExtent:
			w.uctx.Extent = m.extent
		case setScale:
			w.uctx.Scale = m.scale
		case setDefaultFont:
			w.uctx.DefaultFont = m.font
		case addBinaryFont:
			if _, err := w.uctx.Fonts.AddBinaryFont(m.data); err != nil {
				w.log.Warn("ovd: add binary font", "err", err)
			}
		case performOVD:
			for b := range m.work {
				if b == nil {
					break
				}
				m.results <- w.obtain(b)
			}
		}
	}
}

func (w *worker) obtain(b bin.Bin) (r Result) {
	r = Result{Bin: b.ID(), Updated: b.LastUpdate()}
	defer func() {
		if v := recover(); v != nil {
			w.log.Error("ovd: obtain vertex data panicked", "bin", r.Bin, "panic", v, "stack", string(debug.Stack()))
			r.Batches, r.Sources = nil, nil
			r.Err = fmt.Errorf("%w: bin %d: %v", ErrCallbackPanicked, r.Bin, v)
		}
	}()
	data, err := b.ObtainVertexData(&w.uctx)
	if err != nil {
		r.Err = fmt.Errorf("ovd: bin %d: %w", r.Bin, err)
		return r
	}
	var dropped int
	r.Batches, r.Sources, dropped = Group(data)
	if dropped > 0 {
		w.log.Warn("ovd: dropped vertices", "bin", r.Bin, "count", dropped)
	}
	return r
}

package worker

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/basalt/bin"
	"github.com/gogpu/basalt/gpu"
	"github.com/gogpu/basalt/gpu/soft"
	"github.com/gogpu/basalt/imagecache"
	"github.com/gogpu/basalt/internal/backing"
	"github.com/gogpu/basalt/internal/odb"
	"github.com/gogpu/basalt/internal/ovd"
	"github.com/gogpu/basalt/internal/queue"
	"github.com/gogpu/basalt/internal/render"
	"github.com/gogpu/basalt/vertex"
)

func newWorker(t *testing.T) (*Worker, *queue.Queue[Event], *queue.Queue[render.Event]) {
	t.Helper()
	events, rq := queue.New[Event](), queue.New[render.Event]()
	w, err := New(Config{
		Device:  soft.New(),
		Cache:   imagecache.New(),
		Events:  events,
		Render:  rq,
		Backing: backing.Options{Format: gputypes.TextureFormatRGBA8Unorm, AtlasSize: 256},
		Workers: 2,
	})
	require.NoError(t, err)
	return w, events, rq
}

// start runs w in the background and returns a func waiting for Run.
// Cleanup closes the worker once Run returned.
func start(t *testing.T, w *Worker, events *queue.Queue[Event]) func() error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	wait := sync.OnceValue(func() error { return <-done })
	t.Cleanup(func() {
		events.Push(Closed{})
		wait()
		w.Close()
	})
	return wait
}

// sink plays the renderer: it records events and signals every barrier.
type sink struct {
	mu      sync.Mutex
	events  []render.Event
	updates []*odb.Handoff
	closed  chan struct{}
}

func drain(q *queue.Queue[render.Event]) *sink {
	s := &sink{closed: make(chan struct{})}
	go func() {
		defer close(s.closed)
		for {
			ev, err := q.Next(context.Background())
			if err != nil {
				return
			}
			s.mu.Lock()
			s.events = append(s.events, ev)
			if u, ok := ev.(render.Update); ok {
				s.updates = append(s.updates, u.Handoff)
			}
			s.mu.Unlock()
			if u, ok := ev.(render.Update); ok {
				u.Handoff.Barrier.Signal()
			}
		}
	}()
	return s
}

func (s *sink) handoffs() []*odb.Handoff {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*odb.Handoff(nil), s.updates...)
}

func (s *sink) resizes() []gpu.Extent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []gpu.Extent
	for _, ev := range s.events {
		if r, ok := ev.(render.Resize); ok {
			out = append(out, r.Extent)
		}
	}
	return out
}

func tri(z float32) []vertex.Vertex {
	return []vertex.Vertex{
		{Position: [3]float32{0, 0, z}, Color: [4]float32{1, 1, 1, 1}, Type: vertex.TypeSolid},
		{Position: [3]float32{8, 0, z}, Color: [4]float32{1, 1, 1, 1}, Type: vertex.TypeSolid},
		{Position: [3]float32{0, 8, z}, Color: [4]float32{1, 1, 1, 1}, Type: vertex.TypeSolid},
	}
}

func solidBin(z float32) *bin.Static {
	b := bin.NewStatic()
	b.Set(map[bin.ImageSource][]vertex.Vertex{bin.None(): tri(z)})
	return b
}

var extent = gpu.Extent{Width: 64, Height: 48}

func TestPassHandsOff(t *testing.T) {
	w, events, rq := newWorker(t)
	s := drain(rq)
	wait := start(t, w, events)

	b := solidBin(0)
	events.Push(Opened{})
	events.Push(Resized{Extent: extent})
	events.Push(AssociateBin{Ref: bin.Strong(b)})
	require.Eventually(t, func() bool { return len(s.handoffs()) == 1 }, 5*time.Second, time.Millisecond)
	require.EqualValues(t, 3, s.handoffs()[0].VertexCount)
	require.Equal(t, []gpu.Extent{extent}, s.resizes())

	b.Set(map[bin.ImageSource][]vertex.Vertex{bin.None(): append(tri(0), tri(1)...)})
	events.Push(UpdateBin{ID: b.ID()})
	require.Eventually(t, func() bool { return len(s.handoffs()) == 2 }, 5*time.Second, time.Millisecond)
	require.EqualValues(t, 6, s.handoffs()[1].VertexCount)

	events.Push(Closed{})
	require.NoError(t, wait())
	<-s.closed
	require.True(t, rq.Closed())
	require.Equal(t, 2, w.Stats().Handoffs)
}

func TestBlocksOnZeroExtent(t *testing.T) {
	w, events, rq := newWorker(t)
	s := drain(rq)
	wait := start(t, w, events)

	events.Push(Opened{})
	events.Push(AssociateBin{Ref: bin.Strong(solidBin(0))})
	require.Eventually(t, func() bool { return w.Stats().Events == 2 }, 5*time.Second, time.Millisecond)
	require.Zero(t, w.Stats().Passes)

	events.Push(Resized{Extent: extent})
	require.Eventually(t, func() bool { return len(s.handoffs()) == 1 }, 5*time.Second, time.Millisecond)

	events.Close()
	require.NoError(t, wait())
}

func TestPendingChangesStayConsistent(t *testing.T) {
	w, _, _ := newWorker(t)
	t.Cleanup(w.Close)
	a, b := solidBin(0), solidBin(1)

	w.handle(AssociateBin{Ref: bin.Strong(a)})
	w.handle(UpdateBin{ID: a.ID()})
	w.handle(DissociateBin{ID: a.ID()})
	w.handle(UpdateBinBatch{IDs: []bin.ID{a.ID(), b.ID()}})
	req := w.request()
	require.Empty(t, req.Associate)
	require.Equal(t, []bin.ID{a.ID()}, req.Dissociate)
	require.Equal(t, []bin.ID{b.ID()}, req.Update)
	require.False(t, req.All)

	w.handle(DissociateBin{ID: b.ID()})
	w.handle(AssociateBin{Ref: bin.Strong(b)})
	req = w.request()
	require.Len(t, req.Associate, 1)
	require.Equal(t, b.ID(), req.Associate[0].ID())
	require.Empty(t, req.Dissociate)
	require.True(t, w.request().Empty())
}

func TestForwardsWindowEvents(t *testing.T) {
	w, _, rq := newWorker(t)
	t.Cleanup(w.Close)
	w.handle(Resized{Extent: extent})
	w.request()

	w.handle(RedrawRequested{})
	w.handle(EnabledFullscreen{})
	w.handle(DisabledFullscreen{})
	w.handle(SetMSAA{Samples: 4})
	w.handle(SetVSync{Enabled: true})
	w.handle(ScaleChanged{Scale: 2})
	require.True(t, w.all)
	require.Equal(t, float32(2), w.scale)

	var got []render.Event
	for {
		ev, ok := rq.TryNext()
		if !ok {
			break
		}
		got = append(got, ev)
	}
	require.Equal(t, []render.Event{
		render.Resize{Extent: extent},
		render.Redraw{},
		render.Fullscreen{Enabled: true},
		render.Fullscreen{Enabled: false},
		render.SetMSAA{Samples: 4},
		render.SetVSync{Enabled: true},
		render.Resize{Extent: extent},
	}, got)

	w.handle(AddBinaryFont{Data: nil})
	require.True(t, w.all)
	require.True(t, w.handle(Closed{}))
}

// gateBin reports the extent of every obtain and waits for release.
type gateBin struct {
	*bin.Static
	entered chan gpu.Extent
	release chan struct{}
}

func (b gateBin) ObtainVertexData(ctx *bin.UpdateContext) (map[bin.ImageSource][]vertex.Vertex, error) {
	b.entered <- ctx.Extent
	<-b.release
	return b.Static.ObtainVertexData(ctx)
}

func TestResizeDuringUpdate(t *testing.T) {
	w, events, rq := newWorker(t)
	s := drain(rq)
	wait := start(t, w, events)

	b := gateBin{Static: solidBin(0), entered: make(chan gpu.Extent), release: make(chan struct{})}
	first := gpu.Extent{Width: 640, Height: 480}
	second := gpu.Extent{Width: 800, Height: 600}
	events.Push(Opened{})
	events.Push(Resized{Extent: first})
	events.Push(AssociateBin{Ref: bin.Strong(b)})

	require.Equal(t, first, <-b.entered)
	events.Push(Resized{Extent: second})
	b.release <- struct{}{}
	require.Eventually(t, func() bool { return len(s.handoffs()) == 1 }, 5*time.Second, time.Millisecond)

	// The bin did not change, yet the resize re-obtains it.
	require.Equal(t, second, <-b.entered)
	b.release <- struct{}{}
	require.Eventually(t, func() bool { return w.Stats().Passes == 2 }, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return slices.Equal(s.resizes(), []gpu.Extent{first, second})
	}, 5*time.Second, time.Millisecond)

	events.Push(Closed{})
	require.NoError(t, wait())
}

type panicBin struct{ *bin.Static }

func (panicBin) ObtainVertexData(*bin.UpdateContext) (map[bin.ImageSource][]vertex.Vertex, error) {
	panic("broken bin")
}

func TestPanickingBinEndsWorker(t *testing.T) {
	w, events, rq := newWorker(t)
	drain(rq)
	wait := start(t, w, events)

	events.Push(Opened{})
	events.Push(Resized{Extent: extent})
	events.Push(AssociateBin{Ref: bin.Strong(panicBin{bin.NewStatic()})})
	require.ErrorIs(t, wait(), ovd.ErrCallbackPanicked)
	require.True(t, rq.Closed())
}

func TestRunStopsWithContext(t *testing.T) {
	w, _, rq := newWorker(t)
	t.Cleanup(w.Close)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, w.Run(ctx), context.Canceled)
	require.True(t, rq.Closed())
}

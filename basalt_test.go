package basalt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/gogpu/basalt/bin"
	"github.com/gogpu/basalt/gpu"
	"github.com/gogpu/basalt/gpu/soft"
	"github.com/gogpu/basalt/internal/ovd"
	"github.com/gogpu/basalt/text"
	"github.com/gogpu/basalt/vertex"
)

var testExtent = gpu.Extent{Width: 64, Height: 48}

const waitFor = 5 * time.Second

func newBasalt(t *testing.T, opts ...Option) (*Basalt, *soft.Device) {
	t.Helper()
	dev := soft.New()
	opts = append([]Option{WithWorkers(2), WithSweepInterval(0)}, opts...)
	opts = append(opts, WithDevice(dev))
	b, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, b.Close())
		require.NoError(t, dev.Close())
	})
	return b, dev
}

func openWindow(t *testing.T, b *Basalt, cfg WindowConfig) *Window {
	t.Helper()
	if cfg.Extent.IsZero() {
		cfg.Extent = testExtent
	}
	w, err := b.OpenWindow(gpu.SurfaceTarget{}, cfg)
	require.NoError(t, err)
	return w
}

func tri(z float32) []vertex.Vertex {
	return []vertex.Vertex{
		{Position: [3]float32{0, 0, z}, Color: [4]float32{1, 0, 0, 1}, Type: vertex.TypeSolid},
		{Position: [3]float32{8, 0, z}, Color: [4]float32{1, 0, 0, 1}, Type: vertex.TypeSolid},
		{Position: [3]float32{0, 8, z}, Color: [4]float32{1, 0, 0, 1}, Type: vertex.TypeSolid},
	}
}

func solidBin(z float32) *bin.Static {
	b := bin.NewStatic()
	b.Set(map[bin.ImageSource][]vertex.Vertex{bin.None(): tri(z)})
	return b
}

func lastVertexCount(dev *soft.Device) int {
	f, ok := dev.LastFrame()
	if !ok {
		return -1
	}
	return len(f.Vertices)
}

func TestNewUnavailableBackend(t *testing.T) {
	_, err := New(WithBackend("no-such-backend"))
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, gpu.ErrBackendUnavailable)
}

func TestNewInvalidOption(t *testing.T) {
	_, err := New(WithDevice(soft.New()), WithMSAA(3))
	require.ErrorIs(t, err, ErrInvalidOption)
}

func TestNewWithoutImageFormat(t *testing.T) {
	dev := soft.New()
	t.Cleanup(func() { dev.Close() })
	_, err := New(WithDevice(dev), WithImageFormats(gputypes.TextureFormatRGBA32Float))
	require.ErrorIs(t, err, ErrNotSupported)
}

func TestNewSoftwareBackend(t *testing.T) {
	b, err := New(WithBackend("software"), WithSweepInterval(10*time.Millisecond))
	require.NoError(t, err)
	require.IsType(t, &soft.Device{}, b.Device())
	require.Equal(t, gputypes.TextureFormatRGBA8UnormSrgb, b.ImageFormat())
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
}

func TestWindowDrawsBins(t *testing.T) {
	b, dev := newBasalt(t)
	w := openWindow(t, b, WindowConfig{})
	require.Equal(t, []*Window{w}, b.Windows())

	first, second := solidBin(0), solidBin(1)
	require.NoError(t, w.Opened())
	require.NoError(t, w.AssociateBin(bin.Strong(first)))
	require.Eventually(t, func() bool { return lastVertexCount(dev) == 3 }, waitFor, time.Millisecond)

	require.NoError(t, w.AssociateBin(bin.Strong(second)))
	require.Eventually(t, func() bool { return lastVertexCount(dev) == 6 }, waitFor, time.Millisecond)

	first.Set(map[bin.ImageSource][]vertex.Vertex{bin.None(): append(tri(0), tri(2)...)})
	require.NoError(t, w.UpdateBins([]bin.ID{first.ID()}))
	require.Eventually(t, func() bool { return lastVertexCount(dev) == 9 }, waitFor, time.Millisecond)

	require.NoError(t, w.DissociateBin(second.ID()))
	require.Eventually(t, func() bool { return lastVertexCount(dev) == 6 }, waitFor, time.Millisecond)

	f, ok := dev.LastFrame()
	require.True(t, ok)
	for i, v := range f.Vertices {
		if i > 0 {
			require.LessOrEqual(t, f.Vertices[i-1].Position[2], v.Position[2], "vertices sorted by z")
		}
	}

	s := w.Stats()
	require.GreaterOrEqual(t, s.Handoffs, 4)
	require.GreaterOrEqual(t, s.Frames, 1)

	require.NoError(t, w.Close())
	require.Empty(t, b.Windows())
	require.ErrorIs(t, w.UpdateBin(first.ID()), ErrClosed)
	require.ErrorIs(t, w.Err(), ErrClosed)
}

func TestWindowWaitsForOpened(t *testing.T) {
	b, dev := newBasalt(t)
	w := openWindow(t, b, WindowConfig{})
	require.NoError(t, w.AssociateBin(bin.Strong(solidBin(0))))
	require.Eventually(t, func() bool { return w.Stats().Events == 1 }, waitFor, time.Millisecond)
	require.Zero(t, w.Stats().Passes)
	require.LessOrEqual(t, lastVertexCount(dev), 0, "only empty frames before Opened")

	require.NoError(t, w.Opened())
	require.Eventually(t, func() bool { return lastVertexCount(dev) == 3 }, waitFor, time.Millisecond)
}

func TestWindowResize(t *testing.T) {
	b, _ := newBasalt(t)
	w := openWindow(t, b, WindowConfig{})
	surf, ok := w.surface.(*soft.Surface)
	require.True(t, ok)

	require.NoError(t, w.Opened())
	require.NoError(t, w.AssociateBin(bin.Strong(solidBin(0))))
	require.Eventually(t, func() bool { return w.Stats().Frames >= 1 }, waitFor, time.Millisecond)

	larger := gpu.Extent{Width: 128, Height: 96}
	require.NoError(t, w.Resized(larger))
	require.Eventually(t, func() bool {
		cfg, _ := surf.Config()
		return cfg.Extent == larger
	}, waitFor, time.Millisecond)

	require.ErrorIs(t, w.ScaleChanged(0), ErrInvalidOption)
	require.NoError(t, w.ScaleChanged(2))
	require.NoError(t, w.RequestRedraw())
}

type panicBin struct{ *bin.Static }

func (panicBin) ObtainVertexData(*bin.UpdateContext) (map[bin.ImageSource][]vertex.Vertex, error) {
	panic("broken bin")
}

func TestWindowBackendExited(t *testing.T) {
	b, _ := newBasalt(t)
	w := openWindow(t, b, WindowConfig{})
	require.NoError(t, w.Opened())
	require.NoError(t, w.AssociateBin(bin.Strong(panicBin{bin.NewStatic()})))

	require.ErrorIs(t, w.Wait(), ovd.ErrCallbackPanicked)
	err := w.RequestRedraw()
	require.ErrorIs(t, err, ErrBackendExited)
	require.ErrorIs(t, err, ovd.ErrCallbackPanicked)
	require.ErrorIs(t, w.Err(), ErrBackendExited)
	require.Empty(t, b.Windows())
	require.ErrorIs(t, w.Close(), ovd.ErrCallbackPanicked)
}

func TestEnableFullscreen(t *testing.T) {
	b, _ := newBasalt(t)

	var calls [][2]bool
	hook := func(enable, exclusive bool) error {
		calls = append(calls, [2]bool{enable, exclusive})
		return nil
	}
	w := openWindow(t, b, WindowConfig{Fullscreen: hook})
	bare := openWindow(t, b, WindowConfig{})

	var fsErr *EnableFullScreenError
	err := w.EnableFullscreen(false)
	require.ErrorAs(t, err, &fsErr)
	require.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, w.Opened())
	require.NoError(t, bare.Opened())

	err = w.EnableFullscreen(true)
	require.ErrorAs(t, err, &fsErr)
	require.True(t, fsErr.Exclusive)
	require.ErrorIs(t, err, ErrNotImplemented)

	require.ErrorIs(t, bare.EnableFullscreen(false), ErrNotSupported)
	require.ErrorIs(t, bare.DisableFullscreen(), ErrNotSupported)

	require.NoError(t, w.EnableFullscreen(false))
	require.NoError(t, w.DisableFullscreen())
	require.Equal(t, [][2]bool{{true, false}, {false, false}}, calls)

	failing := openWindow(t, b, WindowConfig{Fullscreen: func(bool, bool) error {
		return errors.New("compositor refused")
	}})
	require.NoError(t, failing.Opened())
	err = failing.EnableFullscreen(false)
	require.ErrorAs(t, err, &fsErr)
	require.EqualError(t, err, "basalt: enable borderless full-screen: compositor refused")
}

func TestSetMSAA(t *testing.T) {
	b, _ := newBasalt(t)
	w := openWindow(t, b, WindowConfig{})
	require.ErrorIs(t, w.SetMSAA(3), ErrInvalidOption)
	require.NoError(t, w.SetMSAA(4))
	require.NoError(t, w.SetVSync(false))

	dev := soft.New(soft.WithFormatFeatures(gputypes.TextureFormatBGRA8UnormSrgb,
		gpu.FeatureCopySrc|gpu.FeatureCopyDst|gpu.FeatureSampled|gpu.FeatureRenderAttachment))
	t.Cleanup(func() { dev.Close() })
	nb, err := New(WithDevice(dev), WithWorkers(1), WithSweepInterval(0))
	require.NoError(t, err)
	t.Cleanup(func() { nb.Close() })
	nw := openWindow(t, nb, WindowConfig{})
	require.Equal(t, gputypes.TextureFormatBGRA8UnormSrgb, nw.Format().Format)
	require.ErrorIs(t, nw.SetMSAA(4), ErrNotSupported)
	require.NoError(t, nw.SetMSAA(1))
}

type clearRenderer struct{ calls int }

func (r *clearRenderer) Render(ctx context.Context, dev gpu.Device, target gpu.ImageID, _ gpu.Extent) error {
	r.calls++
	cmds := gpu.NewCommandList("user")
	cmds.ClearImage(target, gputypes.Color{B: 1, A: 1})
	return dev.Execute(ctx, cmds)
}

func TestUserRenderer(t *testing.T) {
	b, dev := newBasalt(t)
	w := openWindow(t, b, WindowConfig{})
	u := &clearRenderer{}
	require.NoError(t, w.SetUserRenderer(u))
	require.NoError(t, w.Opened())
	require.NoError(t, w.AssociateBin(bin.Strong(solidBin(0))))
	require.Eventually(t, func() bool { return lastVertexCount(dev) == 3 }, waitFor, time.Millisecond)
	require.NoError(t, w.Close())
	require.Positive(t, u.calls)
}

func TestFontsReachWindows(t *testing.T) {
	b, _ := newBasalt(t)
	require.ErrorIs(t, b.AddBinaryFont([]byte("not a font")), text.ErrInvalidFont)

	early := openWindow(t, b, WindowConfig{})
	require.NoError(t, b.AddBinaryFont(goregular.TTF))
	require.NoError(t, b.SetDefaultFont(text.DefaultFont()))
	require.Eventually(t, func() bool { return early.Stats().Events == 2 }, waitFor, time.Millisecond)

	late := openWindow(t, b, WindowConfig{})
	require.Eventually(t, func() bool { return late.Stats().Events == 2 }, waitFor, time.Millisecond)
}

func TestWindowWorkerCount(t *testing.T) {
	b, _ := newBasalt(t, WithWorkers(0))
	w := openWindow(t, b, WindowConfig{})
	require.Equal(t, 1, w.worker.Workers(), "zero workers means one")

	b3, _ := newBasalt(t, WithWorkers(3))
	w3 := openWindow(t, b3, WindowConfig{})
	require.Equal(t, 3, w3.worker.Workers())
}

func TestCloseStopsWindows(t *testing.T) {
	dev := soft.New()
	t.Cleanup(func() { dev.Close() })
	b, err := New(WithDevice(dev), WithWorkers(1), WithSweepInterval(0))
	require.NoError(t, err)

	w1 := openWindow(t, b, WindowConfig{})
	w2 := openWindow(t, b, WindowConfig{})
	require.NoError(t, w1.Opened())
	require.NoError(t, w1.AssociateBin(bin.Strong(solidBin(0))))

	require.NoError(t, b.Close())
	for _, w := range []*Window{w1, w2} {
		select {
		case <-w.Done():
		default:
			t.Fatalf("window %d still running after Close", w.ID())
		}
	}
	require.Empty(t, b.Windows())

	_, err = b.OpenWindow(gpu.SurfaceTarget{}, WindowConfig{Extent: testExtent})
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, b.AddBinaryFont(goregular.TTF), ErrClosed)

	// The shared device outlives b.
	_, err = dev.CreateBuffer(&gpu.BufferDescriptor{Size: 16, Usage: gputypes.BufferUsageVertex})
	require.NoError(t, err)
}

func TestOpenWindowFromLoadedOptions(t *testing.T) {
	o, err := LoadOptions(writeOptions(t, "msaa = 2\nconservative_draw = true\n"))
	require.NoError(t, err)
	b, dev := newBasalt(t, WithOptions(o), WithWorkers(1))
	require.Equal(t, uint32(2), b.Options().MSAA)
	require.Same(t, dev, b.Options().Device)

	w := openWindow(t, b, WindowConfig{Scale: 1.5})
	require.NoError(t, w.Opened())
	require.NoError(t, w.AssociateBin(bin.Strong(solidBin(0))))
	require.Eventually(t, func() bool { return lastVertexCount(dev) == 3 }, waitFor, time.Millisecond)

	_, err = b.OpenWindow(gpu.SurfaceTarget{}, WindowConfig{Scale: -1})
	require.ErrorIs(t, err, ErrInvalidOption)
}

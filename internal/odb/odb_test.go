package odb

import (
	"context"
	"math/rand"
	"slices"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/basalt/bin"
	"github.com/gogpu/basalt/gpu"
	"github.com/gogpu/basalt/gpu/soft"
	"github.com/gogpu/basalt/imagecache"
	"github.com/gogpu/basalt/internal/backing"
	"github.com/gogpu/basalt/internal/ovd"
	"github.com/gogpu/basalt/vertex"
)

type env struct {
	dev   *soft.Device
	cache *imagecache.Cache
	m     *backing.Manager
	pool  *ovd.Pool
	o     *Buffer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{dev: soft.New(), cache: imagecache.New()}
	var err error
	e.m, err = backing.New(e.dev, e.cache, backing.Options{
		Format:    gputypes.TextureFormatRGBA8Unorm,
		AtlasSize: 256,
	})
	require.NoError(t, err)
	e.pool = ovd.New(2, e.cache, gpu.Extent{Width: 640, Height: 480}, 1)
	e.o = New(e.dev, e.m, e.pool)
	t.Cleanup(func() {
		e.o.Close()
		e.m.Close()
		e.pool.Close()
	})
	return e
}

// run performs one pass and plays the renderer's part of the handoff.
func (e *env) run(t *testing.T, req *Request) *Handoff {
	t.Helper()
	h, err := e.o.Update(context.Background(), req)
	require.NoError(t, err)
	if h != nil {
		h.Barrier.Signal()
		require.NoError(t, h.Barrier.Wait(context.Background()))
		e.o.Swap()
	}
	return h
}

func (e *env) vertices(t *testing.T, h *Handoff) []vertex.Vertex {
	t.Helper()
	out := make([]byte, int(h.VertexCount)*vertex.Size)
	require.NoError(t, e.dev.ReadBuffer(context.Background(), h.VertexBuffer, 0, out))
	return vertex.Decode(out)
}

func (e *env) loadImage(t *testing.T, name string, w, h int) bin.ImageSource {
	t.Helper()
	key := imagecache.User(name, 0)
	data := make([]byte, w*h*4)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, e.cache.LoadRaw(key, imagecache.Indefinite(), imagecache.LRGBA, imagecache.Depth8, uint32(w), uint32(h), data))
	return bin.Cache(key)
}

func tri(z float32, typ vertex.Type) []vertex.Vertex {
	return []vertex.Vertex{
		{Position: [3]float32{0, 0, z}, Coords: [2]float32{0, 0}, Color: [4]float32{1, 0, 0, 1}, Type: typ},
		{Position: [3]float32{10, 0, z}, Coords: [2]float32{2, 0}, Color: [4]float32{1, 0, 0, 1}, Type: typ},
		{Position: [3]float32{0, 10, z}, Coords: [2]float32{0, 2}, Color: [4]float32{1, 0, 0, 1}, Type: typ},
	}
}

func staticBin(data map[bin.ImageSource][]vertex.Vertex) *bin.Static {
	s := bin.NewStatic()
	s.Set(data)
	return s
}

func solid(z float32) map[bin.ImageSource][]vertex.Vertex {
	return map[bin.ImageSource][]vertex.Vertex{bin.None(): tri(z, vertex.TypeSolid)}
}

// requireEquivalent replays the pending commands on the inactive pair and
// compares it with the active pair.
func (e *env) requireEquivalent(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if p := e.o.Pending(); !p.Empty() {
		require.NoError(t, e.dev.Execute(ctx, p))
	}
	n := int(e.o.Count()) * vertex.Size
	bufs := [2][]byte{make([]byte, n), make([]byte, n)}
	for slot := range bufs {
		require.NoError(t, e.dev.ReadBuffer(ctx, e.o.VertexBuffer(slot), 0, bufs[slot]))
	}
	require.Equal(t, bufs[0], bufs[1], "vertex buffers differ")

	imgs := [2][]gpu.ImageID{e.m.Images(0), e.m.Images(1)}
	for i := range imgs[0] {
		w, h, ok := e.dev.ImageSize(imgs[0][i])
		require.True(t, ok)
		a, b := make([]byte, w*h*4), make([]byte, w*h*4)
		require.NoError(t, e.dev.ReadImage(ctx, imgs[0][i], a))
		require.NoError(t, e.dev.ReadImage(ctx, imgs[1][i], b))
		require.Equal(t, a, b, "images of backing %d differ", i)
	}
}

func TestSingleSolidTriangle(t *testing.T) {
	e := newEnv(t)
	b := staticBin(solid(0))

	h := e.run(t, &Request{Associate: []bin.Ref{bin.Strong(b)}})
	require.NotNil(t, h)
	require.EqualValues(t, 3, h.VertexCount)
	require.Empty(t, h.Images)
	require.Zero(t, e.m.Len())

	got := e.vertices(t, h)
	for i, v := range got {
		require.Zero(t, v.TexIndex, "vertex %d", i)
		require.Equal(t, vertex.TypeSolid, v.Type, "vertex %d", i)
		require.Equal(t, [4]float32{1, 0, 0, 1}, v.Color, "vertex %d", i)
	}
}

func TestGlyphReuse(t *testing.T) {
	e := newEnv(t)
	key := imagecache.Glyph(0xF, 0x41, 16)
	require.NoError(t, e.cache.LoadGlyph(key, imagecache.RawImage{
		Format: imagecache.LMono, Depth: imagecache.Depth8, Width: 4, Height: 5, Data: make([]byte, 20),
	}))
	src := bin.Cache(key)
	a := staticBin(map[bin.ImageSource][]vertex.Vertex{src: tri(0, vertex.TypeGlyph)})
	b := staticBin(map[bin.ImageSource][]vertex.Vertex{src: tri(1, vertex.TypeGlyph)})

	h := e.run(t, &Request{Associate: []bin.Ref{bin.Strong(a), bin.Strong(b)}})
	require.NotNil(t, h)
	require.Equal(t, []backing.Kind{backing.KindAtlas}, e.m.Kinds())
	require.Equal(t, 2, e.m.Uses(src))
	require.Equal(t, 1, e.cache.Refs(key))

	got := e.vertices(t, h)
	require.Len(t, got, 6)
	for i := range 3 {
		require.Equal(t, got[i].TexIndex, got[i+3].TexIndex)
		require.Equal(t, got[i].Coords, got[i+3].Coords)
	}
	require.Equal(t, [2]float32{1, 1}, got[0].Coords)
}

func TestZReorderMovesWithoutUpload(t *testing.T) {
	e := newEnv(t)
	bins := []*bin.Static{staticBin(solid(1)), staticBin(solid(2)), staticBin(solid(3))}
	refs := make([]bin.Ref, len(bins))
	for i, b := range bins {
		refs[i] = bin.Strong(b)
	}
	require.NotNil(t, e.run(t, &Request{Associate: refs}))
	before := e.o.Stats()
	require.Equal(t, 1, before.StagingWrites)

	bins[0].Set(solid(4))
	h := e.run(t, &Request{Update: []bin.ID{bins[0].ID()}})
	require.NotNil(t, h)

	after := e.o.Stats()
	require.Equal(t, before.StagingWrites, after.StagingWrites, "moved data was uploaded again")
	require.Equal(t, before.Uploads, after.Uploads)
	require.Equal(t, 3, after.Moves-before.Moves)

	require.Equal(t, map[float32]Range{4: {Start: 6, Len: 3}}, e.o.Ranges(bins[0].ID()))
	require.Equal(t, map[float32]Range{2: {Start: 0, Len: 3}}, e.o.Ranges(bins[1].ID()))
	require.Equal(t, map[float32]Range{3: {Start: 3, Len: 3}}, e.o.Ranges(bins[2].ID()))

	// The moved bin is drawn last. Its vertices were copied inside the
	// buffer, so they keep the depth they were uploaded with; draw order
	// comes from the ranges, the shader ignores z.
	got := e.vertices(t, h)
	require.Equal(t, float32(2), got[0].Z())
	require.Equal(t, float32(3), got[3].Z())
	require.Equal(t, float32(1), got[6].Z())
	var starts []uint32
	for _, b := range []*bin.Static{bins[1], bins[2], bins[0]} {
		for _, r := range e.o.Ranges(b.ID()) {
			starts = append(starts, r.Start)
		}
	}
	require.True(t, slices.IsSorted(starts), "ranges %v do not follow z", starts)
	e.requireEquivalent(t)
}

func TestUnchangedPassIsSkipped(t *testing.T) {
	e := newEnv(t)
	b := staticBin(solid(0))
	require.NotNil(t, e.run(t, &Request{Associate: []bin.Ref{bin.Strong(b)}}))

	// Not newer than the obtained data.
	require.Nil(t, e.run(t, &Request{Update: []bin.ID{b.ID()}}))
	// Re-obtained but identical.
	require.Nil(t, e.run(t, &Request{All: true}))
	require.Equal(t, 1, e.o.Stats().StagingWrites)
}

func TestRoundTripPatchesAtlasPlacement(t *testing.T) {
	e := newEnv(t)
	src := e.loadImage(t, "photo", 8, 6)
	want := tri(5, vertex.TypeImage)
	b := staticBin(map[bin.ImageSource][]vertex.Vertex{src: want, bin.None(): tri(5, vertex.TypeSolid)})

	h := e.run(t, &Request{Associate: []bin.Ref{bin.Strong(b)}})
	require.NotNil(t, h)
	pl, ok := e.m.Lookup(src)
	require.True(t, ok)

	r := e.o.Ranges(b.ID())[5]
	require.EqualValues(t, 6, r.Len)
	got := e.vertices(t, h)[r.Start : r.Start+r.Len]
	// None sorts first with tex index 0.
	require.Equal(t, vertex.TypeSolid, got[0].Type)
	for i, v := range want {
		v.TexIndex = pl.Index
		v.Coords[0] += pl.Origin[0]
		v.Coords[1] += pl.Origin[1]
		require.Equal(t, v, got[3+i], "vertex %d", i)
	}
}

func TestPatchOffsetsOnlySamplingVertices(t *testing.T) {
	e := newEnv(t)
	src := e.loadImage(t, "glyphs", 4, 4)
	glyph := tri(0, vertex.TypeGlyph)
	solidOnImage := tri(0, vertex.TypeSolid)
	b := staticBin(map[bin.ImageSource][]vertex.Vertex{src: append(slices.Clone(glyph), solidOnImage...)})

	h := e.run(t, &Request{Associate: []bin.Ref{bin.Strong(b)}})
	require.NotNil(t, h)
	pl, ok := e.m.Lookup(src)
	require.True(t, ok)
	require.NotEqual(t, [2]float32{}, pl.Origin)

	got := e.vertices(t, h)
	require.Len(t, got, 6)
	for i := range 3 {
		require.Equal(t, glyph[i].Coords[0]+pl.Origin[0], got[i].Coords[0])
		require.Equal(t, glyph[i].Coords[1]+pl.Origin[1], got[i].Coords[1])
		require.Equal(t, solidOnImage[i].Coords, got[3+i].Coords)
		require.Equal(t, pl.Index, got[3+i].TexIndex)
	}
}

func TestOrderingByDepthTexAndBin(t *testing.T) {
	e := newEnv(t)
	rng := rand.New(rand.NewSource(1))
	imgs := []bin.ImageSource{bin.None(), e.loadImage(t, "a", 4, 4), e.loadImage(t, "b", 600, 4)}
	var refs []bin.Ref
	for range 40 {
		data := make(map[bin.ImageSource][]vertex.Vertex)
		for range 1 + rng.Intn(3) {
			src := imgs[rng.Intn(len(imgs))]
			z := float32(rng.Intn(6))
			data[src] = append(data[src], tri(z, vertex.TypeImage)...)
		}
		refs = append(refs, bin.Strong(staticBin(data)))
	}
	h := e.run(t, &Request{Associate: refs})
	require.NotNil(t, h)

	got := e.vertices(t, h)
	require.True(t, slices.IsSortedFunc(got, func(a, b vertex.Vertex) int {
		switch {
		case a.Z() < b.Z():
			return -1
		case a.Z() > b.Z():
			return 1
		}
		return 0
	}), "vertex depths are not ascending")

	// Batches are contiguous and ascend by (z, lowest tex index, bin id).
	type batch struct {
		z     float32
		tex   uint32
		id    bin.ID
		start uint32
		n     uint32
	}
	var batches []batch
	for _, ref := range refs {
		for z, r := range e.o.Ranges(ref.ID()) {
			batches = append(batches, batch{z: z, tex: got[r.Start].TexIndex, id: ref.ID(), start: r.Start, n: r.Len})
		}
	}
	slices.SortFunc(batches, func(a, b batch) int { return int(a.start) - int(b.start) })
	var cursor uint32
	for i, b := range batches {
		require.Equal(t, cursor, b.start, "gap before batch %d", i)
		cursor += b.n
		if i == 0 {
			continue
		}
		p := batches[i-1]
		ordered := p.z < b.z || p.z == b.z && (p.tex < b.tex || p.tex == b.tex && p.id < b.id)
		require.True(t, ordered, "batch %d %+v after %+v", i, b, p)
	}
	require.Equal(t, h.VertexCount, cursor)
	e.requireEquivalent(t)
}

func TestRefcountSoundness(t *testing.T) {
	e := newEnv(t)
	rng := rand.New(rand.NewSource(7))
	srcs := []bin.ImageSource{
		bin.None(),
		e.loadImage(t, "p", 5, 5),
		e.loadImage(t, "q", 30, 20),
		e.loadImage(t, "r", 520, 3),
	}
	randomData := func() map[bin.ImageSource][]vertex.Vertex {
		data := make(map[bin.ImageSource][]vertex.Vertex)
		for range 1 + rng.Intn(3) {
			src := srcs[rng.Intn(len(srcs))]
			data[src] = append(data[src], tri(float32(rng.Intn(4)), vertex.TypeImage)...)
		}
		return data
	}

	live := make(map[bin.ID]*bin.Static)
	for step := range 60 {
		req := &Request{}
		switch op := rng.Intn(3); {
		case op == 0 || len(live) == 0:
			b := staticBin(randomData())
			live[b.ID()] = b
			req.Associate = append(req.Associate, bin.Strong(b))
		case op == 1:
			for id, b := range live {
				b.Set(randomData())
				req.Update = append(req.Update, id)
				break
			}
		default:
			for id := range live {
				delete(live, id)
				req.Dissociate = append(req.Dissociate, id)
				break
			}
		}
		e.run(t, req)

		want := make(map[bin.ImageSource]int)
		for id := range live {
			for _, src := range e.o.Sources(id) {
				want[src]++
			}
		}
		for _, src := range srcs[1:] {
			require.Equal(t, want[src], e.m.Uses(src), "step %d: uses of %v", step, src)
		}
	}
	e.requireEquivalent(t)
}

func TestBackingShiftRewritesTexIndex(t *testing.T) {
	e := newEnv(t)
	big := e.loadImage(t, "big", 600, 2)
	ext, err := e.dev.CreateImage(&gpu.ImageDescriptor{Width: 2, Height: 2, Format: gputypes.TextureFormatRGBA8Unorm})
	require.NoError(t, err)
	a := staticBin(map[bin.ImageSource][]vertex.Vertex{big: tri(0, vertex.TypeImage)})
	b := staticBin(map[bin.ImageSource][]vertex.Vertex{bin.External(ext): tri(1, vertex.TypeImage)})

	h := e.run(t, &Request{Associate: []bin.Ref{bin.Strong(a)}})
	require.NotNil(t, h)
	h = e.run(t, &Request{Associate: []bin.Ref{bin.Strong(b)}})
	require.NotNil(t, h)
	got := e.vertices(t, h)
	require.EqualValues(t, 1, got[3].TexIndex)

	writes := e.o.Stats().StagingWrites
	h = e.run(t, &Request{Dissociate: []bin.ID{a.ID()}})
	require.NotNil(t, h)
	require.Equal(t, []gpu.ImageID{ext}, h.Images)
	got = e.vertices(t, h)
	require.Len(t, got, 3)
	require.EqualValues(t, 0, got[0].TexIndex)
	require.Equal(t, writes+1, e.o.Stats().StagingWrites, "shifted batch must be uploaded again")
}

func TestBuffersGrow(t *testing.T) {
	e := newEnv(t)
	var refs []bin.Ref
	for i := range 500 {
		refs = append(refs, bin.Strong(staticBin(solid(float32(i)))))
	}
	h := e.run(t, &Request{Associate: refs[:100]})
	require.NotNil(t, h)
	h = e.run(t, &Request{Associate: refs[100:]})
	require.NotNil(t, h)
	require.EqualValues(t, 1500, h.VertexCount)
	require.Equal(t, 2, e.o.Stats().Resizes)

	got := e.vertices(t, h)
	for i := range 500 {
		require.Equal(t, float32(i), got[i*3].Z())
	}
	e.requireEquivalent(t)
}

type deadRef struct{ id bin.ID }

func (r deadRef) ID() bin.ID               { return r.id }
func (r deadRef) Upgrade() (bin.Bin, bool) { return nil, false }

func TestDroppedBinIsDissociated(t *testing.T) {
	e := newEnv(t)
	src := e.loadImage(t, "x", 2, 2)
	b := staticBin(map[bin.ImageSource][]vertex.Vertex{src: tri(0, vertex.TypeImage)})
	require.NotNil(t, e.run(t, &Request{Associate: []bin.Ref{bin.Strong(b)}}))
	require.Equal(t, 1, e.m.Uses(src))

	// Re-associating replaces the reference.
	h := e.run(t, &Request{Associate: []bin.Ref{deadRef{b.ID()}}})
	require.NotNil(t, h)
	require.Zero(t, e.o.Len())
	require.Zero(t, e.m.Uses(src))
	require.Zero(t, h.VertexCount)
}

func TestEmptyFrameHandedOffOnce(t *testing.T) {
	e := newEnv(t)
	require.Nil(t, e.run(t, &Request{All: true}), "nothing to draw yet")

	empty := bin.NewStatic()
	require.Nil(t, e.run(t, &Request{Associate: []bin.Ref{bin.Strong(empty)}}))
	require.Equal(t, 1, e.o.Len())

	b := staticBin(solid(0))
	h := e.run(t, &Request{Associate: []bin.Ref{bin.Strong(b)}})
	require.NotNil(t, h)
	require.EqualValues(t, 3, h.VertexCount)

	// The last vertices leave: one empty frame replaces them.
	h = e.run(t, &Request{Dissociate: []bin.ID{b.ID()}})
	require.NotNil(t, h)
	require.Zero(t, h.VertexCount)

	require.Nil(t, e.run(t, &Request{All: true}))
	require.Nil(t, e.run(t, &Request{Dissociate: []bin.ID{empty.ID()}}))
}

type panicBin struct{ *bin.Static }

func (panicBin) ObtainVertexData(*bin.UpdateContext) (map[bin.ImageSource][]vertex.Vertex, error) {
	panic("layout bug")
}

func TestPanickingBinIsFatal(t *testing.T) {
	e := newEnv(t)
	_, err := e.o.Update(context.Background(), &Request{Associate: []bin.Ref{bin.Strong(panicBin{bin.NewStatic()})}})
	require.ErrorIs(t, err, ovd.ErrCallbackPanicked)
}

func TestUnloadedImageIsNotDrawn(t *testing.T) {
	e := newEnv(t)
	missing := bin.Cache(imagecache.URL("https://example.invalid/a.png"))
	b := staticBin(map[bin.ImageSource][]vertex.Vertex{
		missing:    tri(0, vertex.TypeImage),
		bin.None(): tri(0, vertex.TypeSolid),
	})
	h := e.run(t, &Request{Associate: []bin.Ref{bin.Strong(b)}})
	require.NotNil(t, h)
	require.EqualValues(t, 3, h.VertexCount)
	require.Zero(t, e.m.Len())
}

func TestRequestEmpty(t *testing.T) {
	tests := []struct {
		req  Request
		want bool
	}{
		{Request{}, true},
		{Request{All: true}, false},
		{Request{Update: []bin.ID{1}}, false},
		{Request{Dissociate: []bin.ID{1}}, false},
	}
	for _, tt := range tests {
		if got := tt.req.Empty(); got != tt.want {
			t.Errorf("%+v.Empty() = %v, want %v", tt.req, got, tt.want)
		}
	}
}

func TestBarrier(t *testing.T) {
	b := NewBarrier()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Wait(ctx); err == nil {
		t.Error("Wait on a cancelled context returned nil")
	}
	b.Signal()
	b.Signal()
	if err := b.Wait(context.Background()); err != nil {
		t.Errorf("Wait after Signal = %v", err)
	}
}

// Package odb keeps the vertex data of a window's bins in a pair of device
// buffers sorted by depth.
//
// Each pass updates the active buffer through command list A and records
// the same updates into command list B for the inactive buffer; B is
// replayed at the start of the next pass, when the roles have swapped.
// Resident batches are moved inside the device instead of being uploaded
// again.
package odb

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/basalt/bin"
	"github.com/gogpu/basalt/gpu"
	"github.com/gogpu/basalt/internal/backing"
	"github.com/gogpu/basalt/internal/logging"
	"github.com/gogpu/basalt/internal/ovd"
	"github.com/gogpu/basalt/vertex"
)

// ErrInconsistent reports a violated internal invariant.
var ErrInconsistent = errors.New("odb: inconsistent state")

// MinCapacity is the smallest vertex buffer, in vertices.
const MinCapacity = 1024

// Range is a run of vertices in the active buffer.
type Range struct {
	Start, Len uint32
}

// ZData is the data of one bin at one depth. A nil Range means the data
// is uploaded by the next pass.
type ZData struct {
	Range *Range
	Data  map[bin.ImageSource][]vertex.Vertex
}

type binState struct {
	ref     bin.Ref
	updated time.Time
	sources map[bin.ImageSource]struct{}
	zdata   map[float32]*ZData
}

// Request lists the bin changes of one pass. Associate and Dissociate are
// disjoint.
type Request struct {
	Associate  []bin.Ref
	Dissociate []bin.ID
	Update     []bin.ID

	// All re-obtains every bin.
	All bool
}

// Empty reports whether the request changes nothing.
func (r *Request) Empty() bool {
	return !r.All && len(r.Associate) == 0 && len(r.Dissociate) == 0 && len(r.Update) == 0
}

// Stats counts buffer activity over the lifetime of a Buffer.
type Stats struct {
	Passes        int
	Handoffs      int
	Uploads       int
	StagingWrites int
	Moves         int
	Copies        int
	Resizes       int
}

// Buffer is the ordered dual buffer of one window. It is used by the
// window's worker only.
type Buffer struct {
	dev     gpu.Device
	backing *backing.Manager
	pool    *ovd.Pool
	log     *slog.Logger

	bins map[bin.ID]*binState

	active      int
	buffers     [2]gpu.BufferID
	capacity    uint32
	count       uint32
	scratch     gpu.BufferID
	staging     [2]gpu.BufferID
	stagingSize [2]uint64

	// pending is replayed into A by the next pass.
	pending *gpu.CommandList
	// next becomes pending when the current handoff is swapped in.
	next *gpu.CommandList

	// garbage of the previous pass, destroyed once pending has run.
	garbage *backing.Garbage

	images []gpu.ImageID
	stats  Stats
}

// New creates an empty buffer drawing images placed by m and obtaining
// vertex data through pool.
func New(dev gpu.Device, m *backing.Manager, pool *ovd.Pool) *Buffer {
	return &Buffer{
		dev:     dev,
		backing: m,
		pool:    pool,
		log:     logging.Logger().With("component", "odb"),
		bins:    make(map[bin.ID]*binState),
		garbage: &backing.Garbage{},
	}
}

// Stats returns the activity counters.
func (o *Buffer) Stats() Stats { return o.stats }

// Len returns the number of associated bins.
func (o *Buffer) Len() int { return len(o.bins) }

// Count returns the number of vertices in the active buffer.
func (o *Buffer) Count() uint32 { return o.count }

// Active returns the active slot.
func (o *Buffer) Active() int { return o.active }

// VertexBuffer returns the vertex buffer of slot.
func (o *Buffer) VertexBuffer(slot int) gpu.BufferID { return o.buffers[slot] }

// Pending returns the commands the next pass replays first.
func (o *Buffer) Pending() *gpu.CommandList { return o.pending }

// Sources returns the sources of a bin.
func (o *Buffer) Sources(id bin.ID) []bin.ImageSource {
	st := o.bins[id]
	if st == nil {
		return nil
	}
	out := make([]bin.ImageSource, 0, len(st.sources))
	for src := range st.sources {
		out = append(out, src)
	}
	return out
}

// Ranges returns the resident ranges of a bin by depth.
func (o *Buffer) Ranges(id bin.ID) map[float32]Range {
	st := o.bins[id]
	if st == nil {
		return nil
	}
	out := make(map[float32]Range)
	for z, zd := range st.zdata {
		if zd.Range != nil {
			out[z] = *zd.Range
		}
	}
	return out
}

type item struct {
	bin bin.ID
	z   float32
	tex uint32
	n   uint32
	zd  *ZData
}

// Update applies req and prepares the active buffer.
//
// It returns nil when nothing visible changed. Otherwise the returned
// handoff must be delivered to the renderer and Swap called once its
// barrier is signalled, before the next Update.
func (o *Buffer) Update(ctx context.Context, req *Request) (*Handoff, error) {
	if o.next != nil {
		return nil, fmt.Errorf("%w: update before swap", ErrInconsistent)
	}
	o.stats.Passes++

	var uses []backing.Use
	modified := false
	release := func(st *binState) {
		for src := range st.sources {
			uses = append(uses, backing.Use{Source: src, N: -1})
		}
		for _, zd := range st.zdata {
			if zd.Range != nil {
				modified = true
			}
		}
	}

	// forced bins are obtained even when their LastUpdate did not move
	forced := make(map[bin.ID]bool)
	for _, ref := range req.Associate {
		id := ref.ID()
		if st := o.bins[id]; st != nil {
			st.ref = ref
		} else {
			o.bins[id] = &binState{ref: ref}
		}
		forced[id] = true
	}
	for _, id := range req.Dissociate {
		st := o.bins[id]
		if st == nil {
			continue
		}
		release(st)
		delete(o.bins, id)
		delete(forced, id)
	}
	if req.All {
		for id := range o.bins {
			forced[id] = true
		}
	}
	for _, id := range req.Update {
		if _, ok := o.bins[id]; ok && !forced[id] {
			forced[id] = false
		}
	}

	ids := make([]bin.ID, 0, len(forced))
	for id := range forced {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	var bins []bin.Bin
	for _, id := range ids {
		st := o.bins[id]
		b, ok := st.ref.Upgrade()
		if !ok {
			o.log.Debug("odb: bin dropped", "bin", id)
			release(st)
			delete(o.bins, id)
			continue
		}
		if !forced[id] && st.zdata != nil && !b.LastUpdate().After(st.updated) {
			continue
		}
		bins = append(bins, b)
	}

	results, err := o.pool.Obtain(bins)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(results, func(a, b ovd.Result) int { return cmp.Compare(a.Bin, b.Bin) })
	for _, r := range results {
		st := o.bins[r.Bin]
		if st == nil {
			return nil, fmt.Errorf("%w: result for unknown bin %d", ErrInconsistent, r.Bin)
		}
		if r.Err != nil {
			o.log.Warn("odb: obtain vertex data failed", "bin", r.Bin, "err", r.Err)
			continue
		}
		for src := range st.sources {
			uses = append(uses, backing.Use{Source: src, N: -1})
		}
		var dropped bool
		st.zdata, dropped = install(st.zdata, r.Batches)
		modified = modified || dropped
		st.sources = r.Sources
		st.updated = r.Updated
		for src := range st.sources {
			uses = append(uses, backing.Use{Source: src, N: 1})
		}
	}

	s := o.active
	pass := &backing.Pass{
		Slot:    s,
		A:       gpu.NewCommandList("odb-a"),
		B:       gpu.NewCommandList("odb-b"),
		Garbage: &backing.Garbage{},
	}
	pass.A.Append(o.pending)
	replayed := pass.A.Len()

	first, err := o.backing.Apply(pass, uses)
	if err != nil {
		if errors.Is(err, backing.ErrInconsistent) {
			err = fmt.Errorf("%w: %w", ErrInconsistent, err)
		}
		return nil, err
	}
	if first >= 0 {
		o.invalidateFrom(uint32(first))
		modified = true
	}
	if pass.A.Len() > replayed {
		modified = true
	}
	// o.images belongs to the slot of the last handoff, now inactive.
	if !slices.Equal(o.backing.Images(1-s), o.images) {
		modified = true
	}

	items, total := o.collect()
	if total != o.count {
		modified = true
	}
	if total > o.capacity {
		if err := o.resize(pass, total); err != nil {
			return nil, err
		}
	}

	var moveOut, moveIn, uploads []gpu.BufferCopy
	var staged []byte
	ranges := make([]Range, len(items))
	var cursor uint32
	for i, it := range items {
		dst := uint64(cursor) * vertex.Size
		size := uint64(it.n) * vertex.Size
		switch r := it.zd.Range; {
		case r != nil && r.Len == it.n:
			if r.Start != cursor {
				src := uint64(r.Start) * vertex.Size
				moveOut = append(moveOut, gpu.BufferCopy{SrcOffset: src, DstOffset: dst, Size: size})
				moveIn = append(moveIn, gpu.BufferCopy{SrcOffset: dst, DstOffset: dst, Size: size})
				o.stats.Moves++
			}
		default:
			uploads = append(uploads, gpu.BufferCopy{SrcOffset: uint64(len(staged)), DstOffset: dst, Size: size})
			staged = o.patch(staged, it.zd)
			o.stats.Uploads++
		}
		ranges[i] = Range{Start: cursor, Len: it.n}
		cursor += it.n
	}
	if len(moveOut) > 0 || len(uploads) > 0 {
		modified = true
	}

	// An empty frame is handed off once, when the last vertices go, so
	// the renderer stops drawing them. After that nothing is handed off.
	if total == 0 && o.count == 0 {
		modified = false
	}
	if !modified {
		if !pass.A.Empty() {
			if err := o.dev.Execute(ctx, pass.A); err != nil {
				return nil, err
			}
			o.garbage.Destroy(o.dev)
		}
		o.garbage.Buffers = append(o.garbage.Buffers, pass.Garbage.Buffers...)
		o.garbage.Images = append(o.garbage.Images, pass.Garbage.Images...)
		// Without a swap the slot stays active and B still has to reach
		// the inactive images.
		o.pending = nil
		if !pass.B.Empty() {
			o.pending = pass.B
		}
		return nil, nil
	}

	if len(staged) > 0 {
		if err := o.stage(pass, staged); err != nil {
			return nil, err
		}
	}
	moveOut = gpu.MergeBufferCopies(moveOut)
	moveIn = gpu.MergeBufferCopies(moveIn)
	uploads = gpu.MergeBufferCopies(uploads)
	record := func(l *gpu.CommandList, dst gpu.BufferID) {
		l.CopyBuffer(dst, o.scratch, moveOut...)
		l.CopyBuffer(o.scratch, dst, moveIn...)
		l.CopyBuffer(o.staging[s], dst, uploads...)
	}
	record(pass.A, o.buffers[s])
	record(pass.B, o.buffers[1-s])
	o.stats.Copies += len(moveOut) + len(moveIn) + len(uploads)

	if err := o.dev.Execute(ctx, pass.A); err != nil {
		return nil, err
	}
	o.garbage.Destroy(o.dev)
	o.garbage = pass.Garbage
	o.pending = nil
	o.next = pass.B

	// Data no longer drawn loses its range.
	for _, st := range o.bins {
		for _, zd := range st.zdata {
			zd.Range = nil
		}
	}
	for i, it := range items {
		r := ranges[i]
		it.zd.Range = &r
	}
	o.count = total
	o.images = o.backing.Images(s)
	o.stats.Handoffs++
	o.log.Debug("odb: pass", "bins", len(o.bins), "vertices", total,
		"uploads", len(uploads), "moves", len(moveIn), "staged", len(staged))

	return &Handoff{
		VertexBuffer: o.buffers[s],
		VertexCount:  total,
		Images:       o.images,
		Barrier:      NewBarrier(),
	}, nil
}

// Swap makes the inactive buffer active once the renderer has taken the
// handoff returned by Update.
func (o *Buffer) Swap() {
	if o.next == nil {
		return
	}
	o.pending = o.next
	o.next = nil
	o.active = 1 - o.active
}

// install replaces the batches of a bin. A new batch equal to a resident
// one apart from depth takes over its range, so it is moved rather than
// uploaded. It reports whether a resident batch was dropped.
func install(old map[float32]*ZData, batches ovd.Batches) (map[float32]*ZData, bool) {
	out := make(map[float32]*ZData, len(batches))
	used := make(map[*ZData]bool)
	var fresh []float32
	for z, data := range batches {
		zd := &ZData{Data: data}
		out[z] = zd
		if prev := old[z]; prev != nil && prev.Range != nil && sameData(prev.Data, data) {
			zd.Range = prev.Range
			used[prev] = true
			continue
		}
		fresh = append(fresh, z)
	}
	slices.Sort(fresh)
	if len(fresh) > 0 {
		zs := make([]float32, 0, len(old))
		for z := range old {
			zs = append(zs, z)
		}
		slices.Sort(zs)
		for _, z := range fresh {
			for _, oz := range zs {
				prev := old[oz]
				if used[prev] || prev.Range == nil || !sameData(prev.Data, batches[z]) {
					continue
				}
				out[z].Range = prev.Range
				used[prev] = true
				break
			}
		}
	}
	dropped := false
	for _, prev := range old {
		if prev.Range != nil && !used[prev] {
			dropped = true
		}
	}
	return out, dropped
}

// sameData compares batches ignoring the depth of their vertices.
func sameData(a, b map[bin.ImageSource][]vertex.Vertex) bool {
	if len(a) != len(b) {
		return false
	}
	for src, va := range a {
		vb, ok := b[src]
		if !ok || len(va) != len(vb) {
			return false
		}
		for i := range va {
			x, y := va[i], vb[i]
			x.Position[2], y.Position[2] = 0, 0
			if x != y {
				return false
			}
		}
	}
	return true
}

// invalidateFrom drops the range of every batch sampling a backing at or
// after index first, or a source no longer placed.
func (o *Buffer) invalidateFrom(first uint32) {
	for _, st := range o.bins {
		for _, zd := range st.zdata {
			if zd.Range == nil {
				continue
			}
			for src := range zd.Data {
				if src.IsNone() {
					continue
				}
				if p, ok := o.backing.Lookup(src); !ok || p.Index >= first {
					zd.Range = nil
					break
				}
			}
		}
	}
}

// orderedSources returns the drawable sources of zd with their placements:
// None first, then by tex index.
func (o *Buffer) orderedSources(zd *ZData) ([]bin.ImageSource, []backing.Placement) {
	srcs := make([]bin.ImageSource, 0, len(zd.Data))
	for src := range zd.Data {
		if src.IsNone() {
			srcs = append(srcs, src)
			continue
		}
		if _, ok := o.backing.Lookup(src); ok {
			srcs = append(srcs, src)
		}
	}
	places := make(map[bin.ImageSource]backing.Placement, len(srcs))
	for _, src := range srcs {
		p, _ := o.backing.Lookup(src)
		places[src] = p
	}
	slices.SortFunc(srcs, func(a, b bin.ImageSource) int {
		if a.IsNone() || b.IsNone() {
			return cmp.Compare(btoi(!a.IsNone()), btoi(!b.IsNone()))
		}
		if c := cmp.Compare(places[a].Index, places[b].Index); c != 0 {
			return c
		}
		return cmp.Compare(a.String(), b.String())
	})
	out := make([]backing.Placement, len(srcs))
	for i, src := range srcs {
		out[i] = places[src]
	}
	return srcs, out
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

// collect returns every drawable batch sorted by (z, tex index, bin id)
// and the total vertex count. Vertices of sources that are not placed are
// left out.
func (o *Buffer) collect() ([]item, uint32) {
	var items []item
	var total uint32
	for id, st := range o.bins {
		for z, zd := range st.zdata {
			srcs, places := o.orderedSources(zd)
			var n uint32
			for _, src := range srcs {
				n += uint32(len(zd.Data[src]))
			}
			if n == 0 {
				continue
			}
			tex := places[0].Index
			if zd.Range != nil && zd.Range.Len != n {
				zd.Range = nil
			}
			items = append(items, item{bin: id, z: z, tex: tex, n: n, zd: zd})
			total += n
		}
	}
	slices.SortFunc(items, func(a, b item) int {
		if c := cmp.Compare(a.z, b.z); c != 0 {
			return c
		}
		if c := cmp.Compare(a.tex, b.tex); c != 0 {
			return c
		}
		return cmp.Compare(a.bin, b.bin)
	})
	return items, total
}

// patch appends the vertices of zd with tex index and atlas origin set.
func (o *Buffer) patch(dst []byte, zd *ZData) []byte {
	srcs, places := o.orderedSources(zd)
	for i, src := range srcs {
		p := places[i]
		vs := zd.Data[src]
		n := len(dst)
		dst = append(dst, make([]byte, len(vs)*vertex.Size)...)
		for j, v := range vs {
			if !src.IsNone() {
				v.TexIndex = p.Index
				if v.Type.Samples() {
					v.Coords[0] += p.Origin[0]
					v.Coords[1] += p.Origin[1]
				}
			} else {
				v.TexIndex = 0
			}
			v.Put(dst[n+j*vertex.Size:])
		}
	}
	return dst
}

// resize replaces the buffer pair with one holding at least n vertices
// and copies the current contents into both new buffers.
func (o *Buffer) resize(pass *backing.Pass, n uint32) error {
	c := max(o.capacity, MinCapacity)
	for c < n {
		c *= 2
	}
	size := uint64(c) * vertex.Size
	var nb [2]gpu.BufferID
	for i := range nb {
		id, err := o.dev.CreateBuffer(&gpu.BufferDescriptor{
			Label: fmt.Sprintf("vertices-%d", i),
			Size:  size,
			Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			if i == 1 {
				o.dev.DestroyBuffer(nb[0])
			}
			return fmt.Errorf("odb: vertex buffer: %w", err)
		}
		nb[i] = id
	}
	scratch, err := o.dev.CreateBuffer(&gpu.BufferDescriptor{
		Label: "moves",
		Size:  size,
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		o.dev.DestroyBuffer(nb[0])
		o.dev.DestroyBuffer(nb[1])
		return fmt.Errorf("odb: move buffer: %w", err)
	}

	s := pass.Slot
	if o.count > 0 {
		keep := gpu.BufferCopy{Size: uint64(o.count) * vertex.Size}
		pass.A.CopyBuffer(o.buffers[s], nb[s], keep)
		pass.B.CopyBuffer(o.buffers[1-s], nb[1-s], keep)
	}
	for _, id := range append(o.buffers[:], o.scratch) {
		if id != gpu.InvalidID {
			pass.Garbage.Buffers = append(pass.Garbage.Buffers, id)
		}
	}
	o.buffers, o.scratch, o.capacity = nb, scratch, c
	o.stats.Resizes++
	o.log.Debug("odb: vertex buffers resized", "vertices", c)
	return nil
}

// stage writes data into the staging buffer of the active slot.
func (o *Buffer) stage(pass *backing.Pass, data []byte) error {
	s := pass.Slot
	if uint64(len(data)) > o.stagingSize[s] {
		size := uint64(MinCapacity * vertex.Size)
		for size < uint64(len(data)) {
			size *= 2
		}
		id, err := o.dev.CreateBuffer(&gpu.BufferDescriptor{
			Label:       fmt.Sprintf("vertex-staging-%d", s),
			Size:        size,
			Usage:       gputypes.BufferUsageCopySrc | gputypes.BufferUsageMapWrite,
			HostVisible: true,
		})
		if err != nil {
			return fmt.Errorf("odb: staging buffer: %w", err)
		}
		if o.staging[s] != gpu.InvalidID {
			pass.Garbage.Buffers = append(pass.Garbage.Buffers, o.staging[s])
		}
		o.staging[s], o.stagingSize[s] = id, size
	}
	if err := o.dev.WriteBuffer(o.staging[s], 0, data); err != nil {
		return fmt.Errorf("odb: staging write: %w", err)
	}
	o.stats.StagingWrites++
	return nil
}

// Close destroys every buffer. Sources stay referenced; the backing
// manager is closed by its owner.
func (o *Buffer) Close() {
	for _, id := range append(append(o.buffers[:], o.staging[:]...), o.scratch) {
		if id != gpu.InvalidID {
			o.dev.DestroyBuffer(id)
		}
	}
	o.garbage.Destroy(o.dev)
	o.buffers, o.staging = [2]gpu.BufferID{}, [2]gpu.BufferID{}
	o.scratch = gpu.InvalidID
	clear(o.bins)
}

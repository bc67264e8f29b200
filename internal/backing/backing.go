// Package backing places the images sampled by a window onto device
// images.
//
// Backings form an ordered list whose index is the tex index written into
// vertices. Small cache images share atlases, large ones get a dedicated
// image, and external images are referenced as they are. Atlases carry
// one image per buffer slot: list A of a pass updates the active slot's
// images and list B repeats the same updates for the inactive slot.
package backing

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/basalt/bin"
	"github.com/gogpu/basalt/gpu"
	"github.com/gogpu/basalt/imagecache"
	"github.com/gogpu/basalt/internal/atlas"
	"github.com/gogpu/basalt/internal/logging"
)

// ErrInconsistent is returned when a release does not match an acquire.
var ErrInconsistent = errors.New("backing: inconsistent use count")

// Defaults.
const (
	// DefaultAtlasSize is the side of a new atlas.
	DefaultAtlasSize = 4096

	// DefaultDedicatedThreshold is the largest side placed in an atlas.
	DefaultDedicatedThreshold = 512

	// MinCapacity is the smallest image capacity of a pipeline.
	MinCapacity = 4

	// padding is the border kept around every atlas sub-image.
	padding = 1
)

// Kind is the kind of a backing.
type Kind uint8

// Backing kinds.
const (
	KindAtlas Kind = iota
	KindDedicated
	KindExternal
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindAtlas:
		return "Atlas"
	case KindDedicated:
		return "Dedicated"
	case KindExternal:
		return "External"
	default:
		return "Unknown"
	}
}

// Capacity returns the image capacity needed for n backings: a power of
// two, at least MinCapacity.
func Capacity(n int) int {
	c := MinCapacity
	for c < n {
		c *= 2
	}
	return c
}

// Use is a change of the number of batches sampling a source.
type Use struct {
	Source bin.ImageSource
	N      int
}

// Placement locates a source on the device.
type Placement struct {
	// Index is the tex index of the backing.
	Index uint32

	// Origin is added to the coords of sampling vertices.
	Origin [2]float32

	Kind Kind
}

// Garbage collects resources that may only be destroyed once the work
// referencing them has finished.
type Garbage struct {
	Buffers []gpu.BufferID
	Images  []gpu.ImageID
}

// Empty reports whether nothing was collected.
func (g *Garbage) Empty() bool { return len(g.Buffers) == 0 && len(g.Images) == 0 }

// Destroy releases everything collected and empties g.
func (g *Garbage) Destroy(dev gpu.Device) {
	for _, id := range g.Buffers {
		dev.DestroyBuffer(id)
	}
	for _, id := range g.Images {
		dev.DestroyImage(id)
	}
	g.Buffers, g.Images = g.Buffers[:0], g.Images[:0]
}

// Pass carries the per-pass recording state.
type Pass struct {
	// Slot is the active buffer slot, 0 or 1.
	Slot int

	// A is executed this pass against the active slot. B is replayed at
	// the start of the next pass against the then active, now inactive,
	// slot.
	A, B *gpu.CommandList

	// Garbage receives resources replaced during the pass.
	Garbage *Garbage
}

// Stats counts manager activity.
type Stats struct {
	Uploads        int
	UploadedBytes  uint64
	StagingWrites  int
	AtlasesCreated int
	AtlasGrowths   int
	Dedicated      int
	ZeroFills      int
}

// Options configures a Manager.
type Options struct {
	// Format is the format of atlas and dedicated images.
	Format gputypes.TextureFormat

	// AtlasSize is the side of new atlases, DefaultAtlasSize if zero.
	AtlasSize int

	// DedicatedThreshold is the largest side placed in an atlas,
	// DefaultDedicatedThreshold if zero.
	DedicatedThreshold int
}

type upload struct {
	x, y, w, h uint32
	data       []byte
}

type entry struct {
	src   bin.ImageSource
	b     *backing
	uses  int
	alloc atlas.Allocation
	w, h  uint32
}

type backing struct {
	kind   Kind
	index  int
	images [2]gpu.ImageID

	// atlas
	alloc       *atlas.Allocator
	size        int
	staging     [2]gpu.BufferID
	stagingSize [2]uint64
	pending     []upload
	entries     int
}

// Manager owns the backings of one window. It is used by the window's
// worker only.
type Manager struct {
	dev     gpu.Device
	cache   *imagecache.Cache
	target  imagecache.Target
	bpp     int
	opts    Options
	maxDim  int
	log     *slog.Logger
	list    []*backing
	entries map[bin.ImageSource]*entry

	zero     gpu.BufferID
	zeroSize uint64

	stats Stats
}

// New creates a manager placing images of opts.Format on dev.
func New(dev gpu.Device, cache *imagecache.Cache, opts Options) (*Manager, error) {
	target := imagecache.Target{Format: opts.Format}
	bpp := target.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("backing: image format %v: %w", opts.Format, gpu.ErrFormatUnavailable)
	}
	if opts.AtlasSize <= 0 {
		opts.AtlasSize = DefaultAtlasSize
	}
	if opts.DedicatedThreshold <= 0 {
		opts.DedicatedThreshold = DefaultDedicatedThreshold
	}
	maxDim := int(dev.Limits().MaxImageDimension2D)
	if maxDim <= 0 {
		maxDim = opts.AtlasSize
	}
	return &Manager{
		dev:     dev,
		cache:   cache,
		target:  target,
		bpp:     bpp,
		opts:    opts,
		maxDim:  maxDim,
		log:     logging.Logger().With("component", "backing"),
		entries: make(map[bin.ImageSource]*entry),
	}, nil
}

// Len returns the number of backings.
func (m *Manager) Len() int { return len(m.list) }

// Stats returns the activity counters.
func (m *Manager) Stats() Stats { return m.stats }

// Kinds returns the kind of every backing in tex order.
func (m *Manager) Kinds() []Kind {
	out := make([]Kind, len(m.list))
	for i, b := range m.list {
		out[i] = b.kind
	}
	return out
}

// AtlasSize returns the side of the atlas at index i, or 0.
func (m *Manager) AtlasSize(i int) int {
	if i < 0 || i >= len(m.list) || m.list[i].kind != KindAtlas {
		return 0
	}
	return m.list[i].size
}

// Images returns the image of every backing for slot, in tex order.
func (m *Manager) Images(slot int) []gpu.ImageID {
	out := make([]gpu.ImageID, len(m.list))
	for i, b := range m.list {
		out[i] = b.images[slot]
	}
	return out
}

// Uses returns the batch count of src.
func (m *Manager) Uses(src bin.ImageSource) int {
	if e := m.entries[src]; e != nil {
		return e.uses
	}
	return 0
}

// Lookup returns where src is placed.
func (m *Manager) Lookup(src bin.ImageSource) (Placement, bool) {
	e := m.entries[src]
	if e == nil {
		return Placement{}, false
	}
	p := Placement{Index: uint32(e.b.index), Kind: e.b.kind}
	if e.b.kind == KindAtlas {
		p.Origin = [2]float32{float32(e.alloc.Region.X + padding), float32(e.alloc.Region.Y + padding)}
	}
	return p, true
}

// Apply acquires and releases sources. Uses of the same source are netted
// first, so a source released and acquired in one pass stays in place.
//
// It returns the lowest tex index whose backing changed position, or -1.
// Vertex ranges sampling that index or any later one must be rewritten.
func (m *Manager) Apply(p *Pass, uses []Use) (int, error) {
	var order []bin.ImageSource
	net := make(map[bin.ImageSource]int)
	for _, u := range uses {
		if u.Source.IsNone() || u.N == 0 {
			continue
		}
		if _, ok := net[u.Source]; !ok {
			order = append(order, u.Source)
		}
		net[u.Source] += u.N
	}

	// Releases first so freed atlas space is reused.
	var deref []imagecache.Key
	removed := make(map[*backing]bool)
	for _, src := range order {
		n := net[src]
		if n >= 0 {
			continue
		}
		e := m.entries[src]
		if e == nil {
			// Never resolved, e.g. not loaded when acquired.
			continue
		}
		if e.uses+n < 0 {
			return -1, fmt.Errorf("%w: %v has %d uses, releasing %d", ErrInconsistent, src, e.uses, -n)
		}
		e.uses += n
		if e.uses > 0 {
			continue
		}
		if key, ok := src.Key(); ok {
			deref = append(deref, key)
		}
		if err := m.free(p, e, removed); err != nil {
			return -1, err
		}
	}
	first := m.removeBackings(removed)

	var obtain []imagecache.Key
	var fresh []bin.ImageSource
	for _, src := range order {
		n := net[src]
		if n <= 0 {
			continue
		}
		if e := m.entries[src]; e != nil {
			e.uses += n
			continue
		}
		if img, ok := src.Image(); ok {
			b := &backing{kind: KindExternal, images: [2]gpu.ImageID{img, img}, index: len(m.list)}
			m.list = append(m.list, b)
			m.entries[src] = &entry{src: src, b: b, uses: n}
			continue
		}
		key, _ := src.Key()
		obtain = append(obtain, key)
		fresh = append(fresh, src)
	}

	if len(deref) > 0 || len(obtain) > 0 {
		imgs, err := m.cache.ObtainData(deref, obtain, m.target)
		if err != nil && !errors.Is(err, imagecache.ErrNotLoaded) {
			return first, err
		}
		if err != nil {
			m.log.Warn("backing: images not loaded", "err", err)
		}
		for _, src := range fresh {
			key, _ := src.Key()
			raw, ok := imgs[key]
			if !ok {
				continue
			}
			if err := m.place(p, src, net[src], &raw); err != nil {
				return first, err
			}
		}
	}

	if err := m.flush(p); err != nil {
		return first, err
	}
	return first, nil
}

// free releases the placement of an entry whose uses reached zero.
func (m *Manager) free(p *Pass, e *entry, removed map[*backing]bool) error {
	delete(m.entries, e.src)
	switch e.b.kind {
	case KindAtlas:
		if err := e.b.alloc.Free(e.alloc.ID); err != nil {
			return fmt.Errorf("%w: %w", ErrInconsistent, err)
		}
		e.b.entries--
		return m.zeroFill(p, e.b, e.alloc.Region)
	case KindDedicated:
		p.Garbage.Images = append(p.Garbage.Images, e.b.images[0])
		removed[e.b] = true
	case KindExternal:
		removed[e.b] = true
	}
	return nil
}

// removeBackings drops removed backings from the list and renumbers the
// rest. It returns the lowest index that changed, or -1.
func (m *Manager) removeBackings(removed map[*backing]bool) int {
	if len(removed) == 0 {
		return -1
	}
	first := -1
	kept := m.list[:0]
	for _, b := range m.list {
		if removed[b] {
			if first < 0 {
				first = b.index
			}
			continue
		}
		b.index = len(kept)
		kept = append(kept, b)
	}
	clear(m.list[len(kept):])
	m.list = kept
	return first
}

// place puts a newly obtained cache image on the device.
func (m *Manager) place(p *Pass, src bin.ImageSource, n int, raw *imagecache.RawImage) error {
	w, h := raw.Width, raw.Height
	if int(max(w, h)) > m.opts.DedicatedThreshold {
		return m.placeDedicated(p, src, n, raw)
	}
	pw, ph := int(w)+2*padding, int(h)+2*padding
	for _, b := range m.list {
		if b.kind != KindAtlas {
			continue
		}
		al, ok, err := m.allocIn(p, b, pw, ph)
		if err != nil {
			return err
		}
		if ok {
			m.addAtlasEntry(src, n, b, al, raw)
			return nil
		}
	}

	size := min(m.opts.AtlasSize, m.maxDim)
	for size < max(pw, ph) && size < m.maxDim {
		size = min(size*2, m.maxDim)
	}
	b, err := m.newAtlas(p, size)
	if err != nil {
		return err
	}
	al, ok, err := m.allocIn(p, b, pw, ph)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("backing: %dx%d image does not fit a new atlas: %w", w, h, gpu.ErrOutOfMemory)
	}
	m.addAtlasEntry(src, n, b, al, raw)
	return nil
}

func (m *Manager) addAtlasEntry(src bin.ImageSource, n int, b *backing, al atlas.Allocation, raw *imagecache.RawImage) {
	m.entries[src] = &entry{src: src, b: b, uses: n, alloc: al, w: raw.Width, h: raw.Height}
	b.entries++
	b.pending = append(b.pending, upload{
		x:    uint32(al.Region.X + padding),
		y:    uint32(al.Region.Y + padding),
		w:    raw.Width,
		h:    raw.Height,
		data: raw.Data,
	})
}

// allocIn allocates in atlas b, growing it up to the device limit.
func (m *Manager) allocIn(p *Pass, b *backing, w, h int) (atlas.Allocation, bool, error) {
	for {
		al, err := b.alloc.Allocate(w, h)
		if err == nil {
			return al, true, nil
		}
		if !errors.Is(err, atlas.ErrFull) {
			return atlas.Allocation{}, false, err
		}
		if b.size >= m.maxDim {
			return atlas.Allocation{}, false, nil
		}
		if err := m.grow(p, b, min(b.size*2, m.maxDim)); err != nil {
			return atlas.Allocation{}, false, err
		}
	}
}

func (m *Manager) imageUsage() gputypes.TextureUsage {
	return gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst |
		gputypes.TextureUsageTextureBinding | gputypes.TextureUsageRenderAttachment
}

func (m *Manager) createAtlasImages(size int) ([2]gpu.ImageID, error) {
	var imgs [2]gpu.ImageID
	for i := range imgs {
		id, err := m.dev.CreateImage(&gpu.ImageDescriptor{
			Label:  fmt.Sprintf("atlas-%d", i),
			Width:  uint32(size),
			Height: uint32(size),
			Format: m.opts.Format,
			Usage:  m.imageUsage(),
		})
		if err != nil {
			if i == 1 {
				m.dev.DestroyImage(imgs[0])
			}
			return imgs, fmt.Errorf("backing: atlas image: %w", err)
		}
		imgs[i] = id
	}
	return imgs, nil
}

func (m *Manager) newAtlas(p *Pass, size int) (*backing, error) {
	imgs, err := m.createAtlasImages(size)
	if err != nil {
		return nil, err
	}
	s := p.Slot
	p.A.ClearImage(imgs[s], gputypes.Color{})
	p.B.ClearImage(imgs[1-s], gputypes.Color{})
	b := &backing{
		kind:   KindAtlas,
		index:  len(m.list),
		images: imgs,
		alloc:  atlas.New(size, size, atlas.DefaultOptions()),
		size:   size,
	}
	m.list = append(m.list, b)
	m.stats.AtlasesCreated++
	m.log.Debug("backing: new atlas", "index", b.index, "size", size)
	return b, nil
}

// grow doubles an atlas: the content of each slot image is copied into a
// new, larger image and the old images are retired.
func (m *Manager) grow(p *Pass, b *backing, size int) error {
	imgs, err := m.createAtlasImages(size)
	if err != nil {
		return err
	}
	s := p.Slot
	old := uint32(b.size)
	p.A.ClearImage(imgs[s], gputypes.Color{})
	p.A.CopyImage(b.images[s], imgs[s], old, old)
	p.B.ClearImage(imgs[1-s], gputypes.Color{})
	p.B.CopyImage(b.images[1-s], imgs[1-s], old, old)
	p.Garbage.Images = append(p.Garbage.Images, b.images[0], b.images[1])
	b.images = imgs
	if err := b.alloc.Grow(size, size); err != nil {
		return fmt.Errorf("%w: %w", ErrInconsistent, err)
	}
	b.size = size
	m.stats.AtlasGrowths++
	m.log.Debug("backing: atlas grown", "index", b.index, "size", size)
	return nil
}

func (m *Manager) placeDedicated(p *Pass, src bin.ImageSource, n int, raw *imagecache.RawImage) error {
	img, err := m.dev.CreateImage(&gpu.ImageDescriptor{
		Label:  "dedicated",
		Width:  raw.Width,
		Height: raw.Height,
		Format: m.opts.Format,
		Usage:  m.imageUsage(),
	})
	if err != nil {
		return fmt.Errorf("backing: dedicated image: %w", err)
	}
	pitch := gpu.RowPitch(raw.Width, m.bpp)
	size := uint64(pitch) * uint64(raw.Height)
	stg, err := m.dev.CreateBuffer(&gpu.BufferDescriptor{
		Label:       "dedicated-staging",
		Size:        size,
		Usage:       gputypes.BufferUsageCopySrc | gputypes.BufferUsageMapWrite,
		HostVisible: true,
	})
	if err != nil {
		m.dev.DestroyImage(img)
		return fmt.Errorf("backing: dedicated staging: %w", err)
	}
	if err := m.dev.WriteBuffer(stg, 0, pitched(raw.Data, raw.Width, raw.Height, m.bpp, pitch)); err != nil {
		m.dev.DestroyImage(img)
		m.dev.DestroyBuffer(stg)
		return err
	}
	p.A.CopyBufferToImage(stg, img, gpu.BufferImageCopy{
		BytesPerRow: pitch, Width: raw.Width, Height: raw.Height,
	})
	p.Garbage.Buffers = append(p.Garbage.Buffers, stg)

	b := &backing{kind: KindDedicated, index: len(m.list), images: [2]gpu.ImageID{img, img}}
	m.list = append(m.list, b)
	m.entries[src] = &entry{src: src, b: b, uses: n, w: raw.Width, h: raw.Height}
	m.stats.Dedicated++
	m.stats.Uploads++
	m.stats.UploadedBytes += uint64(len(raw.Data))
	m.stats.StagingWrites++
	return nil
}

// pitched lays tightly packed rows out with the given row pitch.
func pitched(data []byte, w, h uint32, bpp int, pitch uint32) []byte {
	row := int(w) * bpp
	out := make([]byte, int(pitch)*int(h))
	for y := range int(h) {
		copy(out[y*int(pitch):], data[y*row:(y+1)*row])
	}
	return out
}

// zeroFill clears a freed atlas rectangle in both slot images.
func (m *Manager) zeroFill(p *Pass, b *backing, r atlas.Region) error {
	pitch := gpu.RowPitch(uint32(r.Width), m.bpp)
	need := uint64(pitch) * uint64(r.Height)
	if need > m.zeroSize {
		size := uint64(gpu.CopyPitchAlignment)
		for size < need {
			size *= 2
		}
		id, err := m.dev.CreateBuffer(&gpu.BufferDescriptor{
			Label: "zero",
			Size:  size,
			Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("backing: zero buffer: %w", err)
		}
		if m.zero != gpu.InvalidID {
			p.Garbage.Buffers = append(p.Garbage.Buffers, m.zero)
		}
		m.zero, m.zeroSize = id, size
		p.A.ClearBuffer(id, 0, size)
	}
	region := gpu.BufferImageCopy{
		BytesPerRow: pitch,
		X:           uint32(r.X),
		Y:           uint32(r.Y),
		Width:       uint32(r.Width),
		Height:      uint32(r.Height),
	}
	s := p.Slot
	p.A.CopyBufferToImage(m.zero, b.images[s], region)
	p.B.CopyBufferToImage(m.zero, b.images[1-s], region)
	m.stats.ZeroFills++
	return nil
}

// flush writes the pending uploads of every atlas into its staging buffer
// for the active slot and records the copies into both slot images.
func (m *Manager) flush(p *Pass) error {
	s := p.Slot
	for _, b := range m.list {
		if b.kind != KindAtlas || len(b.pending) == 0 {
			continue
		}
		var total uint64
		regions := make([]gpu.BufferImageCopy, len(b.pending))
		for i, u := range b.pending {
			pitch := gpu.RowPitch(u.w, m.bpp)
			regions[i] = gpu.BufferImageCopy{
				BufferOffset: total,
				BytesPerRow:  pitch,
				X:            u.x,
				Y:            u.y,
				Width:        u.w,
				Height:       u.h,
			}
			total += uint64(pitch) * uint64(u.h)
		}
		if total > b.stagingSize[s] {
			size := uint64(gpu.CopyPitchAlignment)
			for size < total {
				size *= 2
			}
			id, err := m.dev.CreateBuffer(&gpu.BufferDescriptor{
				Label:       "atlas-staging",
				Size:        size,
				Usage:       gputypes.BufferUsageCopySrc | gputypes.BufferUsageMapWrite,
				HostVisible: true,
			})
			if err != nil {
				return fmt.Errorf("backing: atlas staging: %w", err)
			}
			if b.staging[s] != gpu.InvalidID {
				p.Garbage.Buffers = append(p.Garbage.Buffers, b.staging[s])
			}
			b.staging[s], b.stagingSize[s] = id, size
		}
		data := make([]byte, total)
		for i, u := range b.pending {
			r := regions[i]
			row := int(u.w) * m.bpp
			for y := range int(u.h) {
				copy(data[int(r.BufferOffset)+y*int(r.BytesPerRow):], u.data[y*row:(y+1)*row])
			}
			m.stats.Uploads++
			m.stats.UploadedBytes += uint64(len(u.data))
		}
		if err := m.dev.WriteBuffer(b.staging[s], 0, data); err != nil {
			return err
		}
		m.stats.StagingWrites++
		p.A.CopyBufferToImage(b.staging[s], b.images[s], regions...)
		p.B.CopyBufferToImage(b.staging[s], b.images[1-s], regions...)
		b.pending = b.pending[:0]
	}
	return nil
}

// Close destroys every owned image and buffer. External images are left
// to their owner.
func (m *Manager) Close() {
	for _, b := range m.list {
		switch b.kind {
		case KindAtlas:
			m.dev.DestroyImage(b.images[0])
			m.dev.DestroyImage(b.images[1])
			for _, id := range b.staging {
				if id != gpu.InvalidID {
					m.dev.DestroyBuffer(id)
				}
			}
		case KindDedicated:
			m.dev.DestroyImage(b.images[0])
		}
	}
	if m.zero != gpu.InvalidID {
		m.dev.DestroyBuffer(m.zero)
	}
	m.list = nil
	clear(m.entries)
}

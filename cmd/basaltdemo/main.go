// Command basaltdemo opens a headless window, draws a few bins into it and
// prints the window statistics.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gogpu/basalt"
	"github.com/gogpu/basalt/bin"
	"github.com/gogpu/basalt/gpu"
	_ "github.com/gogpu/basalt/gpu/soft"
	"github.com/gogpu/basalt/vertex"
)

func main() {
	var (
		config  = flag.String("config", "", "TOML options file")
		backend = flag.String("backend", "software", "device backend, overrides the options file")
		width   = flag.Int("width", 800, "window width")
		height  = flag.Int("height", 600, "window height")
		caption = flag.String("text", "Hello, Basalt", "text to draw")
		frames  = flag.Int("frames", 3, "draw passes to wait for")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	basalt.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	opts := basalt.DefaultOptions()
	if *config != "" {
		loaded, err := basalt.LoadOptions(*config)
		if err != nil {
			log.Fatalf("Failed to load options: %v", err)
		}
		opts = loaded
	}
	b, err := basalt.New(basalt.WithOptions(opts), basalt.WithBackend(*backend))
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer b.Close()

	w, err := b.OpenWindow(gpu.SurfaceTarget{}, basalt.WindowConfig{
		Extent: gpu.Extent{Width: uint32(*width), Height: uint32(*height)},
	})
	if err != nil {
		log.Fatalf("Failed to open window: %v", err)
	}

	background := bin.NewStatic()
	background.Set(map[bin.ImageSource][]vertex.Vertex{
		bin.None(): rect(0, 0, float32(*width), float32(*height), 0, [4]float32{0.1, 0.2, 0.4, 1}),
	})
	panel := bin.NewStatic()
	panel.Set(map[bin.ImageSource][]vertex.Vertex{
		bin.None(): rect(40, 40, 320, 120, 1, [4]float32{1, 0.8, 0, 1}),
	})
	title := newLabel(*caption, 24, 60, 110, 2)

	for _, x := range []bin.Bin{background, panel, title} {
		if err := w.AssociateBin(bin.Strong(x)); err != nil {
			log.Fatalf("Failed to associate bin: %v", err)
		}
	}
	if err := w.Opened(); err != nil {
		log.Fatalf("Failed to open window: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	waitPasses := func(n int) {
		for w.Stats().Passes < n && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}
	for i := 1; i < *frames; i++ {
		waitPasses(i)
		title.setText(fmt.Sprintf("%s #%d", *caption, i))
		if err := w.UpdateBin(title.ID()); err != nil {
			log.Fatalf("Failed to update bin: %v", err)
		}
	}
	waitPasses(*frames)

	if err := w.Close(); err != nil {
		log.Fatalf("Window failed: %v", err)
	}
	s := w.Stats()
	fmt.Printf("%s %dx%d: events=%d passes=%d handoffs=%d frames=%d\n",
		b.ImageFormat(), *width, *height, s.Events, s.Passes, s.Handoffs, s.Frames)
}

func rect(x, y, w, h, z float32, color [4]float32) []vertex.Vertex {
	v := func(px, py float32) vertex.Vertex {
		return vertex.Vertex{Position: [3]float32{px, py, z}, Color: color, Type: vertex.TypeSolid}
	}
	return []vertex.Vertex{
		v(x, y), v(x+w, y), v(x, y+h),
		v(x+w, y), v(x+w, y+h), v(x, y+h),
	}
}

// label is a bin drawing one line of text with the window's default font.
type label struct {
	id         bin.ID
	size, x, y float32
	z          float32

	mu   sync.Mutex
	text string
	last time.Time
}

func newLabel(s string, size, x, y, z float32) *label {
	return &label{id: bin.NewID(), size: size, x: x, y: y, z: z, text: s, last: time.Now()}
}

func (l *label) ID() bin.ID { return l.id }

func (l *label) LastUpdate() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *label) setText(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.text = s
	l.last = time.Now()
}

func (l *label) ObtainVertexData(ctx *bin.UpdateContext) (map[bin.ImageSource][]vertex.Vertex, error) {
	l.mu.Lock()
	s := l.text
	l.mu.Unlock()

	face := ctx.Fonts.Select(ctx.DefaultFont)
	quads, err := ctx.Glyphs.Layout(ctx.Fonts, face, s, l.size*ctx.Scale, l.x, l.y, l.z, [4]float32{0, 0, 0, 1})
	if err != nil {
		return nil, err
	}
	out := make(map[bin.ImageSource][]vertex.Vertex)
	for _, q := range quads {
		src := bin.Cache(q.Key)
		out[src] = append(out[src], q.Vertices[:]...)
	}
	return out, nil
}

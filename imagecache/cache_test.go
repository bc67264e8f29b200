package imagecache

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
)

var rgba8 = Target{Format: gputypes.TextureFormatRGBA8Unorm}

type thumbnail struct{}

func TestKeyIdentity(t *testing.T) {
	tests := []struct {
		name  string
		a, b  Key
		equal bool
	}{
		{"same url", URL("https://a/b.png"), URL("https://a/b.png"), true},
		{"url vs path", URL("x"), Path("x"), false},
		{"same glyph", Glyph(1, 42, 12), Glyph(1, 42, 12), true},
		{"glyph size", Glyph(1, 42, 12), Glyph(1, 42, 13), false},
		{"glyph font", Glyph(1, 42, 12), Glyph(2, 42, 12), false},
		{"user hash", User("t", 1), User("t", 2), false},
		{"user tag", User("a", 1), User("b", 1), false},
		{"typed user", UserOf[thumbnail](7), UserOf[thumbnail](7), true},
		{"typed vs plain", UserOf[thumbnail](7), User("thumbnail", 7), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a == tt.b; got != tt.equal {
				t.Errorf("%v == %v = %v, want %v", tt.a, tt.b, got, tt.equal)
			}
		})
	}
	if (Key{}).IsValid() {
		t.Error("zero key is valid")
	}
}

func TestLoadRawValidation(t *testing.T) {
	c := New()
	tests := []struct {
		name    string
		key     Key
		format  Format
		depth   Depth
		w, h    uint32
		n       int
		wantErr error
	}{
		{"ok rgba8", Path("a"), SRGBA, Depth8, 2, 2, 16, nil},
		{"ok mono16", Path("b"), LMono, Depth16, 3, 1, 6, nil},
		{"ok yuv422", Path("c"), YUV422, Depth8, 2, 1, 4, nil},
		{"short", Path("d"), LRGB, Depth8, 2, 2, 11, ErrInvalidLength},
		{"long", Path("e"), LRGBA, Depth8, 1, 1, 5, ErrInvalidLength},
		{"bad depth", Path("f"), LRGBA, 12, 1, 1, 4, ErrInvalidFormat},
		{"glyph key", Glyph(1, 1, 1), LMono, Depth8, 1, 1, 1, ErrUnsuitableKey},
		{"zero key", Key{}, LMono, Depth8, 1, 1, 1, ErrUnsuitableKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.LoadRaw(tt.key, Indefinite(), tt.format, tt.depth, tt.w, tt.h, make([]byte, tt.n))
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("LoadRaw() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("LoadRaw() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadGlyphOnlyGlyphKeys(t *testing.T) {
	c := New()
	raw := RawImage{Format: LMono, Depth: Depth8, Width: 1, Height: 1, Data: []byte{9}}
	if err := c.LoadGlyph(Path("x"), raw); !errors.Is(err, ErrUnsuitableKey) {
		t.Errorf("LoadGlyph(Path) error = %v, want ErrUnsuitableKey", err)
	}
	if err := c.LoadGlyph(Glyph(1, 2, 3), raw); err != nil {
		t.Fatalf("LoadGlyph: %v", err)
	}
	if !c.Contains(Glyph(1, 2, 3)) {
		t.Error("glyph not stored")
	}
}

func TestObtainDataRefCounts(t *testing.T) {
	c := New()
	imm, keep := User("t", 1), User("t", 2)
	data := []byte{255, 255, 255, 255}
	if err := c.LoadRaw(imm, Immediate(), LRGBA, Depth8, 1, 1, data); err != nil {
		t.Fatal(err)
	}
	if err := c.LoadRaw(keep, Indefinite(), LRGBA, Depth8, 1, 1, data); err != nil {
		t.Fatal(err)
	}

	got, err := c.ObtainData(nil, []Key{imm, imm, keep}, rgba8)
	if err != nil {
		t.Fatalf("ObtainData: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ObtainData() returned %d images, want 2", len(got))
	}
	if c.Refs(imm) != 2 || c.Refs(keep) != 1 {
		t.Errorf("refs = %d/%d, want 2/1", c.Refs(imm), c.Refs(keep))
	}

	if _, err := c.ObtainData([]Key{imm, keep}, nil, rgba8); err != nil {
		t.Fatal(err)
	}
	if !c.Contains(imm) {
		t.Error("immediate image dropped while still referenced")
	}
	if _, err := c.ObtainData([]Key{imm}, nil, rgba8); err != nil {
		t.Fatal(err)
	}
	if c.Contains(imm) {
		t.Error("immediate image kept after last release")
	}
	if !c.Contains(keep) {
		t.Error("indefinite image dropped")
	}
}

func TestObtainDataConvertsWithoutLock(t *testing.T) {
	c := New()
	key := User("t", 3)
	if err := c.LoadRaw(key, Indefinite(), LRGBA, Depth8, 1, 1, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}

	orig := convert
	t.Cleanup(func() { convert = orig })
	locked := false
	convert = func(r *RawImage, target Target) ([]byte, error) {
		if c.mu.TryLock() {
			c.mu.Unlock()
		} else {
			locked = true
		}
		if c.Refs(key) != 1 {
			t.Errorf("refs during conversion = %d, want 1", c.Refs(key))
		}
		return orig(r, target)
	}

	got, err := c.ObtainData(nil, []Key{key}, rgba8)
	if err != nil {
		t.Fatalf("ObtainData: %v", err)
	}
	if locked {
		t.Error("conversion ran with the cache locked")
	}
	if !bytes.Equal(got[key].Data, []byte{1, 2, 3, 4}) {
		t.Errorf("data = %v", got[key].Data)
	}
}

func TestObtainDataNotLoaded(t *testing.T) {
	c := New()
	have := User("t", 1)
	if err := c.LoadRaw(have, Indefinite(), LMono, Depth8, 1, 1, []byte{1}); err != nil {
		t.Fatal(err)
	}
	missing := Path("nowhere.png")
	got, err := c.ObtainData(nil, []Key{missing, have}, rgba8)
	if !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("ObtainData() error = %v, want ErrNotLoaded", err)
	}
	if _, ok := got[have]; !ok {
		t.Error("loaded key missing from partial result")
	}
	if c.Refs(have) != 1 {
		t.Errorf("Refs(have) = %d, want 1", c.Refs(have))
	}
	if c.Contains(missing) {
		t.Error("missing key was created")
	}
}

func TestSweepSeconds(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New(WithClock(func() time.Time { return now }))
	k := User("t", 1)
	if err := c.LoadRaw(k, Seconds(5), LMono, Depth8, 1, 1, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ObtainData(nil, []Key{k}, rgba8); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Minute)
	if n := c.Sweep(now); n != 0 {
		t.Errorf("Sweep() removed %d referenced images", n)
	}
	if _, err := c.ObtainData([]Key{k}, nil, rgba8); err != nil {
		t.Fatal(err)
	}
	if n := c.Sweep(now.Add(4 * time.Second)); n != 0 {
		t.Errorf("Sweep() before expiry removed %d", n)
	}
	if n := c.Sweep(now.Add(5 * time.Second)); n != 1 {
		t.Errorf("Sweep() at expiry removed %d, want 1", n)
	}
}

func TestRemoveReferenced(t *testing.T) {
	c := New()
	k := User("t", 1)
	if err := c.LoadRaw(k, Indefinite(), LMono, Depth8, 1, 1, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ObtainData(nil, []Key{k}, rgba8); err != nil {
		t.Fatal(err)
	}
	c.Remove(k)
	if !c.Contains(k) {
		t.Fatal("referenced image removed immediately")
	}
	if _, err := c.ObtainData([]Key{k}, nil, rgba8); err != nil {
		t.Fatal(err)
	}
	if c.Contains(k) {
		t.Error("removed image kept after last release")
	}
}

func TestStartSweeper(t *testing.T) {
	c := New()
	k := User("t", 1)
	if err := c.LoadRaw(k, Seconds(0), LMono, Depth8, 1, 1, []byte{1}); err != nil {
		t.Fatal(err)
	}
	c.StartSweeper(context.Background(), time.Millisecond)
	defer c.Close()
	deadline := time.Now().Add(5 * time.Second)
	for c.Contains(k) {
		if time.Now().After(deadline) {
			t.Fatal("sweeper never removed the expired image")
		}
		time.Sleep(time.Millisecond)
	}
}

// ============================================================================
// Conversion
// ============================================================================

func TestConvert(t *testing.T) {
	tests := []struct {
		name   string
		raw    RawImage
		target gputypes.TextureFormat
		want   []byte
	}{
		{
			name:   "linear passthrough",
			raw:    RawImage{Format: LRGBA, Depth: Depth8, Width: 1, Height: 1, Data: []byte{10, 20, 30, 40}},
			target: gputypes.TextureFormatRGBA8Unorm,
			want:   []byte{10, 20, 30, 40},
		},
		{
			name:   "bgra swap",
			raw:    RawImage{Format: LRGB, Depth: Depth8, Width: 1, Height: 1, Data: []byte{10, 20, 30}},
			target: gputypes.TextureFormatBGRA8Unorm,
			want:   []byte{30, 20, 10, 255},
		},
		{
			name:   "mono expands",
			raw:    RawImage{Format: LMono, Depth: Depth8, Width: 2, Height: 1, Data: []byte{0, 200}},
			target: gputypes.TextureFormatRGBA8Unorm,
			want:   []byte{0, 0, 0, 255, 200, 200, 200, 255},
		},
		{
			name:   "srgb linearised",
			raw:    RawImage{Format: SRGB, Depth: Depth8, Width: 1, Height: 1, Data: []byte{0, 255, 188}},
			target: gputypes.TextureFormatRGBA8Unorm,
			want:   []byte{0, 255, 128, 255},
		},
		{
			name:   "srgb kept for srgb target",
			raw:    RawImage{Format: SRGBA, Depth: Depth8, Width: 1, Height: 1, Data: []byte{1, 100, 188, 7}},
			target: gputypes.TextureFormatRGBA8UnormSrgb,
			want:   []byte{1, 100, 188, 7},
		},
		{
			name:   "16 bit little endian",
			raw:    RawImage{Format: LMono, Depth: Depth16, Width: 1, Height: 1, Data: []byte{0xff, 0xff}},
			target: gputypes.TextureFormatRGBA16Unorm,
			want:   []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		},
		{
			name:   "yuv grey",
			raw:    RawImage{Format: YUV444, Depth: Depth8, Width: 1, Height: 1, Data: []byte{255, 128, 128}},
			target: gputypes.TextureFormatRGBA8UnormSrgb,
			want:   []byte{255, 255, 255, 255},
		},
		{
			name:   "yuv422 pair",
			raw:    RawImage{Format: YUV422, Depth: Depth8, Width: 2, Height: 1, Data: []byte{0, 128, 255, 128}},
			target: gputypes.TextureFormatRGBA8UnormSrgb,
			want:   []byte{0, 0, 0, 255, 255, 255, 255, 255},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Convert(&tt.raw, Target{Format: tt.target})
			if err != nil {
				t.Fatalf("Convert() error = %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Convert() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConvertUnsupportedTarget(t *testing.T) {
	raw := RawImage{Format: LMono, Depth: Depth8, Width: 1, Height: 1, Data: []byte{1}}
	if _, err := Convert(&raw, Target{Format: gputypes.TextureFormatR8Unorm}); !errors.Is(err, ErrUnsupportedTarget) {
		t.Errorf("Convert() error = %v, want ErrUnsupportedTarget", err)
	}
}

// ============================================================================
// Decoding and fetching
// ============================================================================

func encodePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{B: 255, A: 128})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestLoadEncodedPNG(t *testing.T) {
	c := New()
	k := Path("red-blue.png")
	if err := c.LoadEncoded(k, Indefinite(), encodePNG(t)); err != nil {
		t.Fatalf("LoadEncoded: %v", err)
	}
	got, err := c.ObtainData(nil, []Key{k}, Target{Format: gputypes.TextureFormatRGBA8UnormSrgb})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{255, 0, 0, 255, 0, 0, 255, 128}
	if img := got[k]; img.Width != 2 || img.Height != 1 || !bytes.Equal(img.Data, want) {
		t.Errorf("decoded %dx%d %v, want 2x1 %v", img.Width, img.Height, img.Data, want)
	}
}

func TestLoadEncodedErrors(t *testing.T) {
	c := New()
	psd := append([]byte("8BPS\x00\x01"), make([]byte, 64)...)
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"garbage", []byte("definitely not an image"), ErrDecode},
		{"truncated png", encodePNG(t)[:20], ErrDecode},
		{"psd", psd, ErrMissingFeature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.LoadEncoded(Path(tt.name), Indefinite(), tt.data); !errors.Is(err, tt.want) {
				t.Errorf("LoadEncoded() error = %v, want %v", err, tt.want)
			}
		})
	}
	if err := c.LoadEncoded(Glyph(1, 1, 1), Indefinite(), encodePNG(t)); !errors.Is(err, ErrUnsuitableKey) {
		t.Errorf("LoadEncoded(glyph) error = %v, want ErrUnsuitableKey", err)
	}
}

func TestLoadPath(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "img.png")
	if err := os.WriteFile(p, encodePNG(t), 0o600); err != nil {
		t.Fatal(err)
	}
	c := New()
	ctx := context.Background()
	if err := c.Load(ctx, Path(p), Indefinite()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := c.Load(ctx, Path(filepath.Join(dir, "missing.png")), Indefinite()); !errors.Is(err, ErrOpen) {
		t.Errorf("Load(missing) error = %v, want ErrOpen", err)
	}
	if err := c.Load(ctx, User("t", 1), Indefinite()); !errors.Is(err, ErrUnsuitableKey) {
		t.Errorf("Load(user) error = %v, want ErrUnsuitableKey", err)
	}
}

func TestLoadURL(t *testing.T) {
	body := encodePNG(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/img.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c := New()
	ctx := context.Background()
	if err := c.Load(ctx, URL(srv.URL+"/img.png"), Indefinite()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := c.Load(ctx, URL(srv.URL+"/nope.png"), Indefinite()); !errors.Is(err, ErrDownload) {
		t.Errorf("Load(404) error = %v, want ErrDownload", err)
	}
	if err := c.Load(ctx, URL("ftp://example.com/a.png"), Indefinite()); !errors.Is(err, ErrURL) {
		t.Errorf("Load(ftp) error = %v, want ErrURL", err)
	}
}

func TestLoadURLTooLarge(t *testing.T) {
	body := encodePNG(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	orig := maxDownload
	t.Cleanup(func() { maxDownload = orig })

	c := New()
	maxDownload = int64(len(body))
	if err := c.Load(context.Background(), URL(srv.URL+"/fits.png"), Indefinite()); err != nil {
		t.Fatalf("Load at the limit: %v", err)
	}
	maxDownload = int64(len(body)) - 1
	err := c.Load(context.Background(), URL(srv.URL+"/big.png"), Indefinite())
	if !errors.Is(err, ErrDownload) {
		t.Errorf("Load(oversized) error = %v, want ErrDownload", err)
	}
	if errors.Is(err, ErrDecode) {
		t.Errorf("oversized download reported as a decode error: %v", err)
	}
}

package imagecache

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "icon.png")
	if err := os.WriteFile(p, encodePNG(t), 0o600); err != nil {
		t.Fatal(err)
	}

	c := New()
	if err := c.Load(context.Background(), Path(p), Seconds(30)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	w, err := c.Watch()
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 3, 3))); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		imgs, err := c.ObtainData(nil, []Key{Path(p)}, rgba8)
		if err != nil {
			t.Fatal(err)
		}
		if imgs[Path(p)].Width == 3 {
			break
		}
		if _, err := c.ObtainData([]Key{Path(p)}, nil, rgba8); err != nil {
			t.Fatal(err)
		}
		if time.Now().After(deadline) {
			t.Fatal("file change was not reloaded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

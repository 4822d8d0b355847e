package capture

import (
	"context"
	"image"
	"image/color"
	"sync"

	"rdpbridge/internal/types"
)

// defaultStaticSize is used when no geometry was negotiated.
var defaultStaticSize = types.Geometry{Width: 1024, Height: 768}

// StaticBackend serves a fixed colour-bar pattern. It never fails to open,
// which makes it the last entry of every fallback chain.
type StaticBackend struct {
	Size types.Geometry
}

func (StaticBackend) Name() string { return "static" }

func (b StaticBackend) Open(ctx context.Context) (Source, error) {
	size := b.Size
	if !size.Valid() {
		size = defaultStaticSize
	}
	return &staticSource{pattern: colorBars(size.Width, size.Height)}, nil
}

type staticSource struct {
	mu      sync.Mutex
	pattern *image.RGBA
	closed  bool
}

func (s *staticSource) Outputs() ([]Output, error) {
	return []Output{{Index: 0, Name: "static", Bounds: s.pattern.Bounds(), Primary: true}}, nil
}

func (s *staticSource) Grab(out Output) (*image.RGBA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, types.Errorf(types.KindBackendUnavailable, "capture.grab", "static source closed")
	}
	return s.pattern, nil
}

func (s *staticSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

var bars = []color.RGBA{
	{0xC0, 0xC0, 0xC0, 0xFF},
	{0xC0, 0xC0, 0x00, 0xFF},
	{0x00, 0xC0, 0xC0, 0xFF},
	{0x00, 0xC0, 0x00, 0xFF},
	{0xC0, 0x00, 0xC0, 0xFF},
	{0xC0, 0x00, 0x00, 0xFF},
	{0x00, 0x00, 0xC0, 0xFF},
}

func colorBars(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		c := bars[x*len(bars)/w]
		for y := 0; y < h; y++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// Package screenshot captures the desktop through the X11/Win32/CoreGraphics
// screen grabbers of github.com/kbinani/screenshot.
package screenshot

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/kbinani/screenshot"

	"rdpbridge/internal/capture"
	"rdpbridge/internal/types"
)

// PointerFunc reports the pointer position in virtual desktop coordinates.
type PointerFunc func() (x, y int)

// Backend opens screen grabber sources.
type Backend struct {
	// Pointer, when set, is polled on every frame to report the cursor.
	Pointer PointerFunc
}

func (Backend) Name() string { return "screenshot" }

// Open probes the primary display once so a missing display server or a
// denied grab is reported here rather than on the first frame.
func (b Backend) Open(ctx context.Context) (capture.Source, error) {
	n := screenshot.NumActiveDisplays()
	if n <= 0 {
		return nil, types.Errorf(types.KindBackendUnavailable, "capture.open screenshot", "no active displays")
	}
	bounds := screenshot.GetDisplayBounds(0)
	if _, err := screenshot.CaptureRect(image.Rect(bounds.Min.X, bounds.Min.Y, bounds.Min.X+1, bounds.Min.Y+1)); err != nil {
		return nil, types.NewError(types.KindPermissionDenied, "capture.open screenshot", err)
	}
	return &source{pointer: b.Pointer}, nil
}

type source struct {
	pointer PointerFunc

	mu     sync.Mutex
	closed bool
}

func (s *source) Outputs() ([]capture.Output, error) {
	n := screenshot.NumActiveDisplays()
	outputs := make([]capture.Output, 0, n)
	for i := 0; i < n; i++ {
		outputs = append(outputs, capture.Output{
			Index:   i,
			Name:    fmt.Sprintf("display-%d", i),
			Bounds:  screenshot.GetDisplayBounds(i),
			Primary: i == 0,
		})
	}
	return outputs, nil
}

func (s *source) Grab(out capture.Output) (*image.RGBA, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, types.Errorf(types.KindBackendUnavailable, "capture.grab", "source closed")
	}
	img, err := screenshot.CaptureRect(out.Bounds)
	if err != nil {
		return nil, fmt.Errorf("capturing display %d: %w", out.Index, err)
	}
	return img, nil
}

func (s *source) Cursor() (*types.CursorUpdate, error) {
	if s.pointer == nil {
		return nil, nil
	}
	x, y := s.pointer()
	return &types.CursorUpdate{X: x, Y: y, Visible: true}, nil
}

func (s *source) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

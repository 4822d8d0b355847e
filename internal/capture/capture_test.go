package capture

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rdpbridge/internal/testutil"
	"rdpbridge/internal/types"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeSource struct {
	mu      sync.Mutex
	outputs []Output
	colors  map[int]color.RGBA
	failing map[int]bool
	grabs   int

	closes atomic.Int32
}

func newFakeSource(outputs ...Output) *fakeSource {
	return &fakeSource{
		outputs: outputs,
		colors:  make(map[int]color.RGBA),
		failing: make(map[int]bool),
	}
}

func (f *fakeSource) Outputs() ([]Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Output(nil), f.outputs...), nil
}

func (f *fakeSource) Grab(out Output) (*image.RGBA, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grabs++
	if f.failing[out.Index] {
		return nil, errors.New("output gone")
	}
	img := image.NewRGBA(image.Rect(0, 0, out.Bounds.Dx(), out.Bounds.Dy()))
	c := f.colors[out.Index]
	for y := 0; y < out.Bounds.Dy(); y++ {
		for x := 0; x < out.Bounds.Dx(); x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img, nil
}

func (f *fakeSource) Close() error {
	f.closes.Add(1)
	return nil
}

func (f *fakeSource) set(fn func(f *fakeSource)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type fakeBackend struct {
	name   string
	source *fakeSource
	err    error
	opens  atomic.Int32
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Open(ctx context.Context) (Source, error) {
	b.opens.Add(1)
	if b.err != nil {
		return nil, b.err
	}
	return b.source, nil
}

func output(index, x, y, w, h int) Output {
	return Output{Index: index, Bounds: image.Rect(x, y, x+w, y+h), Primary: index == 0}
}

func pixel(f *types.Frame, x, y int) color.RGBA {
	i := y*f.Stride + x*4
	return color.RGBA{f.Data[i], f.Data[i+1], f.Data[i+2], f.Data[i+3]}
}

func TestStartFallsBackToStaticPattern(t *testing.T) {
	denied := &fakeBackend{name: "portal", err: types.NewError(types.KindPermissionDenied, "capture.open", errors.New("user declined"))}
	missing := &fakeBackend{name: "pipewire", err: types.Errorf(types.KindBackendUnavailable, "capture.open", "not installed")}

	adapter := NewAdapter(Options{Backends: []Backend{denied, missing}, Capacity: 2, Logger: testLogger()})
	stream, err := adapter.Start(context.Background(), types.Geometry{Width: 320, Height: 240}, 100)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stream.Close()

	if stream.Backend() != "static" {
		t.Fatalf("expected static backend, got %q", stream.Backend())
	}
	if denied.opens.Load() != 1 || missing.opens.Load() != 1 {
		t.Fatalf("expected each backend tried once, got %d and %d", denied.opens.Load(), missing.opens.Load())
	}

	frame, err := stream.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if frame.Width != 320 || frame.Height != 240 {
		t.Fatalf("expected 320x240 frame, got %dx%d", frame.Width, frame.Height)
	}
}

func TestStartReportsExhaustion(t *testing.T) {
	adapter := NewAdapter(Options{Logger: testLogger()})
	broken := &fakeBackend{name: "broken", err: types.Errorf(types.KindBackendUnavailable, "capture.open", "nope")}

	_, err := adapter.startFirst(context.Background(), []Backend{broken}, types.Geometry{}, 30)
	if !errors.Is(err, types.ErrResourceExhaustion) {
		t.Fatalf("expected resource exhaustion, got %v", err)
	}
}

func TestStaticModeSkipsDesktopBackends(t *testing.T) {
	desktop := &fakeBackend{name: "desktop", source: newFakeSource(output(0, 0, 0, 8, 8))}
	adapter := NewAdapter(Options{Backends: []Backend{desktop}, Static: true, Logger: testLogger()})

	stream, err := adapter.Start(context.Background(), types.Geometry{Width: 16, Height: 16}, 50)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stream.Close()
	if desktop.opens.Load() != 0 {
		t.Fatalf("expected desktop backend untouched in static mode")
	}
}

func TestWithOverridesSessionSettings(t *testing.T) {
	desktop := &fakeBackend{name: "desktop", source: newFakeSource(output(0, 0, 0, 8, 8))}
	base := NewAdapter(Options{Static: true, Capacity: 2, Logger: testLogger()})
	derived := base.With(Settings{Backends: []Backend{desktop}, Capacity: 5})

	first, err := derived.Start(context.Background(), types.Geometry{}, 50)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer first.Close()
	if first.Backend() != "desktop" || first.Info().Capacity != 5 {
		t.Fatalf("expected desktop stream with capacity 5, got %+v", first.Info())
	}

	second, err := base.Start(context.Background(), types.Geometry{Width: 8, Height: 8}, 50)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer second.Close()
	if second.Backend() != "static" || second.Info().Capacity != 2 {
		t.Fatalf("expected base adapter unchanged, got %+v", second.Info())
	}
	if second.ID() <= first.ID() {
		t.Fatalf("expected stream IDs to keep increasing across adapters, got %d then %d", first.ID(), second.ID())
	}
}

func TestQueueNeverExceedsCapacity(t *testing.T) {
	src := newFakeSource(output(0, 0, 0, 4, 4))
	adapter := NewAdapter(Options{Backends: []Backend{&fakeBackend{name: "fake", source: src}}, Capacity: 3, Logger: testLogger()})

	stream, err := adapter.Start(context.Background(), types.Geometry{}, 500)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stream.Close()

	// Nobody consumes: the producer must keep replacing old frames.
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		if stream.Stats().Queued > 3 {
			t.Fatalf("queue occupancy %d exceeds capacity 3", stream.Stats().Queued)
		}
		return stream.Stats().Captured >= 20
	}, "producer did not run")

	stats := stream.Stats()
	if stats.Dropped == 0 {
		t.Fatalf("expected dropped frames under stall, got %+v", stats)
	}

	var last uint64
	for i := 0; i < 3; i++ {
		frame, err := stream.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if frame.Seq <= last {
			t.Fatalf("sequence not increasing: %d after %d", frame.Seq, last)
		}
		last = frame.Seq
	}
	// The survivors are the newest frames, not the first ones captured.
	if last < 10 {
		t.Fatalf("expected recent frames to survive, newest seq %d", last)
	}
}

func TestCompositeKeepsFailedOutputRegion(t *testing.T) {
	red := color.RGBA{0xFF, 0, 0, 0xFF}
	blue := color.RGBA{0, 0, 0xFF, 0xFF}
	green := color.RGBA{0, 0xFF, 0, 0xFF}

	src := newFakeSource(output(0, 0, 0, 4, 4), output(1, 4, 0, 4, 4))
	src.colors[0] = red
	src.colors[1] = blue

	adapter := NewAdapter(Options{
		Backends:     []Backend{&fakeBackend{name: "fake", source: src}},
		MultiMonitor: true,
		Capacity:     1,
		Logger:       testLogger(),
	})
	stream, err := adapter.Start(context.Background(), types.Geometry{}, 200)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stream.Close()

	if g := stream.Geometry(); g.Width != 8 || g.Height != 4 {
		t.Fatalf("expected 8x4 virtual canvas, got %s", g)
	}

	frame, err := stream.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got := pixel(frame, 1, 1); got != red {
		t.Fatalf("expected left output red, got %v", got)
	}
	if got := pixel(frame, 6, 1); got != blue {
		t.Fatalf("expected right output blue, got %v", got)
	}

	// Output 1 disappears; output 0 changes colour.
	src.set(func(f *fakeSource) {
		f.failing[1] = true
		f.colors[0] = green
	})
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		frame, err = stream.Next(context.Background())
		return err == nil && pixel(frame, 1, 1) == green
	}, "composited frame never picked up the change")

	if got := pixel(frame, 6, 1); got != blue {
		t.Fatalf("expected failed output region unchanged, got %v", got)
	}
	if len(frame.Damage) != 1 || frame.Damage[0] != (types.Rect{X: 0, Y: 0, Width: 4, Height: 4}) {
		t.Fatalf("expected damage limited to the captured output, got %v", frame.Damage)
	}
}

func TestCloseReleasesSourceOnce(t *testing.T) {
	src := newFakeSource(output(0, 0, 0, 4, 4))
	adapter := NewAdapter(Options{Backends: []Backend{&fakeBackend{name: "fake", source: src}}, Logger: testLogger()})

	stream, err := adapter.Start(context.Background(), types.Geometry{}, 100)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := stream.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if n := src.closes.Load(); n != 1 {
		t.Fatalf("expected source closed once, got %d", n)
	}
	testutil.RequireClosed(t, stream.Done(), time.Second, "producer still running after Close")
	if _, err := stream.Next(context.Background()); !IsClosed(err) {
		t.Fatalf("expected closed error after Close, got %v", err)
	}
}

func TestStreamIDsIncrease(t *testing.T) {
	adapter := NewAdapter(Options{Static: true, Logger: testLogger()})
	first, err := adapter.Start(context.Background(), types.Geometry{Width: 8, Height: 8}, 10)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	first.Close()
	second, err := adapter.Start(context.Background(), types.Geometry{Width: 8, Height: 8}, 10)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer second.Close()
	if second.ID() <= first.ID() {
		t.Fatalf("expected increasing stream ids, got %d then %d", first.ID(), second.ID())
	}
}

func TestDesktopResizeIsReported(t *testing.T) {
	src := newFakeSource(output(0, 0, 0, 8, 8))
	adapter := NewAdapter(Options{Backends: []Backend{&fakeBackend{name: "fake", source: src}}, Logger: testLogger()})

	stream, err := adapter.Start(context.Background(), types.Geometry{}, 200)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stream.Close()

	src.set(func(f *fakeSource) { f.outputs = []Output{output(0, 0, 0, 16, 12)} })

	g := testutil.RequireReceive(t, stream.GeometryChanges(), 5*time.Second, "no geometry change reported")
	if g.Width != 16 || g.Height != 12 {
		t.Fatalf("expected 16x12, got %s", g)
	}
	if stream.Geometry().Width != 8 {
		t.Fatalf("stream geometry must not change in place")
	}
}

func TestSourceLossStopsStream(t *testing.T) {
	src := newFakeSource(output(0, 0, 0, 4, 4))
	src.failing[0] = true
	adapter := NewAdapter(Options{Backends: []Backend{&fakeBackend{name: "fake", source: src}}, Logger: testLogger()})

	stream, err := adapter.Start(context.Background(), types.Geometry{}, 1000)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stream.Close()

	testutil.RequireClosed(t, stream.Done(), 10*time.Second, "stream did not give up on a dead source")
	if !errors.Is(stream.Err(), types.ErrBackendUnavailable) {
		t.Fatalf("expected backend unavailable, got %v", stream.Err())
	}
}

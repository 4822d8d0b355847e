package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"rdpbridge/internal/queue"
	"rdpbridge/internal/types"
)

// maxFailedTicks is how many consecutive ticks may fail to capture any
// output before the stream gives up on its source.
const maxFailedTicks = 150

type streamConfig struct {
	id           uint64
	backend      string
	source       Source
	geometry     types.Geometry
	fps          int
	capacity     int
	multiMonitor bool
	logger       *slog.Logger
}

// Stats is a point-in-time view of a stream's counters.
type Stats struct {
	Captured   uint64 `json:"captured" cbor:"captured"`
	Dropped    uint64 `json:"dropped" cbor:"dropped"`
	GrabErrors uint64 `json:"grab_errors" cbor:"grab_errors"`
	Queued     int    `json:"queued" cbor:"queued"`
}

// Info describes a running stream.
type Info struct {
	ID       uint64            `json:"id" cbor:"id"`
	Backend  string            `json:"backend" cbor:"backend"`
	Geometry types.Geometry    `json:"geometry" cbor:"geometry"`
	FPS      int               `json:"fps" cbor:"fps"`
	Format   types.PixelFormat `json:"format" cbor:"format"`
	Outputs  int               `json:"outputs" cbor:"outputs"`
	Capacity int               `json:"capacity" cbor:"capacity"`
}

// Stream produces frames from one Source at a fixed rate. Frames are held
// in a drop-oldest ring: a slow consumer loses stale frames, never the
// newest one.
type Stream struct {
	id       uint64
	backend  string
	source   Source
	geometry types.Geometry
	fps      int
	logger   *slog.Logger

	// Guarded by the producer goroutine only.
	origin  image.Point
	outputs []Output
	desktop image.Rectangle
	canvas  *image.RGBA
	cursor  *types.CursorUpdate

	frames  *queue.Ring[*types.Frame]
	changes chan types.Geometry

	numOutputs atomic.Int32
	// published mirrors origin for readers outside the producer.
	published atomic.Pointer[image.Point]
	seq        atomic.Uint64
	captured   atomic.Uint64
	grabErrors atomic.Uint64

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	errMu sync.Mutex
	err   error
}

func newStream(cfg streamConfig) (*Stream, error) {
	outputs, err := cfg.source.Outputs()
	if err != nil {
		return nil, fmt.Errorf("listing outputs: %w", err)
	}
	desktop, selected := virtualBounds(outputs, cfg.multiMonitor)
	if desktop.Empty() {
		return nil, types.Errorf(types.KindBackendUnavailable, "capture.outputs", "no active outputs")
	}

	geometry := cfg.geometry
	if !geometry.Valid() {
		geometry = types.Geometry{Width: desktop.Dx(), Height: desktop.Dy()}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		id:       cfg.id,
		backend:  cfg.backend,
		source:   cfg.source,
		geometry: geometry,
		fps:      cfg.fps,
		logger:   cfg.logger.With("stream", cfg.id, "backend", cfg.backend),
		origin:   desktop.Min,
		outputs:  selected,
		desktop:  desktop,
		canvas:   image.NewRGBA(image.Rect(0, 0, geometry.Width, geometry.Height)),
		frames:   queue.NewRing[*types.Frame](cfg.capacity),
		changes:  make(chan types.Geometry, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.numOutputs.Store(int32(len(selected)))
	s.published.Store(&desktop.Min)
	fillOpaque(s.canvas)
	go s.run(ctx, cfg.multiMonitor)
	return s, nil
}

// ID identifies the stream. IDs increase with every stream an Adapter
// starts, so frames from a superseded stream can be recognised.
func (s *Stream) ID() uint64 { return s.id }

func (s *Stream) Backend() string { return s.backend }

func (s *Stream) Geometry() types.Geometry { return s.geometry }

// Origin is the desktop position of the canvas top-left corner. With
// several monitors it can be negative.
func (s *Stream) Origin() image.Point { return *s.published.Load() }

func (s *Stream) Info() Info {
	return Info{
		ID:       s.id,
		Backend:  s.backend,
		Geometry: s.geometry,
		FPS:      s.fps,
		Format:   types.PixFmtRGBA,
		Outputs:  int(s.numOutputs.Load()),
		Capacity: s.frames.Cap(),
	}
}

// Next returns the oldest queued frame, waiting for one if necessary. After
// the stream stops it returns queue.ErrClosed; Err tells whether the stop
// was a failure.
func (s *Stream) Next(ctx context.Context) (*types.Frame, error) {
	return s.frames.Pop(ctx)
}

// GeometryChanges delivers the desktop's new size when its outputs are
// reconfigured while the stream runs. Only the latest change is kept.
func (s *Stream) GeometryChanges() <-chan types.Geometry { return s.changes }

// Done is closed when the producer has stopped.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the reason the producer stopped on its own, if any.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Stream) Stats() Stats {
	return Stats{
		Captured:   s.captured.Load(),
		Dropped:    s.frames.Dropped(),
		GrabErrors: s.grabErrors.Load(),
		Queued:     s.frames.Len(),
	}
}

// Close stops the producer, discards queued frames and releases the
// source. The source is closed exactly once no matter how often Close is
// called.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.frames.Close()
		s.frames.Drain()
		s.closeErr = s.source.Close()
		s.logger.Debug("capture stream closed", "captured", s.captured.Load(), "dropped", s.frames.Dropped())
	})
	return s.closeErr
}

func (s *Stream) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *Stream) run(ctx context.Context, multiMonitor bool) {
	defer close(s.done)
	defer s.frames.Close()

	ticker := time.NewTicker(time.Second / time.Duration(s.fps))
	defer ticker.Stop()

	failedTicks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.refreshLayout(multiMonitor)

		frame, ok := s.tick()
		if !ok {
			failedTicks++
			if failedTicks >= maxFailedTicks {
				err := types.Errorf(types.KindBackendUnavailable, "capture.grab",
					"no output captured for %d consecutive ticks", failedTicks)
				s.logger.Error("capture source lost", "error", err)
				s.fail(err)
				return
			}
			continue
		}
		failedTicks = 0

		if _, evicted := s.frames.Push(frame); evicted {
			s.logger.Debug("frame queue full, dropped oldest frame")
		}
	}
}

// refreshLayout re-reads the output list and reports a changed desktop
// size. The stream keeps producing at its own geometry until replaced.
func (s *Stream) refreshLayout(multiMonitor bool) {
	outputs, err := s.source.Outputs()
	if err != nil {
		return
	}
	desktop, selected := virtualBounds(outputs, multiMonitor)
	if desktop.Empty() {
		return
	}
	s.outputs = selected
	s.numOutputs.Store(int32(len(selected)))
	s.origin = desktop.Min
	s.published.Store(&desktop.Min)
	if desktop.Size() == s.desktop.Size() {
		s.desktop = desktop
		return
	}
	s.desktop = desktop
	g := types.Geometry{Width: desktop.Dx(), Height: desktop.Dy()}
	s.logger.Info("desktop geometry changed", "geometry", g.String())
	select {
	case <-s.changes:
	default:
	}
	s.changes <- g
}

// tick composites every output onto the canvas and snapshots it into a new
// frame. An output that fails to capture keeps its previous pixels.
func (s *Stream) tick() (*types.Frame, bool) {
	var damage []types.Rect
	bounds := s.canvas.Bounds()
	for _, out := range s.outputs {
		img, err := s.source.Grab(out)
		if err != nil {
			s.grabErrors.Add(1)
			s.logger.Debug("output capture failed", "output", out.Index, "error", err)
			continue
		}
		dst := out.Bounds.Sub(s.origin).Intersect(bounds)
		if dst.Empty() {
			continue
		}
		draw.Draw(s.canvas, dst, img, img.Bounds().Min, draw.Src)
		damage = append(damage, types.Rect{X: dst.Min.X, Y: dst.Min.Y, Width: dst.Dx(), Height: dst.Dy()})
	}
	if damage == nil {
		return nil, false
	}

	frame := &types.Frame{
		Seq:      s.seq.Add(1),
		Stream:   s.id,
		Width:    s.geometry.Width,
		Height:   s.geometry.Height,
		Stride:   s.canvas.Stride,
		Format:   types.PixFmtRGBA,
		Data:     append([]byte(nil), s.canvas.Pix...),
		Captured: time.Now(),
		Damage:   damage,
	}
	if len(damage) == 1 && damage[0].Area() == s.geometry.Width*s.geometry.Height {
		frame.Damage = nil
	}
	if cs, ok := s.source.(CursorSource); ok {
		if cur, err := cs.Cursor(); err == nil && cur != nil {
			cur.X -= s.origin.X
			cur.Y -= s.origin.Y
			if !sameCursor(cur, s.cursor) {
				s.cursor = cur
				update := *cur
				frame.Cursor = &update
			}
		}
	}
	s.captured.Add(1)
	return frame, true
}

func sameCursor(a, b *types.CursorUpdate) bool {
	if a == nil || b == nil {
		return a == b
	}
	// A new bitmap is always a change of shape.
	return len(a.Bitmap) == 0 &&
		a.X == b.X && a.Y == b.Y && a.Visible == b.Visible && a.Width == b.Width && a.Height == b.Height
}

func fillOpaque(img *image.RGBA) {
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xFF
	}
}

// IsClosed reports whether err is the end-of-stream error from Next.
func IsClosed(err error) bool { return errors.Is(err, queue.ErrClosed) }

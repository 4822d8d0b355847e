// Package capture turns a desktop capture source into a bounded, ordered
// stream of frames.
//
// A Source is opened through a Backend. The Adapter tries the configured
// backends in order and falls back to a static test pattern when the desktop
// cannot be captured, so a session always has something to show. Each
// Stream is bound to one geometry; a geometry change means closing the
// stream and starting a new one.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"

	"rdpbridge/internal/types"
)

// Output is one monitor of the desktop. Bounds are in virtual desktop
// coordinates, so outputs of a multi-monitor desktop do not overlap.
type Output struct {
	Index   int
	Name    string
	Bounds  image.Rectangle
	Primary bool
}

// Source is an open capture handle.
type Source interface {
	// Outputs lists the monitors currently attached.
	Outputs() ([]Output, error)
	// Grab captures one output. The returned image is owned by the caller.
	Grab(out Output) (*image.RGBA, error)
	Close() error
}

// CursorSource is optionally implemented by a Source that can report the
// pointer position.
type CursorSource interface {
	Cursor() (*types.CursorUpdate, error)
}

// Backend opens capture sources. Open returns a *types.Error of kind
// KindPermissionDenied or KindBackendUnavailable when the desktop refuses
// access or the backend is not present on this host.
type Backend interface {
	Name() string
	Open(ctx context.Context) (Source, error)
}

// Options configures an Adapter.
type Options struct {
	// Backends in order of preference. The static pattern backend is always
	// tried last and need not be listed.
	Backends []Backend
	// Static skips every real backend.
	Static bool
	// MultiMonitor composites all outputs; otherwise only the primary
	// output is captured.
	MultiMonitor bool
	// Capacity is the frame queue depth (channel_capacity).
	Capacity int
	Logger   *slog.Logger
}

// Settings are the per-session parts of Options.
type Settings struct {
	// Backends replaces the adapter's backends when non-nil.
	Backends     []Backend
	Static       bool
	MultiMonitor bool
	Capacity     int
}

// Adapter starts capture streams.
type Adapter struct {
	opts       Options
	logger     *slog.Logger
	generation *atomic.Uint64
}

func NewAdapter(opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Capacity < 1 {
		opts.Capacity = 1
	}
	return &Adapter{opts: opts, logger: logger.With("component", "capture"), generation: new(atomic.Uint64)}
}

// With returns an adapter that starts streams under s. Stream IDs stay
// unique across a and every adapter derived from it.
func (a *Adapter) With(s Settings) *Adapter {
	opts := a.opts
	if s.Backends != nil {
		opts.Backends = s.Backends
	}
	opts.Static = s.Static
	opts.MultiMonitor = s.MultiMonitor
	opts.Capacity = max(s.Capacity, 1)
	return &Adapter{opts: opts, logger: a.logger, generation: a.generation}
}

// Capacity is the frame queue depth of streams this adapter starts.
func (a *Adapter) Capacity() int { return a.opts.Capacity }

// Start opens the first usable backend and begins producing frames at fps.
// A zero geometry means "the desktop's own size". Permission and
// availability failures fall through to the next backend and finally to the
// static pattern; the returned error has kind KindResourceExhaustion only
// when nothing could be opened.
func (a *Adapter) Start(ctx context.Context, geometry types.Geometry, fps int) (*Stream, error) {
	var backends []Backend
	if !a.opts.Static {
		backends = append(backends, a.opts.Backends...)
	}
	backends = append(backends, StaticBackend{Size: geometry})
	return a.startFirst(ctx, backends, geometry, fps)
}

// StartStatic starts a stream on the static pattern only. The orchestrator
// uses it when a running desktop stream fails mid-session.
func (a *Adapter) StartStatic(ctx context.Context, geometry types.Geometry, fps int) (*Stream, error) {
	return a.startFirst(ctx, []Backend{StaticBackend{Size: geometry}}, geometry, fps)
}

func (a *Adapter) startFirst(ctx context.Context, backends []Backend, geometry types.Geometry, fps int) (*Stream, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("capture: invalid fps %d", fps)
	}

	var errs []error
	for _, b := range backends {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src, err := b.Open(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
			switch types.KindOf(err) {
			case types.KindPermissionDenied:
				a.logger.Warn("capture permission denied, trying next backend", "backend", b.Name(), "error", err)
			case types.KindBackendUnavailable:
				a.logger.Info("capture backend unavailable, trying next backend", "backend", b.Name(), "error", err)
			default:
				a.logger.Warn("capture backend failed to open", "backend", b.Name(), "error", err)
			}
			continue
		}

		stream, err := newStream(streamConfig{
			id:           a.generation.Add(1),
			backend:      b.Name(),
			source:       src,
			geometry:     geometry,
			fps:          fps,
			capacity:     a.opts.Capacity,
			multiMonitor: a.opts.MultiMonitor,
			logger:       a.logger,
		})
		if err != nil {
			src.Close()
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
			a.logger.Warn("capture stream setup failed, trying next backend", "backend", b.Name(), "error", err)
			continue
		}
		a.logger.Info("capture started",
			"backend", b.Name(), "stream", stream.ID(), "geometry", stream.Geometry().String(), "fps", fps)
		return stream, nil
	}
	return nil, types.NewError(types.KindResourceExhaustion, "capture.start", errors.Join(errs...))
}

// virtualBounds returns the union of the selected outputs' bounds and the
// outputs that take part in composition.
func virtualBounds(outputs []Output, multiMonitor bool) (image.Rectangle, []Output) {
	if len(outputs) == 0 {
		return image.Rectangle{}, nil
	}
	if !multiMonitor {
		primary := outputs[0]
		for _, o := range outputs {
			if o.Primary {
				primary = o
				break
			}
		}
		return primary.Bounds, []Output{primary}
	}
	bounds := outputs[0].Bounds
	for _, o := range outputs[1:] {
		bounds = bounds.Union(o.Bounds)
	}
	return bounds, outputs
}

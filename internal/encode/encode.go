// Package encode converts captured frames into client-deliverable units.
//
// Encoder backends register a Factory in a Registry. Select builds a Stage
// over the fallback chain configured → software → bitmap: a backend that
// fails to initialise is logged and skipped, and the bitmap encoder, which
// has no native dependencies, terminates every chain.
package encode

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"rdpbridge/internal/types"
)

// SoftwareBackend is the name of the CPU video encoder.
const SoftwareBackend = "software"

// VideoEncoder converts frames of one fixed geometry. prev is the last frame
// whose unit was delivered, or nil; video encoders ignore it. Encode may
// return a nil unit when the backend buffered the frame without output.
type VideoEncoder interface {
	Name() string
	Encode(frame, prev *types.Frame) (*types.EncodedUnit, error)
	Close() error
}

// BitrateSetter is implemented by encoders that can change their target
// bitrate without being recreated.
type BitrateSetter interface {
	SetBitrate(kbps int) error
}

// KeyframeRequester is implemented by encoders that can emit an IDR on
// demand.
type KeyframeRequester interface {
	RequestKeyframe()
}

// Params configures one encoder instance.
type Params struct {
	Geometry types.Geometry
	FPS      int
	Codec    types.Codec
	Preset   string
	// Bitrate in kbps.
	Bitrate int
	// GOP is the keyframe interval in frames.
	GOP int

	TileSize          int
	MaxRects          int
	FullFrameInterval int
	Compression       string
}

// Factory creates an encoder. It returns a *types.Error of kind
// KindBackendUnavailable when the backend cannot run on this host.
type Factory func(p Params) (VideoEncoder, error)

// Registry maps backend names to factories. The bitmap backend is always
// registered.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(BitmapBackend, NewBitmapEncoder)
	return r
}

// Register adds or replaces a backend.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names lists the registered backends in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Chain returns the fallback order for a configured backend.
func Chain(preferred string) []string {
	chain := []string{preferred, SoftwareBackend, BitmapBackend}
	out := chain[:0:0]
	for _, name := range chain {
		if name != "" && !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

// Attempt records one backend initialisation.
type Attempt struct {
	Backend string `json:"backend" cbor:"backend"`
	Error   string `json:"error,omitempty" cbor:"error,omitempty"`
}

// ErrOutOfOrder is returned by Convert for a frame that is not newer than
// the last converted frame of the same stream.
var ErrOutOfOrder = errors.New("encode: frame out of order")

// Stage owns the active encoder of one capture stream. It is not safe for
// concurrent use; the session's encode goroutine is its only caller.
type Stage struct {
	registry *Registry
	chain    []string
	pos      int
	params   Params
	logger   *slog.Logger

	enc      VideoEncoder
	attempts []Attempt

	stream  uint64
	lastSeq uint64
	closed  bool
}

// Select initialises the first backend of Chain(preferred) that works.
// Every failure is logged and recorded in Attempts. The error has kind
// KindResourceExhaustion when no backend could be initialised.
func Select(registry *Registry, preferred string, p Params, logger *slog.Logger) (*Stage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stage{
		registry: registry,
		chain:    Chain(preferred),
		pos:      -1,
		params:   p,
		logger:   logger.With("component", "encode"),
	}
	if err := s.advance(); err != nil {
		return nil, err
	}
	return s, nil
}

// advance initialises the next backend in the chain after pos.
func (s *Stage) advance() error {
	var errs []error
	for s.pos+1 < len(s.chain) {
		s.pos++
		name := s.chain[s.pos]
		enc, err := s.open(name)
		if err != nil {
			s.attempts = append(s.attempts, Attempt{Backend: name, Error: err.Error()})
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			if s.pos+1 < len(s.chain) {
				s.logger.Warn("encoder unavailable, falling back",
					"backend", name, "next", s.chain[s.pos+1], "error", err)
			} else {
				s.logger.Error("encoder unavailable, no fallback left", "backend", name, "error", err)
			}
			continue
		}
		s.attempts = append(s.attempts, Attempt{Backend: name})
		s.enc = enc
		s.logger.Info("encoder selected", "backend", name,
			"geometry", s.params.Geometry.String(), "bitrate", s.params.Bitrate)
		return nil
	}
	return types.NewError(types.KindResourceExhaustion, "encode.select", errors.Join(errs...))
}

func (s *Stage) open(name string) (VideoEncoder, error) {
	factory, ok := s.registry.lookup(name)
	if !ok {
		return nil, types.Errorf(types.KindBackendUnavailable, "encode.init "+name, "backend not built into this binary")
	}
	return factory(s.params)
}

// Backend names the active encoder.
func (s *Stage) Backend() string {
	if s.enc == nil {
		return ""
	}
	return s.enc.Name()
}

// Attempts lists every initialisation tried so far, in order.
func (s *Stage) Attempts() []Attempt { return append([]Attempt(nil), s.attempts...) }

// Params returns the parameters the stage was built with.
func (s *Stage) Params() Params { return s.params }

// Convert encodes frame. The unit carries the frame's sequence number,
// stream and geometry unchanged. A nil unit with a nil error means the
// encoder produced no output for this frame; the frame is then dropped,
// never delivered late.
func (s *Stage) Convert(frame, prev *types.Frame) (*types.EncodedUnit, error) {
	if s.closed {
		return nil, types.Errorf(types.KindBackendUnavailable, "encode.convert", "stage closed")
	}
	if frame.Stream == s.stream && frame.Seq <= s.lastSeq {
		return nil, fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, frame.Seq, s.lastSeq)
	}
	s.stream, s.lastSeq = frame.Stream, frame.Seq

	unit, err := s.enc.Encode(frame, prev)
	if err != nil || unit == nil {
		return nil, err
	}
	unit.Seq = frame.Seq
	unit.Stream = frame.Stream
	unit.Geometry = frame.Geometry()
	unit.Captured = frame.Captured
	return unit, nil
}

// Next replaces a failing encoder with the next backend in the chain.
func (s *Stage) Next(cause error) error {
	if s.enc != nil {
		name := s.enc.Name()
		if err := s.enc.Close(); err != nil {
			s.logger.Warn("closing failed encoder", "backend", name, "error", err)
		}
		s.enc = nil
		s.attempts[len(s.attempts)-1].Error = cause.Error()
		s.logger.Warn("encoder failed at runtime, falling back", "backend", name, "error", cause)
	}
	if err := s.advance(); err != nil {
		return types.NewError(types.KindResourceExhaustion, "encode.fallback", errors.Join(cause, err))
	}
	return nil
}

// SetBitrate applies a new target bitrate. Encoders without BitrateSetter
// pick it up the next time the stage is rebuilt.
func (s *Stage) SetBitrate(kbps int) error {
	s.params.Bitrate = kbps
	if bs, ok := s.enc.(BitrateSetter); ok {
		return bs.SetBitrate(kbps)
	}
	return nil
}

// RequestKeyframe asks the encoder for a full refresh on its next output.
func (s *Stage) RequestKeyframe() {
	if kr, ok := s.enc.(KeyframeRequester); ok {
		kr.RequestKeyframe()
	}
}

// Close releases the encoder. Safe to call more than once.
func (s *Stage) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.enc == nil {
		return nil
	}
	err := s.enc.Close()
	s.enc = nil
	return err
}

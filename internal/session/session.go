// Package session drives one remote client from admission through active
// streaming to teardown. The Orchestrator holds the single admission slot;
// each Session owns its capture stream, encode stage, input bridge and
// channel sub-flows, and a single loop goroutine is the only writer of its
// state.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"rdpbridge/internal/audio"
	"rdpbridge/internal/capture"
	"rdpbridge/internal/channels"
	"rdpbridge/internal/config"
	"rdpbridge/internal/encode"
	"rdpbridge/internal/input"
	"rdpbridge/internal/types"
)

// Capabilities are the results of capability negotiation.
type Capabilities struct {
	// Geometry requested by the client. Zero follows the desktop size.
	Geometry     types.Geometry
	Clipboard    bool
	Audio        bool
	AudioFormats []types.AudioFormat
}

// Peer is the client end of a session as provided by the transport.
type Peer interface {
	// SendVideo delivers one encoded unit. It may block on the transport
	// until ctx ends.
	SendVideo(ctx context.Context, unit *types.EncodedUnit) error
	SendCursor(c *types.CursorUpdate) error
	SendClipboard(p types.ClipboardPayload) error
	SendAudio(c *types.AudioChunk) error
	// Attach routes client-originated traffic to h. Called once the
	// session is Active.
	Attach(h Handler)
	// Done is closed when the transport is gone; Err then tells whether it
	// failed (non-nil) or the client left cleanly.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Handler receives client-originated traffic.
type Handler interface {
	HandleInput(ctx context.Context, ev types.InputEvent) error
	HandleClipboard(p types.ClipboardPayload) error
	HandleResize(g types.Geometry) error
	// RequestKeyframe asks for a full refresh, e.g. when the client starts
	// rendering a stream it has not seen from the beginning.
	RequestKeyframe() error
}

// Handshake drives the external protocol engine through authentication and
// capability negotiation.
type Handshake interface {
	Authenticate(ctx context.Context) error
	Negotiate(ctx context.Context) (Peer, Capabilities, error)
}

// Info describes a session for status reporting.
type Info struct {
	ID         string           `json:"id" cbor:"id"`
	Client     string           `json:"client" cbor:"client"`
	State      State            `json:"state" cbor:"state"`
	CreatedAt  time.Time        `json:"created_at" cbor:"created_at"`
	Geometry   types.Geometry   `json:"geometry" cbor:"geometry"`
	Capture    string           `json:"capture,omitempty" cbor:"capture,omitempty"`
	Encoder    string           `json:"encoder,omitempty" cbor:"encoder,omitempty"`
	Attempts   []encode.Attempt `json:"encoder_attempts,omitempty" cbor:"encoder_attempts,omitempty"`
	Clipboard  bool             `json:"clipboard" cbor:"clipboard"`
	Audio      bool             `json:"audio" cbor:"audio"`
	InputReady bool             `json:"input" cbor:"input"`
}

// Stats are pipeline counters for the life of a session.
type Stats struct {
	Captured       uint64 `json:"captured" cbor:"captured"`
	CaptureDropped uint64 `json:"capture_dropped" cbor:"capture_dropped"`
	Encoded        uint64 `json:"encoded" cbor:"encoded"`
	Skipped        uint64 `json:"skipped" cbor:"skipped"`
	Delivered      uint64 `json:"delivered" cbor:"delivered"`
	Stale          uint64 `json:"stale" cbor:"stale"`
	Resizes        uint64 `json:"resizes" cbor:"resizes"`
	InputInjected  uint64 `json:"input_injected" cbor:"input_injected"`
	InputFailed    uint64 `json:"input_failed" cbor:"input_failed"`
	AudioDropped   uint64 `json:"audio_dropped" cbor:"audio_dropped"`
	AudioDelivered uint64 `json:"audio_delivered" cbor:"audio_delivered"`
}

const statsInterval = 5 * time.Second

type commandKind int

const (
	cmdReload commandKind = iota
	cmdResize
	cmdKeyframe
)

type command struct {
	kind     commandKind
	cfg      *config.Config
	geometry types.Geometry
	reply    chan error
}

// Session is one connected client.
type Session struct {
	ID      string
	Client  string
	Created time.Time

	o       *Orchestrator
	logger  *slog.Logger
	cfg     *config.Config
	capture *capture.Adapter
	audio   audio.Backend

	ctx    context.Context
	cancel context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	commands chan command
	done     chan struct{}

	// Owned by the loop (or by Connect before the loop starts).
	peer     Peer
	caps     Capabilities
	stream   *capture.Stream
	stage    *encode.Stage
	pump     *pump
	bridge   *input.Bridge
	chans    *channels.Coordinator
	stats    pumpStats
	resizes  uint64
	ended    Stats
	teardown sync.Once
	reason   error

	mu    sync.Mutex
	state State
	info  Info
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the session's description.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	info.State = s.state
	info.Attempts = append([]encode.Attempt(nil), s.info.Attempts...)
	return info
}

// Done is closed once the session has been torn down and the admission
// slot released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err is the reason the session closed, nil for a clean close.
func (s *Session) Err() error {
	<-s.done
	return s.reason
}

// Stats returns the session's pipeline counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := s.ended
	stream, bridge, chans := s.stream, s.bridge, s.chans
	resizes := s.resizes
	s.mu.Unlock()

	st.Encoded = s.stats.encoded.Load()
	st.Skipped = s.stats.skipped.Load()
	st.Delivered = s.stats.delivered.Load()
	st.Stale = s.stats.stale.Load()
	st.Resizes = resizes
	if stream != nil {
		cs := stream.Stats()
		st.Captured += cs.Captured
		st.CaptureDropped += cs.Dropped
	}
	if bridge != nil {
		bs := bridge.Stats()
		st.InputInjected = bs.Injected
		st.InputFailed = bs.Failed
	}
	if chans != nil {
		as := chans.Stats().Audio
		st.AudioDropped = as.Dropped
		st.AudioDelivered = as.Delivered
	}
	return st
}

// transition moves the session to next. Illegal transitions are a
// programming error and are refused with an error.
func (s *Session) transition(next State, reason error) error {
	s.mu.Lock()
	prev := s.state
	if !CanTransition(prev, next) {
		s.mu.Unlock()
		return fmt.Errorf("session: illegal transition %s -> %s", prev, next)
	}
	s.state = next
	s.mu.Unlock()

	attrs := []any{"from", prev.String(), "to", next.String()}
	if reason != nil {
		attrs = append(attrs, "reason", reason)
	}
	s.logger.Info("session state", attrs...)
	s.o.publish(Event{Session: s.ID, State: next, Time: time.Now(), Reason: errString(reason)})
	return nil
}

func (s *Session) setInfo(f func(*Info)) {
	s.mu.Lock()
	f(&s.info)
	s.mu.Unlock()
}

// start brings up capture, encode, input and the channel sub-flows, in that
// order. On error everything already started is released by teardown.
func (s *Session) start() error {
	cfg := s.cfg

	stream, stage, err := s.openPipeline(s.caps.Geometry, false)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.stream, s.stage = stream, stage
	s.mu.Unlock()
	geometry := stream.Geometry()

	if s.o.opts.InputSink != nil {
		sink, err := s.o.opts.InputSink()
		if err != nil {
			// The session stays view-only.
			s.logger.Warn("input injection unavailable", "error", err)
		} else {
			bridge := input.NewBridge(sink, input.Options{
				FailureThreshold: cfg.Input.FailureThreshold,
				QueueDepth:       cfg.Input.QueueDepth,
				Logger:           s.logger,
			})
			bridge.SetBounds(geometry)
			bridge.SetOrigin(s.canvasOrigin)
			s.mu.Lock()
			s.bridge = bridge
			s.mu.Unlock()
		}
	}

	chans := channels.NewCoordinator(channels.Options{
		Clipboard:       s.o.opts.Clipboard,
		ClipboardPoll:   cfg.Clipboard.PollInterval.Duration(),
		Audio:           s.audio,
		AudioFormat:     types.AudioFormat{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels},
		AudioQueueDepth: cfg.Audio.QueueDepth,
		Logger:          s.logger,
	})
	chans.Start(s.ctx, channels.Endpoints{
		Clipboard:    s.peer,
		Audio:        s.peer,
		AudioFormats: s.caps.AudioFormats,
	}, s.wantedChannels())
	s.mu.Lock()
	s.chans = chans
	s.mu.Unlock()

	s.pump = startPump(s.ctx, stream, stage, s.peer, &s.stats, s.logger)

	enabled := chans.Enabled()
	s.setInfo(func(i *Info) {
		i.Geometry = geometry
		i.Capture = stream.Backend()
		i.Encoder = stage.Backend()
		i.Attempts = stage.Attempts()
		i.Clipboard = enabled.Clipboard
		i.Audio = enabled.Audio
		i.InputReady = s.bridge != nil
	})
	return nil
}

// canvasOrigin is the desktop position of the current stream's canvas.
func (s *Session) canvasOrigin() image.Point {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return image.Point{}
	}
	return stream.Origin()
}

func (s *Session) wantedChannels() channels.Enabled {
	return channels.Enabled{
		Clipboard: s.cfg.Clipboard.Enable && s.caps.Clipboard,
		Audio:     s.cfg.Audio.Enable && s.caps.Audio,
	}
}

// openPipeline starts a capture stream and an encode stage for it. With
// static set, only the static pattern is tried.
func (s *Session) openPipeline(geometry types.Geometry, static bool) (*capture.Stream, *encode.Stage, error) {
	cfg := s.cfg
	var (
		stream *capture.Stream
		err    error
	)
	if static {
		stream, err = s.capture.StartStatic(s.ctx, geometry, cfg.Capture.FPS)
	} else {
		stream, err = s.capture.Start(s.ctx, geometry, cfg.Capture.FPS)
	}
	if err != nil {
		return nil, nil, err
	}
	stage, err := encode.Select(s.o.opts.Encoders, cfg.Encode.Encoder, encodeParams(cfg, stream.Geometry()), s.logger)
	if err != nil {
		stream.Close()
		return nil, nil, err
	}
	return stream, stage, nil
}

func encodeParams(cfg *config.Config, g types.Geometry) encode.Params {
	return encode.Params{
		Geometry:          g,
		FPS:               cfg.Capture.FPS,
		Codec:             types.Codec(cfg.Encode.Codec),
		Preset:            cfg.Encode.Preset,
		Bitrate:           cfg.Encode.Bitrate,
		GOP:               cfg.KeyframeInterval(),
		TileSize:          cfg.Encode.TileSize,
		MaxRects:          cfg.Encode.MaxRects,
		FullFrameInterval: cfg.Encode.FullFrameInterval,
		Compression:       cfg.Encode.Compression,
	}
}

// loop is the session's serialized control path. Stop, reload and resize
// commands are always taken before data-plane events.
func (s *Session) loop() {
	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()

	var lost <-chan struct{}
	if s.bridge != nil {
		lost = s.bridge.Lost()
	}

	for {
		select {
		case <-s.stopCh:
			s.close(nil)
			return
		default:
		}
		select {
		case cmd := <-s.commands:
			if s.handle(cmd) {
				return
			}
			continue
		default:
		}

		select {
		case <-s.stopCh:
			s.close(nil)
			return
		case cmd := <-s.commands:
			if s.handle(cmd) {
				return
			}
		case <-s.pump.Done():
			if s.recover(s.pump.Err()) {
				return
			}
		case g := <-s.stream.GeometryChanges():
			if !s.caps.Geometry.IsZero() {
				s.logger.Info("desktop resized, keeping client geometry", "desktop", g.String())
				continue
			}
			if err := s.resize(g); err != nil {
				s.close(err)
				return
			}
		case <-lost:
			s.close(s.bridge.Err())
			return
		case <-s.peer.Done():
			err := s.peer.Err()
			if err != nil && types.KindOf(err) == types.KindUnknown {
				err = types.NewError(types.KindTransportError, "session.peer", err)
			}
			s.close(err)
			return
		case <-statsTicker.C:
			if s.cfg.Log.Stats {
				s.logStats()
			}
		}
	}
}

// handle runs one command and reports whether the session ended.
func (s *Session) handle(cmd command) bool {
	switch cmd.kind {
	case cmdReload:
		s.reload(cmd.cfg)
		reply(cmd, nil)
	case cmdKeyframe:
		if s.pump != nil {
			s.pump.requestKeyframe()
		}
	case cmdResize:
		err := s.resize(cmd.geometry)
		if err != nil && types.KindOf(err) != types.KindProtocolViolation {
			reply(cmd, err)
			s.close(err)
			return true
		}
		reply(cmd, err)
	}
	return false
}

func reply(cmd command, err error) {
	if cmd.reply != nil {
		cmd.reply <- err
	}
}

// recover handles a pump that exited on its own. A failed capture stream is
// replaced by the static pattern; anything else ends the session.
func (s *Session) recover(err error) bool {
	// The pump has exited, so the stage is ours again.
	attempts := s.stage.Attempts()
	s.setInfo(func(i *Info) { i.Attempts = attempts })

	var ended errStreamEnded
	if !errors.As(err, &ended) {
		if err == nil {
			err = types.Errorf(types.KindResourceExhaustion, "session.pump", "pipeline stopped")
		}
		s.close(err)
		return true
	}
	s.logger.Warn("capture stream failed, switching to static pattern", "error", ended.err)
	if err := s.rebuild(s.stream.Geometry(), true); err != nil {
		s.close(err)
		return true
	}
	return false
}

// resize replaces the capture stream and encoder at geometry g. The old
// pump is stopped and drained before the old stream is closed, and the new
// pump only starts afterwards, so no unit of the old geometry can reach the
// peer once the session is Active again.
func (s *Session) resize(g types.Geometry) error {
	if !g.Valid() {
		return types.Errorf(types.KindProtocolViolation, "session.resize", "invalid geometry %s", g)
	}
	if s.stream != nil && g == s.stream.Geometry() {
		return nil
	}
	from := s.stream.Geometry()
	if err := s.transition(Resizing, nil); err != nil {
		return err
	}
	if err := s.rebuild(g, false); err != nil {
		return err
	}
	if s.bridge != nil {
		s.bridge.SetBounds(s.stream.Geometry())
	}
	s.mu.Lock()
	s.resizes++
	s.mu.Unlock()
	s.logger.Info("resized", "from", from.String(), "to", s.stream.Geometry().String())
	return s.transition(Active, nil)
}

// rebuild tears down the running pump, stage and stream and starts new ones
// at geometry g.
func (s *Session) rebuild(g types.Geometry, static bool) error {
	if err := s.pump.halt(); err != nil {
		s.logger.Debug("pump exited with error before rebuild", "error", err)
	}
	if err := s.stage.Close(); err != nil {
		s.logger.Warn("closing encoder", "error", err)
	}
	s.retireStream()

	stream, stage, err := s.openPipeline(g, static)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.stream, s.stage = stream, stage
	s.mu.Unlock()
	s.pump = startPump(s.ctx, stream, stage, s.peer, &s.stats, s.logger)
	s.setInfo(func(i *Info) {
		i.Geometry = stream.Geometry()
		i.Capture = stream.Backend()
		i.Encoder = stage.Backend()
		i.Attempts = stage.Attempts()
	})
	return nil
}

// retireStream closes the current stream and folds its counters into the
// session totals.
func (s *Session) retireStream() {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()
	if stream == nil {
		return
	}
	if err := stream.Close(); err != nil {
		s.logger.Warn("closing capture stream", "error", err)
	}
	cs := stream.Stats()
	s.mu.Lock()
	s.ended.Captured += cs.Captured
	s.ended.CaptureDropped += cs.Dropped
	s.mu.Unlock()
}

func (s *Session) reload(next *config.Config) {
	merged := config.ApplyHot(s.cfg, next)
	if merged.Encode.Bitrate != s.cfg.Encode.Bitrate && s.pump != nil {
		s.pump.setBitrate(merged.Encode.Bitrate)
	}
	s.cfg = merged
	if s.chans != nil {
		s.chans.SetEnabled(s.wantedChannels())
		enabled := s.chans.Enabled()
		s.setInfo(func(i *Info) {
			i.Clipboard = enabled.Clipboard
			i.Audio = enabled.Audio
		})
	}
	s.logger.Info("configuration reloaded", "bitrate", merged.Encode.Bitrate,
		"clipboard", merged.Clipboard.Enable, "audio", merged.Audio.Enable)
}

func (s *Session) logStats() {
	st := s.Stats()
	s.logger.Info("pipeline stats",
		"captured", st.Captured, "capture_dropped", st.CaptureDropped,
		"encoded", st.Encoded, "skipped", st.Skipped, "delivered", st.Delivered,
		"input", st.InputInjected, "audio_dropped", st.AudioDropped)
}

// close moves to Closing, tears everything down, and returns to Idle.
func (s *Session) close(reason error) {
	if err := s.transition(Closing, reason); err != nil {
		s.logger.Error("closing", "error", err)
	}
	s.shutdown(reason)
}

// shutdown releases every component in reverse start order, exactly once,
// then returns the session to Idle and frees the admission slot.
func (s *Session) shutdown(reason error) {
	s.teardown.Do(func() {
		s.reason = reason
		s.mu.Lock()
		chans, bridge := s.chans, s.bridge
		s.mu.Unlock()

		if chans != nil {
			if err := chans.Stop(); err != nil {
				s.logger.Warn("stopping channels", "error", err)
			}
		}
		if bridge != nil {
			if err := bridge.Close(); err != nil {
				s.logger.Warn("closing input", "error", err)
			}
		}
		if s.pump != nil {
			s.pump.halt()
		}
		if s.stage != nil {
			if err := s.stage.Close(); err != nil {
				s.logger.Warn("closing encoder", "error", err)
			}
		}
		s.retireStream()
		if s.peer != nil {
			if err := s.peer.Close(); err != nil {
				s.logger.Debug("closing peer", "error", err)
			}
		}
		s.cancel()

		final := s.Stats()
		s.mu.Lock()
		s.ended = final
		s.bridge, s.chans = nil, nil
		s.mu.Unlock()

		if err := s.transition(Idle, nil); err != nil {
			s.logger.Error("closing", "error", err)
		}
		s.o.release(s, reason)
		close(s.done)
	})
}

// requestStop asks the session to close. Before the loop runs it cancels
// the handshake instead.
func (s *Session) requestStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// send queues a command for the loop. It fails once the session is gone.
func (s *Session) send(ctx context.Context, cmd command) error {
	select {
	case s.commands <- cmd:
	case <-s.done:
		return ErrNoSession
	case <-ctx.Done():
		return ctx.Err()
	}
	if cmd.reply == nil {
		return nil
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return ErrNoSession
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleInput implements Handler.
func (s *Session) HandleInput(ctx context.Context, ev types.InputEvent) error {
	s.mu.Lock()
	bridge := s.bridge
	s.mu.Unlock()
	if bridge == nil {
		return types.Errorf(types.KindBackendUnavailable, "session.input", "input injection unavailable")
	}
	return bridge.Inject(ctx, ev)
}

// HandleClipboard implements Handler. Every payload from the client is
// tagged remote-origin here.
func (s *Session) HandleClipboard(p types.ClipboardPayload) error {
	s.mu.Lock()
	chans := s.chans
	s.mu.Unlock()
	if chans == nil {
		return nil
	}
	p.Origin = types.OriginRemote
	return chans.ReceiveClipboard(p)
}

// HandleResize implements Handler. The request is queued; the result is
// visible through state events.
func (s *Session) HandleResize(g types.Geometry) error {
	if !g.Valid() {
		return types.Errorf(types.KindProtocolViolation, "session.resize", "invalid geometry %s", g)
	}
	select {
	case s.commands <- command{kind: cmdResize, geometry: g}:
		return nil
	case <-s.done:
		return ErrNoSession
	default:
		return types.Errorf(types.KindResourceExhaustion, "session.resize", "command queue full")
	}
}

// RequestKeyframe implements Handler.
func (s *Session) RequestKeyframe() error {
	select {
	case s.commands <- command{kind: cmdKeyframe}:
		return nil
	case <-s.done:
		return ErrNoSession
	default:
		return types.Errorf(types.KindResourceExhaustion, "session.keyframe", "command queue full")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

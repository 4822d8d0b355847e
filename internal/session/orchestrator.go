package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"rdpbridge/internal/audio"
	"rdpbridge/internal/capture"
	"rdpbridge/internal/channels"
	"rdpbridge/internal/config"
	"rdpbridge/internal/encode"
	"rdpbridge/internal/input"
	"rdpbridge/internal/types"
)

// Options wires the orchestrator to its backends.
type Options struct {
	Config *config.Store
	// Capture is the base adapter. Each session derives its own from it
	// with the capture settings of its config snapshot.
	Capture *capture.Adapter
	// CaptureBackends, when set, picks the capture backends for a
	// session's config snapshot.
	CaptureBackends func(*config.Config) []capture.Backend
	Encoders        *encode.Registry
	// InputSink opens the injection backend for a new session. nil or an
	// error leaves sessions view-only.
	InputSink func() (input.Sink, error)
	Clipboard channels.ClipboardBackend
	Audio     audio.Backend
	// AudioBackend, when set, picks the audio backend for a session's
	// config snapshot instead of Audio.
	AudioBackend func(*config.Config) audio.Backend
	// Level, when set, follows log.level across reloads.
	Level  *slog.LevelVar
	Logger *slog.Logger
}

// Event reports one session state change.
type Event struct {
	Session string    `json:"session" cbor:"session"`
	State   State     `json:"state" cbor:"state"`
	Time    time.Time `json:"time" cbor:"time"`
	Reason  string    `json:"reason,omitempty" cbor:"reason,omitempty"`
}

// Server-level status values.
const (
	StatusRunning = "running"
	StatusError   = "error"
	StatusStopped = "stopped"
)

// Status is the externally visible view of the orchestrator.
type Status struct {
	Status    string    `json:"status" cbor:"status"`
	State     State     `json:"state" cbor:"state"`
	Error     string    `json:"error,omitempty" cbor:"error,omitempty"`
	Started   time.Time `json:"started" cbor:"started"`
	Session   *Info     `json:"session,omitempty" cbor:"session,omitempty"`
	Stats     *Stats    `json:"stats,omitempty" cbor:"stats,omitempty"`
	Encoders  []string  `json:"encoders" cbor:"encoders"`
	Served    uint64    `json:"sessions_served" cbor:"sessions_served"`
	Refused   uint64    `json:"sessions_refused" cbor:"sessions_refused"`
	LastError *Info     `json:"last_failed_session,omitempty" cbor:"last_failed_session,omitempty"`
}

// Orchestrator admits at most one client at a time and owns the life of
// its session.
type Orchestrator struct {
	opts    Options
	logger  *slog.Logger
	started time.Time

	// gate holds one token while a session exists, from admission until
	// its teardown has finished.
	gate chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}

	mu       sync.Mutex
	current  *Session
	lastErr  error
	lastInfo *Info
	served   uint64
	refused  uint64

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Encoders == nil {
		opts.Encoders = encode.NewRegistry()
	}
	if opts.Capture == nil {
		opts.Capture = capture.NewAdapter(capture.Options{Logger: logger})
	}
	return &Orchestrator{
		opts:    opts,
		logger:  logger.With("component", "session"),
		started: time.Now(),
		gate:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		subs:    make(map[int]chan Event),
	}
}

// adapterFor derives the capture adapter for a session running under cfg.
func (o *Orchestrator) adapterFor(cfg *config.Config) *capture.Adapter {
	var backends []capture.Backend
	if o.opts.CaptureBackends != nil {
		backends = o.opts.CaptureBackends(cfg)
	}
	return o.opts.Capture.With(capture.Settings{
		Backends:     backends,
		Static:       cfg.StaticDisplay,
		MultiMonitor: cfg.Capture.MultiMonitor,
		Capacity:     cfg.Capture.ChannelCapacity,
	})
}

func (o *Orchestrator) audioFor(cfg *config.Config) audio.Backend {
	if o.opts.AudioBackend != nil {
		return o.opts.AudioBackend(cfg)
	}
	return o.opts.Audio
}

// Busy reports whether a session currently holds the admission slot.
// Transports use it to refuse a second client before reading its request.
func (o *Orchestrator) Busy() bool { return len(o.gate) > 0 }

// Connect admits client and drives hs through authentication and
// negotiation. It returns ErrBusy, without touching any resource, while
// another session exists. On success the session is Active and its loop
// runs until the client leaves or Stop is called.
func (o *Orchestrator) Connect(ctx context.Context, client string, hs Handshake) (*Session, error) {
	select {
	case <-o.stopped:
		return nil, ErrStopped
	default:
	}
	select {
	case o.gate <- struct{}{}:
	default:
		o.mu.Lock()
		o.refused++
		o.mu.Unlock()
		o.logger.Info("refusing client, session in progress", "client", client)
		return nil, ErrBusy
	}

	cfg := o.opts.Config.Load()
	id := uuid.NewString()
	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:       id,
		Client:   client,
		Created:  time.Now(),
		o:        o,
		logger:   o.logger.With("session", id, "client", client),
		cfg:      cfg,
		capture:  o.adapterFor(cfg),
		audio:    o.audioFor(cfg),
		ctx:      sctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
		commands: make(chan command, 8),
		done:     make(chan struct{}),
		info:     Info{ID: id, Client: client, CreatedAt: time.Now()},
	}

	o.mu.Lock()
	o.current = s
	o.served++
	o.mu.Unlock()

	// A Stop that raced with admission still has to see this session.
	select {
	case <-o.stopped:
		s.requestStop()
	default:
	}

	if err := s.handshake(ctx, hs); err != nil {
		s.close(err)
		return nil, err
	}

	select {
	case <-s.stopCh:
		s.close(nil)
		return nil, ErrStopped
	default:
	}

	s.peer.Attach(s)
	if err := s.transition(Active, nil); err != nil {
		s.close(err)
		return nil, err
	}
	o.mu.Lock()
	o.lastErr, o.lastInfo = nil, nil
	o.mu.Unlock()

	go s.loop()
	return s, nil
}

// handshake runs Connecting through Negotiating and starts the session's
// components. The handshake is abandoned when ctx ends or Stop is called.
func (s *Session) handshake(ctx context.Context, hs Handshake) error {
	hctx, hcancel := context.WithCancel(s.ctx)
	defer hcancel()
	stopWatch := context.AfterFunc(ctx, hcancel)
	defer stopWatch()
	go func() {
		select {
		case <-s.stopCh:
			hcancel()
		case <-hctx.Done():
		}
	}()

	if err := s.transition(Connecting, nil); err != nil {
		return err
	}
	if err := s.transition(Authenticating, nil); err != nil {
		return err
	}
	if err := hs.Authenticate(hctx); err != nil {
		if types.KindOf(err) == types.KindUnknown {
			err = types.NewError(types.KindAuthFailure, "session.authenticate", err)
		}
		return err
	}
	if err := s.transition(Negotiating, nil); err != nil {
		return err
	}
	peer, caps, err := hs.Negotiate(hctx)
	if err != nil {
		if types.KindOf(err) == types.KindUnknown {
			err = types.NewError(types.KindProtocolViolation, "session.negotiate", err)
		}
		return err
	}
	s.peer, s.caps = peer, caps
	if !caps.Geometry.IsZero() && !caps.Geometry.Valid() {
		return types.Errorf(types.KindProtocolViolation, "session.negotiate", "invalid geometry %s", caps.Geometry)
	}
	if err := hctx.Err(); err != nil {
		return fmt.Errorf("negotiation abandoned: %w", err)
	}
	return s.start()
}

// release frees the admission slot once s has been torn down.
func (o *Orchestrator) release(s *Session, reason error) {
	o.mu.Lock()
	if o.current == s {
		o.current = nil
	}
	switch types.KindOf(reason) {
	case types.KindResourceExhaustion, types.KindBackendUnavailable:
		info := s.Info()
		o.lastErr, o.lastInfo = reason, &info
	}
	o.mu.Unlock()
	<-o.gate
}

// Current returns the session holding the admission slot, if any.
func (o *Orchestrator) Current() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Session returns the current session if its ID matches.
func (o *Orchestrator) Session(id string) (*Session, bool) {
	s := o.Current()
	if s == nil || s.ID != id {
		return nil, false
	}
	return s, true
}

// State is the current session's state, or Idle.
func (o *Orchestrator) State() State {
	if s := o.Current(); s != nil {
		return s.State()
	}
	return Idle
}

// Snapshot returns the current status.
func (o *Orchestrator) Snapshot() Status {
	st := Status{
		Status:   StatusRunning,
		State:    Idle,
		Started:  o.started,
		Encoders: o.opts.Encoders.Names(),
	}
	select {
	case <-o.stopped:
		st.Status = StatusStopped
	default:
	}

	o.mu.Lock()
	s := o.current
	st.Served, st.Refused = o.served, o.refused
	if o.lastErr != nil && st.Status == StatusRunning {
		st.Status = StatusError
		st.Error = o.lastErr.Error()
		st.LastError = o.lastInfo
	}
	o.mu.Unlock()

	if s != nil {
		info := s.Info()
		stats := s.Stats()
		st.State = info.State
		st.Session = &info
		st.Stats = &stats
	}
	return st
}

// Subscribe returns a channel of state events. Events are dropped for a
// subscriber whose buffer is full. cancel unsubscribes and closes the
// channel.
func (o *Orchestrator) Subscribe(buf int) (<-chan Event, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Event, buf)
	o.subMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subMu.Lock()
			delete(o.subs, id)
			o.subMu.Unlock()
			close(ch)
		})
	}
}

func (o *Orchestrator) publish(ev Event) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Reload validates next and makes it the active configuration. The hot
// fields reach a running session immediately; everything else applies to
// the next session. A successful reload clears a persisted error status.
func (o *Orchestrator) Reload(ctx context.Context, next *config.Config) (config.ReloadResult, error) {
	select {
	case <-o.stopped:
		return config.ReloadResult{}, ErrStopped
	default:
	}
	result, err := o.opts.Config.Reload(next)
	if err != nil {
		return result, types.NewError(types.KindProtocolViolation, "session.reload", err)
	}
	if o.opts.Level != nil {
		var level slog.Level
		if err := level.UnmarshalText([]byte(next.Log.Level)); err == nil {
			o.opts.Level.Set(level)
		}
	}
	o.mu.Lock()
	o.lastErr, o.lastInfo = nil, nil
	s := o.current
	o.mu.Unlock()

	o.logger.Info("configuration reloaded", "applied", result.Applied, "deferred", result.Deferred, "restart", result.Restart)
	if s == nil || len(result.Applied) == 0 {
		return result, nil
	}
	cfg := o.opts.Config.Load()
	err = s.send(ctx, command{kind: cmdReload, cfg: cfg, reply: make(chan error, 1)})
	if errors.Is(err, ErrNoSession) {
		err = nil
	}
	return result, err
}

// Resize asks the current session to change geometry and waits until it is
// Active again at the new size.
func (o *Orchestrator) Resize(ctx context.Context, g types.Geometry) error {
	if !g.Valid() {
		return types.Errorf(types.KindProtocolViolation, "session.resize", "invalid geometry %s", g)
	}
	s := o.Current()
	if s == nil || s.State() < Active {
		return ErrNoSession
	}
	return s.send(ctx, command{kind: cmdResize, geometry: g, reply: make(chan error, 1)})
}

// Stopped is closed once Stop has been called.
func (o *Orchestrator) Stopped() <-chan struct{} { return o.stopped }

// Stop refuses new clients and closes the current session. The session gets
// control.stop_grace to tear down on its own; after that its in-flight
// work is cancelled. Stop returns when the session is Idle or ctx ends.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stopOnce.Do(func() {
		close(o.stopped)
		o.logger.Info("stopping")
	})

	s := o.Current()
	if s == nil {
		return nil
	}
	s.requestStop()

	grace := o.opts.Config.Load().Control.StopGrace.Duration()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	o.logger.Warn("session did not stop within grace period, forcing", "grace", grace.String())
	s.cancel()
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

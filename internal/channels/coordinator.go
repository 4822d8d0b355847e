// Package channels runs the auxiliary sub-flows of a session: clipboard
// synchronisation and desktop audio. Each flow is optional and can be turned
// on or off while the session runs without touching the other.
package channels

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"rdpbridge/internal/audio"
	"rdpbridge/internal/types"
)

// Enabled is the set of running sub-flows.
type Enabled struct {
	Clipboard bool
	Audio     bool
}

// Endpoints are the client-side ends of the sub-flows, provided by the peer.
type Endpoints struct {
	Clipboard ClipboardSender
	Audio     AudioSender
	// AudioFormats lists the formats the client accepts, most preferred
	// first. Empty accepts the configured format.
	AudioFormats []types.AudioFormat
}

// Options configures a Coordinator.
type Options struct {
	Clipboard     ClipboardBackend
	ClipboardPoll time.Duration

	Audio           audio.Backend
	AudioFormat     types.AudioFormat
	AudioQueueDepth int

	Logger *slog.Logger
}

// Stats aggregates both sub-flows.
type Stats struct {
	Clipboard ClipboardStats
	Audio     AudioStats
}

// Coordinator owns the sub-flows of one session.
type Coordinator struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	ctx       context.Context
	endpoints Endpoints
	clipboard *Clipboard
	audio     *Audio
	stopped   bool

	// Totals of flows stopped by a hot disable.
	past Stats
}

func NewCoordinator(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{opts: opts, logger: logger.With("component", "channels")}
}

// Start launches the enabled sub-flows. A sub-flow that cannot start is
// logged and left off; the session continues without it.
func (c *Coordinator) Start(ctx context.Context, ep Endpoints, want Enabled) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.ctx = ctx
	c.endpoints = ep
	c.applyLocked(want)
}

// SetEnabled starts or stops sub-flows to match want.
func (c *Coordinator) SetEnabled(want Enabled) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil || c.stopped {
		return
	}
	c.applyLocked(want)
}

func (c *Coordinator) applyLocked(want Enabled) {
	switch {
	case want.Clipboard && c.clipboard == nil:
		if err := c.startClipboardLocked(); err != nil {
			c.logger.Warn("clipboard disabled for this session", "error", err)
		}
	case !want.Clipboard && c.clipboard != nil:
		c.stopClipboardLocked()
	}
	switch {
	case want.Audio && c.audio == nil:
		if err := c.startAudioLocked(); err != nil {
			c.logger.Warn("audio disabled for this session", "error", err)
		}
	case !want.Audio && c.audio != nil:
		if err := c.stopAudioLocked(); err != nil {
			c.logger.Warn("stopping audio", "error", err)
		}
	}
}

func (c *Coordinator) startClipboardLocked() error {
	if c.opts.Clipboard == nil {
		return types.Errorf(types.KindBackendUnavailable, "channels.clipboard", "no desktop clipboard")
	}
	if c.endpoints.Clipboard == nil {
		return types.Errorf(types.KindProtocolViolation, "channels.clipboard", "client has no clipboard channel")
	}
	c.clipboard = newClipboard(c.opts.Clipboard, c.endpoints.Clipboard, c.opts.ClipboardPoll, c.logger)
	c.clipboard.start(c.ctx)
	c.logger.Info("clipboard started")
	return nil
}

func (c *Coordinator) startAudioLocked() error {
	if c.opts.Audio == nil {
		return types.Errorf(types.KindBackendUnavailable, "channels.audio", "no audio backend")
	}
	if c.endpoints.Audio == nil {
		return types.Errorf(types.KindProtocolViolation, "channels.audio", "client has no audio channel")
	}
	format, err := Negotiate(c.opts.AudioFormat, c.endpoints.AudioFormats)
	if err != nil {
		return err
	}
	a, err := openAudio(c.ctx, c.opts.Audio, format, c.endpoints.Audio, c.opts.AudioQueueDepth, c.logger)
	if err != nil {
		return err
	}
	c.audio = a
	a.start(c.ctx)
	return nil
}

func (c *Coordinator) stopClipboardLocked() {
	c.clipboard.stop()
	s := c.clipboard.Stats()
	c.past.Clipboard.Sent += s.Sent
	c.past.Clipboard.Received += s.Received
	c.past.Clipboard.Suppressed += s.Suppressed
	c.clipboard = nil
	c.logger.Info("clipboard stopped")
}

func (c *Coordinator) stopAudioLocked() error {
	err := c.audio.stop()
	s := c.audio.Stats()
	c.past.Audio.Captured += s.Captured
	c.past.Audio.Delivered += s.Delivered
	c.past.Audio.Dropped += s.Dropped
	c.past.Audio.Failed += s.Failed
	c.audio = nil
	return err
}

// Enabled reports which sub-flows are running.
func (c *Coordinator) Enabled() Enabled {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Enabled{Clipboard: c.clipboard != nil, Audio: c.audio != nil}
}

// AudioFormat returns the negotiated audio format, if audio is running.
func (c *Coordinator) AudioFormat() (types.AudioFormat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audio == nil {
		return types.AudioFormat{}, false
	}
	return c.audio.Format(), true
}

// ReceiveClipboard applies a client payload. Payloads arriving while the
// clipboard flow is off are discarded.
func (c *Coordinator) ReceiveClipboard(p types.ClipboardPayload) error {
	c.mu.Lock()
	cb := c.clipboard
	c.mu.Unlock()
	if cb == nil {
		c.logger.Debug("clipboard payload discarded, channel disabled")
		return nil
	}
	return cb.Receive(p)
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.past
	if c.clipboard != nil {
		cs := c.clipboard.Stats()
		s.Clipboard.Sent += cs.Sent
		s.Clipboard.Received += cs.Received
		s.Clipboard.Suppressed += cs.Suppressed
	}
	if c.audio != nil {
		as := c.audio.Stats()
		s.Audio.Captured += as.Captured
		s.Audio.Delivered += as.Delivered
		s.Audio.Dropped += as.Dropped
		s.Audio.Failed += as.Failed
	}
	return s
}

// Stop ends every sub-flow. Further calls do nothing.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true
	var errs []error
	if c.audio != nil {
		errs = append(errs, c.stopAudioLocked())
	}
	if c.clipboard != nil {
		c.stopClipboardLocked()
	}
	return errors.Join(errs...)
}

// Package input delivers client input events to the local desktop through an
// injection sink, one event at a time and in arrival order.
package input

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"image"
	"math"
	"sync"
	"sync/atomic"

	"rdpbridge/internal/types"
)

// ErrClosed is returned by Inject after Close.
var ErrClosed = errors.New("input: bridge closed")

// Sink injects synthetic events into the desktop. Calls are made from a
// single goroutine.
type Sink interface {
	Pointer(x, y int, relative bool) error
	Button(button string, pressed bool) error
	Wheel(dx, dy int) error
	Key(key string, pressed bool) error
	Close() error
}

// Pixels of accumulated wheel delta per emitted scroll step.
const wheelStep = 40.0

// Touch phases carried in InputEvent.Code for InputTouch events.
const (
	TouchStart  = "start"
	TouchMove   = "move"
	TouchEnd    = "end"
	TouchCancel = "cancel"
)

// Options configures a Bridge.
type Options struct {
	// FailureThreshold is the number of consecutive sink failures after
	// which the bridge reports itself lost.
	FailureThreshold int
	// QueueDepth bounds events accepted but not yet injected.
	QueueDepth int
	Logger     *slog.Logger
}

// Stats counts events by outcome.
type Stats struct {
	Injected    uint64
	Failed      uint64
	Unsupported uint64
	Ignored     uint64
}

// State is the bridge's view of the keyboard.
type State struct {
	Modifiers Modifier
	Locks     types.LockState
}

// Bridge serialises client input onto a Sink.
type Bridge struct {
	sink      Sink
	logger    *slog.Logger
	threshold int

	events chan types.InputEvent
	quit   chan struct{}
	done   chan struct{}
	lost   chan struct{}

	lostErr   error
	closeOnce sync.Once
	closeErr  error

	bounds atomic.Pointer[types.Geometry]
	origin atomic.Pointer[func() image.Point]

	mu    sync.Mutex
	state State

	// Owned by the writer goroutine until done is closed.
	heldKeys       map[string]bool
	heldButtons    map[string]bool
	wheelX, wheelY float64
	failures       int
	announced      map[types.InputKind]bool

	injected    atomic.Uint64
	failed      atomic.Uint64
	unsupported atomic.Uint64
	ignored     atomic.Uint64
}

// NewBridge starts the writer goroutine for sink.
func NewBridge(sink Sink, opts Options) *Bridge {
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 5
	}
	if opts.QueueDepth < 1 {
		opts.QueueDepth = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		sink:        sink,
		logger:      logger.With("component", "input"),
		threshold:   opts.FailureThreshold,
		events:      make(chan types.InputEvent, opts.QueueDepth),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		lost:        make(chan struct{}),
		heldKeys:    make(map[string]bool),
		heldButtons: make(map[string]bool),
		announced:   make(map[types.InputKind]bool),
	}
	go b.run()
	return b
}

// SetBounds clamps subsequent absolute pointer positions to g. A zero
// geometry disables clamping.
func (b *Bridge) SetBounds(g types.Geometry) {
	b.bounds.Store(&g)
}

// SetOrigin makes absolute pointer positions relative to origin(), the
// desktop position of the canvas top-left corner. It is read per event
// because the monitor layout can move under a fixed canvas size.
func (b *Bridge) SetOrigin(origin func() image.Point) {
	b.origin.Store(&origin)
}

// Inject queues ev for delivery. It blocks while the queue is full, so input
// is never dropped, and returns once the event is accepted.
func (b *Bridge) Inject(ctx context.Context, ev types.InputEvent) error {
	if !knownKind(ev.Kind) {
		b.ignored.Add(1)
		return types.Errorf(types.KindProtocolViolation, "input.inject", "unknown event type %q", ev.Kind)
	}
	select {
	case <-b.quit:
		return ErrClosed
	case <-b.lost:
		return b.lostErr
	default:
	}
	select {
	case b.events <- ev:
		return nil
	case <-b.quit:
		return ErrClosed
	case <-b.lost:
		return b.lostErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lost is closed once the sink has failed FailureThreshold times in a row.
func (b *Bridge) Lost() <-chan struct{} { return b.lost }

// Err returns the failure that closed Lost, or nil.
func (b *Bridge) Err() error {
	select {
	case <-b.lost:
		return b.lostErr
	default:
		return nil
	}
}

// State returns the current modifier and lock-key state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) Stats() Stats {
	return Stats{
		Injected:    b.injected.Load(),
		Failed:      b.failed.Load(),
		Unsupported: b.unsupported.Load(),
		Ignored:     b.ignored.Load(),
	}
}

// Close stops the writer, releases every key and button the client left
// pressed, and closes the sink. Only the first call does any work.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.quit)
		<-b.done
		b.releaseHeld()
		b.closeErr = b.sink.Close()
	})
	return b.closeErr
}

func (b *Bridge) run() {
	defer close(b.done)
	for {
		select {
		case <-b.quit:
			return
		case ev := <-b.events:
			err := b.apply(ev)
			if err == nil {
				b.failures = 0
				continue
			}
			b.failures++
			b.failed.Add(1)
			b.logger.Warn("input injection failed", "type", ev.Kind, "consecutive", b.failures, "error", err)
			if b.failures >= b.threshold {
				b.lostErr = types.NewError(types.KindBackendUnavailable, "input.inject",
					fmt.Errorf("%d consecutive failures: %w", b.failures, err))
				b.logger.Error("input sink lost", "error", err)
				close(b.lost)
				return
			}
		}
	}
}

func (b *Bridge) apply(ev types.InputEvent) error {
	switch ev.Kind {
	case types.InputPointerMove:
		return b.count(b.pointer(ev))

	case types.InputButtonDown, types.InputButtonUp:
		name, ok := buttonName(ev.Button)
		if !ok {
			b.ignore("unmapped button", "button", ev.Button)
			return nil
		}
		return b.count(b.button(name, ev.Pressed()))

	case types.InputWheel:
		// Accumulate pixel deltas and emit whole steps; trackpads send many
		// small deltas.
		b.wheelX += ev.DX
		b.wheelY += ev.DY
		sx := int(b.wheelX / wheelStep)
		sy := int(b.wheelY / wheelStep)
		if sx == 0 && sy == 0 {
			return nil
		}
		b.wheelX -= float64(sx) * wheelStep
		b.wheelY -= float64(sy) * wheelStep
		// Positive DOM deltaY scrolls down.
		return b.count(b.sink.Wheel(sx, -sy))

	case types.InputKeyDown, types.InputKeyUp:
		name, ok := KeyName(ev.Code, ev.Key)
		if !ok {
			b.ignore("unmapped key", "code", ev.Code, "key", ev.Key)
			return nil
		}
		return b.count(b.key(name, ev.Pressed()))

	case types.InputTouch:
		return b.count(b.touch(ev))

	case types.InputSync:
		b.unsupported.Add(1)
		if ev.Locks != nil {
			b.mu.Lock()
			if b.state.Locks != *ev.Locks {
				b.logger.Debug("lock state resynchronised", "caps", ev.Locks.Caps, "num", ev.Locks.Num, "scroll", ev.Locks.Scroll)
			}
			b.state.Locks = *ev.Locks
			b.mu.Unlock()
		}
		b.announce(ev.Kind, "lock state recorded, not forwarded to the desktop")
		return nil

	case types.InputUnicode, types.InputIME:
		b.unsupported.Add(1)
		b.announce(ev.Kind, "event type not supported by the injection sink")
		return nil
	}
	return nil
}

func (b *Bridge) count(err error) error {
	if err == nil {
		b.injected.Add(1)
	}
	return err
}

func (b *Bridge) ignore(msg string, args ...any) {
	b.ignored.Add(1)
	b.logger.Debug(msg, args...)
}

// announce logs the first occurrence of an unsupported kind at info and the
// rest at debug.
func (b *Bridge) announce(kind types.InputKind, msg string) {
	if b.announced[kind] {
		b.logger.Debug(msg, "type", kind)
		return
	}
	b.announced[kind] = true
	b.logger.Info(msg, "type", kind)
}

func (b *Bridge) pointer(ev types.InputEvent) error {
	if ev.Relative {
		return b.sink.Pointer(int(math.Round(ev.DX)), int(math.Round(ev.DY)), true)
	}
	x, y := b.clamp(ev.X, ev.Y)
	return b.sink.Pointer(x, y, false)
}

func (b *Bridge) clamp(fx, fy float64) (int, int) {
	x, y := int(math.Round(fx)), int(math.Round(fy))
	x, y = max(x, 0), max(y, 0)
	if g := b.bounds.Load(); g != nil && !g.IsZero() {
		x, y = min(x, g.Width-1), min(y, g.Height-1)
	}
	if origin := b.origin.Load(); origin != nil && *origin != nil {
		p := (*origin)()
		x, y = x+p.X, y+p.Y
	}
	return x, y
}

func (b *Bridge) button(name string, pressed bool) error {
	if err := b.sink.Button(name, pressed); err != nil {
		return err
	}
	if pressed {
		b.heldButtons[name] = true
	} else {
		delete(b.heldButtons, name)
	}
	return nil
}

func (b *Bridge) key(name string, pressed bool) error {
	if err := b.sink.Key(name, pressed); err != nil {
		return err
	}
	mod, isMod := modifierKeys[name]
	if pressed {
		b.heldKeys[name] = true
	} else {
		delete(b.heldKeys, name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if isMod {
		b.state.Modifiers &^= mod
		for k := range b.heldKeys {
			b.state.Modifiers |= modifierKeys[k]
		}
	}
	if pressed && lockKeys[name] {
		switch name {
		case "capslock":
			b.state.Locks.Caps = !b.state.Locks.Caps
		case "num_lock":
			b.state.Locks.Num = !b.state.Locks.Num
		case "scroll_lock":
			b.state.Locks.Scroll = !b.state.Locks.Scroll
		}
	}
	return nil
}

// touch maps a single touch point onto the primary button.
func (b *Bridge) touch(ev types.InputEvent) error {
	x, y := b.clamp(ev.X, ev.Y)
	if err := b.sink.Pointer(x, y, false); err != nil {
		return err
	}
	switch ev.Code {
	case TouchStart:
		return b.button("left", true)
	case TouchEnd, TouchCancel:
		if b.heldButtons["left"] {
			return b.button("left", false)
		}
	}
	return nil
}

func (b *Bridge) releaseHeld() {
	for name := range b.heldKeys {
		if err := b.sink.Key(name, false); err != nil {
			b.logger.Warn("releasing key", "key", name, "error", err)
		}
		delete(b.heldKeys, name)
	}
	for name := range b.heldButtons {
		if err := b.sink.Button(name, false); err != nil {
			b.logger.Warn("releasing button", "button", name, "error", err)
		}
		delete(b.heldButtons, name)
	}
	b.mu.Lock()
	b.state.Modifiers = 0
	b.mu.Unlock()
}

// buttonName maps DOM MouseEvent.button to a sink button.
func buttonName(button int) (string, bool) {
	switch button {
	case 0:
		return "left", true
	case 1:
		return "center", true
	case 2:
		return "right", true
	}
	return "", false
}

func knownKind(k types.InputKind) bool {
	switch k {
	case types.InputKeyDown, types.InputKeyUp, types.InputPointerMove,
		types.InputButtonDown, types.InputButtonUp, types.InputWheel,
		types.InputTouch, types.InputUnicode, types.InputIME, types.InputSync:
		return true
	}
	return false
}

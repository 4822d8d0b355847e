package channels

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"rdpbridge/internal/types"
)

// ClipboardBackend is the desktop clipboard.
type ClipboardBackend interface {
	ReadText() (string, error)
	WriteText(text string) error
}

// ClipboardSender announces local clipboard changes to the client.
type ClipboardSender interface {
	SendClipboard(p types.ClipboardPayload) error
}

// ClipboardStats counts transfers in both directions.
type ClipboardStats struct {
	Sent       uint64
	Received   uint64
	Suppressed uint64
}

type digest [32]byte

func digestOf(text string) digest { return blake3.Sum256([]byte(text)) }

// Clipboard synchronises text between the desktop and the client. The
// desktop is polled; remote payloads are written through immediately. The
// last write on either side wins.
type Clipboard struct {
	local  ClipboardBackend
	remote ClipboardSender
	poll   time.Duration
	logger *slog.Logger

	mu sync.Mutex
	// seen is the last content observed on (or written to) the desktop.
	seen     digest
	haveSeen bool
	// applied is the last remote payload written to the desktop; a local
	// change matching it is an echo and is not announced back.
	applied     digest
	haveApplied bool

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	sent       atomic.Uint64
	received   atomic.Uint64
	suppressed atomic.Uint64
}

func newClipboard(local ClipboardBackend, remote ClipboardSender, poll time.Duration, logger *slog.Logger) *Clipboard {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &Clipboard{
		local:  local,
		remote: remote,
		poll:   poll,
		logger: logger.With("channel", "clipboard"),
		done:   make(chan struct{}),
	}
}

// start records the current desktop content as the baseline and begins
// polling. Content present before the session is not announced.
func (c *Clipboard) start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	if text, err := c.local.ReadText(); err == nil {
		c.mu.Lock()
		c.seen, c.haveSeen = digestOf(text), true
		c.mu.Unlock()
	} else {
		c.logger.Debug("reading initial clipboard", "error", err)
	}
	go c.run(ctx)
}

func (c *Clipboard) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.check()
		}
	}
}

// check reads the desktop clipboard once and announces a local change.
func (c *Clipboard) check() {
	c.mu.Lock()
	defer c.mu.Unlock()

	text, err := c.local.ReadText()
	if err != nil {
		c.logger.Debug("reading clipboard", "error", err)
		return
	}
	d := digestOf(text)
	if c.haveSeen && d == c.seen {
		return
	}
	c.seen, c.haveSeen = d, true
	if c.haveApplied && d == c.applied {
		c.suppressed.Add(1)
		return
	}
	c.haveApplied = false

	p := types.ClipboardPayload{Text: text, Format: types.FormatTextUTF8, Origin: types.OriginLocal}
	if err := c.remote.SendClipboard(p); err != nil {
		c.logger.Warn("sending clipboard", "error", err)
		return
	}
	c.sent.Add(1)
	c.logger.Debug("clipboard sent", "bytes", len(text))
}

// Receive applies a payload from the client to the desktop.
func (c *Clipboard) Receive(p types.ClipboardPayload) error {
	if p.Format != "" && p.Format != types.FormatTextUTF8 {
		return types.Errorf(types.KindProtocolViolation, "clipboard.receive", "unsupported format %q", p.Format)
	}
	if p.Origin != types.OriginRemote {
		return types.Errorf(types.KindProtocolViolation, "clipboard.receive", "payload is not remote-origin")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.received.Add(1)
	d := digestOf(p.Text)
	if c.haveSeen && d == c.seen {
		return nil
	}
	if err := c.local.WriteText(p.Text); err != nil {
		return err
	}
	c.applied, c.haveApplied = d, true
	c.logger.Debug("clipboard applied", "bytes", len(p.Text))
	return nil
}

func (c *Clipboard) Stats() ClipboardStats {
	return ClipboardStats{
		Sent:       c.sent.Load(),
		Received:   c.received.Load(),
		Suppressed: c.suppressed.Load(),
	}
}

func (c *Clipboard) stop() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
	})
}

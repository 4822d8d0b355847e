package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"rdpbridge/internal/audio"
	"rdpbridge/internal/queue"
	"rdpbridge/internal/types"
)

// AudioSender delivers PCM to the client.
type AudioSender interface {
	SendAudio(chunk *types.AudioChunk) error
}

// AudioStats counts chunks by outcome.
type AudioStats struct {
	Captured  uint64
	Delivered uint64
	Dropped   uint64
	Failed    uint64
}

var opusRates = []int{8000, 12000, 16000, 24000, 48000}

// Negotiate picks the stream format. The configured format wins when the
// client accepts it (or offers nothing); otherwise the first offered format
// the encoder supports is used.
func Negotiate(configured types.AudioFormat, offered []types.AudioFormat) (types.AudioFormat, error) {
	if len(offered) == 0 || slices.Contains(offered, configured) {
		return configured, nil
	}
	for _, f := range offered {
		if slices.Contains(opusRates, f.SampleRate) && (f.Channels == 1 || f.Channels == 2) {
			return f, nil
		}
	}
	return types.AudioFormat{}, types.Errorf(types.KindProtocolViolation, "audio.negotiate",
		"no supported format among %v", offered)
}

// Audio streams desktop PCM to the client through a drop-oldest queue so a
// slow client loses audio rather than accumulating latency.
type Audio struct {
	src    audio.Source
	remote AudioSender
	ring   *queue.Ring[*types.AudioChunk]
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	captured  atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

func openAudio(ctx context.Context, backend audio.Backend, format types.AudioFormat, remote AudioSender, depth int, logger *slog.Logger) (*Audio, error) {
	src, err := backend.Open(ctx, format)
	if err != nil {
		return nil, err
	}
	return &Audio{
		src:    src,
		remote: remote,
		ring:   queue.NewRing[*types.AudioChunk](depth),
		logger: logger.With("channel", "audio", "backend", backend.Name(), "format", format.String()),
	}, nil
}

// Format is the negotiated stream format.
func (a *Audio) Format() types.AudioFormat { return a.src.Format() }

func (a *Audio) start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		err := a.src.Run(ctx, func(c *types.AudioChunk) {
			a.captured.Add(1)
			a.ring.Push(c)
		})
		if err != nil && ctx.Err() == nil {
			a.logger.Warn("audio source stopped", "error", err)
		}
		a.ring.Close()
	}()
	go func() {
		defer a.wg.Done()
		a.send(ctx)
	}()
	a.logger.Info("audio started")
}

func (a *Audio) send(ctx context.Context) {
	for {
		chunk, err := a.ring.Pop(ctx)
		if err != nil {
			return
		}
		if err := a.remote.SendAudio(chunk); err != nil {
			a.failed.Add(1)
			if errors.Is(err, types.ErrTransport) {
				a.logger.Warn("audio delivery failed", "error", err)
				return
			}
			a.logger.Debug("audio chunk not delivered", "seq", chunk.Seq, "error", err)
			continue
		}
		a.delivered.Add(1)
	}
}

func (a *Audio) Stats() AudioStats {
	return AudioStats{
		Captured:  a.captured.Load(),
		Delivered: a.delivered.Load(),
		Dropped:   a.ring.Dropped(),
		Failed:    a.failed.Load(),
	}
}

func (a *Audio) stop() error {
	var err error
	a.once.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.ring.Close()
		a.wg.Wait()
		a.ring.Drain()
		if cerr := a.src.Close(); cerr != nil {
			err = fmt.Errorf("closing audio source: %w", cerr)
		}
		a.logger.Info("audio stopped", "delivered", a.delivered.Load(), "dropped", a.ring.Dropped())
	})
	return err
}

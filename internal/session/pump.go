package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"rdpbridge/internal/capture"
	"rdpbridge/internal/encode"
	"rdpbridge/internal/types"
)

// pumpStats counts one pump's units by outcome.
type pumpStats struct {
	encoded   atomic.Uint64
	skipped   atomic.Uint64
	delivered atomic.Uint64
	stale     atomic.Uint64
}

// errStreamEnded reports that the capture stream stopped on its own.
type errStreamEnded struct{ err error }

func (e errStreamEnded) Error() string { return "capture stream ended: " + e.err.Error() }
func (e errStreamEnded) Unwrap() error { return e.err }

// pump moves frames from one capture stream through one encode stage to the
// peer. It is the only user of the stage. A pump never outlives its stream:
// resizing stops the pump, then replaces both.
type pump struct {
	stream *capture.Stream
	stage  *encode.Stage
	peer   Peer
	logger *slog.Logger
	stats  *pumpStats

	// stop ends the frame loop; the unit being delivered still completes.
	stop context.CancelFunc
	done chan struct{}
	err  error

	bitrate  atomic.Int64
	keyframe atomic.Bool
}

// startPump runs the loop until stopCtx ends. deliverCtx bounds in-flight
// deliveries; cancelling it forces the pump out mid-send.
func startPump(deliverCtx context.Context, stream *capture.Stream, stage *encode.Stage, peer Peer, stats *pumpStats, logger *slog.Logger) *pump {
	stopCtx, stop := context.WithCancel(deliverCtx)
	p := &pump{
		stream: stream,
		stage:  stage,
		peer:   peer,
		logger: logger,
		stats:  stats,
		stop:   stop,
		done:   make(chan struct{}),
	}
	p.bitrate.Store(int64(stage.Params().Bitrate))
	go func() {
		defer close(p.done)
		p.err = p.run(stopCtx, deliverCtx)
	}()
	return p
}

func (p *pump) setBitrate(kbps int) { p.bitrate.Store(int64(kbps)) }

func (p *pump) requestKeyframe() { p.keyframe.Store(true) }

func (p *pump) run(stopCtx, deliverCtx context.Context) error {
	var prev *types.Frame
	streamID := p.stream.ID()
	applied := p.bitrate.Load()

	for {
		frame, err := p.stream.Next(stopCtx)
		if err != nil {
			if stopCtx.Err() != nil {
				return nil
			}
			if serr := p.stream.Err(); serr != nil {
				return errStreamEnded{err: serr}
			}
			return errStreamEnded{err: err}
		}

		if br := p.bitrate.Load(); br != applied {
			if err := p.stage.SetBitrate(int(br)); err != nil {
				p.logger.Warn("applying bitrate", "kbps", br, "error", err)
			}
			applied = br
		}
		if p.keyframe.Swap(false) {
			p.stage.RequestKeyframe()
		}

		unit, err := p.stage.Convert(frame, prev)
		if err != nil {
			if errors.Is(err, encode.ErrOutOfOrder) {
				p.logger.Warn("dropping out-of-order frame", "seq", frame.Seq, "error", err)
				continue
			}
			if nerr := p.stage.Next(err); nerr != nil {
				return nerr
			}
			// The replacement starts from a full refresh.
			prev = nil
			continue
		}
		if frame.Cursor != nil {
			if err := p.peer.SendCursor(frame.Cursor); err != nil {
				p.logger.Debug("cursor update not delivered", "error", err)
			}
		}
		if unit == nil {
			p.stats.skipped.Add(1)
			prev = frame
			continue
		}
		p.stats.encoded.Add(1)
		if unit.Stream != streamID {
			p.stats.stale.Add(1)
			continue
		}
		if err := p.peer.SendVideo(deliverCtx, unit); err != nil {
			if deliverCtx.Err() != nil {
				return nil
			}
			if types.KindOf(err) == types.KindUnknown {
				err = types.NewError(types.KindTransportError, "session.deliver", err)
			}
			return fmt.Errorf("delivering seq %d: %w", unit.Seq, err)
		}
		p.stats.delivered.Add(1)
		prev = frame
	}
}

// Done is closed when the pump has exited; Err is then valid.
func (p *pump) Done() <-chan struct{} { return p.done }

func (p *pump) Err() error {
	<-p.done
	return p.err
}

// halt stops the pump and waits for it to exit. The returned error is the
// pump's own failure, if it had already failed.
func (p *pump) halt() error {
	p.stop()
	<-p.done
	return p.err
}

package audio

import (
	"fmt"
	"time"

	"github.com/hraban/opus"

	"rdpbridge/internal/types"
)

// Packet is one encoded Opus frame.
type Packet struct {
	Data     []byte
	Duration time.Duration
}

// OpusEncoder re-frames PCM chunks into 20 ms Opus packets.
type OpusEncoder struct {
	enc     *opus.Encoder
	format  types.AudioFormat
	frame   int
	pending []int16
	buf     []byte
}

func NewOpusEncoder(format types.AudioFormat) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(format.SampleRate, format.Channels, opus.AppAudio)
	if err != nil {
		return nil, types.NewError(types.KindBackendUnavailable, "audio.opus", err)
	}
	return &OpusEncoder{
		enc:    enc,
		format: format,
		frame:  FrameSamples(format),
		buf:    make([]byte, 4000),
	}, nil
}

// SetBitrate sets the target bitrate in bits per second.
func (e *OpusEncoder) SetBitrate(bps int) error {
	return e.enc.SetBitrate(bps)
}

// Encode consumes chunk and returns the packets completed by it. Samples
// that do not fill a packet are kept for the next call.
func (e *OpusEncoder) Encode(chunk *types.AudioChunk) ([]Packet, error) {
	if chunk.SampleRate != e.format.SampleRate || chunk.Channels != e.format.Channels {
		return nil, types.Errorf(types.KindProtocolViolation, "audio.opus",
			"chunk format %dHz/%dch does not match encoder %s", chunk.SampleRate, chunk.Channels, e.format)
	}
	e.pending = append(e.pending, chunk.PCM...)

	var out []Packet
	for len(e.pending) >= e.frame {
		n, err := e.enc.Encode(e.pending[:e.frame], e.buf)
		if err != nil {
			return out, fmt.Errorf("opus encode: %w", err)
		}
		out = append(out, Packet{
			Data:     append([]byte(nil), e.buf[:n]...),
			Duration: FrameDurationMS * time.Millisecond,
		})
		e.pending = e.pending[e.frame:]
	}
	if len(e.pending) == 0 {
		e.pending = nil
	}
	return out, nil
}

// Reset discards buffered samples, used after the sender dropped chunks.
func (e *OpusEncoder) Reset() {
	e.pending = nil
}

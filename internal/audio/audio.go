// Package audio captures desktop PCM and encodes it to Opus for the client.
package audio

import (
	"context"
	"encoding/binary"
	"sync"

	"rdpbridge/internal/types"
)

// FrameDurationMS is the length of one Opus packet and of the chunks sources
// try to produce.
const FrameDurationMS = 20

// Source produces interleaved S16LE PCM in one fixed format.
type Source interface {
	Name() string
	Format() types.AudioFormat
	// Run delivers chunks until ctx ends or the source fails. deliver must
	// not block.
	Run(ctx context.Context, deliver func(*types.AudioChunk)) error
	Close() error
}

// Backend opens a Source for a negotiated format.
type Backend interface {
	Name() string
	Open(ctx context.Context, format types.AudioFormat) (Source, error)
}

// FrameSamples returns the interleaved sample count of one packet.
func FrameSamples(f types.AudioFormat) int {
	return f.SampleRate * FrameDurationMS / 1000 * f.Channels
}

// pcmCollector buffers little-endian samples written by a capture callback
// until a full frame can be drained.
type pcmCollector struct {
	mu  sync.Mutex
	buf []int16
	odd []byte
	// limit bounds buf so a stalled consumer cannot grow it without end.
	limit int
	// channels keeps trimming on whole interleaved frames.
	channels int
	format   byte
}

// Format implements pulse.Writer.
func (p *pcmCollector) Format() byte { return p.format }

func (p *pcmCollector) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(data)
	if len(p.odd) > 0 {
		data = append(p.odd, data...)
		p.odd = nil
	}
	samples := len(data) / 2
	for i := range samples {
		p.buf = append(p.buf, int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	if len(data)%2 == 1 {
		p.odd = []byte{data[len(data)-1]}
	}
	if p.limit > 0 && len(p.buf) > p.limit {
		excess := len(p.buf) - p.limit
		if ch := max(p.channels, 1); excess%ch != 0 {
			excess += ch - excess%ch
		}
		p.buf = p.buf[min(excess, len(p.buf)):]
	}
	return n, nil
}

// drain returns exactly count samples, or nil if fewer are buffered.
func (p *pcmCollector) drain(count int) []int16 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buf) < count {
		return nil
	}
	out := make([]int16, count)
	copy(out, p.buf[:count])
	p.buf = p.buf[count:]
	return out
}

// DecodePCM converts S16LE bytes to samples. A trailing odd byte is ignored.
func DecodePCM(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// EncodePCM converts samples to S16LE bytes.
func EncodePCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

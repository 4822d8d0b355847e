package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"

	"rdpbridge/internal/types"
)

// PulseBackend records the monitor of the default PulseAudio (or PipeWire
// pulse) sink.
type PulseBackend struct {
	Logger *slog.Logger
}

func (PulseBackend) Name() string { return "pulse" }

func (b PulseBackend) Open(ctx context.Context, format types.AudioFormat) (Source, error) {
	client, err := pulse.NewClient(pulse.ClientApplicationName("rdpbridge"))
	if err != nil {
		return nil, types.NewError(types.KindBackendUnavailable, "audio.open pulse", err)
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &pulseSource{
		client: client,
		format: format,
		logger: logger.With("component", "audio", "backend", "pulse"),
	}, nil
}

type pulseSource struct {
	client *pulse.Client
	format types.AudioFormat
	logger *slog.Logger

	mu     sync.Mutex
	stream *pulse.RecordStream
	once   sync.Once
}

func (s *pulseSource) Name() string              { return "pulse" }
func (s *pulseSource) Format() types.AudioFormat { return s.format }

func (s *pulseSource) Run(ctx context.Context, deliver func(*types.AudioChunk)) error {
	frame := FrameSamples(s.format)
	collector := &pcmCollector{limit: frame * 10, channels: s.format.Channels, format: proto.FormatInt16LE}

	sink, err := s.client.DefaultSink()
	if err != nil {
		return types.NewError(types.KindBackendUnavailable, "audio.run pulse", fmt.Errorf("default sink: %w", err))
	}

	opts := []pulse.RecordOption{
		pulse.RecordMonitor(sink),
		pulse.RecordSampleRate(s.format.SampleRate),
		pulse.RecordBufferFragmentSize(uint32(frame * 2)),
	}
	if s.format.Channels == 1 {
		opts = append(opts, pulse.RecordMono)
	} else {
		opts = append(opts, pulse.RecordStereo)
	}
	stream, err := s.client.NewRecord(collector, opts...)
	if err != nil {
		return types.NewError(types.KindBackendUnavailable, "audio.run pulse", fmt.Errorf("record stream: %w", err))
	}
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
	stream.Start()
	defer stream.Stop()
	s.logger.Info("recording sink monitor", "sink", sink.Name(), "format", s.format)

	ticker := time.NewTicker(FrameDurationMS * time.Millisecond)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := stream.Error(); err != nil {
				return types.NewError(types.KindBackendUnavailable, "audio.run pulse", err)
			}
			// Drain everything buffered so a late tick does not add latency.
			for {
				pcm := collector.drain(frame)
				if pcm == nil {
					break
				}
				seq++
				deliver(&types.AudioChunk{
					Seq:        seq,
					SampleRate: s.format.SampleRate,
					Channels:   s.format.Channels,
					PCM:        pcm,
				})
			}
		}
	}
}

func (s *pulseSource) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		if s.stream != nil {
			s.stream.Close()
		}
		s.mu.Unlock()
		s.client.Close()
	})
	return nil
}

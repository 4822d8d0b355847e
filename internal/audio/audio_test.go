package audio

import (
	"context"
	"io"
	"log/slog"
	"net"
	"slices"
	"testing"
	"time"

	"rdpbridge/internal/testutil"
	"rdpbridge/internal/types"
)

func TestFrameSamples(t *testing.T) {
	if got := FrameSamples(types.AudioFormat{SampleRate: 48000, Channels: 2}); got != 1920 {
		t.Fatalf("expected 1920 samples per 20ms stereo frame, got %d", got)
	}
	if got := FrameSamples(types.AudioFormat{SampleRate: 16000, Channels: 1}); got != 320 {
		t.Fatalf("expected 320 samples per 20ms mono frame, got %d", got)
	}
}

func TestCollectorJoinsSplitSamples(t *testing.T) {
	c := &pcmCollector{}
	raw := EncodePCM([]int16{1, -2, 300, -400})

	// Split mid-sample.
	c.Write(raw[:3])
	c.Write(raw[3:])

	if got := c.drain(5); got != nil {
		t.Fatalf("expected nil when fewer samples buffered, got %v", got)
	}
	got := c.drain(4)
	if !slices.Equal(got, []int16{1, -2, 300, -400}) {
		t.Fatalf("expected samples reassembled, got %v", got)
	}
}

func TestCollectorLimitKeepsNewest(t *testing.T) {
	c := &pcmCollector{limit: 3}
	c.Write(EncodePCM([]int16{1, 2, 3, 4, 5}))

	got := c.drain(3)
	if !slices.Equal(got, []int16{3, 4, 5}) {
		t.Fatalf("expected newest samples kept, got %v", got)
	}
}

func TestCollectorTrimKeepsChannelsAligned(t *testing.T) {
	// Stereo, left samples positive and right samples negative.
	c := &pcmCollector{limit: 5, channels: 2}
	c.Write(EncodePCM([]int16{1, -1, 2, -2, 3, -3, 4, -4}))

	got := c.drain(4)
	if !slices.Equal(got, []int16{3, -3, 4, -4}) {
		t.Fatalf("expected whole newest frames kept, got %v", got)
	}

	// An odd byte pending across the trim must not shift channels either.
	raw := EncodePCM([]int16{5, -5, 6, -6, 7, -7, 8, -8})
	c.Write(raw[:7])
	c.Write(raw[7:])
	got = c.drain(4)
	if !slices.Equal(got, []int16{7, -7, 8, -8}) {
		t.Fatalf("expected channel order kept after split write, got %v", got)
	}
}

func TestUDPSourceDeliversChunks(t *testing.T) {
	format := types.AudioFormat{SampleRate: 48000, Channels: 2}
	backend := UDPBackend{
		Listen: "127.0.0.1:0",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	src, err := backend.Open(context.Background(), format)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	chunks := make(chan *types.AudioChunk, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- src.Run(ctx, func(c *types.AudioChunk) { chunks <- c })
	}()

	conn, err := net.Dial("udp", src.(*udpSource).Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Five samples: the trailing half stereo frame is dropped.
	if _, err := conn.Write(EncodePCM([]int16{10, 20, 30, 40, 50})); err != nil {
		t.Fatalf("Write: %v", err)
	}

	chunk := testutil.RequireReceive(t, chunks, 5*time.Second, "waiting for chunk")
	if chunk.Seq != 1 || chunk.SampleRate != 48000 || chunk.Channels != 2 {
		t.Fatalf("unexpected chunk header %+v", chunk)
	}
	if !slices.Equal(chunk.PCM, []int16{10, 20, 30, 40}) {
		t.Fatalf("expected aligned samples, got %v", chunk.PCM)
	}

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for Run to return"); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestUDPBackendRequiresAddress(t *testing.T) {
	_, err := UDPBackend{}.Open(context.Background(), types.AudioFormat{SampleRate: 48000, Channels: 2})
	if types.KindOf(err) != types.KindBackendUnavailable {
		t.Fatalf("expected backend unavailable, got %v", err)
	}
}

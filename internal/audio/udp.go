package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rdpbridge/internal/types"
)

// UDPBackend receives raw S16LE PCM datagrams, in the negotiated format,
// from a local producer such as `pw-cat` or `ffmpeg -f s16le udp://...`.
type UDPBackend struct {
	Listen string
	Logger *slog.Logger
}

func (UDPBackend) Name() string { return "udp" }

func (b UDPBackend) Open(ctx context.Context, format types.AudioFormat) (Source, error) {
	if b.Listen == "" {
		return nil, types.Errorf(types.KindBackendUnavailable, "audio.open udp", "listen address is required")
	}
	network := "udp4"
	if strings.Contains(b.Listen, "[") {
		network = "udp6"
	}
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, network, b.Listen)
	if err != nil {
		conn, err = lc.ListenPacket(ctx, "udp", b.Listen)
		if err != nil {
			return nil, types.NewError(types.KindBackendUnavailable, "audio.open udp", fmt.Errorf("listen %q: %w", b.Listen, err))
		}
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "audio", "backend", "udp")
	logger.Info("listening for PCM", "addr", conn.LocalAddr().String(), "format", format)
	return &udpSource{conn: conn, format: format, logger: logger}, nil
}

type udpSource struct {
	conn   net.PacketConn
	format types.AudioFormat
	logger *slog.Logger
	once   sync.Once
}

func (s *udpSource) Name() string              { return "udp" }
func (s *udpSource) Format() types.AudioFormat { return s.format }

// Addr returns the bound address.
func (s *udpSource) Addr() net.Addr { return s.conn.LocalAddr() }

func (s *udpSource) Run(ctx context.Context, deliver func(*types.AudioChunk)) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	var packets, bytes atomic.Int64
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		var lastPackets, lastBytes int64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p, b := packets.Load(), bytes.Load()
				s.logger.Debug("udp audio stats", "pps", (p-lastPackets)/5, "bps", (b-lastBytes)/5,
					"total_packets", p, "total_bytes", b)
				lastPackets, lastBytes = p, b
			}
		}
	}()

	buf := make([]byte, 65536)
	var seq uint64
	seenFirst := false
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				if ctx.Err() != nil {
					return nil
				}
				return types.NewError(types.KindBackendUnavailable, "audio.run udp", err)
			}
			s.logger.Warn("udp read error", "error", err)
			continue
		}
		// Drop partial sample frames rather than misalign the channels.
		usable := n - n%(2*s.format.Channels)
		if usable <= 0 {
			continue
		}
		if !seenFirst {
			seenFirst = true
			s.logger.Info("first PCM datagram", "from", addr.String(), "bytes", n)
		}
		packets.Add(1)
		bytes.Add(int64(n))

		seq++
		deliver(&types.AudioChunk{
			Seq:        seq,
			SampleRate: s.format.SampleRate,
			Channels:   s.format.Channels,
			PCM:        DecodePCM(buf[:usable]),
		})
	}
}

func (s *udpSource) Close() error {
	var err error
	s.once.Do(func() { err = s.conn.Close() })
	return err
}

// Package peer is the WebRTC end of a session. It carries encoded video on
// an H.264/H.265 track, Opus audio on a second track, and everything else
// on client-created data channels:
//
//	input      JSON InputEvent, client → server
//	clipboard  UTF-8 text, both directions
//	display    CBOR bitmap updates, server → client
//	cursor     CBOR CursorUpdate, server → client
//	control    JSON requests (resize), client → server
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"rdpbridge/internal/audio"
	"rdpbridge/internal/codec"
	"rdpbridge/internal/encode"
	"rdpbridge/internal/session"
	"rdpbridge/internal/types"
)

// Data channel labels.
const (
	LabelInput     = "input"
	LabelClipboard = "clipboard"
	LabelDisplay   = "display"
	LabelCursor    = "cursor"
	LabelControl   = "control"
)

// The display channel stops accepting updates above highWater buffered
// bytes and resumes once it drains below lowWater.
const (
	highWater = 8 << 20
	lowWater  = 1 << 20
)

// defaultMaxMessage is the SCTP message limit assumed until the association
// reports the negotiated one.
const defaultMaxMessage = 65535

// messageSlack is reserved in every display message for the CBOR header
// and rectangle framing.
const messageSlack = 512

// Options configures a Peer.
type Options struct {
	Codec types.Codec
	// FPS paces video sample durations when capture timestamps are missing.
	FPS int
	// AudioBitrate in bits per second; zero keeps the encoder default.
	AudioBitrate int
	Logger       *slog.Logger
}

// Peer is one pion PeerConnection bound to a session.
type Peer struct {
	ID     string
	pc     *webrtc.PeerConnection
	video  *webrtc.TrackLocalStaticSample
	audio  *webrtc.TrackLocalStaticSample
	opts   Options
	logger *slog.Logger

	frameDur    time.Duration
	lastCapture time.Time

	mu        sync.Mutex
	handler   session.Handler
	channels  map[string]*webrtc.DataChannel
	drained   chan struct{}
	opus      *audio.OpusEncoder
	opusFmt   types.AudioFormat
	closed    bool
	err       error
	done      chan struct{}
	closeOnce sync.Once

	// ctx ends with the peer; it bounds client-originated input delivery.
	ctx    context.Context
	cancel context.CancelFunc
}

// videoCodec returns the RTP parameters for the configured video codec.
func videoCodec(c types.Codec) (webrtc.RTPCodecCapability, webrtc.PayloadType) {
	if c == types.CodecH265 {
		return webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH265,
			ClockRate:   90000,
			SDPFmtpLine: "profile-id=1",
		}, 97
	}
	return webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeH264,
		ClockRate:   90000,
		SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f",
	}, 96
}

var opusCodec = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypeOpus,
	ClockRate: 48000,
	Channels:  2,
}

func New(id string, opts Options) (*Peer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FPS <= 0 {
		opts.FPS = 30
	}

	me := &webrtc.MediaEngine{}
	videoCap, videoPT := videoCodec(opts.Codec)
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: videoCap,
		PayloadType:        videoPT,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register video codec: %w", err)
	}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: opusCodec,
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register Opus: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))
	// LAN only, no STUN/TURN.
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, types.NewError(types.KindTransportError, "peer.new", err)
	}

	video, err := webrtc.NewTrackLocalStaticSample(videoCap, "video", "rdpbridge")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}
	if _, err := pc.AddTrack(video); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add video track: %w", err)
	}
	audioTrack, err := webrtc.NewTrackLocalStaticSample(opusCodec, "audio", "rdpbridge")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	if _, err := pc.AddTrack(audioTrack); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}

	p := newPeer(id, opts, logger)
	p.pc, p.video, p.audio = pc, video, audioTrack

	pc.OnDataChannel(p.addChannel)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			// Units sent before the transport came up were lost.
			p.refresh("connected")
		case webrtc.PeerConnectionStateFailed:
			p.finish(types.Errorf(types.KindTransportError, "peer.connection", "connection failed"))
		case webrtc.PeerConnectionStateDisconnected:
			p.finish(types.Errorf(types.KindTransportError, "peer.connection", "connection lost"))
		case webrtc.PeerConnectionStateClosed:
			p.finish(nil)
		}
	})
	return p, nil
}

// newPeer builds the transport-independent part of a Peer.
func newPeer(id string, opts Options, logger *slog.Logger) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Peer{
		ID:       id,
		opts:     opts,
		logger:   logger.With("component", "peer", "peer", id),
		frameDur: time.Second / time.Duration(max(opts.FPS, 1)),
		channels: make(map[string]*webrtc.DataChannel),
		drained:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Answer applies the client's offer and returns the answer SDP once ICE
// gathering has completed.
func (p *Peer) Answer(ctx context.Context, offer string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	}); err != nil {
		return "", types.NewError(types.KindProtocolViolation, "peer.offer", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", types.NewError(types.KindProtocolViolation, "peer.answer", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", types.NewError(types.KindTransportError, "peer.answer", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return p.pc.LocalDescription().SDP, nil
}

// OfferHasAudio reports whether an SDP offer asks for an audio stream.
func OfferHasAudio(offer string) (bool, error) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}
	parsed, err := desc.Unmarshal()
	if err != nil {
		return false, types.NewError(types.KindProtocolViolation, "peer.offer", err)
	}
	for _, m := range parsed.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			return true, nil
		}
	}
	return false, nil
}

// AddCandidate applies one trickled ICE candidate line.
func (p *Peer) AddCandidate(candidate string) error {
	if err := p.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
		return types.NewError(types.KindProtocolViolation, "peer.candidate", err)
	}
	return nil
}

func (p *Peer) addChannel(dc *webrtc.DataChannel) {
	label := dc.Label()
	switch label {
	case LabelInput, LabelClipboard, LabelDisplay, LabelCursor, LabelControl:
	default:
		p.logger.Warn("ignoring unknown data channel", "label", label)
		return
	}
	p.mu.Lock()
	p.channels[label] = dc
	p.mu.Unlock()

	if label == LabelDisplay {
		dc.OnOpen(func() { p.refresh("display channel open") })
		dc.SetBufferedAmountLowThreshold(lowWater)
		dc.OnBufferedAmountLow(func() {
			select {
			case p.drained <- struct{}{}:
			default:
			}
		})
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if err := p.dispatch(label, msg.Data); err != nil {
			p.logger.Debug("client message rejected", "channel", label, "error", err)
		}
	})
	dc.OnClose(func() {
		p.mu.Lock()
		if p.channels[label] == dc {
			delete(p.channels, label)
		}
		p.mu.Unlock()
	})
}

// controlRequest is a message on the control channel.
type controlRequest struct {
	Type   string `json:"type"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// dispatch routes one client message to the attached handler. Messages that
// arrive before the session is Active are dropped.
func (p *Peer) dispatch(label string, data []byte) error {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		return nil
	}

	switch label {
	case LabelInput:
		var ev types.InputEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return types.NewError(types.KindProtocolViolation, "peer.input", err)
		}
		return h.HandleInput(p.ctx, ev)
	case LabelClipboard:
		return h.HandleClipboard(types.ClipboardPayload{
			Text:   string(data),
			Format: types.FormatTextUTF8,
			Origin: types.OriginRemote,
		})
	case LabelControl:
		var req controlRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return types.NewError(types.KindProtocolViolation, "peer.control", err)
		}
		switch req.Type {
		case "resize":
			return h.HandleResize(types.Geometry{Width: req.Width, Height: req.Height})
		default:
			return types.Errorf(types.KindProtocolViolation, "peer.control", "unknown request %q", req.Type)
		}
	default:
		return types.Errorf(types.KindProtocolViolation, "peer.dispatch", "channel %s is server-to-client only", label)
	}
}

// refresh asks the attached session for a keyframe.
func (p *Peer) refresh(reason string) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		return
	}
	if err := h.RequestKeyframe(); err != nil {
		p.logger.Debug("keyframe request failed", "reason", reason, "error", err)
	}
}

// Attach implements session.Peer.
func (p *Peer) Attach(h session.Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *Peer) channel(label string) *webrtc.DataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	dc := p.channels[label]
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return nil
	}
	return dc
}

// SendVideo implements session.Peer. Codec units go out on the video
// track; bitmap units on the display channel, waiting for it to drain when
// the client falls behind.
func (p *Peer) SendVideo(ctx context.Context, unit *types.EncodedUnit) error {
	if err := p.alive(); err != nil {
		return err
	}
	if unit.Codec == types.CodecBitmap {
		return p.sendBitmap(ctx, unit)
	}

	dur := p.frameDur
	if !p.lastCapture.IsZero() && unit.Captured.After(p.lastCapture) {
		dur = unit.Captured.Sub(p.lastCapture)
	}
	p.lastCapture = unit.Captured
	if err := p.video.WriteSample(media.Sample{Data: unit.Payload, Duration: dur}); err != nil {
		return types.NewError(types.KindTransportError, "peer.video", err)
	}
	return nil
}

func (p *Peer) sendBitmap(ctx context.Context, unit *types.EncodedUnit) error {
	dc := p.channel(LabelDisplay)
	if dc == nil {
		// No display channel: the client only renders the video track.
		return nil
	}
	for dc.BufferedAmount() > highWater {
		select {
		case <-p.drained:
		case <-p.done:
			return p.alive()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	msgs, err := displayMessages(unit, p.maxMessageSize())
	if err != nil {
		return fmt.Errorf("encoding display update: %w", err)
	}
	for _, data := range msgs {
		if err := dc.Send(data); err != nil {
			return types.NewError(types.KindTransportError, "peer.display", err)
		}
	}
	return nil
}

// maxMessageSize is the largest message the SCTP association accepts.
func (p *Peer) maxMessageSize() int {
	if p.pc != nil {
		if sctp := p.pc.SCTP(); sctp != nil {
			if n := sctp.GetCapabilities().MaxMessageSize; n > 0 {
				return int(n)
			}
		}
	}
	return defaultMaxMessage
}

// SendCursor implements session.Peer.
func (p *Peer) SendCursor(c *types.CursorUpdate) error {
	dc := p.channel(LabelCursor)
	if dc == nil {
		return nil
	}
	data, err := codec.Marshal(c)
	if err != nil {
		return err
	}
	return dc.Send(data)
}

// SendClipboard implements session.Peer.
func (p *Peer) SendClipboard(c types.ClipboardPayload) error {
	dc := p.channel(LabelClipboard)
	if dc == nil {
		return types.Errorf(types.KindTransportError, "peer.clipboard", "clipboard channel not open")
	}
	return dc.SendText(c.Text)
}

// SendAudio implements session.Peer. Chunks are re-framed into 20 ms Opus
// packets; a format change restarts the encoder.
func (p *Peer) SendAudio(c *types.AudioChunk) error {
	if err := p.alive(); err != nil {
		return err
	}
	format := types.AudioFormat{SampleRate: c.SampleRate, Channels: c.Channels}
	p.mu.Lock()
	if p.opus == nil || p.opusFmt != format {
		enc, err := audio.NewOpusEncoder(format)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		if p.opts.AudioBitrate > 0 {
			if err := enc.SetBitrate(p.opts.AudioBitrate); err != nil {
				p.logger.Warn("setting opus bitrate", "bps", p.opts.AudioBitrate, "error", err)
			}
		}
		p.opus, p.opusFmt = enc, format
	}
	enc := p.opus
	p.mu.Unlock()

	packets, err := enc.Encode(c)
	if err != nil {
		enc.Reset()
		return err
	}
	for _, pkt := range packets {
		if err := p.audio.WriteSample(media.Sample{Data: pkt.Data, Duration: pkt.Duration}); err != nil {
			return types.NewError(types.KindTransportError, "peer.audio", err)
		}
	}
	return nil
}

func (p *Peer) alive() error {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.err != nil {
			return p.err
		}
		return types.Errorf(types.KindTransportError, "peer", "peer closed")
	default:
		return nil
	}
}

// Done implements session.Peer.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Err implements session.Peer.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// finish records why the peer ended and closes Done.
func (p *Peer) finish(err error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		p.cancel()
		close(p.done)
	})
}

// Close implements session.Peer.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.finish(nil)
	var err error
	if p.pc != nil {
		err = p.pc.Close()
	}
	p.logger.Info("peer closed")
	return err
}

// displayUpdate is the CBOR form of a bitmap unit on the display channel.
// A unit too large for one message is sent as Parts messages numbered
// from zero; the client paints the frame once it has all of them.
type displayUpdate struct {
	Seq         uint64        `cbor:"seq"`
	Stream      uint64        `cbor:"stream"`
	Part        int           `cbor:"part"`
	Parts       int           `cbor:"parts"`
	Width       int           `cbor:"w"`
	Height      int           `cbor:"h"`
	Keyframe    bool          `cbor:"key,omitempty"`
	Compression string        `cbor:"z,omitempty"`
	Rects       []displayRect `cbor:"rects"`
}

type displayRect struct {
	X          int    `cbor:"x"`
	Y          int    `cbor:"y"`
	Width      int    `cbor:"w"`
	Height     int    `cbor:"h"`
	Compressed bool   `cbor:"c,omitempty"`
	Data       []byte `cbor:"d"`
}

func newDisplayUpdate(u *types.EncodedUnit) displayUpdate {
	d := displayUpdate{
		Seq:         u.Seq,
		Stream:      u.Stream,
		Width:       u.Geometry.Width,
		Height:      u.Geometry.Height,
		Keyframe:    u.Keyframe,
		Compression: u.Compression,
		Parts:       1,
		Rects:       make([]displayRect, len(u.Rects)),
	}
	for i, r := range u.Rects {
		d.Rects[i] = displayRect{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height, Compressed: r.Compressed, Data: r.Data}
	}
	return d
}

// displayMessages encodes u as one or more display updates, each at most
// limit bytes. Rectangles too big for a message on their own are re-cut.
func displayMessages(u *types.EncodedUnit, limit int) ([][]byte, error) {
	budget := limit - messageSlack
	if budget < types.BytesPerPixel {
		return nil, fmt.Errorf("message limit %d too small", limit)
	}
	var rects []types.TileRect
	for _, tr := range u.Rects {
		if len(tr.Data) <= budget {
			rects = append(rects, tr)
			continue
		}
		pieces, err := encode.SplitTile(tr, u.Compression, budget)
		if err != nil {
			return nil, err
		}
		rects = append(rects, pieces...)
	}

	// Greedy packing by payload size; the slack covers the framing.
	groups := [][]types.TileRect{nil}
	size := 0
	for _, tr := range rects {
		last := len(groups) - 1
		if len(groups[last]) > 0 && size+len(tr.Data)+rectSlack > budget {
			groups = append(groups, nil)
			last++
			size = 0
		}
		groups[last] = append(groups[last], tr)
		size += len(tr.Data) + rectSlack
	}

	msgs := make([][]byte, 0, len(groups))
	for i, g := range groups {
		part := *u
		part.Rects = g
		d := newDisplayUpdate(&part)
		d.Part, d.Parts = i, len(groups)
		data, err := codec.Marshal(d)
		if err != nil {
			return nil, err
		}
		if len(data) > limit {
			return nil, types.Errorf(types.KindProtocolViolation, "peer.display",
				"display message of %d bytes exceeds limit %d", len(data), limit)
		}
		msgs = append(msgs, data)
	}
	return msgs, nil
}

// rectSlack covers the CBOR framing of one rectangle.
const rectSlack = 48

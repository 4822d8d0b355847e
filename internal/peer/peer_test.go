package peer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"rdpbridge/internal/codec"
	"rdpbridge/internal/encode"
	"rdpbridge/internal/testutil"
	"rdpbridge/internal/types"
)

type recordingHandler struct {
	mu        sync.Mutex
	inputs    []types.InputEvent
	clipboard []types.ClipboardPayload
	resizes   []types.Geometry
	keyframes int
}

func (h *recordingHandler) HandleInput(ctx context.Context, ev types.InputEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inputs = append(h.inputs, ev)
	return nil
}

func (h *recordingHandler) HandleClipboard(p types.ClipboardPayload) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clipboard = append(h.clipboard, p)
	return nil
}

func (h *recordingHandler) HandleResize(g types.Geometry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resizes = append(h.resizes, g)
	return nil
}

func (h *recordingHandler) RequestKeyframe() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keyframes++
	return nil
}

func testPeer() *Peer {
	return newPeer("test", Options{FPS: 30}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDispatchBeforeAttachIsDropped(t *testing.T) {
	p := testPeer()
	if err := p.dispatch(LabelInput, []byte(`{"type":"mousemove","x":1,"y":2}`)); err != nil {
		t.Fatalf("expected message before attach to be dropped, got %v", err)
	}
}

func TestDispatchRoutesClientMessages(t *testing.T) {
	p := testPeer()
	h := &recordingHandler{}
	p.Attach(h)

	if err := p.dispatch(LabelInput, []byte(`{"type":"keydown","code":"KeyA","key":"a"}`)); err != nil {
		t.Fatalf("input: %v", err)
	}
	if err := p.dispatch(LabelClipboard, []byte("pasted text")); err != nil {
		t.Fatalf("clipboard: %v", err)
	}
	if err := p.dispatch(LabelControl, []byte(`{"type":"resize","width":1920,"height":1080}`)); err != nil {
		t.Fatalf("control: %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.inputs) != 1 || h.inputs[0].Kind != types.InputKeyDown || h.inputs[0].Code != "KeyA" {
		t.Fatalf("unexpected inputs %+v", h.inputs)
	}
	if len(h.clipboard) != 1 || h.clipboard[0].Origin != types.OriginRemote || h.clipboard[0].Format != types.FormatTextUTF8 {
		t.Fatalf("unexpected clipboard %+v", h.clipboard)
	}
	if len(h.resizes) != 1 || h.resizes[0] != (types.Geometry{Width: 1920, Height: 1080}) {
		t.Fatalf("unexpected resizes %+v", h.resizes)
	}
}

func TestDispatchRejectsMalformedMessages(t *testing.T) {
	p := testPeer()
	p.Attach(&recordingHandler{})

	tests := []struct {
		label string
		data  string
	}{
		{LabelInput, "not json"},
		{LabelControl, `{"type":"reboot"}`},
		{LabelDisplay, "anything"},
	}
	for _, tt := range tests {
		if err := p.dispatch(tt.label, []byte(tt.data)); !errors.Is(err, types.ErrProtocolViolation) {
			t.Errorf("%s %q: expected protocol violation, got %v", tt.label, tt.data, err)
		}
	}
}

func TestCloseEndsPeer(t *testing.T) {
	p := testPeer()
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	testutil.RequireClosed(t, p.Done(), time.Second, "done after close")
	if p.Err() != nil {
		t.Fatalf("expected clean close, got %v", p.Err())
	}
	err := p.SendVideo(context.Background(), &types.EncodedUnit{Codec: types.CodecBitmap})
	if !errors.Is(err, types.ErrTransport) {
		t.Fatalf("expected transport error after close, got %v", err)
	}
}

func TestConnectionFailureIsReported(t *testing.T) {
	p := testPeer()
	p.finish(types.Errorf(types.KindTransportError, "peer.connection", "connection failed"))
	testutil.RequireClosed(t, p.Done(), time.Second, "done after failure")
	if !errors.Is(p.Err(), types.ErrTransport) {
		t.Fatalf("expected transport error, got %v", p.Err())
	}
	if err := p.SendAudio(&types.AudioChunk{SampleRate: 48000, Channels: 2}); !errors.Is(err, types.ErrTransport) {
		t.Fatalf("expected SendAudio to fail after the connection failed, got %v", err)
	}
}

func TestRefreshReachesAttachedHandler(t *testing.T) {
	p := testPeer()
	p.refresh("display channel open")

	h := &recordingHandler{}
	p.Attach(h)
	p.refresh("display channel open")
	p.refresh("connected")
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.keyframes != 2 {
		t.Fatalf("expected 2 keyframe requests after attach, got %d", h.keyframes)
	}
}

func TestBitmapWithoutDisplayChannelIsSkipped(t *testing.T) {
	p := testPeer()
	unit := &types.EncodedUnit{Codec: types.CodecBitmap, Seq: 1}
	if err := p.SendVideo(context.Background(), unit); err != nil {
		t.Fatalf("expected bitmap without display channel to be skipped, got %v", err)
	}
	if err := p.SendCursor(&types.CursorUpdate{X: 1, Y: 2}); err != nil {
		t.Fatalf("expected cursor without channel to be skipped, got %v", err)
	}
	if err := p.SendClipboard(types.ClipboardPayload{Text: "x"}); !errors.Is(err, types.ErrTransport) {
		t.Fatalf("expected clipboard without channel to fail, got %v", err)
	}
}

func TestDisplayUpdateEncoding(t *testing.T) {
	unit := &types.EncodedUnit{
		Seq:         7,
		Stream:      2,
		Geometry:    types.Geometry{Width: 128, Height: 64},
		Codec:       types.CodecBitmap,
		Keyframe:    true,
		Compression: "lz4",
		Rects: []types.TileRect{
			{Rect: types.Rect{X: 64, Y: 0, Width: 64, Height: 64}, Compressed: true, Data: []byte{1, 2, 3}},
		},
	}
	data, err := codec.Marshal(newDisplayUpdate(unit))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]any
	if err := codec.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["z"] != "lz4" || got["key"] != true {
		t.Fatalf("unexpected header fields %v", got)
	}
	rects, ok := got["rects"].([]any)
	if !ok || len(rects) != 1 {
		t.Fatalf("expected one rect, got %v", got["rects"])
	}
}

func TestDisplayMessagesFitMessageLimit(t *testing.T) {
	enc, err := encode.NewBitmapEncoder(encode.Params{Compression: encode.CompressionNone})
	if err != nil {
		t.Fatalf("NewBitmapEncoder: %v", err)
	}
	const w, h = 1920, 1080
	frame := &types.Frame{Seq: 1, Stream: 1, Width: w, Height: h, Stride: w * 4, Format: types.PixFmtRGBA, Data: make([]byte, w*h*4)}
	for i := range frame.Data {
		frame.Data[i] = byte(i * 7)
	}
	unit, err := enc.Encode(frame, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	unit.Seq, unit.Stream, unit.Geometry = 1, 1, types.Geometry{Width: w, Height: h}

	for _, limit := range []int{defaultMaxMessage, 16 << 10} {
		msgs, err := displayMessages(unit, limit)
		if err != nil {
			t.Fatalf("limit %d: displayMessages: %v", limit, err)
		}
		client := make([]byte, len(frame.Data))
		for i, data := range msgs {
			if len(data) > limit {
				t.Fatalf("limit %d: message %d is %d bytes", limit, i, len(data))
			}
			var d displayUpdate
			if err := codec.Unmarshal(data, &d); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if d.Part != i || d.Parts != len(msgs) || d.Seq != 1 || !d.Keyframe {
				t.Fatalf("limit %d: unexpected header %+v", limit, d)
			}
			part := &types.EncodedUnit{Compression: d.Compression}
			for _, r := range d.Rects {
				part.Rects = append(part.Rects, types.TileRect{
					Rect:       types.Rect{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height},
					Compressed: r.Compressed,
					Data:       r.Data,
				})
			}
			if err := encode.ApplyBitmap(client, w, part); err != nil {
				t.Fatalf("ApplyBitmap: %v", err)
			}
		}
		if !bytes.Equal(client, frame.Data) {
			t.Fatalf("limit %d: reassembled frame differs", limit)
		}
	}
}

const audioOffer = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

func TestOfferHasAudio(t *testing.T) {
	ok, err := OfferHasAudio(audioOffer)
	if err != nil || !ok {
		t.Fatalf("expected audio in offer, got %v (%v)", ok, err)
	}
	videoOnly := audioOffer[:len(audioOffer)-len("m=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\na=rtpmap:111 opus/48000/2\r\n")]
	ok, err = OfferHasAudio(videoOnly)
	if err != nil || ok {
		t.Fatalf("expected no audio in video-only offer, got %v (%v)", ok, err)
	}
}

package encode

import (
	"errors"
	"fmt"

	"rdpbridge/internal/types"
)

// BitmapBackend is the name of the raw bitmap-tile encoder, the last entry
// of every fallback chain.
const BitmapBackend = "bitmap"

// MaxRectBytes bounds the uncompressed size of one emitted rectangle, so a
// rectangle always fits a 64 KiB data channel message.
const MaxRectBytes = 48 << 10

// BitmapEncoder sends changed screen regions as raw (optionally compressed)
// pixel rectangles. It never needs hardware or codec libraries, so it can
// always be initialised.
type BitmapEncoder struct {
	tile         int
	maxRects     int
	fullInterval int
	compression  string

	sinceFull int
	force     bool
}

// NewBitmapEncoder is the Factory for the bitmap backend.
func NewBitmapEncoder(p Params) (VideoEncoder, error) {
	if !validCompression(p.Compression) {
		return nil, fmt.Errorf("bitmap encoder: unsupported compression %q", p.Compression)
	}
	tile := p.TileSize
	if tile <= 0 {
		tile = 64
	}
	maxRects := p.MaxRects
	if maxRects <= 0 {
		maxRects = 64
	}
	return &BitmapEncoder{
		tile:         tile,
		maxRects:     maxRects,
		fullInterval: p.FullFrameInterval,
		compression:  p.Compression,
	}, nil
}

func (b *BitmapEncoder) Name() string { return BitmapBackend }

// Encode diffs frame against prev. A full-frame update is sent when there is
// no usable reference, when more than maxRects rectangles changed, and every
// fullInterval frames.
func (b *BitmapEncoder) Encode(frame, prev *types.Frame) (*types.EncodedUnit, error) {
	if len(frame.Data) < frame.Stride*frame.Height {
		return nil, types.Errorf(types.KindProtocolViolation, "encode.bitmap",
			"frame buffer holds %d bytes, need %d", len(frame.Data), frame.Stride*frame.Height)
	}

	full := prev == nil ||
		prev.Geometry() != frame.Geometry() ||
		prev.Format != frame.Format ||
		b.force ||
		(b.fullInterval > 0 && b.sinceFull >= b.fullInterval)

	var rects []types.Rect
	if !full {
		// Damage only describes the change since the immediately preceding
		// frame of the same stream.
		var damage []types.Rect
		if prev.Stream == frame.Stream && prev.Seq+1 == frame.Seq {
			damage = frame.Damage
		}
		rects = DirtyRects(prev, frame, b.tile, damage)
		if len(rects) > b.maxRects {
			full = true
		}
	}
	if full {
		rects = []types.Rect{{X: 0, Y: 0, Width: frame.Width, Height: frame.Height}}
		b.sinceFull = 0
		b.force = false
	} else {
		b.sinceFull++
	}

	unit := &types.EncodedUnit{
		Codec:       types.CodecBitmap,
		Keyframe:    full,
		Compression: b.compression,
		Rects:       make([]types.TileRect, 0, len(rects)),
	}
	var banded []types.Rect
	for _, r := range rects {
		banded = append(banded, SplitRect(r, MaxRectBytes)...)
	}
	for _, r := range banded {
		raw := extractRect(frame, r)
		tr := types.TileRect{Rect: r, Data: raw}
		packed, err := compress(b.compression, raw)
		switch {
		case err == nil:
			tr.Data = packed
			tr.Compressed = true
		case !errors.Is(err, errIncompressible):
			return nil, fmt.Errorf("bitmap encoder: %w", err)
		}
		unit.Rects = append(unit.Rects, tr)
	}
	return unit, nil
}

// SplitRect cuts r into row bands, and columns when a single row is too
// wide, whose pixel data is at most maxBytes each.
func SplitRect(r types.Rect, maxBytes int) []types.Rect {
	if r.Area()*types.BytesPerPixel <= maxBytes {
		return []types.Rect{r}
	}
	cols := max(maxBytes/types.BytesPerPixel, 1)
	var out []types.Rect
	for x := r.X; x < r.X+r.Width; x += cols {
		w := min(cols, r.X+r.Width-x)
		rows := max(maxBytes/(w*types.BytesPerPixel), 1)
		for y := r.Y; y < r.Y+r.Height; y += rows {
			out = append(out, types.Rect{X: x, Y: y, Width: w, Height: min(rows, r.Y+r.Height-y)})
		}
	}
	return out
}

// SplitTile re-cuts an encoded rectangle into uncompressed pieces of at most
// maxBytes of pixel data each. compression names how tr.Data is packed.
func SplitTile(tr types.TileRect, compression string, maxBytes int) ([]types.TileRect, error) {
	raw := tr.Data
	if tr.Compressed {
		var err error
		raw, err = Decompress(compression, tr.Data, tr.Area()*types.BytesPerPixel)
		if err != nil {
			return nil, err
		}
	}
	rowBytes := tr.Width * types.BytesPerPixel
	if len(raw) != rowBytes*tr.Height {
		return nil, fmt.Errorf("rectangle %dx%d carries %d bytes", tr.Width, tr.Height, len(raw))
	}
	parts := SplitRect(tr.Rect, maxBytes)
	out := make([]types.TileRect, 0, len(parts))
	for _, r := range parts {
		pieceRow := r.Width * types.BytesPerPixel
		data := make([]byte, 0, pieceRow*r.Height)
		for y := r.Y - tr.Y; y < r.Y-tr.Y+r.Height; y++ {
			off := y*rowBytes + (r.X-tr.X)*types.BytesPerPixel
			data = append(data, raw[off:off+pieceRow]...)
		}
		out = append(out, types.TileRect{Rect: r, Data: data})
	}
	return out, nil
}

// RequestKeyframe makes the next update a full frame.
func (b *BitmapEncoder) RequestKeyframe() { b.force = true }

func (b *BitmapEncoder) Close() error { return nil }

// ApplyBitmap paints a bitmap unit onto dst, a tightly packed
// Width*Height*4 buffer. It is the client-side inverse of Encode and is
// used to verify updates.
func ApplyBitmap(dst []byte, width int, unit *types.EncodedUnit) error {
	stride := width * types.BytesPerPixel
	for _, tr := range unit.Rects {
		raw := tr.Data
		if tr.Compressed {
			var err error
			raw, err = Decompress(unit.Compression, tr.Data, tr.Area()*types.BytesPerPixel)
			if err != nil {
				return err
			}
		}
		rowBytes := tr.Width * types.BytesPerPixel
		if len(raw) != rowBytes*tr.Height {
			return fmt.Errorf("rectangle %dx%d carries %d bytes", tr.Width, tr.Height, len(raw))
		}
		for y := 0; y < tr.Height; y++ {
			off := (tr.Y+y)*stride + tr.X*types.BytesPerPixel
			copy(dst[off:off+rowBytes], raw[y*rowBytes:(y+1)*rowBytes])
		}
	}
	return nil
}

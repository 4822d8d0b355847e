package types

import (
	"fmt"
	"time"
)

// Geometry is the negotiated size of the remote display in pixels.
type Geometry struct {
	Width  int `json:"width" cbor:"width"`
	Height int `json:"height" cbor:"height"`
}

func (g Geometry) String() string { return fmt.Sprintf("%dx%d", g.Width, g.Height) }

// IsZero reports whether no geometry was negotiated.
func (g Geometry) IsZero() bool { return g.Width == 0 && g.Height == 0 }

// Valid reports whether both dimensions are positive.
func (g Geometry) Valid() bool { return g.Width > 0 && g.Height > 0 }

// PixelFormat describes the byte order of a 4-byte-per-pixel buffer.
type PixelFormat int

const (
	PixFmtBGRA PixelFormat = iota
	PixFmtRGBA
)

func (p PixelFormat) String() string {
	switch p {
	case PixFmtBGRA:
		return "bgra"
	case PixFmtRGBA:
		return "rgba"
	default:
		return fmt.Sprintf("pixfmt(%d)", int(p))
	}
}

// BytesPerPixel is the same for every supported format.
const BytesPerPixel = 4

// Rect is an axis-aligned region in frame coordinates.
type Rect struct {
	X      int `json:"x" cbor:"x"`
	Y      int `json:"y" cbor:"y"`
	Width  int `json:"w" cbor:"w"`
	Height int `json:"h" cbor:"h"`
}

// Area returns the number of pixels covered by r.
func (r Rect) Area() int { return r.Width * r.Height }

// Contains reports whether the point (x, y) lies inside r.
func (r Rect) Contains(x, y int) bool {
	return x >= r.X && x < r.X+r.Width && y >= r.Y && y < r.Y+r.Height
}

// Frame is one captured image. A Frame has exactly one owner at a time: the
// capture stream hands it to the encode stage, which must not retain Data
// after returning the EncodedUnit unless it keeps the frame as its reference.
type Frame struct {
	// Seq increases strictly within one capture stream lifetime.
	Seq uint64
	// Stream identifies the capture stream generation that produced the frame.
	Stream   uint64
	Width    int
	Height   int
	Stride   int
	Format   PixelFormat
	Data     []byte
	Captured time.Time

	// Damage lists regions the source reported as changed. Nil means the
	// source has no damage information and the whole frame must be
	// considered changed.
	Damage []Rect

	// Cursor is set when the source reported a pointer change together with
	// this frame.
	Cursor *CursorUpdate
}

// Geometry returns the frame size.
func (f *Frame) Geometry() Geometry { return Geometry{Width: f.Width, Height: f.Height} }

// EnsureOpaque forces the alpha byte of every pixel to 0xFF. Sources that
// deliver BGRx leave the padding byte undefined.
func (f *Frame) EnsureOpaque() {
	for y := 0; y < f.Height; y++ {
		row := f.Data[y*f.Stride : y*f.Stride+f.Width*BytesPerPixel]
		for i := 3; i < len(row); i += BytesPerPixel {
			row[i] = 0xFF
		}
	}
}

// Codec is the kind of payload carried by an EncodedUnit.
type Codec string

const (
	CodecH264   Codec = "h264"
	CodecH265   Codec = "h265"
	CodecBitmap Codec = "bitmap"
)

// TileRect is one changed rectangle of a bitmap update. Data holds the
// rectangle's pixels row by row (Width*4 bytes per row). Compressed is set
// when Data went through the unit's compression; incompressible rectangles
// are sent raw.
type TileRect struct {
	Rect
	Compressed bool   `cbor:"z,omitempty"`
	Data       []byte `cbor:"data"`
}

// EncodedUnit is the client-deliverable form of one Frame.
type EncodedUnit struct {
	Seq      uint64
	Stream   uint64
	Geometry Geometry
	Codec    Codec
	Keyframe bool

	// Payload is the compressed bitstream for video codecs.
	Payload []byte

	// Rects and Compression are set for CodecBitmap units. The rectangles
	// of a keyframe bitmap unit tile the full frame.
	Rects       []TileRect
	Compression string

	Captured time.Time
}

// Size returns the number of payload bytes carried by the unit.
func (u *EncodedUnit) Size() int {
	n := len(u.Payload)
	for _, r := range u.Rects {
		n += len(r.Data)
	}
	return n
}

// InputKind classifies client input events.
type InputKind string

const (
	InputKeyDown     InputKind = "keydown"
	InputKeyUp       InputKind = "keyup"
	InputPointerMove InputKind = "mousemove"
	InputButtonDown  InputKind = "mousedown"
	InputButtonUp    InputKind = "mouseup"
	InputWheel       InputKind = "wheel"
	InputTouch       InputKind = "touch"

	// The following kinds are accepted but never forwarded to the sink.
	InputUnicode InputKind = "unicode"
	InputIME     InputKind = "ime"
	InputSync    InputKind = "sync"
)

// LockState carries the client's view of the lock keys, sent with sync
// events.
type LockState struct {
	Caps   bool `json:"caps,omitempty"`
	Num    bool `json:"num,omitempty"`
	Scroll bool `json:"scroll,omitempty"`
}

// InputEvent is one client-originated input action.
type InputEvent struct {
	Kind      InputKind  `json:"type"`
	Code      string     `json:"code,omitempty"`
	Key       string     `json:"key,omitempty"`
	X         float64    `json:"x,omitempty"`
	Y         float64    `json:"y,omitempty"`
	DX        float64    `json:"dx,omitempty"`
	DY        float64    `json:"dy,omitempty"`
	Button    int        `json:"button,omitempty"`
	Relative  bool       `json:"relative,omitempty"`
	Locks     *LockState `json:"locks,omitempty"`
	Text      string     `json:"text,omitempty"`
	Timestamp int64      `json:"ts,omitempty"`
}

// Pressed reports whether the event is the press half of a key or button
// action.
func (e InputEvent) Pressed() bool {
	return e.Kind == InputKeyDown || e.Kind == InputButtonDown
}

// Origin records which side of the session produced a clipboard payload.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// FormatTextUTF8 is the only clipboard format exchanged.
const FormatTextUTF8 = "text/plain;charset=utf-8"

// ClipboardPayload is one clipboard transfer.
type ClipboardPayload struct {
	Text   string
	Format string
	Origin Origin
}

// AudioFormat is a negotiated PCM format. Samples are signed 16-bit
// little-endian, interleaved.
type AudioFormat struct {
	SampleRate int `json:"sample_rate" cbor:"sample_rate"`
	Channels   int `json:"channels" cbor:"channels"`
}

func (f AudioFormat) String() string { return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels) }

// AudioChunk is a buffer of interleaved PCM samples.
type AudioChunk struct {
	Seq        uint64
	SampleRate int
	Channels   int
	PCM        []int16
}

// Duration returns the playback length of the chunk.
func (c *AudioChunk) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	frames := len(c.PCM) / c.Channels
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// CursorUpdate describes the pointer as seen on the desktop. Bitmap, when
// present, is Width*Height BGRA pixels with the hotspot at (HotX, HotY).
type CursorUpdate struct {
	X       int    `json:"x" cbor:"x"`
	Y       int    `json:"y" cbor:"y"`
	Visible bool   `json:"visible" cbor:"visible"`
	Width   int    `json:"w,omitempty" cbor:"w,omitempty"`
	Height  int    `json:"h,omitempty" cbor:"h,omitempty"`
	HotX    int    `json:"hx,omitempty" cbor:"hx,omitempty"`
	HotY    int    `json:"hy,omitempty" cbor:"hy,omitempty"`
	Bitmap  []byte `json:"-" cbor:"bitmap,omitempty"`
}

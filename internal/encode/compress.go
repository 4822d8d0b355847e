package encode

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression names accepted by encode.compression.
const (
	CompressionNone = "none"
	CompressionLZ4  = "lz4"
	CompressionZstd = "zstd"
)

// errIncompressible means compression would not shrink the input; the
// caller sends the data raw.
var errIncompressible = errors.New("data is incompressible")

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("encode: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("encode: zstd decoder initialization failed: " + err.Error())
	}
}

func validCompression(name string) bool {
	switch name {
	case CompressionNone, CompressionLZ4, CompressionZstd:
		return true
	}
	return false
}

// compress returns data compressed with the named algorithm, or
// errIncompressible when that would not save space.
func compress(name string, data []byte) ([]byte, error) {
	switch name {
	case CompressionNone, "":
		return nil, errIncompressible
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return nil, errIncompressible
		}
		return dst[:n], nil
	case CompressionZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return nil, errIncompressible
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", name)
	}
}

// Decompress reverses the compression of one rectangle. rawSize must be the
// exact uncompressed length (Width*Height*4).
func Decompress(name string, data []byte, rawSize int) ([]byte, error) {
	switch name {
	case CompressionLZ4:
		dst := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != rawSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, rawSize)
		}
		return dst, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != rawSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), rawSize)
		}
		return out, nil
	case CompressionNone, "":
		if len(data) != rawSize {
			return nil, fmt.Errorf("raw rectangle: size %d does not match expected %d", len(data), rawSize)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", name)
	}
}

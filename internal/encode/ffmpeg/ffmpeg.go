// Package ffmpeg provides the libavcodec video encoders: VAAPI and NVENC
// hardware encoding and libx264/libx265 software encoding.
package ffmpeg

import (
	"rdpbridge/internal/encode"
	"rdpbridge/internal/types"
)

// Backend names registered by Register.
var Backends = []string{"vaapi", "nvenc", encode.SoftwareBackend}

// Options holds host-specific settings for the hardware backends.
type Options struct {
	// VAAPIDevice is the DRM render node, e.g. /dev/dri/renderD128. Empty
	// lets libva pick.
	VAAPIDevice string
}

// Register adds every libavcodec backend to reg. On builds without cgo the
// backends are still registered and report KindBackendUnavailable, so the
// fallback chain logs why they were skipped.
func Register(reg *encode.Registry, opts Options) {
	for _, name := range Backends {
		reg.Register(name, func(p encode.Params) (encode.VideoEncoder, error) {
			return newEncoder(name, opts, p)
		})
	}
}

func codecName(backend string, codec types.Codec) string {
	hevc := codec == types.CodecH265
	switch backend {
	case "nvenc":
		if hevc {
			return "hevc_nvenc"
		}
		return "h264_nvenc"
	case "vaapi":
		if hevc {
			return "hevc_vaapi"
		}
		return "h264_vaapi"
	default:
		if hevc {
			return "libx265"
		}
		return "libx264"
	}
}

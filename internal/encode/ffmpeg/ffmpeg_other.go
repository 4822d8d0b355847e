//go:build !linux || !cgo

package ffmpeg

import (
	"rdpbridge/internal/encode"
	"rdpbridge/internal/types"
)

// Available reports whether this binary was built with libavcodec.
const Available = false

func newEncoder(backend string, _ Options, _ encode.Params) (encode.VideoEncoder, error) {
	return nil, types.Errorf(types.KindBackendUnavailable, "encode.init "+backend,
		"built without libavcodec (needs linux and cgo)")
}

//go:build !linux || !cgo

package xshm

import (
	"context"

	"rdpbridge/internal/capture"
	"rdpbridge/internal/types"
)

func (b Backend) Open(ctx context.Context) (capture.Source, error) {
	return nil, types.Errorf(types.KindBackendUnavailable, "capture.open xshm", "built without X11 support")
}

package ffmpeg

import (
	"slices"
	"testing"

	"rdpbridge/internal/encode"
	"rdpbridge/internal/types"
)

func TestRegisterAddsEveryBackend(t *testing.T) {
	reg := encode.NewRegistry()
	Register(reg, Options{})

	names := reg.Names()
	for _, want := range []string{"bitmap", "nvenc", "software", "vaapi"} {
		if !slices.Contains(names, want) {
			t.Fatalf("expected %q registered, got %v", want, names)
		}
	}
}

func TestCodecName(t *testing.T) {
	tests := []struct {
		backend string
		codec   types.Codec
		want    string
	}{
		{"software", types.CodecH264, "libx264"},
		{"software", types.CodecH265, "libx265"},
		{"nvenc", types.CodecH264, "h264_nvenc"},
		{"nvenc", types.CodecH265, "hevc_nvenc"},
		{"vaapi", types.CodecH264, "h264_vaapi"},
		{"vaapi", types.CodecH265, "hevc_vaapi"},
	}
	for _, tt := range tests {
		if got := codecName(tt.backend, tt.codec); got != tt.want {
			t.Errorf("codecName(%s, %s): expected %s, got %s", tt.backend, tt.codec, tt.want, got)
		}
	}
}

func TestInvalidGeometryRejected(t *testing.T) {
	reg := encode.NewRegistry()
	Register(reg, Options{})
	stage, err := encode.Select(reg, "software", encode.Params{FPS: 30, Compression: encode.CompressionNone}, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	defer stage.Close()
	// Without a geometry the libavcodec backends refuse and the chain ends
	// on the bitmap encoder.
	if stage.Backend() != encode.BitmapBackend {
		t.Fatalf("expected bitmap fallback, got %q", stage.Backend())
	}
}

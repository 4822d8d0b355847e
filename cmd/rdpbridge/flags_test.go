package main

import (
	"testing"
	"time"

	"github.com/spf13/pflag"

	"rdpbridge/internal/config"
)

func TestOnlySetFlagsOverride(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	overrides := newConfigFlags(fs)
	if err := fs.Parse([]string{"--bitrate", "8000", "--clipboard=false", "--stop-grace", "2s"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg, err := config.Parse([]byte("capture:\n  fps: 60\nencode:\n  bitrate: 2000\n"), ".yaml")
	if err != nil {
		t.Fatalf("Parse config: %v", err)
	}
	overrides.apply(fs, cfg)

	if cfg.Capture.FPS != 60 {
		t.Errorf("expected file fps kept, got %d", cfg.Capture.FPS)
	}
	if cfg.Encode.Bitrate != 8000 {
		t.Errorf("expected flag bitrate, got %d", cfg.Encode.Bitrate)
	}
	if cfg.Clipboard.Enable {
		t.Errorf("expected clipboard disabled by flag")
	}
	if cfg.Control.StopGrace.Duration() != 2*time.Second {
		t.Errorf("expected stop grace 2s, got %s", cfg.Control.StopGrace.Duration())
	}
	if cfg.Audio.Enable != config.Default().Audio.Enable {
		t.Errorf("expected unset flag to leave audio alone")
	}
}

package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Capture.FPS = 0
	cfg.Encode.Encoder = "quicksync"
	cfg.Audio.Channels = 6
	cfg.TLS.Cert = "/etc/cert.pem"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"capture.fps", "encode.encoder", "audio.channels", "tls.cert and tls.key"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %q, got: %v", want, err)
		}
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rdpbridge.yaml")
	data := `
bind_address: "0.0.0.0:3390"
auth:
  enable: true
  username: alice
  password: secret
  domain: WORKGROUP
capture:
  fps: 60
  channel_capacity: 2
  multi_monitor: true
encode:
  encoder: nvenc
  bitrate: 8000
clipboard:
  enable: false
  poll_interval: 100ms
audio:
  sample_rate: 24000
  channels: 1
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.BindAddress != "0.0.0.0:3390" {
		t.Errorf("expected bind address 0.0.0.0:3390, got %q", cfg.BindAddress)
	}
	if !cfg.Auth.Enable || cfg.Auth.Username != "alice" || cfg.Auth.Domain != "WORKGROUP" {
		t.Errorf("unexpected auth section: %+v", cfg.Auth)
	}
	if cfg.Capture.FPS != 60 || cfg.Capture.ChannelCapacity != 2 || !cfg.Capture.MultiMonitor {
		t.Errorf("unexpected capture section: %+v", cfg.Capture)
	}
	if cfg.Encode.Encoder != EncoderNVENC || cfg.Encode.Bitrate != 8000 {
		t.Errorf("unexpected encode section: %+v", cfg.Encode)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Encode.TileSize != 64 || cfg.Encode.Compression != "lz4" {
		t.Errorf("expected encode defaults to survive, got %+v", cfg.Encode)
	}
	if cfg.Clipboard.Enable || cfg.Clipboard.PollInterval.Duration() != 100*time.Millisecond {
		t.Errorf("unexpected clipboard section: %+v", cfg.Clipboard)
	}
	if cfg.Audio.SampleRate != 24000 || cfg.Audio.Channels != 1 || !cfg.Audio.Enable {
		t.Errorf("unexpected audio section: %+v", cfg.Audio)
	}
}

func TestLoadJSONC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rdpbridge.jsonc")
	data := `{
  // capture every monitor
  "capture": {"fps": 15, "multi_monitor": true,},
  "encode": {"encoder": "bitmap", "compression": "zstd"},
}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Capture.FPS != 15 || !cfg.Capture.MultiMonitor {
		t.Errorf("unexpected capture section: %+v", cfg.Capture)
	}
	if cfg.Encode.Encoder != EncoderBitmap || cfg.Encode.Compression != "zstd" {
		t.Errorf("unexpected encode section: %+v", cfg.Encode)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("capture:\n  fsp: 30\n"), ".yaml"); err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
}

func TestParseEmptyFileGivesDefaults(t *testing.T) {
	cfg, err := Parse(nil, ".yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Capture.FPS != Default().Capture.FPS {
		t.Fatalf("expected default fps, got %d", cfg.Capture.FPS)
	}
}

func TestStoreReloadClassifiesFields(t *testing.T) {
	store := NewStore(Default())

	next := Default()
	next.Encode.Bitrate = 12000
	next.Audio.Enable = false
	next.Capture.FPS = 60
	next.Encode.Encoder = EncoderVAAPI

	result, err := store.Reload(next)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !slices.Equal(result.Applied, []string{"encode.bitrate", "audio.enable"}) {
		t.Errorf("unexpected applied fields: %v", result.Applied)
	}
	if !slices.Equal(result.Deferred, []string{"capture.fps", "encode.encoder"}) {
		t.Errorf("unexpected deferred fields: %v", result.Deferred)
	}
	if store.Load().Capture.FPS != 60 {
		t.Errorf("expected new snapshot to be published")
	}
}

func TestStoreReloadReportsRestartFields(t *testing.T) {
	store := NewStore(Default())

	next := Default()
	next.BindAddress = "0.0.0.0:3389"
	next.Control.Socket = "/run/rdpbridge/other.sock"
	next.Control.StopGrace = Duration(time.Second)
	next.Capture.ChannelCapacity = 11

	result, err := store.Reload(next)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !slices.Equal(result.Restart, []string{"bind_address", "control.socket"}) {
		t.Errorf("unexpected restart fields: %v", result.Restart)
	}
	if !slices.Equal(result.Deferred, []string{"capture.channel_capacity"}) {
		t.Errorf("unexpected deferred fields: %v", result.Deferred)
	}
	if !slices.Equal(result.Applied, []string{"control.stop_grace"}) {
		t.Errorf("unexpected applied fields: %v", result.Applied)
	}
}

func TestStoreReloadRejectsInvalid(t *testing.T) {
	store := NewStore(Default())
	bad := Default()
	bad.Capture.ChannelCapacity = 0
	if _, err := store.Reload(bad); err == nil {
		t.Fatal("expected invalid config to be rejected")
	}
	if store.Load().Capture.ChannelCapacity != Default().Capture.ChannelCapacity {
		t.Fatal("rejected reload must not replace the snapshot")
	}
}

func TestApplyHotKeepsColdFields(t *testing.T) {
	running := Default()
	next := Default()
	next.Encode.Bitrate = 1500
	next.Clipboard.Enable = false
	next.Capture.FPS = 5
	next.Encode.Encoder = EncoderNVENC

	merged := ApplyHot(running, next)
	if merged.Encode.Bitrate != 1500 || merged.Clipboard.Enable {
		t.Errorf("expected hot fields applied, got %+v / %+v", merged.Encode, merged.Clipboard)
	}
	if merged.Capture.FPS != running.Capture.FPS || merged.Encode.Encoder != running.Encode.Encoder {
		t.Errorf("expected cold fields untouched, got fps=%d encoder=%s", merged.Capture.FPS, merged.Encode.Encoder)
	}
	if running.Encode.Bitrate == 1500 {
		t.Errorf("ApplyHot must not modify the running snapshot")
	}
}

func TestKeyframeInterval(t *testing.T) {
	cfg := Default()
	cfg.Capture.FPS = 25
	if got := cfg.KeyframeInterval(); got != 50 {
		t.Fatalf("expected 50, got %d", got)
	}
	cfg.Encode.GOP = 10
	if got := cfg.KeyframeInterval(); got != 10 {
		t.Fatalf("expected 10, got %d", got)
	}
}

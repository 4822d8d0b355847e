// Package config holds the process-wide configuration snapshot.
//
// A Config is immutable once published through a Store. Reloading builds a
// new snapshot; a running session keeps the snapshot it was created with
// except for the fields listed by HotFields.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Encoder backend names accepted by encode.encoder.
const (
	EncoderVAAPI    = "vaapi"
	EncoderNVENC    = "nvenc"
	EncoderSoftware = "software"
	EncoderBitmap   = "bitmap"
)

// Config is the root configuration.
type Config struct {
	// BindAddress is the host:port the client-facing listener binds.
	BindAddress string `yaml:"bind_address"`

	// StaticDisplay replaces the capture backend with a static test pattern.
	StaticDisplay bool `yaml:"static_display"`

	TLS       TLSConfig       `yaml:"tls"`
	Auth      AuthConfig      `yaml:"auth"`
	Capture   CaptureConfig   `yaml:"capture"`
	Encode    EncodeConfig    `yaml:"encode"`
	Clipboard ClipboardConfig `yaml:"clipboard"`
	Audio     AudioConfig     `yaml:"audio"`
	Input     InputConfig     `yaml:"input"`
	Control   ControlConfig   `yaml:"control"`
	Log       LogConfig       `yaml:"log"`
}

// TLSConfig selects the certificate for the listener. With Cert and Key
// empty and SelfSigned set, an ephemeral pair is generated at startup.
type TLSConfig struct {
	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
	SelfSigned bool   `yaml:"self_signed"`
}

// Enabled reports whether the listener should speak TLS.
func (t TLSConfig) Enabled() bool { return t.Cert != "" || t.SelfSigned }

// AuthConfig configures client authentication. Password may be a bcrypt
// hash ("$2a$...") or plaintext.
type AuthConfig struct {
	Enable   bool   `yaml:"enable"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Domain   string `yaml:"domain"`
	// Token, when set, is accepted as a bearer token in place of
	// username/password.
	Token string `yaml:"token"`

	FailLimit  int      `yaml:"fail_limit"`
	FailWindow Duration `yaml:"fail_window"`
}

// CaptureConfig configures the capture adapter.
type CaptureConfig struct {
	FPS             int    `yaml:"fps"`
	ChannelCapacity int    `yaml:"channel_capacity"`
	MultiMonitor    bool   `yaml:"multi_monitor"`
	Backend         string `yaml:"backend"`
}

// EncodeConfig configures the encode/convert stage.
type EncodeConfig struct {
	Encoder string `yaml:"encoder"`
	Codec   string `yaml:"codec"`
	Preset  string `yaml:"preset"`
	// Bitrate in kbps.
	Bitrate int `yaml:"bitrate"`
	// GOP is the keyframe interval in frames; 0 means twice the frame rate.
	GOP int `yaml:"gop"`

	TileSize          int    `yaml:"tile_size"`
	MaxRects          int    `yaml:"max_rects"`
	FullFrameInterval int    `yaml:"full_frame_interval"`
	Compression       string `yaml:"compression"`
}

// ClipboardConfig configures the clipboard sub-flow.
type ClipboardConfig struct {
	Enable       bool     `yaml:"enable"`
	PollInterval Duration `yaml:"poll_interval"`
}

// AudioConfig configures the audio sub-flow.
type AudioConfig struct {
	Enable     bool   `yaml:"enable"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	QueueDepth int    `yaml:"queue_depth"`
	// Backend is "pulse" (monitor of the default sink) or "udp" (raw
	// S16LE datagrams on Listen).
	Backend string `yaml:"backend"`
	Listen  string `yaml:"listen"`
}

// InputConfig configures the input bridge.
type InputConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	QueueDepth       int `yaml:"queue_depth"`
}

// ControlConfig configures the control plane.
type ControlConfig struct {
	Socket    string   `yaml:"socket"`
	StopGrace Duration `yaml:"stop_grace"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	Stats bool   `yaml:"stats"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BindAddress: "127.0.0.1:3389",
		TLS:         TLSConfig{SelfSigned: true},
		Auth: AuthConfig{
			FailLimit:  10,
			FailWindow: Duration(time.Minute),
		},
		Capture: CaptureConfig{
			FPS:             30,
			ChannelCapacity: 4,
			Backend:         "screenshot",
		},
		Encode: EncodeConfig{
			Encoder:           EncoderSoftware,
			Codec:             "h264",
			Preset:            "ultrafast",
			Bitrate:           4000,
			TileSize:          64,
			MaxRects:          64,
			FullFrameInterval: 300,
			Compression:       "lz4",
		},
		Clipboard: ClipboardConfig{
			Enable:       true,
			PollInterval: Duration(250 * time.Millisecond),
		},
		Audio: AudioConfig{
			Enable:     true,
			SampleRate: 48000,
			Channels:   2,
			QueueDepth: 10,
			Backend:    "pulse",
		},
		Input: InputConfig{
			FailureThreshold: 16,
			QueueDepth:       256,
		},
		Control: ControlConfig{
			Socket:    DefaultControlSocket(),
			StopGrace: Duration(5 * time.Second),
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultControlSocket returns $XDG_RUNTIME_DIR/rdpbridge/control.sock, or a
// path under the temp directory when XDG_RUNTIME_DIR is unset.
func DefaultControlSocket() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "rdpbridge", "control.sock")
}

// Clone returns a deep copy. Config holds no reference types, so a value
// copy suffices; the method exists so callers never share a pointer they
// intend to modify.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// KeyframeInterval returns the effective GOP length in frames.
func (c *Config) KeyframeInterval() int {
	if c.Encode.GOP > 0 {
		return c.Encode.GOP
	}
	return 2 * c.Capture.FPS
}

// Validate checks every field and reports all problems together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, _, err := net.SplitHostPort(c.BindAddress); err != nil {
		add("bind_address %q: %v", c.BindAddress, err)
	}
	if (c.TLS.Cert != "") != (c.TLS.Key != "") {
		add("tls.cert and tls.key must both be set")
	}
	if c.Auth.Enable && c.Auth.Token == "" && (c.Auth.Username == "" || c.Auth.Password == "") {
		add("auth.enable requires auth.token or auth.username and auth.password")
	}
	if c.Capture.FPS <= 0 || c.Capture.FPS > 240 {
		add("capture.fps must be in 1..240, got %d", c.Capture.FPS)
	}
	if c.Capture.ChannelCapacity < 1 {
		add("capture.channel_capacity must be >= 1, got %d", c.Capture.ChannelCapacity)
	}
	if c.Capture.Backend != "screenshot" && c.Capture.Backend != "xshm" {
		add("capture.backend must be screenshot or xshm, got %q", c.Capture.Backend)
	}
	switch c.Encode.Encoder {
	case EncoderVAAPI, EncoderNVENC, EncoderSoftware, EncoderBitmap:
	default:
		add("encode.encoder must be one of vaapi, nvenc, software, bitmap; got %q", c.Encode.Encoder)
	}
	if c.Encode.Codec != "h264" && c.Encode.Codec != "h265" {
		add("encode.codec must be h264 or h265, got %q", c.Encode.Codec)
	}
	if c.Encode.Bitrate <= 0 {
		add("encode.bitrate must be > 0, got %d", c.Encode.Bitrate)
	}
	if c.Encode.GOP < 0 {
		add("encode.gop must be >= 0, got %d", c.Encode.GOP)
	}
	if c.Encode.TileSize < 8 || c.Encode.TileSize > 512 {
		add("encode.tile_size must be in 8..512, got %d", c.Encode.TileSize)
	}
	if c.Encode.MaxRects < 1 {
		add("encode.max_rects must be >= 1, got %d", c.Encode.MaxRects)
	}
	if c.Encode.FullFrameInterval < 0 {
		add("encode.full_frame_interval must be >= 0, got %d", c.Encode.FullFrameInterval)
	}
	switch c.Encode.Compression {
	case "none", "lz4", "zstd":
	default:
		add("encode.compression must be none, lz4 or zstd; got %q", c.Encode.Compression)
	}
	if c.Audio.SampleRate != 8000 && c.Audio.SampleRate != 12000 && c.Audio.SampleRate != 16000 &&
		c.Audio.SampleRate != 24000 && c.Audio.SampleRate != 48000 {
		add("audio.sample_rate must be one of 8000, 12000, 16000, 24000, 48000; got %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
		add("audio.channels must be 1 or 2, got %d", c.Audio.Channels)
	}
	switch c.Audio.Backend {
	case "pulse":
	case "udp":
		if c.Audio.Listen == "" {
			add("audio.backend udp requires audio.listen")
		}
	default:
		add("audio.backend must be pulse or udp, got %q", c.Audio.Backend)
	}
	if c.Audio.QueueDepth < 1 {
		add("audio.queue_depth must be >= 1, got %d", c.Audio.QueueDepth)
	}
	if c.Clipboard.PollInterval.Duration() <= 0 {
		add("clipboard.poll_interval must be > 0")
	}
	if c.Input.FailureThreshold < 1 {
		add("input.failure_threshold must be >= 1, got %d", c.Input.FailureThreshold)
	}
	if c.Input.QueueDepth < 1 {
		add("input.queue_depth must be >= 1, got %d", c.Input.QueueDepth)
	}
	if c.Control.StopGrace.Duration() <= 0 {
		add("control.stop_grace must be > 0")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level must be debug, info, warn or error; got %q", c.Log.Level)
	}

	return errors.Join(errs...)
}

// Duration is a time.Duration that reads and writes as a Go duration string
// ("250ms", "5s") in config files.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

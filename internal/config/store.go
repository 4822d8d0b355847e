package config

import (
	"fmt"
	"sync/atomic"
)

// HotFields names the fields a Reload applies to a running session. Every
// other change waits for the next session.
var HotFields = []string{
	"encode.bitrate",
	"clipboard.enable",
	"audio.enable",
	"log.level",
	"log.stats",
	"control.stop_grace",
}

// RestartFields names the fields that only take effect when the process
// restarts: the listeners and the control socket are bound once.
var RestartFields = []string{
	"bind_address",
	"tls",
	"control.socket",
}

// Store publishes the active snapshot. Readers never lock; Swap replaces the
// pointer atomically.
type Store struct {
	current atomic.Pointer[Config]
}

// NewStore returns a store holding cfg.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.current.Store(cfg)
	return s
}

// Load returns the active snapshot. Callers must not modify it.
func (s *Store) Load() *Config { return s.current.Load() }

// ReloadResult lists which changed fields took effect immediately, which
// apply to sessions created after the reload, and which need a restart.
type ReloadResult struct {
	Applied  []string `json:"applied" cbor:"applied"`
	Deferred []string `json:"deferred" cbor:"deferred"`
	Restart  []string `json:"restart,omitempty" cbor:"restart,omitempty"`
}

// Reload validates next and publishes it as the active snapshot. The result
// classifies every changed field against HotFields.
func (s *Store) Reload(next *Config) (ReloadResult, error) {
	if err := next.Validate(); err != nil {
		return ReloadResult{}, fmt.Errorf("invalid config: %w", err)
	}
	prev := s.current.Swap(next.Clone())
	return Diff(prev, next), nil
}

// Diff classifies the fields that differ between prev and next.
func Diff(prev, next *Config) ReloadResult {
	var result ReloadResult
	hot := make(map[string]bool, len(HotFields))
	for _, f := range HotFields {
		hot[f] = true
	}
	restart := make(map[string]bool, len(RestartFields))
	for _, f := range RestartFields {
		restart[f] = true
	}
	for _, name := range changedFields(prev, next) {
		switch {
		case hot[name]:
			result.Applied = append(result.Applied, name)
		case restart[name]:
			result.Restart = append(result.Restart, name)
		default:
			result.Deferred = append(result.Deferred, name)
		}
	}
	return result
}

// ApplyHot returns a copy of running with only the hot-reloadable fields
// taken from next. The session's geometry is not part of Config, so a reload
// can never change it.
func ApplyHot(running, next *Config) *Config {
	merged := running.Clone()
	merged.Encode.Bitrate = next.Encode.Bitrate
	merged.Clipboard.Enable = next.Clipboard.Enable
	merged.Audio.Enable = next.Audio.Enable
	merged.Log.Level = next.Log.Level
	merged.Log.Stats = next.Log.Stats
	merged.Control.StopGrace = next.Control.StopGrace
	return merged
}

func changedFields(a, b *Config) []string {
	var out []string
	check := func(name string, changed bool) {
		if changed {
			out = append(out, name)
		}
	}
	check("bind_address", a.BindAddress != b.BindAddress)
	check("static_display", a.StaticDisplay != b.StaticDisplay)
	check("tls", a.TLS != b.TLS)
	check("auth", a.Auth != b.Auth)
	check("capture.fps", a.Capture.FPS != b.Capture.FPS)
	check("capture.channel_capacity", a.Capture.ChannelCapacity != b.Capture.ChannelCapacity)
	check("capture.multi_monitor", a.Capture.MultiMonitor != b.Capture.MultiMonitor)
	check("capture.backend", a.Capture.Backend != b.Capture.Backend)
	check("encode.encoder", a.Encode.Encoder != b.Encode.Encoder)
	check("encode.codec", a.Encode.Codec != b.Encode.Codec)
	check("encode.preset", a.Encode.Preset != b.Encode.Preset)
	check("encode.bitrate", a.Encode.Bitrate != b.Encode.Bitrate)
	check("encode.gop", a.Encode.GOP != b.Encode.GOP)
	check("encode.tile_size", a.Encode.TileSize != b.Encode.TileSize)
	check("encode.max_rects", a.Encode.MaxRects != b.Encode.MaxRects)
	check("encode.full_frame_interval", a.Encode.FullFrameInterval != b.Encode.FullFrameInterval)
	check("encode.compression", a.Encode.Compression != b.Encode.Compression)
	check("clipboard.enable", a.Clipboard.Enable != b.Clipboard.Enable)
	check("clipboard.poll_interval", a.Clipboard.PollInterval != b.Clipboard.PollInterval)
	check("audio.enable", a.Audio.Enable != b.Audio.Enable)
	check("audio.sample_rate", a.Audio.SampleRate != b.Audio.SampleRate)
	check("audio.channels", a.Audio.Channels != b.Audio.Channels)
	check("audio.queue_depth", a.Audio.QueueDepth != b.Audio.QueueDepth)
	check("audio.backend", a.Audio.Backend != b.Audio.Backend)
	check("audio.listen", a.Audio.Listen != b.Audio.Listen)
	check("input", a.Input != b.Input)
	check("control.socket", a.Control.Socket != b.Control.Socket)
	check("control.stop_grace", a.Control.StopGrace != b.Control.StopGrace)
	check("log.level", a.Log.Level != b.Log.Level)
	check("log.stats", a.Log.Stats != b.Log.Stats)
	return out
}

package main

import (
	"time"

	"github.com/spf13/pflag"

	"rdpbridge/internal/config"
)

// configFlags binds command-line flags to a scratch Config. Only flags the
// user set are copied onto the loaded configuration, so a config file value
// is never clobbered by a flag default.
type configFlags struct {
	scratch config.Config
	fields  map[string]func(dst, src *config.Config)
}

func newConfigFlags(fs *pflag.FlagSet) *configFlags {
	f := &configFlags{scratch: *config.Default(), fields: make(map[string]func(dst, src *config.Config))}
	c := &f.scratch

	f.stringFlag(fs, "bind", &c.BindAddress, "client listen address (host:port)", func(d, s *config.Config) { d.BindAddress = s.BindAddress })
	f.boolFlag(fs, "static-display", &c.StaticDisplay, "serve a static test pattern instead of the desktop", func(d, s *config.Config) { d.StaticDisplay = s.StaticDisplay })

	f.stringFlag(fs, "tls-cert", &c.TLS.Cert, "TLS certificate file (PEM)", func(d, s *config.Config) { d.TLS.Cert = s.TLS.Cert })
	f.stringFlag(fs, "tls-key", &c.TLS.Key, "TLS private key file (PEM)", func(d, s *config.Config) { d.TLS.Key = s.TLS.Key })
	f.boolFlag(fs, "tls", &c.TLS.SelfSigned, "serve TLS with an ephemeral self-signed certificate", func(d, s *config.Config) { d.TLS.SelfSigned = s.TLS.SelfSigned })

	f.boolFlag(fs, "auth", &c.Auth.Enable, "require client authentication", func(d, s *config.Config) { d.Auth.Enable = s.Auth.Enable })
	f.stringFlag(fs, "token", &c.Auth.Token, "bearer token accepted for authentication", func(d, s *config.Config) { d.Auth.Token = s.Auth.Token })
	f.stringFlag(fs, "username", &c.Auth.Username, "username for basic authentication", func(d, s *config.Config) { d.Auth.Username = s.Auth.Username })
	f.stringFlag(fs, "password", &c.Auth.Password, "password or bcrypt hash for basic authentication", func(d, s *config.Config) { d.Auth.Password = s.Auth.Password })
	f.stringFlag(fs, "domain", &c.Auth.Domain, "domain accepted as DOMAIN\\user or user@DOMAIN", func(d, s *config.Config) { d.Auth.Domain = s.Auth.Domain })
	f.intFlag(fs, "auth-fail-limit", &c.Auth.FailLimit, "failed auth attempts allowed per client IP per window", func(d, s *config.Config) { d.Auth.FailLimit = s.Auth.FailLimit })
	f.durationFlag(fs, "auth-fail-window", (*time.Duration)(&c.Auth.FailWindow), "window for auth failure rate limiting", func(d, s *config.Config) { d.Auth.FailWindow = s.Auth.FailWindow })

	f.intFlag(fs, "fps", &c.Capture.FPS, "capture frame rate", func(d, s *config.Config) { d.Capture.FPS = s.Capture.FPS })
	f.intFlag(fs, "channel-capacity", &c.Capture.ChannelCapacity, "capture frame queue depth", func(d, s *config.Config) { d.Capture.ChannelCapacity = s.Capture.ChannelCapacity })
	f.boolFlag(fs, "multi-monitor", &c.Capture.MultiMonitor, "capture every monitor as one virtual desktop", func(d, s *config.Config) { d.Capture.MultiMonitor = s.Capture.MultiMonitor })
	f.stringFlag(fs, "capture", &c.Capture.Backend, "capture backend (screenshot or xshm)", func(d, s *config.Config) { d.Capture.Backend = s.Capture.Backend })

	f.stringFlag(fs, "encoder", &c.Encode.Encoder, "preferred encoder (vaapi, nvenc, software, bitmap)", func(d, s *config.Config) { d.Encode.Encoder = s.Encode.Encoder })
	f.stringFlag(fs, "codec", &c.Encode.Codec, "video codec (h264 or h265)", func(d, s *config.Config) { d.Encode.Codec = s.Encode.Codec })
	f.stringFlag(fs, "preset", &c.Encode.Preset, "encoder preset", func(d, s *config.Config) { d.Encode.Preset = s.Encode.Preset })
	f.intFlag(fs, "bitrate", &c.Encode.Bitrate, "video bitrate in kbps", func(d, s *config.Config) { d.Encode.Bitrate = s.Encode.Bitrate })
	f.intFlag(fs, "gop", &c.Encode.GOP, "keyframe interval in frames (0 = 2x FPS)", func(d, s *config.Config) { d.Encode.GOP = s.Encode.GOP })
	f.intFlag(fs, "tile-size", &c.Encode.TileSize, "bitmap dirty-tile edge in pixels", func(d, s *config.Config) { d.Encode.TileSize = s.Encode.TileSize })
	f.stringFlag(fs, "compression", &c.Encode.Compression, "bitmap tile compression (none, lz4, zstd)", func(d, s *config.Config) { d.Encode.Compression = s.Encode.Compression })

	f.boolFlag(fs, "clipboard", &c.Clipboard.Enable, "synchronize the clipboard", func(d, s *config.Config) { d.Clipboard.Enable = s.Clipboard.Enable })
	f.boolFlag(fs, "audio", &c.Audio.Enable, "forward desktop audio", func(d, s *config.Config) { d.Audio.Enable = s.Audio.Enable })
	f.stringFlag(fs, "audio-backend", &c.Audio.Backend, "audio source (pulse or udp)", func(d, s *config.Config) { d.Audio.Backend = s.Audio.Backend })
	f.stringFlag(fs, "audio-listen", &c.Audio.Listen, "UDP address for the udp audio source", func(d, s *config.Config) { d.Audio.Listen = s.Audio.Listen })

	f.stringFlag(fs, "control-socket", &c.Control.Socket, "control socket path", func(d, s *config.Config) { d.Control.Socket = s.Control.Socket })
	f.durationFlag(fs, "stop-grace", (*time.Duration)(&c.Control.StopGrace), "time a stopping session gets to finish", func(d, s *config.Config) { d.Control.StopGrace = s.Control.StopGrace })

	f.stringFlag(fs, "log-level", &c.Log.Level, "log level (debug, info, warn, error)", func(d, s *config.Config) { d.Log.Level = s.Log.Level })
	f.boolFlag(fs, "stats", &c.Log.Stats, "log pipeline stats every 5 seconds", func(d, s *config.Config) { d.Log.Stats = s.Log.Stats })
	return f
}

func (f *configFlags) stringFlag(fs *pflag.FlagSet, name string, p *string, usage string, apply func(d, s *config.Config)) {
	fs.StringVar(p, name, *p, usage)
	f.fields[name] = apply
}

func (f *configFlags) boolFlag(fs *pflag.FlagSet, name string, p *bool, usage string, apply func(d, s *config.Config)) {
	fs.BoolVar(p, name, *p, usage)
	f.fields[name] = apply
}

func (f *configFlags) intFlag(fs *pflag.FlagSet, name string, p *int, usage string, apply func(d, s *config.Config)) {
	fs.IntVar(p, name, *p, usage)
	f.fields[name] = apply
}

func (f *configFlags) durationFlag(fs *pflag.FlagSet, name string, p *time.Duration, usage string, apply func(d, s *config.Config)) {
	fs.DurationVar(p, name, *p, usage)
	f.fields[name] = apply
}

// apply copies every flag the user set onto cfg.
func (f *configFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	fs.Visit(func(flag *pflag.Flag) {
		if set, ok := f.fields[flag.Name]; ok {
			set(cfg, &f.scratch)
		}
	})
}

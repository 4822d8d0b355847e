// rdpbridge serves the local desktop to one remote client at a time over
// WebRTC, with clipboard and audio side channels.
//
// Usage:
//
//	rdpbridge [--config file] [flags]
//	rdpbridge control [--socket path] status|reload|stop|watch
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"rdpbridge/internal/audio"
	"rdpbridge/internal/capture"
	"rdpbridge/internal/capture/screenshot"
	"rdpbridge/internal/capture/xshm"
	"rdpbridge/internal/config"
	"rdpbridge/internal/control"
	"rdpbridge/internal/desktop"
	"rdpbridge/internal/encode"
	"rdpbridge/internal/encode/ffmpeg"
	"rdpbridge/internal/input"
	"rdpbridge/internal/server"
	"rdpbridge/internal/session"
	tlsutil "rdpbridge/internal/tls"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) > 0 && args[0] == "control" {
		return runControl(args[1:])
	}

	fs := pflag.NewFlagSet("rdpbridge", pflag.ContinueOnError)
	configPath := fs.String("config", "", "config file (YAML, JSON or JSONC)")
	display := fs.String("display", "", "X display for the xshm capture backend (default $DISPLAY)")
	vaapiDevice := fs.String("vaapi-device", "", "DRM render node for the vaapi encoder")
	allowOrigins := fs.StringSlice("allow-origins", nil, "CORS allowlist in addition to same-origin; * allows any")
	offerTimeout := fs.Duration("offer-timeout", 10*time.Second, "timeout for WHEP offer processing and ICE gathering")
	overrides := newConfigFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	load := func() (*config.Config, error) {
		cfg := config.Default()
		if *configPath != "" {
			var err error
			if cfg, err = config.Load(*configPath); err != nil {
				return nil, err
			}
		}
		overrides.apply(fs, cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	cfg, err := load()
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	logger := newLogger(level)
	slog.SetDefault(logger)

	store := config.NewStore(cfg)
	encoders := encode.NewRegistry()
	ffmpeg.Register(encoders, ffmpeg.Options{VAAPIDevice: *vaapiDevice})

	// Capture and audio backends follow the config snapshot of each
	// session, so a reload takes effect on the next connect.
	o := session.New(session.Options{
		Config:  store,
		Capture: capture.NewAdapter(capture.Options{Logger: logger}),
		CaptureBackends: func(c *config.Config) []capture.Backend {
			return captureBackends(c, *display)
		},
		Encoders:     encoders,
		InputSink:    func() (input.Sink, error) { return desktop.NewSink(), nil },
		Clipboard:    desktop.Clipboard{},
		AudioBackend: func(c *config.Config) audio.Backend { return audioBackend(c, logger) },
		Level:        level,
		Logger:       logger,
	})
	plane := control.NewPlane(o, store, load, logger)

	tlsConfig, err := tlsutil.LoadOrGenerate(cfg.TLS, logger)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	ln, err := net.Listen("tcp", cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.BindAddress, err)
	}
	srv := server.New(server.Options{
		Orchestrator: o,
		Plane:        plane,
		Config:       store,
		TLS:          tlsConfig,
		AllowOrigins: *allowOrigins,
		OfferTimeout: *offerTimeout,
		Logger:       logger,
	})
	sock := control.NewSocketServer(cfg.Control.Socket, plane, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(ctx, plane, logger)
	// A stop from any path shuts the listeners down.
	go func() {
		select {
		case <-o.Stopped():
			cancel()
		case <-ctx.Done():
		}
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Serve(ctx, ln) }()
	go func() { errCh <- sock.Serve(ctx) }()

	var firstErr error
	for range 2 {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}

	// Waits out a teardown that a stop request started.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), store.Load().Control.StopGrace.Duration()+5*time.Second)
	defer stopCancel()
	if err := o.Stop(stopCtx); err != nil {
		logger.Warn("session did not stop cleanly", "error", err)
	}
	logger.Info("stopped")
	return firstErr
}

// newLogger writes text to a terminal and JSON otherwise.
func newLogger(level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// handleSignals maps SIGINT/SIGTERM to Stop and SIGHUP to Reload.
func handleSignals(ctx context.Context, plane *control.Plane, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				result, err := plane.Reload(ctx)
				if err != nil {
					logger.Error("reload failed", "error", err)
					continue
				}
				logger.Info("reloaded", "applied", result.Applied, "deferred", result.Deferred, "restart", result.Restart)
				continue
			}
			logger.Info("shutting down", "signal", sig.String())
			if err := plane.Stop(context.Background()); err != nil {
				logger.Warn("stop", "error", err)
			}
			return
		}
	}
}

func captureBackends(cfg *config.Config, display string) []capture.Backend {
	grabber := screenshot.Backend{Pointer: desktop.PointerPosition}
	if cfg.Capture.Backend == "xshm" {
		return []capture.Backend{xshm.Backend{Display: display}, grabber}
	}
	return []capture.Backend{grabber}
}

func audioBackend(cfg *config.Config, logger *slog.Logger) audio.Backend {
	if cfg.Audio.Backend == "udp" {
		return audio.UDPBackend{Listen: cfg.Audio.Listen, Logger: logger}
	}
	return audio.PulseBackend{Logger: logger}
}

// Package control exposes the management operations of a running server:
// status, reload, stop and a stream of state changes. The same Plane backs
// the unix control socket, the HTTP status endpoints and the signal
// handler, so every path to Stop is the same path.
package control

import (
	"context"
	"log/slog"

	"rdpbridge/internal/config"
	"rdpbridge/internal/session"
	"rdpbridge/internal/types"
)

// Status is the control-plane view of the server.
type Status struct {
	session.Status
	BindAddress string `json:"bind_address" cbor:"bind_address"`
}

// Plane routes control intents to the orchestrator.
type Plane struct {
	o     *session.Orchestrator
	store *config.Store
	// load produces the configuration a reload should apply, typically by
	// re-reading the config file and re-applying command-line overrides.
	load   func() (*config.Config, error)
	logger *slog.Logger
}

func NewPlane(o *session.Orchestrator, store *config.Store, load func() (*config.Config, error), logger *slog.Logger) *Plane {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plane{o: o, store: store, load: load, logger: logger.With("component", "control")}
}

// GetStatus returns the current status.
func (p *Plane) GetStatus() Status {
	return Status{Status: p.o.Snapshot(), BindAddress: p.store.Load().BindAddress}
}

// Reload re-reads the configuration and applies it.
func (p *Plane) Reload(ctx context.Context) (config.ReloadResult, error) {
	if p.load == nil {
		return config.ReloadResult{}, types.Errorf(types.KindProtocolViolation, "control.reload", "no configuration source")
	}
	cfg, err := p.load()
	if err != nil {
		p.logger.Warn("reload rejected", "error", err)
		return config.ReloadResult{}, types.NewError(types.KindProtocolViolation, "control.reload", err)
	}
	return p.o.Reload(ctx, cfg)
}

// Stop shuts the server down gracefully.
func (p *Plane) Stop(ctx context.Context) error {
	return p.o.Stop(ctx)
}

// Watch streams state changes until ctx ends; the channel is then closed.
func (p *Plane) Watch(ctx context.Context) <-chan session.Event {
	ch, cancel := p.o.Subscribe(32)
	context.AfterFunc(ctx, cancel)
	return ch
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"rdpbridge/internal/config"
	"rdpbridge/internal/control"
	"rdpbridge/internal/session"
)

func runControl(args []string) error {
	fs := pflag.NewFlagSet("rdpbridge control", pflag.ContinueOnError)
	socket := fs.String("socket", config.DefaultControlSocket(), "control socket path")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: rdpbridge control [--socket path] status|reload|stop|watch")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	client := control.NewClient(*socket)
	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")

	switch action := fs.Arg(0); action {
	case control.ActionStatus:
		st, err := client.Status(ctx)
		if err != nil {
			return err
		}
		return out.Encode(st)
	case control.ActionReload:
		var result config.ReloadResult
		if err := client.Call(ctx, control.ActionReload, &result); err != nil {
			return err
		}
		return out.Encode(result)
	case control.ActionStop:
		return client.Call(ctx, control.ActionStop, nil)
	case control.ActionWatch:
		lines := json.NewEncoder(os.Stdout)
		return client.Watch(ctx,
			func(st control.Status) { lines.Encode(st) },
			func(ev session.Event) { lines.Encode(ev) })
	default:
		return fmt.Errorf("unknown control action %q", action)
	}
}

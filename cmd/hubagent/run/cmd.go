// Package run is the service mode: keep device connected and reporting.
package run

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/hubagent/cmd/hubagent/subcmd"
	"github.com/temoto/hubagent/internal/state"
)

const (
	modName     = "run"
	stopTimeout = 5 * time.Second
)

var Mod = subcmd.Mod{Name: modName, Usage: "connect to hub and publish telemetry until stopped", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.Notify = func(s string) { subcmd.SdNotify(g.Log, s) }
	if d, err := daemon.SdWatchdogEnabled(false); err != nil {
		g.Log.Errorf("systemd watchdog: %v", err)
	} else if d > 0 {
		// notify twice per watchdog period
		g.WatchdogInterval = d / 2
	}
	if err := g.Init(ctx, config); err != nil {
		return errors.Annotate(err, "init")
	}

	g.Log.Debugf("init complete, running")
	err := g.Run(ctx)
	subcmd.SdNotify(g.Log, daemon.SdNotifyStopping)
	g.StopWait(stopTimeout)
	return err
}

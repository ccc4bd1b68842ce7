// Package subcmd turns hubagent modules into urfave/cli commands sharing
// config, logging and Global setup.
package subcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/hubagent/internal/state"
	"github.com/temoto/hubagent/log2"
	"github.com/urfave/cli/v3"
)

type Mod struct {
	Name  string
	Usage string
	// Main gets context with *state.Global, see state.GetGlobal.
	Main func(context.Context, *state.Config) error
}

const FlagConfig = "config"

// Command wraps mod with config read and Global setup.
func Command(log *log2.Log, buildVersion string, mod Mod) *cli.Command {
	if mod.Name == "" {
		panic("code error subcmd.Mod.Name=''")
	}
	return &cli.Command{
		Name:  mod.Name,
		Usage: mod.Usage,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			config, err := state.ReadConfig(log, state.NewOsFullReader(), cmd.String(FlagConfig))
			if err != nil {
				return errors.Annotate(err, "config")
			}
			g := state.NewGlobal(NewLog(log, config), buildVersion)
			ctx = g.Context(ctx)

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigs)
			go func() {
				select {
				case sig := <-sigs:
					g.Log.Infof("signal=%v stopping", sig)
					g.Stop()
				case <-g.Alive.StopChan():
				}
			}()

			return mod.Main(ctx, config)
		},
	}
}

// NewLog applies log_file and log_debug from config.
func NewLog(base *log2.Log, config *state.Config) *log2.Log {
	level := log2.LInfo
	if config.LogDebug {
		level = log2.LDebug
	}
	if config.LogFile != "" {
		return log2.NewFile(config.LogFile, config.LogFileMB, level)
	}
	return base.Clone(level)
}

// SdNotify returns false when not running under systemd.
func SdNotify(log *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Errorf("sdnotify: %v", errors.ErrorStack(err))
	}
	return ok
}

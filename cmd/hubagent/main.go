package main

import (
	"context"
	"os"

	"github.com/juju/errors"
	"github.com/temoto/hubagent/cmd/hubagent/console"
	"github.com/temoto/hubagent/cmd/hubagent/identity"
	"github.com/temoto/hubagent/cmd/hubagent/run"
	"github.com/temoto/hubagent/cmd/hubagent/subcmd"
	"github.com/temoto/hubagent/log2"
	"github.com/urfave/cli/v3"
)

var BuildVersion string = "unknown" // set by ldflags -X

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	run.Mod,
	identity.Mod,
	console.Mod,
}

func main() {
	log.SetFlags(log2.AutoFlags())

	commands := make([]*cli.Command, 0, len(modules))
	for _, mod := range modules {
		commands = append(commands, subcmd.Command(log, BuildVersion, mod))
	}
	app := &cli.Command{
		Name:    "hubagent",
		Usage:   "IoT hub device agent",
		Version: BuildVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  subcmd.FlagConfig,
				Value: "hubagent.hcl",
				Usage: "path to HCL config",
			},
		},
		DefaultCommand: run.Mod.Name,
		Commands:       commands,
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

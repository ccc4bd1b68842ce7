// Package console runs the agent with interactive line input.
// Useful for bench testing a device: inspect state, send ad-hoc telemetry.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/hubagent/cmd/hubagent/subcmd"
	"github.com/temoto/hubagent/helpers/cli"
	"github.com/temoto/hubagent/internal/state"
)

const modName = "console"

var Mod = subcmd.Mod{Name: modName, Usage: "run agent with interactive commands", Main: Main}

const usage = `commands:
- status       connection state and counters
- send TEXT    publish TEXT instead of next telemetry tick
- quit         stop agent, Ctrl-D leaves console
`

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	if err := g.Init(ctx, config); err != nil {
		return errors.Annotate(err, "init")
	}

	runErr := make(chan error, 1)
	go func() {
		err := g.Run(ctx)
		if err != nil {
			g.Log.Errorf("run: %v", err)
		}
		runErr <- err
	}()

	err := cli.MainLoop(modName, newExecutor(g, os.Stdout), newCompleter())
	g.Stop()
	if e := <-runErr; e != nil && err == nil {
		err = e
	}
	g.StopWait(0)
	return err
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "status", Description: "connection state and counters"},
		{Text: "send", Description: "publish text"},
		{Text: "quit", Description: "stop agent"},
		{Text: "help"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}

func newExecutor(g *state.Global, w io.Writer) func(string) {
	return func(line string) {
		word, arg := line, ""
		if i := strings.IndexByte(line, ' '); i >= 0 {
			word, arg = line[:i], strings.TrimSpace(line[i+1:])
		}
		switch word {
		case "":
		case "status":
			fmt.Fprintln(w, g.Summary())
		case "send":
			if arg == "" {
				fmt.Fprintln(w, "error: send requires text")
				return
			}
			if g.Publisher == nil {
				fmt.Fprintln(w, "error: not initialized")
				return
			}
			g.Publisher.Enqueue([]byte(arg))
			fmt.Fprintf(w, "queued %d bytes\n", len(arg))
		case "quit", "exit":
			g.Stop()
			fmt.Fprintln(w, "agent stopped")
		case "help", "?":
			fmt.Fprint(w, usage)
		default:
			fmt.Fprintf(w, "error: unknown command=%s\n%s", word, usage)
		}
	}
}

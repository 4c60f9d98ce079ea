package main

import (
	"context"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/shadowslasher410/xoreos-tools/nwscript"
)

func main() {
	infoCmd := &cli.Command{
		Name:   "info",
		Action: infoAct,
		Args:   cli.Args{},
		Flags: []*cli.Flag{
			cli.NewFlag("game", "nwn", "game the scripts belong to"),
		},
	}

	app := &cli.Command{
		Name:        "ncsinfo",
		Description: "ncsinfo inspects compiled NWScript bytecode (NCS files)",
		Commands: []*cli.Command{
			infoCmd,
		},
		Flags: []*cli.Flag{
			cli.NewFlag("v", "", "log verbosity topics"),
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func infoAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	if v := c.String("v"); v != "" {
		tlog.SetVerbosity(v)
	}

	game, ok := nwscript.ParseGame(c.String("game"))
	if !ok {
		return errors.New("unknown game: %v", c.String("game"))
	}

	for _, a := range c.Args {
		err = info(ctx, a, game)
		if err != nil {
			return errors.Wrap(err, "inspect %v", a)
		}
	}

	return nil
}

func info(ctx context.Context, name string, game nwscript.GameID) (err error) {
	n, err := nwscript.LoadFile(ctx, name)
	if err != nil {
		return errors.Wrap(err, "load")
	}

	n.AnalyzeStack(ctx, game)

	fmt.Printf("%s: %d bytes, %d instructions, %d blocks, %d subroutines\n",
		name, n.Size(), len(n.Instructions()), len(n.Blocks().Blocks), len(n.SubRoutines()))

	if n.HasStackAnalysis() {
		fmt.Printf("stack analysis: ok, %d variables, %d globals\n", n.Variables().Len(), n.GlobalVariables().Len())
	} else {
		fmt.Printf("stack analysis: failed\n")
	}

	if n.MultipleGlobals() {
		fmt.Printf("warning: multiple global-initializer candidates\n")
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"entry", "type", "blocks"})

	for _, sub := range n.SubRoutines() {
		table.Append([]string{
			fmt.Sprintf("%08x", sub.Address),
			sub.Type.String(),
			fmt.Sprintf("%d", len(sub.Blocks)),
		})
	}

	table.Render()

	return nil
}

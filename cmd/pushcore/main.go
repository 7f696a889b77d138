// Package main is the entry point of the pushcore CLI.
package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/ocibuild/pushcore/pkg/cmdhelper"
	"github.com/ocibuild/pushcore/pkg/commands"
	"github.com/ocibuild/pushcore/pkg/commands/push"
	"github.com/ocibuild/pushcore/pkg/xlog"
)

func main() {
	var logFile string
	app := cli.Command{
		Name:                  "pushcore",
		Usage:                 "pushcore pushes container images to an OCI/Docker distribution registry",
		Suggest:               true,
		EnableShellCompletion: true,
		HideVersion:           true,
		HideHelpCommand:       true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "also write rotated JSON logs to this file",
				Sources:     cli.EnvVars("PUSHCORE_LOG_FILE"),
				Destination: &logFile,
			},
		},
		Before: cli.BeforeFunc(func(_ context.Context, _ *cli.Command) error {
			cfg := xlog.NewConfig()
			cfg.Path = logFile
			xlog.SetDefault(xlog.New(cfg))
			return nil
		}),
		Commands: []*cli.Command{
			commands.NewVersionCommand().ToCLI(),
			push.NewCommand().ToCLI(),
		},
		ExitErrHandler: func(_ context.Context, c *cli.Command, err error) {
			cli.HandleExitCoder(err)
			cmdhelper.Fprintf(c.ErrWriter, "Error: %+v\n", err)
			os.Exit(1)
		},
	}
	//nolint:errcheck // already checked in root command ExitErrHandler
	_ = app.Run(context.Background(), os.Args)
}

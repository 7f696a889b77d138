// Package commands holds the CLI's top-level, application-generic
// subcommands.
package commands

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/ocibuild/pushcore/pkg/appinfo"
	"github.com/ocibuild/pushcore/pkg/cmd"
)

// NewVersionCommand returns a version command with default values.
func NewVersionCommand() *VersionCommand {
	return &VersionCommand{Format: "text"}
}

// VersionCommand prints build version information.
type VersionCommand struct {
	Short  bool
	Format string
}

// ToCLI transforms to a *cli.Command.
func (c *VersionCommand) ToCLI() *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version",
		Flags:  c.Flags(),
		Before: cli.BeforeFunc(cmd.NoArgs()),
		Action: c.Run,
	}
}

// Flags returns the flags of the command.
func (c *VersionCommand) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:        "short",
			Aliases:     []string{"s"},
			Usage:       "short output",
			Value:       c.Short,
			Destination: &c.Short,
		},
		&cli.StringFlag{
			Name:        "format",
			Aliases:     []string{"f"},
			Usage:       `output format, oneof ["text", "json", "yaml"]`,
			Value:       c.Format,
			Destination: &c.Format,
		},
	}
}

// Run implements *cli.Command's Action function.
func (c *VersionCommand) Run(_ context.Context, cc *cli.Command) error {
	return appinfo.NewVersionWriter(appinfo.GetVersion()).
		SetShort(c.Short).
		SetFormat(c.Format).
		SetAppName(cc.Root().Name).
		Write(cc.Writer)
}

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"
)

type VersionCmd struct {
	flags   *Flags
	version string
}

func NewVersionCmd(flags *Flags, version string) *VersionCmd {
	return &VersionCmd{flags: flags, version: version}
}

func (cmd *VersionCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:   "version",
		Usage:  "Print the client and daemon versions",
		Action: cmd.run,
	})
	return app
}

func (cmd *VersionCmd) run(ctx context.Context, c *cli.Command) error {
	w := c.Root().Writer
	fmt.Fprintf(w, "inloop %s\n", cmd.version)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	st, err := cmd.flags.client().Status(ctx)
	if err != nil {
		fmt.Fprintln(w, mutedStyle.Render("daemon not running"))
		return nil
	}
	fmt.Fprintf(w, "daemon %s (up %s, %d checks in flight)\n", st.Version, st.Uptime, st.InFlight)
	return nil
}

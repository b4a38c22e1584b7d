package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/uesteibar/inloop/internal/client"
)

type AddCmd struct {
	flags    *Flags
	title    string
	interval string
}

func NewAddCmd(flags *Flags) *AddCmd {
	return &AddCmd{flags: flags}
}

func (cmd *AddCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "add",
		Usage:     "Track a Slack thread, GitHub Actions run or pull request",
		UsageText: "inloop add [--title T] [--interval D] <url>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "title",
				Usage:       "title to show instead of the derived one",
				Destination: &cmd.title,
			},
			&cli.StringFlag{
				Name:        "interval",
				Usage:       "polling interval for this item (seconds or a duration like 2m)",
				Destination: &cmd.interval,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *AddCmd) run(ctx context.Context, c *cli.Command) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one url, got %d", c.Args().Len())
	}

	it, err := cmd.flags.client().Add(ctx, client.AddRequest{
		Input:        c.Args().First(),
		Title:        cmd.title,
		PollInterval: cmd.interval,
	})
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(c.Root().Writer, "%s  %s  %s\n", idStyle.Render(it.ID), it.Type, it.Title)
	return err
}

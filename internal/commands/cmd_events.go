package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"
)

type EventsCmd struct {
	flags  *Flags
	limit  int
	offset int
}

func NewEventsCmd(flags *Flags) *EventsCmd {
	return &EventsCmd{flags: flags}
}

func (cmd *EventsCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "events",
		Usage:     "Show an item's event log, newest first",
		UsageText: "inloop events [--limit N] [--offset N] <id>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "limit",
				Value:       50,
				Destination: &cmd.limit,
			},
			&cli.IntFlag{
				Name:        "offset",
				Destination: &cmd.offset,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *EventsCmd) run(ctx context.Context, c *cli.Command) error {
	id, err := requireID(c)
	if err != nil {
		return err
	}

	events, err := cmd.flags.client().Events(ctx, id, cmd.limit, cmd.offset)
	if err != nil {
		return err
	}

	w := c.Root().Writer
	for _, ev := range events {
		transition := ""
		if ev.FromStatus != "" || ev.ToStatus != "" {
			transition = fmt.Sprintf(" %s -> %s", ev.FromStatus, ev.ToStatus)
		}
		detail := ""
		if ev.Detail != "" {
			detail = "  " + mutedStyle.Render(ev.Detail)
		}
		fmt.Fprintf(w, "%s  %s%s%s\n",
			mutedStyle.Render(ev.CreatedAt.Local().Format(time.DateTime)),
			headerStyle.Render(ev.EventType), transition, detail)
	}
	return nil
}

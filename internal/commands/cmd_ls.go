package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/uesteibar/inloop/internal/client"
	"github.com/uesteibar/inloop/internal/item"
)

type LsCmd struct {
	flags    *Flags
	archived bool
	all      bool
}

func NewLsCmd(flags *Flags) *LsCmd {
	return &LsCmd{flags: flags}
}

func (cmd *LsCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "ls",
		Usage:     "List tracked items",
		UsageText: "inloop ls [--archived | --all]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "archived",
				Usage:       "list archived items only",
				Destination: &cmd.archived,
			},
			&cli.BoolFlag{
				Name:        "all",
				Usage:       "list archived and active items",
				Destination: &cmd.all,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *LsCmd) run(ctx context.Context, c *cli.Command) error {
	which := client.Active
	switch {
	case cmd.all:
		which = client.AllItems
	case cmd.archived:
		which = client.ArchivedOnly
	}

	items, err := cmd.flags.client().List(ctx, which)
	if err != nil {
		return err
	}
	return printItems(c.Root().Writer, items, time.Now())
}

func printItems(w io.Writer, items []item.Item, now time.Time) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, mutedStyle.Render("nothing tracked"))
		return err
	}

	fmt.Fprintf(w, "%s  %s  %s  %s\n",
		headerStyle.Width(36).Render("ID"),
		headerStyle.Width(statusWidth).Render("STATUS"),
		headerStyle.Width(8).Render("UPDATED"),
		headerStyle.Render("TITLE"))
	for _, it := range items {
		title := it.Title
		if it.Archived {
			title += mutedStyle.Render(" [archived]")
		}
		if _, err := fmt.Fprintf(w, "%s  %s  %s  %s\n",
			idStyle.Width(36).Render(it.ID),
			statusLabel(it),
			mutedStyle.Width(8).Render(ago(now, it.LastUpdatedAt)),
			title,
		); err != nil {
			return err
		}
	}
	return nil
}

// ago formats the time since t compactly: 45s, 12m, 3h, 2d.
func ago(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/uesteibar/inloop/internal/client"
	"github.com/uesteibar/inloop/internal/item"
)

// ItemCmds registers the single-item actions: ack, archive, unarchive and rm.
type ItemCmds struct {
	flags *Flags
}

func NewItemCmds(flags *Flags) *ItemCmds {
	return &ItemCmds{flags: flags}
}

func (cmd *ItemCmds) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands,
		&cli.Command{
			Name:      "ack",
			Usage:     "Acknowledge an updated item",
			UsageText: "inloop ack <id>",
			Action: cmd.action(func(c *client.Client) func(context.Context, string) (item.Item, error) {
				return c.Acknowledge
			}),
		},
		&cli.Command{
			Name:      "archive",
			Usage:     "Archive an item and stop polling it",
			UsageText: "inloop archive <id>",
			Action: cmd.action(func(c *client.Client) func(context.Context, string) (item.Item, error) {
				return c.Archive
			}),
		},
		&cli.Command{
			Name:      "unarchive",
			Usage:     "Restore an archived item",
			UsageText: "inloop unarchive <id>",
			Action: cmd.action(func(c *client.Client) func(context.Context, string) (item.Item, error) {
				return c.Unarchive
			}),
		},
		&cli.Command{
			Name:      "rm",
			Usage:     "Stop tracking an item and delete its history",
			UsageText: "inloop rm <id>",
			Action:    cmd.remove,
		},
	)
	return app
}

func (cmd *ItemCmds) action(pick func(*client.Client) func(context.Context, string) (item.Item, error)) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		id, err := requireID(c)
		if err != nil {
			return err
		}
		it, err := pick(cmd.flags.client())(ctx, id)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(c.Root().Writer, "%s  %s  %s\n", idStyle.Render(it.ID), statusLabel(it), it.Title)
		return err
	}
}

func (cmd *ItemCmds) remove(ctx context.Context, c *cli.Command) error {
	id, err := requireID(c)
	if err != nil {
		return err
	}
	if err := cmd.flags.client().Delete(ctx, id); err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.Root().Writer, "removed %s\n", id)
	return err
}

func requireID(c *cli.Command) (string, error) {
	if c.Args().Len() != 1 {
		return "", fmt.Errorf("expected exactly one item id, got %d", c.Args().Len())
	}
	return c.Args().First(), nil
}

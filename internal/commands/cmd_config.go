package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

type ConfigCmd struct {
	flags *Flags
}

func NewConfigCmd(flags *Flags) *ConfigCmd {
	return &ConfigCmd{flags: flags}
}

func (cmd *ConfigCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "config",
		Usage: "Inspect configuration and runtime settings",
		Commands: []*cli.Command{
			{
				Name:      "set-interval",
				Usage:     "Set the global polling interval on the running daemon",
				UsageText: "inloop config set-interval <seconds|duration>",
				Action:    cmd.setInterval,
			},
			{
				Name:   "get-interval",
				Usage:  "Show the global polling interval",
				Action: cmd.getInterval,
			},
			{
				Name:   "show",
				Usage:  "Print the effective configuration",
				Action: cmd.show,
			},
		},
	})
	return app
}

func (cmd *ConfigCmd) setInterval(ctx context.Context, c *cli.Command) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one interval, got %d", c.Args().Len())
	}
	s, err := cmd.flags.client().SetPollInterval(ctx, c.Args().First())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.Root().Writer, "poll_interval = %s\n", s.Value)
	return err
}

func (cmd *ConfigCmd) getInterval(ctx context.Context, c *cli.Command) error {
	s, err := cmd.flags.client().PollInterval(ctx)
	if err != nil {
		return err
	}
	if s.Value == "" {
		_, err = fmt.Fprintf(c.Root().Writer, "poll_interval = %s %s\n", s.Default, mutedStyle.Render("(config default)"))
		return err
	}
	_, err = fmt.Fprintf(c.Root().Writer, "poll_interval = %s\n", s.Value)
	return err
}

func (cmd *ConfigCmd) show(_ context.Context, c *cli.Command) error {
	data, err := yaml.Marshal(cmd.flags.Config)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	_, err = c.Root().Writer.Write(data)
	return err
}

package commands

import (
	"context"
	"fmt"
	"io"
	stdlog "log"

	"github.com/hpcloud/tail"
	"github.com/urfave/cli/v3"

	"github.com/uesteibar/inloop/internal/client"
	"github.com/uesteibar/inloop/internal/item"
)

type TailCmd struct {
	flags    *Flags
	noFollow bool
}

func NewTailCmd(flags *Flags) *TailCmd {
	return &TailCmd{flags: flags}
}

func (cmd *TailCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "tail",
		Usage:     "Follow the transcript of an agent session",
		UsageText: "inloop tail [--no-follow] <session-or-item-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "no-follow",
				Usage:       "print the transcript and exit",
				Destination: &cmd.noFollow,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *TailCmd) run(ctx context.Context, c *cli.Command) error {
	id, err := requireID(c)
	if err != nil {
		return err
	}

	path, err := transcriptPath(ctx, cmd.flags.client(), id)
	if err != nil {
		return err
	}

	t, err := tail.TailFile(path, tail.Config{
		Follow:    !cmd.noFollow,
		ReOpen:    !cmd.noFollow,
		MustExist: cmd.noFollow,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekStart},
		Logger:    stdlog.New(io.Discard, "", 0),
	})
	if err != nil {
		return fmt.Errorf("tailing %s: %w", path, err)
	}
	defer t.Cleanup()

	w := c.Root().Writer
	for {
		select {
		case <-ctx.Done():
			_ = t.Stop()
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				return line.Err
			}
			fmt.Fprintln(w, line.Text)
		}
	}
}

// transcriptPath accepts a session id or the id of an agent session item.
func transcriptPath(ctx context.Context, api *client.Client, id string) (string, error) {
	sess, err := api.Session(ctx, id)
	switch {
	case err == nil:
		if sess.TranscriptPath == "" {
			return "", fmt.Errorf("session %s has no transcript (only agent sessions record one)", id)
		}
		return sess.TranscriptPath, nil
	case !client.IsNotFound(err):
		return "", err
	}

	it, err := api.Get(ctx, id)
	if err != nil {
		if client.IsNotFound(err) {
			return "", fmt.Errorf("no session or item with id %s", id)
		}
		return "", err
	}
	md, ok := it.Metadata.(item.AgentSession)
	if !ok || md.TranscriptPath == "" {
		return "", fmt.Errorf("item %s is a %s, only agent sessions record a transcript", id, it.Type)
	}
	return md.TranscriptPath, nil
}

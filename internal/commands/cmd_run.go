package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/uesteibar/inloop/internal/client"
	"github.com/uesteibar/inloop/internal/config"
	"github.com/uesteibar/inloop/internal/ingest"
	"github.com/uesteibar/inloop/internal/item"
	"github.com/uesteibar/inloop/internal/ptywrap"
	"github.com/uesteibar/inloop/internal/resolve"
	"github.com/uesteibar/inloop/internal/shell"
	"github.com/uesteibar/inloop/internal/waitdetect"
)

const reportTimeout = 5 * time.Second

type RunCmd struct {
	flags *Flags
	title string
	agent bool
	plain bool
}

func NewRunCmd(flags *Flags) *RunCmd {
	return &RunCmd{flags: flags}
}

func (cmd *RunCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "run",
		Usage:     "Run a command and track it until it finishes",
		UsageText: "inloop run [--title T] [--agent | --plain] -- <command> [args...]",
		Description: `Registers the command with the daemon, marks it in progress, runs it and
reports completed or failed when it exits. The wrapper exits with the
command's exit code.

Commands whose program matches a configured agent pattern run on a
pseudo-terminal. Their output is written to a transcript that 'inloop tail'
can follow, and the item is marked completed as soon as the agent looks idle
and waiting for input.

If the daemon is not running the command still runs untracked.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "title",
				Usage:       "title for the tracked item (defaults to the command line)",
				Destination: &cmd.title,
			},
			&cli.BoolFlag{
				Name:        "agent",
				Usage:       "treat the command as an interactive agent",
				Destination: &cmd.agent,
			},
			&cli.BoolFlag{
				Name:        "plain",
				Usage:       "treat the command as a plain CLI session",
				Destination: &cmd.plain,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *RunCmd) run(ctx context.Context, c *cli.Command) error {
	args := c.Args().Slice()
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	if len(args) == 0 {
		return fmt.Errorf("expected a command to run")
	}
	if cmd.agent && cmd.plain {
		return fmt.Errorf("--agent and --plain are mutually exclusive")
	}

	line := strings.Join(args, " ")
	agent := cmd.agent || (!cmd.plain && resolve.New(cmd.flags.Config.Agents).IsAgent(line))

	// The wrapper outlives the child on interrupt so it can report how the
	// child ended; the terminal delivers the signal to the child directly.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	cwd, _ := os.Getwd()
	w := &wrapper{
		api:    cmd.flags.client(),
		stdin:  os.Stdin,
		stdout: os.Stdout,
		logger: log.With().Str("component", "run").Logger(),
	}
	w.register(ctx, ingest.Registration{
		Command: line,
		Title:   cmd.title,
		Cwd:     cwd,
		Type:    sessionType(agent),
	})
	w.push(item.StatusInProgress)

	runner := &shell.Runner{Dir: cwd}
	var runErr error
	if agent {
		runErr = w.runAgent(ctx, runner, cmd.flags.Config.Detector, args)
	} else {
		runErr = runner.RunInteractive(ctx, args[0], args[1:]...)
		w.push(waitdetect.Classify(runErr))
	}

	code := shell.ExitCode(runErr)
	switch code {
	case 0:
		return nil
	case 127:
		return cli.Exit(runErr.Error(), code)
	default:
		return cli.Exit("", code)
	}
}

func sessionType(agent bool) item.Type {
	if agent {
		return item.TypeAgentSession
	}
	return item.TypeCLISession
}

// wrapper reports a wrapped command's lifecycle to the daemon. Every call
// is best effort: an unreachable daemon never changes how the command runs.
type wrapper struct {
	api    *client.Client
	stdin  *os.File
	stdout io.Writer
	logger zerolog.Logger

	session    string
	transcript string
}

func (w *wrapper) register(ctx context.Context, req ingest.Registration) {
	reg, err := w.api.Register(ctx, req)
	if err != nil {
		w.logger.Warn().Err(err).Msg("daemon unreachable, running untracked")
		return
	}
	w.session = reg.SessionID
	w.transcript = reg.TranscriptPath
	w.logger = w.logger.With().Str("session_id", reg.SessionID).Str("item_id", reg.ItemID).Logger()
	w.logger.Debug().Str("type", string(req.Type)).Msg("session registered")
}

func (w *wrapper) push(status item.Status) {
	if w.session == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if _, err := w.api.UpdateSession(ctx, w.session, status); err != nil {
		w.logger.Warn().Err(err).Str("status", string(status)).Msg("reporting session status")
	}
}

// runAgent runs args on a pseudo-terminal with the wait detector watching
// its output.
func (w *wrapper) runAgent(ctx context.Context, runner *shell.Runner, dc config.DetectorConfig, args []string) error {
	buf := &waitdetect.Buffer{}
	sinks := []io.Writer{buf}

	if w.transcript != "" {
		f, err := openTranscript(w.transcript)
		if err != nil {
			w.logger.Warn().Err(err).Msg("opening transcript")
		} else {
			defer f.Close()
			sinks = append(sinks, f)
		}
	}

	execCmd := runner.Command(ctx, args[0], args[1:]...)
	sess, err := ptywrap.Start(execCmd, w.stdin, w.stdout, sinks...)
	if err != nil {
		err = shell.Wrap(err, args[0], args[1:]...)
		w.push(item.StatusFailed)
		return err
	}

	detector := waitdetect.New(buf, waitdetect.Config{
		PollInterval:    dc.PollInterval,
		IdleMarkers:     dc.IdleMarkers,
		ActivityMarkers: dc.ActivityMarkers,
		Logger:          w.logger,
	})
	out := waitdetect.Supervise(ctx, detector, func() error {
		return shell.Wrap(sess.Wait(), args[0], args[1:]...)
	}, w.push)

	w.logger.Debug().
		Str("status", string(out.Status)).
		Bool("detected", out.Detected).
		Msg("agent session finished")
	return out.Err
}

func openTranscript(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

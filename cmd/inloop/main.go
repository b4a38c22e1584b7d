package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/uesteibar/inloop/internal/commands"
	"github.com/uesteibar/inloop/internal/config"
	"github.com/uesteibar/inloop/internal/logging"
)

// Populated at build time via -ldflags.
var version = "dev"

func build() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if mv := info.Main.Version; mv != "" && mv != "(devel)" {
			return mv
		}
	}
	return version
}

func main() {
	var logCloser func()
	flags := &commands.Flags{}

	app := &cli.Command{
		Name:      "inloop",
		Usage:     "Track async work and get told when it needs you",
		UsageText: "inloop [global options] command [command options]",
		Description: `inloop watches Slack threads, GitHub Actions runs, pull requests and
wrapped terminal commands, and flags them as updated when something changes.

Start the daemon with 'inloop serve', add URLs with 'inloop add', and wrap
long running commands or coding agents with 'inloop run -- <command>'.`,
		Version: build(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("INLOOP_LOG_LEVEL"),
				Value:       "info",
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "write JSON logs to this file instead of stderr",
				Sources:     cli.EnvVars("INLOOP_LOG_FILE"),
				Destination: &flags.LogFile,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file",
				Sources:     cli.EnvVars("INLOOP_CONFIG"),
				Value:       commands.DefaultConfigPath(),
				Destination: &flags.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "daemon address (overrides addr from the config file)",
				Sources:     cli.EnvVars("INLOOP_ADDR"),
				Destination: &flags.Addr,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			logger, closer, err := logging.New(flags.LogLevel, flags.LogFile)
			if err != nil {
				return ctx, fmt.Errorf("setup logger: %w", err)
			}
			log.Logger = logger
			logCloser = closer

			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			if flags.Addr != "" {
				cfg.Addr = flags.Addr
			}
			flags.Config = cfg
			return ctx, nil
		},
		After: func(ctx context.Context, c *cli.Command) error {
			if logCloser != nil {
				logCloser()
			}
			return nil
		},
	}

	app = commands.NewServeCmd(flags, build()).Register(app)
	app = commands.NewAddCmd(flags).Register(app)
	app = commands.NewLsCmd(flags).Register(app)
	app = commands.NewItemCmds(flags).Register(app)
	app = commands.NewEventsCmd(flags).Register(app)
	app = commands.NewRunCmd(flags).Register(app)
	app = commands.NewTailCmd(flags).Register(app)
	app = commands.NewConfigCmd(flags).Register(app)
	app = commands.NewVersionCmd(flags, build()).Register(app)

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "inloop:", err)
		os.Exit(1)
	}
}

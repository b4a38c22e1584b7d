package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/uesteibar/inloop/internal/credentials"
	"github.com/uesteibar/inloop/internal/db"
	"github.com/uesteibar/inloop/internal/ingest"
	"github.com/uesteibar/inloop/internal/item"
	"github.com/uesteibar/inloop/internal/provider"
	"github.com/uesteibar/inloop/internal/provider/github"
	"github.com/uesteibar/inloop/internal/provider/slack"
	"github.com/uesteibar/inloop/internal/resolve"
	"github.com/uesteibar/inloop/internal/scheduler"
	"github.com/uesteibar/inloop/internal/server"
	"github.com/uesteibar/inloop/internal/tracker"
)

const shutdownTimeout = 5 * time.Second

type ServeCmd struct {
	flags   *Flags
	version string
}

func NewServeCmd(flags *Flags, version string) *ServeCmd {
	return &ServeCmd{flags: flags, version: version}
}

func (cmd *ServeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "serve",
		Usage:     "Run the tracking daemon",
		UsageText: "inloop serve",
		Description: `Runs the poll scheduler, the loopback API used by 'inloop run' and the
other subcommands, and the websocket change feed. Credentials are reloaded
when credentials.yaml changes.`,
		Action: cmd.run,
	})
	return app
}

func (cmd *ServeCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config
	logger := log.Logger

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer database.Close()

	if err := os.MkdirAll(cmd.flags.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	creds, err := credentials.NewStore(cmd.flags.ConfigDir(), cfg.CredentialsProfile, logger)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	registry := provider.NewRegistry()
	registerProviders(registry, creds.Current(), logger)
	creds.OnChange(func(c credentials.Credentials) {
		registerProviders(registry, c, logger)
	})

	hub := server.NewHub(logger)
	tr := tracker.New(database, tracker.WithNotifier(hub), tracker.WithLogger(logger))
	resolver := resolve.New(cfg.Agents)

	sched := scheduler.New(scheduler.Config{
		Store:              database,
		Updater:            tr,
		Fetcher:            registry,
		Interval:           cfg.PollInterval,
		Tick:               cfg.TickInterval,
		FetchTimeout:       cfg.FetchTimeout,
		BackoffCeiling:     cfg.BackoffCeiling,
		MaxInFlight:        cfg.MaxInFlight,
		PermanentThreshold: cfg.PermanentFailureThreshold,
		Logger:             logger,
	})

	srv, err := server.New(cfg.Addr, server.Config{
		DB:      database,
		Tracker: tr,
		Ingest: ingest.New(ingest.Config{
			DB:            database,
			Tracker:       tr,
			Resolver:      resolver,
			TranscriptDir: cfg.TranscriptDir,
			Logger:        logger,
		}),
		Resolver:        resolver,
		Hub:             hub,
		Scheduler:       sched,
		DefaultInterval: cfg.PollInterval,
		Version:         cmd.version,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	logger.Info().
		Str("addr", srv.Addr()).
		Str("db", cfg.DBPath).
		Dur("poll_interval", cfg.PollInterval).
		Msg("inloop serving")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Run(ctx)
		return nil
	})
	g.Go(func() error {
		if err := creds.Watch(ctx); err != nil {
			logger.Warn().Err(err).Msg("credentials watcher stopped, changes need a restart")
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.Serve(); err != nil {
			return fmt.Errorf("serving API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info().Msg("inloop stopped")
	return err
}

// registerProviders binds a fetcher for every polled type. Types whose
// credentials are missing get a fetcher that fails permanently, so their
// items surface as failed instead of silently waiting.
func registerProviders(r *provider.Registry, creds credentials.Credentials, logger zerolog.Logger) {
	gh := githubFetchers(creds, logger)
	r.Register(item.TypeCIRun, gh.runs)
	r.Register(item.TypePullRequest, gh.prs)

	if creds.SlackToken != "" {
		r.Register(item.TypeChatThread, slack.ThreadFetcher{API: slack.New(creds.SlackToken)})
	} else {
		r.Register(item.TypeChatThread, provider.Unavailable("slack", "no slack_token configured"))
	}
}

type ghFetchers struct {
	runs provider.Fetcher
	prs  provider.Fetcher
}

func githubFetchers(creds credentials.Credentials, logger zerolog.Logger) ghFetchers {
	unavailable := func(reason string) ghFetchers {
		f := provider.Unavailable("github", reason)
		return ghFetchers{runs: f, prs: f}
	}

	var (
		client *github.Client
		err    error
	)
	switch {
	case creds.HasGithubApp():
		client, err = github.New("", github.WithAppAuth(github.AppCredentials{
			ClientID:       creds.GithubAppClientID,
			InstallationID: creds.GithubAppInstallationID,
			PrivateKeyPath: creds.GithubAppPrivateKeyPath,
		}))
	case creds.GithubToken != "":
		client, err = github.New(creds.GithubToken)
	default:
		return unavailable("no github_token configured")
	}
	if err != nil {
		logger.Error().Err(err).Msg("configuring GitHub client")
		return unavailable(err.Error())
	}
	return ghFetchers{runs: github.RunFetcher{API: client}, prs: github.PRFetcher{API: client}}
}

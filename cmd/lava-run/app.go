package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/goccy/go-yaml"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/haatos/simple-lava/internal"
	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/device"
	"github.com/haatos/simple-lava/internal/job"
	"github.com/haatos/simple-lava/internal/logging"
	"github.com/haatos/simple-lava/internal/multinode"
	"github.com/haatos/simple-lava/internal/results"
	"github.com/haatos/simple-lava/internal/settings"
	"github.com/haatos/simple-lava/internal/store"
)

type App struct {
	logger zerolog.Logger
	cli    *cli.App
}

func newApp() *App {
	app := &App{logger: zerolog.Nop()}
	jobFlags := []cli.Flag{
		&cli.StringFlag{
			Name:     "job",
			Aliases:  []string{"j"},
			Usage:    "Job definition YAML file",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "device",
			Aliases:  []string{"d"},
			Usage:    "Device dictionary YAML file",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "job-id",
			Usage: "Job id, a random uuid when empty",
		},
	}
	app.cli = &cli.App{
		Name:  "lava-run",
		Usage: "Run a test job on one device",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable verbose (debug) logging",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Dispatcher configuration file",
				Value: internal.ConfigPath,
			},
		},
		Before: func(ctx *cli.Context) error {
			app.logger = logging.New(os.Stderr, ctx.Bool("verbose"))
			if err := settings.ReadDotenv(internal.DotEnvPath); err != nil {
				return err
			}
			settings.Settings = settings.NewSettings()
			return internal.InitializeConfiguration(ctx.String("config"))
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Validate and run a job",
				Action: app.run,
				Flags: append(jobFlags,
					&cli.StringFlag{
						Name:  "output-dir",
						Usage: "Directory for the result log",
						Value: ".",
					},
					&cli.StringFlag{
						Name:  "coordinator",
						Usage: "Coordinator URL for multinode jobs, LAVA_COORDINATOR_URL when empty",
					},
					&cli.BoolFlag{
						Name:  "store-results",
						Usage: "Also store the results in the configured database",
					},
				),
			},
			{
				Name:   "validate",
				Usage:  "Validate a job and print its pipeline",
				Action: app.validate,
				Flags:  jobFlags,
			},
			{
				Name:      "results",
				Usage:     "Summarise a result log",
				ArgsUsage: "<results.yaml>",
				Action:    app.summary,
			},
		},
	}
	return app
}

func (app *App) compiler(coordinatorURL string) *job.Compiler {
	c := job.NewCompiler(app.logger)
	c.TmpDir = settings.Settings.TmpDir
	c.ArtifactURL = settings.Settings.ArtifactURL
	c.RetrySleep = internal.Config.RetrySleep.Duration()
	c.PollDelay = internal.Config.CoordinatorPollDelay.Duration()
	c.ActionTimeout = internal.Config.ActionTimeout.Duration()
	c.ConnectionTimeout = internal.Config.ConnectionTimeout.Duration()
	c.FeedbackPoll = internal.Config.TestShellPoll.Duration()
	if coordinatorURL == "" {
		coordinatorURL = settings.Settings.CoordinatorURL
	}
	c.Coordinator = multinode.NewHTTPClient(
		coordinatorURL,
		internal.Config.CoordinatorTimeout.Duration(),
		app.logger,
	)
	return c
}

// load compiles and validates the job of the command flags.
func (app *App) load(ctx *cli.Context) (*action.Job, error) {
	def, err := job.Load(ctx.String("job"))
	if err != nil {
		return nil, err
	}
	dev, err := device.Load(ctx.String("device"))
	if err != nil {
		return nil, err
	}
	j, err := app.compiler(ctx.String("coordinator")).Compile(def, dev, ctx.String("job-id"))
	if err != nil {
		return nil, err
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}

func (app *App) validate(ctx *cli.Context) error {
	j, err := app.load(ctx)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	b, err := yaml.Marshal(j.Pipeline().Describe())
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(ctx.App.Writer, string(b))
	return err
}

func (app *App) run(ctx *cli.Context) error {
	j, err := app.load(ctx)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	outDir := ctx.String("output-dir")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("err creating output dir: %w", err)
	}
	f, err := os.Create(filepath.Join(outDir, internal.ResultsFileName))
	if err != nil {
		return fmt.Errorf("err creating result log: %w", err)
	}
	defer f.Close()
	sinks := action.MultiSink{results.NewYAMLSink(f)}

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if ctx.Bool("store-results") {
		db, err := store.InitDatabase(settings.Settings, false)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.RunMigrations(db, settings.Settings.DBDriver, internal.MigrationsDir); err != nil {
			return err
		}
		sinks = append(sinks, results.NewStoreSink(context.Background(), store.NewResultSQLStore(db, db), j.ID))
	}
	j.SetResultSink(sinks)

	runErr := j.Run(runCtx)
	app.logger.Info().
		Str("job", j.ID).
		Str("status", string(j.Status())).
		Interface("results", results.Summary(j.Results())).
		Msg("job done")
	if j.Status() != action.StatusComplete {
		msg := fmt.Sprintf("job %s %s", j.ID, j.Status())
		if runErr != nil {
			msg += ": " + runErr.Error()
		}
		return cli.Exit(msg, 1)
	}
	return nil
}

func (app *App) summary(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.Exit("expected the path of a result log", 2)
	}
	records, err := results.ReadFile(ctx.Args().First())
	if err != nil {
		return err
	}
	counts := results.Summary(records)
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(ctx.App.Writer, "%s: %d\n", k, counts[k])
	}
	return nil
}

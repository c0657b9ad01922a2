package main

import (
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/haatos/simple-lava/internal"
	"github.com/haatos/simple-lava/internal/handler"
	"github.com/haatos/simple-lava/internal/logging"
	"github.com/haatos/simple-lava/internal/service"
	"github.com/haatos/simple-lava/internal/settings"
	"github.com/haatos/simple-lava/internal/store"
)

func main() {
	app := &cli.App{
		Name:  "lava-coordinator",
		Usage: "Synchronise the jobs of multinode groups",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable verbose (debug) logging",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file",
				Value: internal.ConfigPath,
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address, LAVA_COORDINATOR_ADDR when empty",
			},
			&cli.DurationFlag{
				Name:  "expiry-interval",
				Usage: "How often expired groups are removed",
				Value: time.Hour,
			},
		},
		Action: serve,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(ctx *cli.Context) error {
	logger := logging.New(os.Stderr, ctx.Bool("verbose"))
	if err := settings.ReadDotenv(internal.DotEnvPath); err != nil {
		return err
	}
	settings.Settings = settings.NewSettings()
	if err := internal.InitializeConfiguration(ctx.String("config")); err != nil {
		return err
	}

	rdb, err := store.InitDatabase(settings.Settings, true)
	if err != nil {
		return err
	}
	defer rdb.Close()
	rwdb, err := store.InitDatabase(settings.Settings, false)
	if err != nil {
		return err
	}
	defer rwdb.Close()
	if err := store.RunMigrations(rwdb, settings.Settings.DBDriver, internal.MigrationsDir); err != nil {
		return err
	}

	coordinatorSvc := service.NewCoordinatorService(
		store.NewGroupSQLStore(rdb, rwdb),
		internal.Config.GroupExpiry.Duration(),
		logger,
	)

	scheduler, err := service.NewScheduler()
	if err != nil {
		return err
	}
	defer func() { _ = scheduler.Shutdown() }()
	if err := coordinatorSvc.ScheduleExpiry(scheduler, ctx.Duration("expiry-interval")); err != nil {
		return err
	}
	scheduler.Start()

	e := handler.NewEcho(handler.NewCoordinatorHandler(coordinatorSvc), logger)
	addr := ctx.String("addr")
	if addr == "" {
		addr = settings.Settings.CoordinatorAddr
	}
	return handler.GracefulShutdown(e, addr, logger)
}

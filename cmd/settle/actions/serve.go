package actions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"gitlab.com/useghost/settle/api"
	"gitlab.com/useghost/settle/build"
	"gitlab.com/useghost/settle/cmd/settle/flags"
	"gitlab.com/useghost/settle/dummy"
	"gitlab.com/useghost/settle/fallback"
	"gitlab.com/useghost/settle/models/deposits"
	"gitlab.com/useghost/settle/reconcile"
	"gitlab.com/useghost/settle/runs"
)

const shutdownTimeout = 30 * time.Second

// Serve returns the command that starts the operations API
func Serve() cli.Command {
	serve := cli.Command{
		Name:  "serve",
		Usage: "Starts the operations API that schedulers trigger runs through",
		Action: func(c *cli.Context) error {
			ctx, stop := signalContext()
			defer stop()

			httpLevel, err := build.ToLogLevel(c.GlobalString("logging.httplevel"))
			if err != nil {
				return err
			}
			// a throttle each, the gateways are different services
			throttles, err := newThrottles(c, 2)
			if err != nil {
				return err
			}

			database, err := openDatabase(c)
			if err != nil {
				return runExit(err)
			}
			defer closeDatabase(database)

			// the database might be starting together with us
			if err := awaitDatabase(ctx, database); err != nil {
				return runExit(err)
			}
			log.Info("Database is reachable")

			// we do a DB status check here, to verify that the schema is
			// usable. otherwise errors there won't get picked up until later
			status, err := database.MigrationStatus()
			if err != nil {
				return fmt.Errorf("could not query DB migration status: %w", err)
			}
			if c.Bool("db.migrateup") {
				if status.Dirty {
					return fmt.Errorf("database is dirty at version %d, fix it before migrating", status.Version)
				}
				if err := database.MigrateUp(); err != nil {
					return err
				}
			}

			store := deposits.NewStore(database)
			if c.Bool("dummy.gen-data") {
				if gin.Mode() == gin.ReleaseMode {
					log.Warn("dummy.gen-data flag is set, but running in release mode")
				} else if err := dummy.FillWithData(ctx, store, c.Int("dummy.count"), c.Bool("dummy.only-once")); err != nil {
					return err
				}
			}

			statusGw, err := newStatusGateway(c)
			if err != nil {
				return cli.NewExitError(err.Error(), exitInvalidArgs)
			}
			resubmitter, err := newResubmitter(c)
			if err != nil {
				return cli.NewExitError(err.Error(), exitInvalidArgs)
			}

			locker, closeLocker, err := newLocker(ctx, c, true)
			if err != nil {
				return err
			}
			defer closeLocker()

			registry := prometheus.NewRegistry()
			registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			runner := &runs.Runner{
				Reconciler: reconcile.NewPoller(store, statusGw, throttles[0]),
				Processor: fallback.NewProcessor(store, resubmitter, throttles[1],
					fallback.Config{MaxAttempts: c.Int("max-attempts")}),
				Locker: locker,
				// scraped through /metrics, nothing to push
				Sink: newSinks(c, registry, "", false),
			}

			a, err := api.NewApp(store, database, runner, registry, api.Config{
				LogLevel:       httpLevel,
				APIKey:         c.String("api.key"),
				AllowedOrigins: c.StringSlice("api.allowed-origins"),
			})
			if err != nil {
				return err
			}

			server := &http.Server{
				Addr:              fmt.Sprintf(":%d", c.Int("port")),
				Handler:           a.Router,
				ReadHeaderTimeout: 10 * time.Second,
			}
			return listenUntilDone(ctx, server)
		},
	}

	baseFlags := []cli.Flag{
		cli.IntFlag{
			Name:   "port",
			Value:  5000,
			Usage:  "Port number to listen on",
			EnvVar: "PORT",
		},
		cli.StringFlag{
			Name:     "api.key",
			Usage:    "API key required on every endpoint but /ping",
			EnvVar:   "SETTLE_API_KEY",
			Required: true,
		},
		cli.StringSliceFlag{
			Name:   "api.allowed-origins",
			Usage:  "Origins allowed to call the API from a browser",
			EnvVar: "API_ALLOWED_ORIGINS",
		},
		cli.BoolFlag{
			Name:  "db.migrateup",
			Usage: "Apply migrations before starting the API",
		},
		maxAttemptsFlag,

		// dummy data generation
		cli.BoolFlag{
			Name:  "dummy.gen-data",
			Usage: "If the Db should be populated with dummy data. Never happens in release mode",
		},
		cli.BoolFlag{
			Name:  "dummy.only-once",
			Usage: "Only fill with dummy data if DB is empty",
		},
		cli.IntFlag{
			Name:  "dummy.count",
			Usage: "How many dummy deposits to create",
			Value: 50,
		},
	}

	serve.Flags = flags.Concat(baseFlags, flags.Db, flags.Depix, flags.Voltz,
		flags.Breaker, flags.Throttle, flags.Runs)
	return serve
}

// listenUntilDone serves until ctx is cancelled, then lets requests in
// flight, which may be runs, finish
func listenUntilDone(ctx context.Context, server *http.Server) error {
	errs := make(chan error, 1)
	go func() {
		log.WithField("address", server.Addr).Info("Starting API")
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	log.WithFields(logrus.Fields{
		"timeout": shutdownTimeout,
	}).Info("Shutting down API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

package actions

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"gitlab.com/useghost/settle/async"
	"gitlab.com/useghost/settle/cmd/settle/flags"
	"gitlab.com/useghost/settle/db"
	"gitlab.com/useghost/settle/gateway"
	"gitlab.com/useghost/settle/gateway/depix"
	"gitlab.com/useghost/settle/gateway/voltz"
	"gitlab.com/useghost/settle/ratelimit"
	"gitlab.com/useghost/settle/report"
	"gitlab.com/useghost/settle/runlock"
)

const (
	awaitAttempts = 5
	awaitDuration = time.Second
)

// openDatabase opens the database the flags point at. Failing to do so is
// always an ErrStoreConnection
func openDatabase(c *cli.Context) (*db.DB, error) {
	conf := flags.ReadDbConf(c)
	database, err := db.Open(conf)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"driver": database.Driver,
	}).Debug("Opened database")
	return database, nil
}

// awaitDatabase waits for the database to answer, for processes that start
// together with it
func awaitDatabase(ctx context.Context, database *db.DB) error {
	return async.Retry(ctx, awaitAttempts, awaitDuration, func(ctx context.Context) error {
		err := database.Ping(ctx)
		if err != nil {
			log.WithError(err).Debug("Database ping failed")
		}
		return err
	})
}

// newLocker connects to redis when it is configured. The returned close
// function is never nil
func newLocker(ctx context.Context, c *cli.Context, await bool) (runlock.Locker, func(), error) {
	url := c.String("redis.url")
	if url == "" {
		log.Debug("redis.url is not set, runs are not locked")
		return runlock.Noop{}, func() {}, nil
	}

	attempts := 1
	if await {
		attempts = awaitAttempts
	}
	var client *redis.Client
	err := async.Retry(ctx, attempts, awaitDuration, func(ctx context.Context) error {
		var err error
		client, err = runlock.Connect(ctx, url)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			log.WithError(err).Warn("Could not close redis client")
		}
	}
	return runlock.NewRedis(client, c.Duration("runlock.ttl")), closeFn, nil
}

// newLimiter spaces out the calls to one gateway
var newLimiter = func(interval time.Duration) ratelimit.Limiter {
	return ratelimit.NewThrottle(interval, ratelimit.WallClock)
}

// newThrottles gives each of count gateways its own limiter, after checking
// the configured delay
func newThrottles(c *cli.Context, count int) ([]ratelimit.Limiter, error) {
	interval, err := flags.ReadThrottle(c)
	if err != nil {
		return nil, cli.NewExitError(err.Error(), exitInvalidArgs)
	}
	limiters := make([]ratelimit.Limiter, count)
	for i := range limiters {
		limiters[i] = newLimiter(interval)
	}
	return limiters, nil
}

func newStatusGateway(c *cli.Context) (*depix.Client, error) {
	breaker := gateway.NewBreaker(flags.ReadBreakerConf(c, "depix"))
	client, err := depix.NewClient(flags.ReadDepixConf(c), nil, breaker)
	if err != nil {
		return nil, errors.Wrap(err, "could not create DePix client")
	}
	return client, nil
}

func newResubmitter(c *cli.Context) (*voltz.Client, error) {
	breaker := gateway.NewBreaker(flags.ReadBreakerConf(c, "voltz"))
	client, err := voltz.NewClient(flags.ReadVoltzConf(c), nil, breaker)
	if err != nil {
		return nil, errors.Wrap(err, "could not create Voltz client")
	}
	return client, nil
}

// newSinks builds where run results go: the log, metrics and, for the
// scheduler, JSON on stdout. Metrics are pushed when pushURL is set
func newSinks(c *cli.Context, registry *prometheus.Registry, pushURL string, jsonOut bool) report.Multi {
	sinks := report.Multi{
		report.LogSink{},
		report.NewMetricsSink(report.NewMetrics(registry), registry, pushURL),
	}
	if jsonOut {
		sinks = append(sinks, report.JSONSink{W: c.App.Writer, Indent: true})
	}
	return sinks
}

func closeDatabase(database *db.DB) {
	if err := database.Close(); err != nil {
		log.WithError(err).Warn("Could not close database")
	}
}

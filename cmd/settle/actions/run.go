package actions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"

	"gitlab.com/useghost/settle/build"
	"gitlab.com/useghost/settle/cmd/settle/flags"
	"gitlab.com/useghost/settle/db"
	"gitlab.com/useghost/settle/fallback"
	"gitlab.com/useghost/settle/models/deposits"
	"gitlab.com/useghost/settle/reconcile"
	"gitlab.com/useghost/settle/runs"
)

// exit codes other than 1, which is everything else
const (
	exitInvalidArgs      = 22
	exitStoreUnavailable = 69
	exitInterrupted      = 130
)

// signalContext is cancelled on SIGINT and SIGTERM. A run checks it between
// items, so whatever is in flight is finished and recorded first
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runExit turns the error of a run into what the process exits with
func runExit(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, runs.ErrSkipped):
		// not a failure, the run in progress does the work
		return nil
	case errors.Is(err, db.ErrStoreConnection):
		return cli.NewExitError(err.Error(), exitStoreUnavailable)
	case errors.Is(err, context.Canceled):
		return cli.NewExitError("run interrupted, partial results were recorded", exitInterrupted)
	case errors.Is(err, fallback.ErrInvalidBatchSize):
		return cli.NewExitError(err.Error(), exitInvalidArgs)
	default:
		return err
	}
}

// jsonOutput makes stdout carry nothing but the JSON result
func jsonOutput(c *cli.Context) bool {
	if !c.Bool("json") {
		return false
	}
	build.SetConsoleOutput(os.Stderr)
	return true
}

// Reconcile returns the command that runs one reconciliation pass
func Reconcile() cli.Command {
	return cli.Command{
		Name:    "reconcile",
		Aliases: []string{"rc"},
		Usage:   "Records settlement references for settled deposits that are missing one",
		Flags: flags.Concat([]cli.Flag{
			cli.IntFlag{
				Name:  "limit",
				Usage: "Check at most this many deposits, 0 means all of them",
			},
			cli.BoolFlag{
				Name:  "json",
				Usage: "Write the run report as JSON to stdout",
			},
		}, flags.Db, flags.Depix, flags.Breaker, flags.Throttle, flags.Runs),
		Action: func(c *cli.Context) error {
			if c.Int("limit") < 0 {
				return cli.NewExitError("limit cannot be negative", exitInvalidArgs)
			}
			throttles, err := newThrottles(c, 1)
			if err != nil {
				return err
			}
			jsonOut := jsonOutput(c)
			ctx, stop := signalContext()
			defer stop()

			database, err := openDatabase(c)
			if err != nil {
				return runExit(err)
			}
			defer closeDatabase(database)

			gw, err := newStatusGateway(c)
			if err != nil {
				return cli.NewExitError(err.Error(), exitInvalidArgs)
			}

			locker, closeLocker, err := newLocker(ctx, c, false)
			if err != nil {
				return err
			}
			defer closeLocker()

			registry := prometheus.NewRegistry()
			runner := &runs.Runner{
				Reconciler: reconcile.NewPoller(deposits.NewStore(database), gw, throttles[0]),
				Locker:     locker,
				Sink:       newSinks(c, registry, c.String("pushgateway.url"), jsonOut),
			}
			_, err = runner.Reconcile(ctx, c.Int("limit"))
			return runExit(err)
		},
	}
}

// maxAttemptsFlag is shared by the fallback and serve commands
var maxAttemptsFlag = cli.IntFlag{
	Name:   "max-attempts",
	Usage:  "Leave deposits that failed this many retries out of the queue, 0 means no limit",
	EnvVar: "FALLBACK_MAX_ATTEMPTS",
}

// Fallback returns the command that runs one pass over the fallback queue
func Fallback() cli.Command {
	return cli.Command{
		Name:    "fallback",
		Aliases: []string{"fb"},
		Usage:   "Resubmits failed payouts, oldest first",
		Flags: flags.Concat([]cli.Flag{
			cli.IntFlag{
				Name:  "max-items",
				Usage: "Resubmit at most this many payouts",
				Value: fallback.DefaultMaxItems,
			},
			maxAttemptsFlag,
			cli.BoolFlag{
				Name:  "json",
				Usage: "Write the queue result as JSON to stdout",
			},
		}, flags.Db, flags.Voltz, flags.Breaker, flags.Throttle, flags.Runs),
		Action: func(c *cli.Context) error {
			if c.Int("max-items") <= 0 {
				return cli.NewExitError("max-items must be positive", exitInvalidArgs)
			}
			throttles, err := newThrottles(c, 1)
			if err != nil {
				return err
			}
			jsonOut := jsonOutput(c)
			ctx, stop := signalContext()
			defer stop()

			database, err := openDatabase(c)
			if err != nil {
				return runExit(err)
			}
			defer closeDatabase(database)

			gw, err := newResubmitter(c)
			if err != nil {
				return cli.NewExitError(err.Error(), exitInvalidArgs)
			}

			locker, closeLocker, err := newLocker(ctx, c, false)
			if err != nil {
				return err
			}
			defer closeLocker()

			registry := prometheus.NewRegistry()
			runner := &runs.Runner{
				Processor: fallback.NewProcessor(deposits.NewStore(database), gw, throttles[0],
					fallback.Config{MaxAttempts: c.Int("max-attempts")}),
				Locker: locker,
				Sink:   newSinks(c, registry, c.String("pushgateway.url"), jsonOut),
			}
			_, err = runner.ProcessFallbackQueue(ctx, c.Int("max-items"))
			return runExit(err)
		},
	}
}

// Queue returns the command that prints the fallback queue
func Queue() cli.Command {
	return cli.Command{
		Name:    "queue",
		Aliases: []string{"q"},
		Usage:   "Lists failed deposits waiting for a payout retry",
		Flags: flags.Concat([]cli.Flag{
			cli.IntFlag{
				Name:  "limit",
				Usage: "List at most this many deposits, 0 means all of them",
			},
		}, flags.Db),
		Action: func(c *cli.Context) error {
			ctx, stop := signalContext()
			defer stop()

			database, err := openDatabase(c)
			if err != nil {
				return runExit(err)
			}
			defer closeDatabase(database)

			queue, err := deposits.NewStore(database).ListFallbackQueue(ctx, c.Int("limit"))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tREF\tATTEMPTS\tAMOUNT\tCREATED\tLAST ERROR")
			for _, d := range queue {
				lastError := "-"
				if d.LastError != nil {
					lastError = *d.LastError
				}
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
					d.ID, d.Ref(), d.RetryAttempts, d.Net().StringFixed(2),
					d.CreatedAt.Format("2006-01-02 15:04"), lastError)
			}
			return w.Flush()
		},
	}
}

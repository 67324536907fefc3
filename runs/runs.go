// Package runs ties a single pass of a component to its run lock and to the
// sinks its result is published to. It is what both the CLI and the ops API
// call.
package runs

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"gitlab.com/useghost/settle/build"
	"gitlab.com/useghost/settle/report"
	"gitlab.com/useghost/settle/runlock"
)

var log = build.AddSubLogger("RUNS")

// ErrSkipped means the run did not happen because another one holds the
// lock. Nothing was touched
var ErrSkipped = errors.New("run skipped, another run is in progress")

// Reconciler runs one reconciliation pass
type Reconciler interface {
	Reconcile(ctx context.Context, limit int) (report.RunReport, error)
}

// QueueProcessor runs one fallback queue pass
type QueueProcessor interface {
	ProcessFallbackQueue(ctx context.Context, maxItems int) (report.QueueResult, error)
}

// Runner runs components under their lock and publishes the results
type Runner struct {
	Reconciler Reconciler
	Processor  QueueProcessor
	Locker     runlock.Locker
	Sink       report.Sink
}

// Reconcile runs one reconciliation pass. Partial results of an interrupted
// run are published too.
func (r *Runner) Reconcile(ctx context.Context, limit int) (report.RunReport, error) {
	var res report.RunReport
	err := r.locked(ctx, report.ComponentReconcile, func(ctx context.Context) error {
		var err error
		res, err = r.Reconciler.Reconcile(ctx, limit)
		if res.RunID == "" {
			// fatal before anything was processed, nothing to publish
			return err
		}
		r.publish(ctx, report.ComponentReconcile, func(ctx context.Context) error {
			return r.Sink.Run(ctx, res)
		})
		return err
	})
	return res, err
}

// ProcessFallbackQueue runs one fallback queue pass of at most maxItems
func (r *Runner) ProcessFallbackQueue(ctx context.Context, maxItems int) (report.QueueResult, error) {
	var res report.QueueResult
	err := r.locked(ctx, report.ComponentFallback, func(ctx context.Context) error {
		var err error
		res, err = r.Processor.ProcessFallbackQueue(ctx, maxItems)
		if res.RunID == "" {
			return err
		}
		r.publish(ctx, report.ComponentFallback, func(ctx context.Context) error {
			return r.Sink.Queue(ctx, res)
		})
		return err
	})
	return res, err
}

func (r *Runner) locked(ctx context.Context, component report.Component, fn func(ctx context.Context) error) error {
	locker := r.Locker
	if locker == nil {
		locker = runlock.Noop{}
	}
	lock, err := locker.Acquire(ctx, string(component))
	if errors.Is(err, runlock.ErrHeld) {
		log.WithField("component", component).Info("Another run is in progress, nothing to do")
		return ErrSkipped
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).WithField("component", component).Error("Could not release run lock")
		}
	}()
	return fn(ctx)
}

// a sink failing never fails the run, the deposits are already written
func (r *Runner) publish(ctx context.Context, component report.Component, fn func(ctx context.Context) error) {
	if r.Sink == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"component": component,
		}).Error("Could not publish run result")
	}
}

package report

import (
	"context"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Sink publishes the result of a run
type Sink interface {
	Run(ctx context.Context, r RunReport) error
	Queue(ctx context.Context, q QueueResult) error
}

// Multi publishes to every sink in order. All sinks are tried, the first
// error is returned
type Multi []Sink

var _ Sink = Multi{}

func (m Multi) Run(ctx context.Context, r RunReport) error {
	var first error
	for _, sink := range m {
		if err := sink.Run(ctx, r); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Queue(ctx context.Context, q QueueResult) error {
	var first error
	for _, sink := range m {
		if err := sink.Queue(ctx, q); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogSink writes one line per item and a summary line
type LogSink struct {
	Logger *logrus.Logger
}

var _ Sink = LogSink{}

func (l LogSink) logger() *logrus.Logger {
	if l.Logger == nil {
		return log
	}
	return l.Logger
}

func (l LogSink) Run(_ context.Context, r RunReport) error {
	logger := l.logger()
	for _, item := range r.Items {
		entry := logger.WithFields(logrus.Fields{
			"runId":      r.RunID,
			"depositId":  item.DepositID,
			"depositRef": item.DepositRef,
			"outcome":    item.Outcome,
		})
		if item.SettlementRef != "" {
			entry = entry.WithField("settlementRef", item.SettlementRef)
		}
		if item.ErrorKind != "" {
			entry = entry.WithField("errorKind", item.ErrorKind)
		}
		if item.Detail != "" {
			entry = entry.WithField("detail", item.Detail)
		}

		switch item.Outcome {
		case OutcomeErrored:
			entry.Warn("Could not reconcile deposit")
		case OutcomeUpdated, OutcomeConflict:
			entry.Info("Reconciled deposit")
		default:
			entry.Debug("Deposit not settled yet")
		}
	}

	summary := logger.WithFields(logrus.Fields{
		"runId":          r.RunID,
		"totalChecked":   r.TotalChecked,
		"totalUpdated":   r.TotalUpdated,
		"totalErrored":   r.TotalErrored,
		"totalWaiting":   r.TotalWaiting,
		"totalConflicts": r.TotalConflicts,
		"duration":       r.Duration().String(),
	})
	if r.Interrupted {
		summary.Warn("Reconciliation run interrupted")
	} else {
		summary.Info("Reconciliation run finished")
	}
	return nil
}

func (l LogSink) Queue(_ context.Context, q QueueResult) error {
	logger := l.logger()
	for _, res := range q.Results {
		entry := logger.WithFields(logrus.Fields{
			"runId":      q.RunID,
			"depositId":  res.DepositID,
			"depositRef": res.DepositRef,
			"success":    res.Success,
		})
		switch {
		case res.Conflict:
			entry.Info("Deposit already left the fallback queue")
		case res.Success:
			entry.WithField("paymentHash", res.PaymentHash).Info("Resubmitted payment")
		default:
			entry.WithFields(logrus.Fields{
				"error":       res.Error,
				"errorKind":   res.ErrorKind,
				"paymentHash": res.PaymentHash,
			}).Warn("Payment resubmission failed")
		}
	}

	summary := logger.WithFields(logrus.Fields{
		"runId":        q.RunID,
		"totalChecked": q.TotalChecked,
		"processed":    q.Processed,
		"failed":       q.Failed,
		"conflicts":    q.Conflicts,
		"duration":     q.Duration().String(),
	})
	if q.Interrupted {
		summary.Warn("Fallback queue run interrupted")
	} else {
		summary.Info("Fallback queue run finished")
	}
	return nil
}

// JSONSink writes the result as a single JSON document, for whatever
// started the run to parse
type JSONSink struct {
	W      io.Writer
	Indent bool
}

var _ Sink = JSONSink{}

func (j JSONSink) Run(_ context.Context, r RunReport) error {
	return j.write(r)
}

func (j JSONSink) Queue(_ context.Context, q QueueResult) error {
	return j.write(q)
}

func (j JSONSink) write(v interface{}) error {
	encoder := json.NewEncoder(j.W)
	if j.Indent {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(v); err != nil {
		return errors.Wrap(err, "could not write report")
	}
	return nil
}

// Package fallback re-attempts payouts that failed when the deposit was
// first paid
package fallback

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/useghost/settle/build"
	"gitlab.com/useghost/settle/db"
	"gitlab.com/useghost/settle/gateway"
	"gitlab.com/useghost/settle/models/deposits"
	"gitlab.com/useghost/settle/ratelimit"
	"gitlab.com/useghost/settle/report"
	"gitlab.com/useghost/settle/util"
)

var log = build.AddSubLogger("FALL")

// maxReasonLength caps what we store from a gateway error message
const maxReasonLength = 500

// DefaultMaxItems is the batch size used when none is configured
const DefaultMaxItems = 10

// ErrInvalidBatchSize means the run was asked to process nothing
var ErrInvalidBatchSize = errors.New("max items must be positive")

// Store is the part of the deposit store the processor needs
type Store interface {
	SelectFailedForRetry(ctx context.Context, limit, maxAttempts int) ([]deposits.Deposit, error)
	UpdateStatus(ctx context.Context, id int64, newStatus deposits.Status, meta deposits.StatusUpdate) (bool, error)
	RecordRetryFailure(ctx context.Context, id int64, reason string) (bool, error)
}

var _ Store = &deposits.Store{}

// Config tunes a Processor
type Config struct {
	// MaxAttempts leaves deposits out once they failed this many retries.
	// Zero means they are retried forever
	MaxAttempts int
}

// Processor works through the fallback queue: deposits whose payout failed
type Processor struct {
	store   Store
	gateway gateway.PaymentResubmitter
	limiter ratelimit.Limiter
	conf    Config
	now     func() time.Time
}

// NewProcessor creates a processor. A nil limiter means calls are not
// spaced out
func NewProcessor(store Store, gw gateway.PaymentResubmitter, limiter ratelimit.Limiter, conf Config) *Processor {
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	return &Processor{
		store:   store,
		gateway: gw,
		limiter: limiter,
		conf:    conf,
		now:     time.Now,
	}
}

// ProcessFallbackQueue re-attempts the payout of at most maxItems failed
// deposits, oldest first. A failed item is recorded on the deposit and never
// stops the run. Losing the store is fatal and returned wrapped in
// db.ErrStoreConnection: before the first payout when the queue cannot be
// read, and mid-run as soon as a write finds the store gone, so no payout is
// sent that cannot be recorded. When ctx is cancelled the run stops between
// deposits. Both return what the run has so far.
func (p *Processor) ProcessFallbackQueue(ctx context.Context, maxItems int) (report.QueueResult, error) {
	if maxItems <= 0 {
		return report.QueueResult{}, errors.Wrapf(ErrInvalidBatchSize, "got %d", maxItems)
	}
	runID := report.NewRunID()
	started := p.now()
	logger := log.WithField("runId", runID)

	queue, err := p.store.SelectFailedForRetry(ctx, maxItems, p.conf.MaxAttempts)
	if err != nil {
		return report.QueueResult{}, fmt.Errorf("%w: could not read fallback queue: %w", db.ErrStoreConnection, err)
	}
	logger.WithFields(logrus.Fields{
		"queued":      len(queue),
		"maxItems":    maxItems,
		"maxAttempts": p.conf.MaxAttempts,
	}).Info("Starting fallback queue run")

	results := make([]report.QueueItemResult, 0, len(queue))
	var runErr error
	for _, deposit := range queue {
		if err := p.limiter.Wait(ctx); err != nil {
			runErr = err
			break
		}
		result, err := p.processOne(ctx, deposit)
		if errors.Is(err, db.ErrStoreConnection) {
			results = append(results, result)
		}
		if err != nil {
			runErr = err
			break
		}
		results = append(results, result)
	}

	res := report.SummarizeQueue(runID, results)
	res.StartedAt = started
	res.FinishedAt = p.now()
	if runErr != nil {
		res.Interrupted = true
		logger.WithError(runErr).WithField("checked", len(results)).Warn("Fallback queue run interrupted")
		return res, runErr
	}
	return res, nil
}

// processOne returns an error when the run must stop: it was cancelled, or
// the store went away. In the latter case the result of the item is still
// returned
func (p *Processor) processOne(ctx context.Context, d deposits.Deposit) (report.QueueItemResult, error) {
	result := report.QueueItemResult{
		DepositID:  d.ID,
		DepositRef: d.Ref(),
	}
	logger := log.WithFields(logrus.Fields{
		"depositId":  d.ID,
		"depositRef": result.DepositRef,
		"attempts":   d.RetryAttempts,
	})

	resubmission, err := p.gateway.ResubmitPayment(ctx, result.DepositRef)
	if err != nil && ctx.Err() != nil {
		return report.QueueItemResult{}, ctx.Err()
	}
	// whatever happened at the gateway is written down, even if we are
	// being cancelled right now
	writeCtx := context.WithoutCancel(ctx)

	var reason string
	switch {
	case err != nil:
		reason = err.Error()
	case !resubmission.Success:
		reason = resubmission.Error
	default:
		updated, err := p.store.UpdateStatus(writeCtx, d.ID, deposits.StatusCompleted, deposits.StatusUpdate{
			From:         deposits.StatusFailed,
			PaymentHash:  resubmission.PaymentHash,
			CountAttempt: true,
		})
		result.PaymentHash = resubmission.PaymentHash
		if err != nil {
			// paid, but we could not say so. Left failed, the next run pays again
			logger.WithError(err).WithField("paymentHash", resubmission.PaymentHash).
				Error("Could not complete deposit after resubmitting payment")
			result.Error = util.Truncate(err.Error(), maxReasonLength)
			result.ErrorKind = report.KindStore
			if errors.Is(err, db.ErrStoreConnection) {
				return result, err
			}
			return result, nil
		}
		result.Success = true
		if !updated {
			logger.Info("Deposit left the fallback queue while its payment was resubmitted")
			result.Conflict = true
		}
		return result, nil
	}

	reason = util.Truncate(reason, maxReasonLength)
	result.Error = reason
	if err != nil {
		result.ErrorKind = gateway.Classify(err)
	} else {
		result.ErrorKind = report.KindRefused
	}
	logger = logger.WithField("reason", reason)
	recorded, err := p.store.RecordRetryFailure(writeCtx, d.ID, reason)
	switch {
	case errors.Is(err, db.ErrStoreConnection):
		logger.WithError(err).Error("Lost the store while recording failed payment resubmission")
		return result, err
	case err != nil:
		logger.WithError(err).Error("Could not record failed payment resubmission")
	case !recorded:
		logger.Info("Deposit left the fallback queue while its payment was resubmitted")
	default:
		logger.Debug("Recorded failed payment resubmission")
	}
	return result, nil
}

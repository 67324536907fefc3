// Package reconcile backfills settlement references the payment gateway
// knows about but the local store does not
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"gitlab.com/useghost/settle/build"
	"gitlab.com/useghost/settle/db"
	"gitlab.com/useghost/settle/gateway"
	"gitlab.com/useghost/settle/models/deposits"
	"gitlab.com/useghost/settle/ratelimit"
	"gitlab.com/useghost/settle/report"
)

var log = build.AddSubLogger("RECO")

// Store is the part of the deposit store the poller needs
type Store interface {
	SelectPendingReconciliation(ctx context.Context, limit int) ([]deposits.Deposit, error)
	UpdateSettlementRef(ctx context.Context, id int64, ref string) (bool, error)
}

var _ Store = &deposits.Store{}

// Poller asks the gateway about every deposit without a settlement
// reference, and stores the ones it has
type Poller struct {
	store   Store
	gateway gateway.StatusQuerier
	limiter ratelimit.Limiter
	now     func() time.Time
}

// NewPoller creates a poller. A nil limiter means calls are not spaced out
func NewPoller(store Store, gw gateway.StatusQuerier, limiter ratelimit.Limiter) *Poller {
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	return &Poller{
		store:   store,
		gateway: gw,
		limiter: limiter,
		now:     time.Now,
	}
}

// Reconcile runs one pass over the deposits pending reconciliation, oldest
// first. A limit of zero or less means every pending deposit.
//
// An error for a single deposit is recorded in its item and never stops the
// run. The only fatal error is losing the store, returned wrapped in
// db.ErrStoreConnection: before the gateway is called when the pending
// deposits cannot be read, or as soon as a write finds the store gone. When
// ctx is cancelled the run stops between deposits. Both return what the run
// has so far.
func (p *Poller) Reconcile(ctx context.Context, limit int) (report.RunReport, error) {
	runID := report.NewRunID()
	started := p.now()
	logger := log.WithField("runId", runID)

	pending, err := p.store.SelectPendingReconciliation(ctx, limit)
	if err != nil {
		return report.RunReport{}, fmt.Errorf("%w: %w", db.ErrStoreConnection, err)
	}
	logger.WithFields(logrus.Fields{
		"pending": len(pending),
		"limit":   limit,
	}).Info("Starting reconciliation run")

	items := make([]report.ItemResult, 0, len(pending))
	var runErr error
	for _, deposit := range pending {
		if err := p.limiter.Wait(ctx); err != nil {
			runErr = err
			break
		}
		item, err := p.reconcileOne(ctx, deposit)
		if errors.Is(err, db.ErrStoreConnection) {
			items = append(items, item)
		}
		if err != nil {
			runErr = err
			break
		}
		items = append(items, item)
	}

	res := report.Summarize(runID, items)
	res.StartedAt = started
	res.FinishedAt = p.now()
	if runErr != nil {
		res.Interrupted = true
		logger.WithError(runErr).WithField("checked", len(items)).Warn("Reconciliation run interrupted")
		return res, runErr
	}
	return res, nil
}

// reconcileOne never returns an error for a single bad deposit. An error
// means the run was cancelled, or lost the store. In the latter case the
// item is returned too
func (p *Poller) reconcileOne(ctx context.Context, d deposits.Deposit) (report.ItemResult, error) {
	item := report.ItemResult{
		DepositID:  d.ID,
		DepositRef: d.Ref(),
	}
	logger := log.WithFields(logrus.Fields{
		"depositId":  d.ID,
		"externalId": item.DepositRef,
	})

	status, err := p.gateway.QueryStatus(ctx, item.DepositRef)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report.ItemResult{}, ctxErr
		}
		item.ErrorKind = gateway.Classify(err)
		item.Detail = err.Error()
		if errors.Is(err, gateway.ErrMalformedResponse) {
			logger.WithError(err).Debug("Gateway answer not usable yet")
			item.Outcome = report.OutcomeWaiting
			return item, nil
		}
		logger.WithError(err).Debug("Could not query deposit status")
		item.Outcome = report.OutcomeErrored
		return item, nil
	}

	if status.SettlementRef == "" {
		item.Outcome = report.OutcomeWaiting
		item.Detail = status.RawStatus
		return item, nil
	}

	item.SettlementRef = status.SettlementRef
	// a reference the gateway already handed us is stored even if the run
	// is being cancelled
	updated, err := p.store.UpdateSettlementRef(context.WithoutCancel(ctx), d.ID, status.SettlementRef)
	switch {
	case err != nil:
		logger.WithError(err).WithField("settlementRef", status.SettlementRef).
			Error("Could not store settlement reference")
		item.Outcome = report.OutcomeErrored
		item.ErrorKind = report.KindStore
		item.Detail = err.Error()
		if errors.Is(err, db.ErrStoreConnection) {
			return item, err
		}
	case updated:
		item.Outcome = report.OutcomeUpdated
	default:
		logger.Debug("Settlement reference was already set")
		item.Outcome = report.OutcomeConflict
	}
	return item, nil
}

// Package dummy fills a development database with deposits in every state
// the reconciler and the fallback queue care about
package dummy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/sirupsen/logrus"

	"gitlab.com/useghost/settle/build"
	"gitlab.com/useghost/settle/models/deposits"
	"gitlab.com/useghost/settle/testutil/deposittestutil"
)

var log = build.AddSubLogger("DMMY")

var refusals = []string{
	"no route found",
	"invoice expired",
	"insufficient balance",
	"payout address could not be resolved",
}

// Store is what dummy data is written through
type Store interface {
	Insert(ctx context.Context, d deposits.Deposit) (deposits.Deposit, error)
	CountByStatus(ctx context.Context) (map[deposits.Status]int, error)
}

// FillWithData populates the database with count dummy deposits. With
// onlyOnce, nothing happens if there are deposits already
func FillWithData(ctx context.Context, store Store, count int, onlyOnce bool) error {
	log.WithFields(logrus.Fields{
		"onlyOnce": onlyOnce,
		"count":    count,
	}).Info("Populating DB with dummy data")
	gofakeit.Seed(time.Now().UnixNano())

	if onlyOnce {
		counts, err := store.CountByStatus(ctx)
		if err != nil {
			return fmt.Errorf("could not count deposits: %w", err)
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		if total != 0 {
			log.WithField("deposits", total).Info("DB has data, not populating with further data")
			return nil
		}
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := store.Insert(ctx, MockDeposit())
			if err != nil {
				log.WithError(err).Error("Could not create deposit")
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			log.WithField("id", d.ID).Debug("Generated deposit")
		}()
	}

	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	log.WithField("count", count).Info("Created dummy data")
	return nil
}

// MockDeposit creates a deposit in a random status, with the fields that
// status implies
func MockDeposit() deposits.Deposit {
	statuses := deposits.Statuses()
	status := statuses[gofakeit.Number(0, len(statuses)-1)]
	d := deposittestutil.MockDeposit(status)
	d.CreatedAt = time.Now().Add(-time.Duration(gofakeit.Number(1, 72*60)) * time.Minute)

	switch status {
	case deposits.StatusWaitingAddress:
		d.ExternalID = nil
		d.PayoutAddress = nil
	case deposits.StatusPaid:
		// settled but not recorded yet, some with the column blanked
		if gofakeit.Bool() {
			empty := ""
			d.SettlementRef = &empty
		}
	case deposits.StatusCompleted:
		ref := deposittestutil.MockSettlementRef()
		hash := deposittestutil.MockSettlementRef()
		d.SettlementRef = &ref
		d.PaymentHash = &hash
	case deposits.StatusFailed:
		reason := refusals[gofakeit.Number(0, len(refusals)-1)]
		d.LastError = &reason
		d.RetryAttempts = gofakeit.Number(0, 4)
		if gofakeit.Number(0, 4) == 0 {
			// failed before the gateway handed out an id
			d.ExternalID = nil
		}
	}
	return d
}

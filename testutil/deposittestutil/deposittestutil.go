// Package deposittestutil generates deposits for tests and dummy data
package deposittestutil

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/stretchr/testify/require"

	"gitlab.com/useghost/settle/models/deposits"
)

// feePercent is what the payout leg charges on top of the deposit
const feePercent = 2

// MockExternalID creates a random id in the shape the gateway hands out
func MockExternalID() string {
	return fmt.Sprintf("0%s", gofakeit.UUID()[:31])
}

// MockSettlementRef creates a random 32 byte hex transaction id
func MockSettlementRef() string {
	p := make([]byte, 32)
	_, _ = rand.Read(p)
	return hex.EncodeToString(p)
}

// MockDeposit creates a random deposit in the given status. It has an
// external id, no settlement reference and no retry history.
func MockDeposit(status deposits.Status) deposits.Deposit {
	amount := int64(gofakeit.Number(500, 600000))
	fee := amount * feePercent / 100
	externalID := MockExternalID()
	address := fmt.Sprintf("%s@walletofsatoshi.com", gofakeit.Username())

	return deposits.Deposit{
		ExternalID:    &externalID,
		Status:        status,
		AmountCents:   amount,
		FeeCents:      fee,
		NetCents:      amount - fee,
		OwnerRef:      fmt.Sprintf("chat:%d", gofakeit.Number(10000000, 99999999)),
		PayoutAddress: &address,
	}
}

// InsertOrFail inserts the deposit, failing the test if that is not
// possible
func InsertOrFail(t *testing.T, store *deposits.Store, d deposits.Deposit) deposits.Deposit {
	t.Helper()
	inserted, err := store.Insert(context.Background(), d)
	require.NoError(t, err)
	return inserted
}

// InsertAged inserts count deposits produced by gen, each one second younger
// than the previous, so that selection order is deterministic
func InsertAged(t *testing.T, store *deposits.Store, count int, gen func(i int) deposits.Deposit) []deposits.Deposit {
	t.Helper()
	start := time.Now().Add(-time.Duration(count+1) * time.Hour).UTC()
	inserted := make([]deposits.Deposit, 0, count)
	for i := 0; i < count; i++ {
		d := gen(i)
		d.CreatedAt = start.Add(time.Duration(i) * time.Second)
		inserted = append(inserted, InsertOrFail(t, store, d))
	}
	return inserted
}

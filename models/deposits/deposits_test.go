package deposits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus(" Failed ")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)

	_, err = ParseStatus("refunded")
	assert.Error(t, err)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusPaid.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.False(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusWaitingAddress.Terminal())
}

func TestDepositRef(t *testing.T) {
	external := "ext-1"
	assert.Equal(t, "ext-1", Deposit{ID: 7, ExternalID: &external}.Ref())
	assert.Equal(t, "7", Deposit{ID: 7}.Ref())

	empty := ""
	assert.Equal(t, "7", Deposit{ID: 7, ExternalID: &empty}.Ref())
}

func TestDepositAmounts(t *testing.T) {
	d := Deposit{AmountCents: 12345, FeeCents: 247, NetCents: 12098}
	assert.Equal(t, "123.45", d.Amount().StringFixed(2))
	assert.Equal(t, "120.98", d.Net().StringFixed(2))
	assert.NoError(t, d.Validate())
	assert.Contains(t, d.String(), "R$ 123.45")

	d.NetCents = 12345
	assert.ErrorIs(t, d.Validate(), ErrInvalidDeposit)
}

func TestHasSettlementRef(t *testing.T) {
	assert.False(t, Deposit{}.HasSettlementRef())
	empty := ""
	assert.False(t, Deposit{SettlementRef: &empty}.HasSettlementRef())
	ref := "tx-abc"
	assert.True(t, Deposit{SettlementRef: &ref}.HasSettlementRef())
}

// Package deposits is the deposit store. It is the only place that reads or
// writes the deposits table, and every write that can race against another
// run is a conditional update.
package deposits

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"gitlab.com/useghost/settle/build"
)

var log = build.AddSubLogger("DEPS")

// Status is the lifecycle state of a deposit
type Status string

const (
	// StatusPending is a deposit waiting for the customer to pay
	StatusPending Status = "pending"
	// StatusWaitingAddress is a paid deposit without a payout destination
	StatusWaitingAddress Status = "waiting_address"
	// StatusPaid means the provider confirmed the payment
	StatusPaid Status = "paid"
	// StatusCompleted means the payout leg finished
	StatusCompleted Status = "completed"
	// StatusFailed means the payout leg failed and is eligible for retry
	StatusFailed Status = "failed"
)

var allStatuses = []Status{
	StatusPending, StatusWaitingAddress, StatusPaid, StatusCompleted, StatusFailed,
}

var (
	// ErrInvalidDeposit means a deposit failed validation before insertion
	ErrInvalidDeposit = errors.New("invalid deposit")
	// ErrInvalidStatus means an unknown status was given
	ErrInvalidStatus = errors.New("invalid deposit status")
	// ErrTerminalStatus means a status change was requested away from a
	// terminal status
	ErrTerminalStatus = errors.New("deposit is in a terminal status")
	// ErrEmptySettlementRef means a settlement reference write had no value
	ErrEmptySettlementRef = errors.New("settlement reference cannot be empty")
	// ErrInvalidLimit means a batch operation was asked for a non-positive
	// number of items
	ErrInvalidLimit = errors.New("limit must be positive")
)

// Statuses lists every known status
func Statuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether a deposit in this status is finished. Terminal
// statuses are never moved by the store.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusCompleted
}

// ParseStatus converts a string into a Status
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", errors.Wrapf(ErrInvalidStatus, "%q", s)
	}
	return status, nil
}

// Deposit is the db and json type for a deposit record
type Deposit struct {
	ID int64 `db:"id" json:"id"`
	// ExternalID is assigned by the payment gateway. NULL until the deposit
	// was submitted there
	ExternalID *string `db:"external_id" json:"externalId"`
	// SettlementRef is the gateway's proof of settlement. Set once, never
	// overwritten
	SettlementRef *string `db:"settlement_ref" json:"settlementRef"`
	Status        Status  `db:"status" json:"status"`

	AmountCents int64 `db:"amount_cents" json:"amountCents"`
	FeeCents    int64 `db:"fee_cents" json:"feeCents"`
	NetCents    int64 `db:"net_cents" json:"netCents"`

	// OwnerRef identifies whoever requested the deposit. Opaque to us
	OwnerRef      string  `db:"owner_ref" json:"ownerRef"`
	PayoutAddress *string `db:"payout_address" json:"payoutAddress"`
	PaymentHash   *string `db:"payment_hash" json:"paymentHash"`

	RetryAttempts int        `db:"retry_attempts" json:"retryAttempts"`
	LastError     *string    `db:"last_error" json:"lastError"`
	LastAttemptAt *time.Time `db:"last_attempt_at" json:"lastAttemptAt"`

	SettledAt *time.Time `db:"settled_at" json:"settledAt"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time  `db:"updated_at" json:"-"`
}

// Ref is the reference the payment gateway knows this deposit by: the
// external id when there is one, the local id otherwise
func (d Deposit) Ref() string {
	if d.ExternalID != nil && *d.ExternalID != "" {
		return *d.ExternalID
	}
	return strconv.FormatInt(d.ID, 10)
}

// HasSettlementRef reports whether the settlement reference is set
func (d Deposit) HasSettlementRef() bool {
	return d.SettlementRef != nil && *d.SettlementRef != ""
}

// Amount is the gross amount in BRL
func (d Deposit) Amount() decimal.Decimal {
	return decimal.New(d.AmountCents, -2)
}

// Net is the amount in BRL after fees
func (d Deposit) Net() decimal.Decimal {
	return decimal.New(d.NetCents, -2)
}

// Validate checks the fields a new deposit needs
func (d Deposit) Validate() error {
	if d.AmountCents < 0 || d.FeeCents < 0 {
		return errors.Wrap(ErrInvalidDeposit, "amounts cannot be negative")
	}
	if d.NetCents != d.AmountCents-d.FeeCents {
		return errors.Wrapf(ErrInvalidDeposit,
			"net (%d) must equal amount (%d) minus fee (%d)",
			d.NetCents, d.AmountCents, d.FeeCents)
	}
	if d.ExternalID != nil && *d.ExternalID == "" {
		return errors.Wrap(ErrInvalidDeposit, "external id cannot be empty when set")
	}
	if d.Status != "" && !d.Status.Valid() {
		return errors.Wrapf(ErrInvalidStatus, "%q", d.Status)
	}
	return nil
}

func (d Deposit) String() string {
	fragments := []string{
		fmt.Sprintf("Deposit: {ID: %d", d.ID),
		fmt.Sprintf("Status: %s", d.Status),
		fmt.Sprintf("Amount: R$ %s", d.Amount().StringFixed(2)),
		fmt.Sprintf("Attempts: %d", d.RetryAttempts),
	}
	if d.ExternalID != nil {
		fragments = append(fragments, fmt.Sprintf("ExternalID: %s", *d.ExternalID))
	}
	if d.SettlementRef != nil {
		fragments = append(fragments, fmt.Sprintf("SettlementRef: %s", *d.SettlementRef))
	}
	if d.PaymentHash != nil {
		fragments = append(fragments, fmt.Sprintf("PaymentHash: %s", *d.PaymentHash))
	}
	if d.LastError != nil {
		fragments = append(fragments, fmt.Sprintf("LastError: %s", *d.LastError))
	}
	return strings.Join(fragments, ", ") + "}"
}

// Package gateway describes what we need from the external payment provider,
// and classifies the ways talking to it can fail
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"gitlab.com/useghost/settle/build"
)

var log = build.AddSubLogger("GWAY")

var (
	// ErrGatewayUnavailable means the gateway could not be reached at all:
	// network failures, timeouts and an open circuit breaker
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrMalformedResponse means the gateway answered, but not with
	// something we could use. Treated as "not available yet"
	ErrMalformedResponse = errors.New("malformed payment gateway response")
)

// Error is a non-2xx answer from the gateway
type Error struct {
	Code int
	// Body is the (truncated) response body, for logging
	Body string
}

func (e *Error) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("payment gateway returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("payment gateway returned HTTP %d: %s", e.Code, e.Body)
}

// Transient reports whether retrying the same request later can succeed
func (e *Error) Transient() bool {
	return e.Code >= http.StatusInternalServerError || e.Code == http.StatusTooManyRequests
}

// StatusResult is what the gateway knows about a deposit
type StatusResult struct {
	// SettlementRef is the proof of settlement. Empty while the gateway
	// has not settled the deposit yet
	SettlementRef string
	// RawStatus is the gateway's own status string, passed through as is
	RawStatus string
}

// Resubmission is the outcome of re-attempting a failed payment
type Resubmission struct {
	Success     bool
	PaymentHash string
	// Error is the gateway's reason when Success is false
	Error string
}

// StatusQuerier queries settlement status by external id
type StatusQuerier interface {
	QueryStatus(ctx context.Context, externalID string) (StatusResult, error)
}

// PaymentResubmitter re-attempts a payment that failed at submission time
type PaymentResubmitter interface {
	ResubmitPayment(ctx context.Context, depositRef string) (Resubmission, error)
}

// Kind names a class of gateway error, for reports and metrics
type Kind string

const (
	// KindNone means there was no error
	KindNone Kind = ""
	// KindUnavailable is ErrGatewayUnavailable
	KindUnavailable Kind = "gateway_unavailable"
	// KindGatewayError is a non-2xx answer
	KindGatewayError Kind = "gateway_error"
	// KindMalformed is ErrMalformedResponse
	KindMalformed Kind = "malformed_response"
	// KindCancelled means the caller gave up on the request
	KindCancelled Kind = "cancelled"
	// KindUnknown is anything else
	KindUnknown Kind = "unknown"
)

// Classify maps an error returned by a gateway client to its Kind
func Classify(err error) Kind {
	var gwErr *Error
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrMalformedResponse):
		return KindMalformed
	case errors.As(err, &gwErr):
		return KindGatewayError
	case errors.Is(err, ErrGatewayUnavailable), errors.Is(err, context.DeadlineExceeded):
		return KindUnavailable
	default:
		return KindUnknown
	}
}

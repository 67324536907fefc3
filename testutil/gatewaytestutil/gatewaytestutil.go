// Package gatewaytestutil has in-memory payment gateways for tests
package gatewaytestutil

import (
	"context"
	"sync"
	"time"

	"gitlab.com/useghost/settle/gateway"
)

// Call is one recorded gateway call
type Call struct {
	Ref string
	At  time.Time
}

// StatusGateway is a gateway.StatusQuerier answering from a map. Refs not
// in Results are not settled yet
type StatusGateway struct {
	mu      sync.Mutex
	Results map[string]gateway.StatusResult
	Errors  map[string]error
	// Now stamps calls. Defaults to time.Now
	Now func() time.Time
	// Before runs before the answer is looked up, outside the lock
	Before func(ctx context.Context, ref string)
	calls  []Call
}

var _ gateway.StatusQuerier = &StatusGateway{}

// NewStatusGateway creates an empty StatusGateway
func NewStatusGateway() *StatusGateway {
	return &StatusGateway{
		Results: map[string]gateway.StatusResult{},
		Errors:  map[string]error{},
	}
}

// Settle makes the gateway report ref as settled with settlementRef
func (g *StatusGateway) Settle(ref, settlementRef string) *StatusGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Results[ref] = gateway.StatusResult{SettlementRef: settlementRef, RawStatus: "depix_sent"}
	return g
}

// Fail makes every query for ref return err
func (g *StatusGateway) Fail(ref string, err error) *StatusGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Errors[ref] = err
	return g
}

func (g *StatusGateway) QueryStatus(ctx context.Context, ref string) (gateway.StatusResult, error) {
	if g.Before != nil {
		g.Before(ctx, ref)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	g.calls = append(g.calls, Call{Ref: ref, At: now()})

	if err := ctx.Err(); err != nil {
		return gateway.StatusResult{}, err
	}
	if err, ok := g.Errors[ref]; ok {
		return gateway.StatusResult{}, err
	}
	if res, ok := g.Results[ref]; ok {
		return res, nil
	}
	return gateway.StatusResult{RawStatus: "pending"}, nil
}

// Calls returns the calls made so far, in order
func (g *StatusGateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Call(nil), g.calls...)
}

// Resubmitter is a gateway.PaymentResubmitter answering from a map. Refs not
// in Results succeed with a generated payment hash
type Resubmitter struct {
	mu      sync.Mutex
	Results map[string]gateway.Resubmission
	Errors  map[string]error
	Before  func(ctx context.Context, ref string)
	calls   []string
}

var _ gateway.PaymentResubmitter = &Resubmitter{}

// NewResubmitter creates an empty Resubmitter
func NewResubmitter() *Resubmitter {
	return &Resubmitter{
		Results: map[string]gateway.Resubmission{},
		Errors:  map[string]error{},
	}
}

// Refuse makes the payout of ref fail with reason
func (r *Resubmitter) Refuse(ref, reason string) *Resubmitter {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Results[ref] = gateway.Resubmission{Success: false, Error: reason}
	return r
}

// Pay makes the payout of ref succeed with paymentHash
func (r *Resubmitter) Pay(ref, paymentHash string) *Resubmitter {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Results[ref] = gateway.Resubmission{Success: true, PaymentHash: paymentHash}
	return r
}

// Fail makes every resubmission of ref return err
func (r *Resubmitter) Fail(ref string, err error) *Resubmitter {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors[ref] = err
	return r
}

func (r *Resubmitter) ResubmitPayment(ctx context.Context, ref string) (gateway.Resubmission, error) {
	if r.Before != nil {
		r.Before(ctx, ref)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ref)

	if err := ctx.Err(); err != nil {
		return gateway.Resubmission{}, err
	}
	if err, ok := r.Errors[ref]; ok {
		return gateway.Resubmission{}, err
	}
	if res, ok := r.Results[ref]; ok {
		return res, nil
	}
	return gateway.Resubmission{Success: true, PaymentHash: "ph-" + ref}, nil
}

// Calls returns the refs resubmitted so far, in order
func (r *Resubmitter) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

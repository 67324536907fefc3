// Package report folds per-item outcomes of a run into the counters the
// scheduler and the operators look at, and publishes them
package report

import (
	"time"

	"github.com/google/uuid"

	"gitlab.com/useghost/settle/build"
	"gitlab.com/useghost/settle/gateway"
)

var log = build.AddSubLogger("REPO")

// Outcome is what happened to one deposit during a reconciliation run
type Outcome string

const (
	// OutcomeUpdated means the settlement reference was written by this run
	OutcomeUpdated Outcome = "updated"
	// OutcomeWaiting means the gateway has no settlement reference yet, or
	// answered with something unusable. The deposit is checked again next run
	OutcomeWaiting Outcome = "waiting"
	// OutcomeConflict means another run wrote the reference first
	OutcomeConflict Outcome = "conflict"
	// OutcomeErrored means the deposit could not be checked. It is left
	// untouched
	OutcomeErrored Outcome = "errored"
)

const (
	// KindStore marks an item that failed on the store write, not the gateway
	KindStore gateway.Kind = "store"
	// KindRefused marks a payout the gateway answered but did not make
	KindRefused gateway.Kind = "refused"
)

// Component names the part of the system a run belongs to
type Component string

const (
	ComponentReconcile Component = "reconcile"
	ComponentFallback  Component = "fallback"
)

// ItemResult is the outcome of reconciling one deposit
type ItemResult struct {
	DepositID  int64   `json:"depositId"`
	DepositRef string  `json:"depositRef"`
	Outcome    Outcome `json:"outcome"`
	// ErrorKind classifies the error of an errored or waiting item
	ErrorKind     gateway.Kind `json:"errorKind,omitempty"`
	Detail        string       `json:"detail,omitempty"`
	SettlementRef string       `json:"settlementRef,omitempty"`
}

// RunReport is the result of one reconciliation run
type RunReport struct {
	RunID      string    `json:"runId"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	TotalChecked   int `json:"totalChecked"`
	TotalUpdated   int `json:"totalUpdated"`
	TotalErrored   int `json:"totalErrored"`
	TotalWaiting   int `json:"totalWaiting"`
	TotalConflicts int `json:"totalConflicts"`

	// Interrupted is set when the run was cancelled, or lost the store,
	// before it saw every selected deposit. The counters cover what was
	// processed
	Interrupted bool         `json:"interrupted"`
	Items       []ItemResult `json:"items"`
}

// Duration is how long the run took
func (r RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// NewRunID creates an identifier to correlate the log lines of a run
func NewRunID() string {
	return uuid.NewString()
}

// Summarize counts the outcomes of items. It does not touch the run's
// timestamps
func Summarize(runID string, items []ItemResult) RunReport {
	r := RunReport{
		RunID: runID,
		Items: items,
	}
	if r.Items == nil {
		r.Items = []ItemResult{}
	}
	for _, item := range items {
		r.TotalChecked++
		switch item.Outcome {
		case OutcomeUpdated:
			r.TotalUpdated++
		case OutcomeWaiting:
			r.TotalWaiting++
		case OutcomeConflict:
			r.TotalConflicts++
		case OutcomeErrored:
			r.TotalErrored++
		}
	}
	return r
}

// QueueItemResult is the outcome of re-attempting one failed payment
type QueueItemResult struct {
	DepositID   int64  `json:"depositId"`
	DepositRef  string `json:"depositRef"`
	Success     bool   `json:"success"`
	PaymentHash string `json:"paymentHash,omitempty"`
	Error       string `json:"error,omitempty"`
	// ErrorKind classifies the error of a failed item
	ErrorKind gateway.Kind `json:"errorKind,omitempty"`
	// Conflict means the deposit left the failed state while we were
	// paying it, so another run handled it. Reported as a success
	Conflict bool `json:"conflict,omitempty"`
}

// QueueResult is the result of one fallback queue run
type QueueResult struct {
	RunID      string    `json:"runId"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	TotalChecked int `json:"totalChecked"`
	// Processed counts the payments this run completed. Conflicts are
	// successes too, but the payment was completed by another run, so they
	// are only counted in Conflicts. Processed + Conflicts is the number of
	// successful results
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`

	Interrupted bool              `json:"interrupted"`
	Results     []QueueItemResult `json:"results"`
}

// Duration is how long the run took
func (q QueueResult) Duration() time.Duration {
	return q.FinishedAt.Sub(q.StartedAt)
}

// SummarizeQueue counts the results of a fallback queue run
func SummarizeQueue(runID string, results []QueueItemResult) QueueResult {
	q := QueueResult{
		RunID:   runID,
		Results: results,
	}
	if q.Results == nil {
		q.Results = []QueueItemResult{}
	}
	for _, res := range results {
		q.TotalChecked++
		switch {
		case res.Conflict:
			q.Conflicts++
		case res.Success:
			q.Processed++
		default:
			q.Failed++
		}
	}
	return q
}

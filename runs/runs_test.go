package runs

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/useghost/settle/build"
	"gitlab.com/useghost/settle/db"
	"gitlab.com/useghost/settle/report"
	"gitlab.com/useghost/settle/runlock"
)

func TestMain(m *testing.M) {
	build.SetLogLevels(logrus.ErrorLevel)
	os.Exit(m.Run())
}

type stubReconciler struct {
	res   report.RunReport
	err   error
	calls int
}

func (s *stubReconciler) Reconcile(context.Context, int) (report.RunReport, error) {
	s.calls++
	return s.res, s.err
}

type stubProcessor struct {
	res report.QueueResult
	err error
}

func (s *stubProcessor) ProcessFallbackQueue(context.Context, int) (report.QueueResult, error) {
	return s.res, s.err
}

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string) (runlock.Lock, error) {
	return nil, runlock.ErrHeld
}

type recordingSink struct {
	runs   []report.RunReport
	queues []report.QueueResult
	err    error
}

func (s *recordingSink) Run(_ context.Context, r report.RunReport) error {
	s.runs = append(s.runs, r)
	return s.err
}

func (s *recordingSink) Queue(_ context.Context, q report.QueueResult) error {
	s.queues = append(s.queues, q)
	return s.err
}

func TestRunnerPublishes(t *testing.T) {
	sink := &recordingSink{}
	reconciler := &stubReconciler{res: report.Summarize("run-1", []report.ItemResult{
		{DepositRef: "ext-1", Outcome: report.OutcomeUpdated},
	})}
	runner := &Runner{Reconciler: reconciler, Sink: sink}

	res, err := runner.Reconcile(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalUpdated)
	require.Len(t, sink.runs, 1)
	assert.Equal(t, "run-1", sink.runs[0].RunID)
}

func TestRunnerPublishesInterruptedRuns(t *testing.T) {
	sink := &recordingSink{}
	partial := report.SummarizeQueue("run-2", []report.QueueItemResult{{DepositRef: "ext-1", Success: true}})
	partial.Interrupted = true
	runner := &Runner{
		Processor: &stubProcessor{res: partial, err: context.Canceled},
		Sink:      sink,
	}

	res, err := runner.ProcessFallbackQueue(context.Background(), 5)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Interrupted)
	require.Len(t, sink.queues, 1)
}

func TestRunnerDoesNotPublishFatalErrors(t *testing.T) {
	sink := &recordingSink{}
	runner := &Runner{
		Reconciler: &stubReconciler{err: db.ErrStoreConnection},
		Sink:       sink,
	}
	_, err := runner.Reconcile(context.Background(), 0)
	assert.True(t, errors.Is(err, db.ErrStoreConnection))
	assert.Empty(t, sink.runs)
}

func TestRunnerSkipsWhenLockIsHeld(t *testing.T) {
	reconciler := &stubReconciler{}
	runner := &Runner{Reconciler: reconciler, Locker: heldLocker{}, Sink: &recordingSink{}}

	_, err := runner.Reconcile(context.Background(), 0)
	assert.True(t, errors.Is(err, ErrSkipped))
	assert.Zero(t, reconciler.calls)
}

func TestRunnerIgnoresSinkErrors(t *testing.T) {
	var buf bytes.Buffer
	runner := &Runner{
		Reconciler: &stubReconciler{res: report.Summarize("run-3", nil)},
		Sink:       report.Multi{&recordingSink{err: errors.New("pushgateway down")}, report.JSONSink{W: &buf}},
	}
	_, err := runner.Reconcile(context.Background(), 0)
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), `"runId":"run-3"`)
}

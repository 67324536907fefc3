package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/useghost/settle/api/apierr"
	"gitlab.com/useghost/settle/api/auth"
	"gitlab.com/useghost/settle/build"
	"gitlab.com/useghost/settle/db"
	"gitlab.com/useghost/settle/fallback"
	"gitlab.com/useghost/settle/models/deposits"
	"gitlab.com/useghost/settle/reconcile"
	"gitlab.com/useghost/settle/report"
	"gitlab.com/useghost/settle/runlock"
	"gitlab.com/useghost/settle/runs"
	"gitlab.com/useghost/settle/testutil"
	"gitlab.com/useghost/settle/testutil/deposittestutil"
	"gitlab.com/useghost/settle/testutil/gatewaytestutil"
	"gitlab.com/useghost/settle/testutil/httptestutil"
)

const apiKey = "test-api-key"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	build.SetLogLevels(logrus.ErrorLevel)
	os.Exit(m.Run())
}

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string) (runlock.Lock, error) {
	return nil, runlock.ErrHeld
}

type fixture struct {
	db       *db.DB
	store    *deposits.Store
	statusGw *gatewaytestutil.StatusGateway
	resubmit *gatewaytestutil.Resubmitter
	runner   *runs.Runner
	h        httptestutil.TestHarness
}

func newFixture(t *testing.T) *fixture {
	testDB := testutil.NewTestDatabase(t)
	store := deposits.NewStore(testDB)
	statusGw := gatewaytestutil.NewStatusGateway()
	resubmit := gatewaytestutil.NewResubmitter()

	registry := prometheus.NewRegistry()
	runner := &runs.Runner{
		Reconciler: reconcile.NewPoller(store, statusGw, nil),
		Processor:  fallback.NewProcessor(store, resubmit, nil, fallback.Config{}),
		Sink:       report.NewMetricsSink(report.NewMetrics(registry), registry, ""),
	}

	app, err := NewApp(store, testDB, runner, registry, Config{
		LogLevel: logrus.DebugLevel,
		APIKey:   apiKey,
	})
	require.NoError(t, err)

	return &fixture{
		db:       testDB,
		store:    store,
		statusGw: statusGw,
		resubmit: resubmit,
		runner:   runner,
		h:        httptestutil.NewTestHarness(app.Router, apiKey),
	}
}

func (f *fixture) get(t *testing.T, path string) *http.Request {
	return f.h.AuthRequest(t, httptestutil.RequestArgs{Path: path, Method: "GET"})
}

func (f *fixture) post(t *testing.T, path string) *http.Request {
	return f.h.AuthRequest(t, httptestutil.RequestArgs{Path: path, Method: "POST"})
}

func TestNewApp(t *testing.T) {
	testDB := testutil.NewTestDatabase(t)
	store := deposits.NewStore(testDB)

	_, err := NewApp(store, testDB, &runs.Runner{}, nil, Config{})
	assert.Error(t, err, "an API key is required")

	_, err = NewApp(store, testDB, nil, nil, Config{APIKey: apiKey})
	assert.Error(t, err, "a runner is required")
}

func TestPing(t *testing.T) {
	f := newFixture(t)
	req := httptestutil.GetRequest(t, httptestutil.RequestArgs{Path: "/ping", Method: "GET"})
	res := f.h.AssertResponseOk(t, req)
	assert.Equal(t, "pong", res.Body.String())
}

func TestAuthentication(t *testing.T) {
	testutil.DescribeTest(t)
	f := newFixture(t)

	t.Run("missing key", func(t *testing.T) {
		req := httptestutil.GetRequest(t, httptestutil.RequestArgs{Path: "/info", Method: "GET"})
		err := f.h.AssertResponseNotOkWithCode(t, req, http.StatusUnauthorized)
		assert.True(t, err.Is(apierr.ErrMissingApiKey))
	})

	t.Run("bad key", func(t *testing.T) {
		req := f.get(t, "/fallback/queue")
		req.Header.Set(auth.Header, "not-the-key")
		err := f.h.AssertResponseNotOkWithCode(t, req, http.StatusUnauthorized)
		assert.True(t, err.Is(apierr.ErrBadApiKey))
	})

	t.Run("bearer token", func(t *testing.T) {
		req := httptestutil.GetRequest(t, httptestutil.RequestArgs{Path: "/info", Method: "GET"})
		req.Header.Set("Authorization", "Bearer "+apiKey)
		f.h.AssertResponseOk(t, req)
	})

	t.Run("unknown route", func(t *testing.T) {
		err := f.h.AssertResponseNotOkWithCode(t, f.get(t, "/deposits"), http.StatusNotFound)
		assert.True(t, err.Is(apierr.ErrRouteNotFound))
	})
}

func TestInfo(t *testing.T) {
	f := newFixture(t)
	deposittestutil.InsertOrFail(t, f.store, deposittestutil.MockDeposit(deposits.StatusFailed))
	deposittestutil.InsertOrFail(t, f.store, deposittestutil.MockDeposit(deposits.StatusPaid))

	info := f.h.AssertResponseOkWithJson(t, f.get(t, "/info"))
	assert.Equal(t, build.Version(), info["version"])
	counts, ok := info["deposits"].(map[string]interface{})
	require.True(t, ok, info)
	assert.EqualValues(t, 1, counts[string(deposits.StatusFailed)])
	assert.EqualValues(t, 1, counts[string(deposits.StatusPaid)])

	t.Run("closed database", func(t *testing.T) {
		require.NoError(t, f.db.Close())
		err := f.h.AssertResponseNotOkWithCode(t, f.get(t, "/info"), http.StatusServiceUnavailable)
		assert.True(t, err.Is(apierr.ErrStoreUnavailable))
	})
}

func TestGetFallbackQueue(t *testing.T) {
	testutil.DescribeTest(t)
	f := newFixture(t)

	failed := deposittestutil.InsertAged(t, f.store, 3, func(int) deposits.Deposit {
		return deposittestutil.MockDeposit(deposits.StatusFailed)
	})
	deposittestutil.InsertOrFail(t, f.store, deposittestutil.MockDeposit(deposits.StatusCompleted))

	t.Run("everything", func(t *testing.T) {
		var body struct {
			Total int         `json:"total"`
			Items []QueueItem `json:"items"`
		}
		f.h.DecodeResponse(t, f.get(t, "/fallback/queue"), &body)
		require.Equal(t, 3, body.Total)
		require.Len(t, body.Items, 3)
		for i, item := range body.Items {
			assert.Equal(t, failed[i].ID, item.ID)
			assert.Equal(t, failed[i].Ref(), item.Ref)
			assert.Equal(t, deposits.StatusFailed, item.Status)
			assert.Equal(t, failed[i].Net().StringFixed(2), item.Amount)
		}
	})

	t.Run("limited", func(t *testing.T) {
		json := f.h.AssertResponseOkWithJson(t, f.get(t, "/fallback/queue?limit=2"))
		assert.EqualValues(t, 2, json["total"])
	})

	t.Run("invalid limit", func(t *testing.T) {
		for _, limit := range []string{"-1", "1001", "ten"} {
			req := f.get(t, "/fallback/queue?limit="+limit)
			err := f.h.AssertResponseNotOkWithCode(t, req, http.StatusBadRequest)
			assert.True(t, err.Is(apierr.ErrRequestValidationFailed), limit)
		}
	})
}

func TestRunReconcile(t *testing.T) {
	testutil.DescribeTest(t)
	f := newFixture(t)

	settled := deposittestutil.InsertOrFail(t, f.store, deposittestutil.MockDeposit(deposits.StatusPaid))
	deposittestutil.InsertOrFail(t, f.store, deposittestutil.MockDeposit(deposits.StatusPending))
	f.statusGw.Settle(*settled.ExternalID, "tx-abc")

	var res report.RunReport
	f.h.DecodeResponse(t, f.post(t, "/runs/reconcile"), &res)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 2, res.TotalChecked)
	assert.Equal(t, 1, res.TotalUpdated)
	assert.Equal(t, 1, res.TotalWaiting)
	assert.False(t, res.Interrupted)

	found, err := f.store.GetByID(context.Background(), settled.ID)
	require.NoError(t, err)
	require.NotNil(t, found.SettlementRef)
	assert.Equal(t, "tx-abc", *found.SettlementRef)

	t.Run("limited", func(t *testing.T) {
		var res report.RunReport
		f.h.DecodeResponse(t, f.post(t, "/runs/reconcile?limit=1"), &res)
		assert.Equal(t, 1, res.TotalChecked)
	})

	t.Run("run published to metrics", func(t *testing.T) {
		res := f.h.AssertResponseOk(t, f.get(t, "/metrics"))
		assert.Contains(t, res.Body.String(),
			fmt.Sprintf(`settle_runs_total{component="%s"`, report.ComponentReconcile))
	})

	t.Run("negative limit", func(t *testing.T) {
		f.h.AssertResponseNotOkWithCode(t, f.post(t, "/runs/reconcile?limit=-1"), http.StatusBadRequest)
	})
}

func TestRunFallback(t *testing.T) {
	testutil.DescribeTest(t)
	f := newFixture(t)

	queued := deposittestutil.InsertAged(t, f.store, 3, func(int) deposits.Deposit {
		return deposittestutil.MockDeposit(deposits.StatusFailed)
	})
	f.resubmit.Refuse(queued[1].Ref(), "no route")

	var res report.QueueResult
	f.h.DecodeResponse(t, f.post(t, "/runs/fallback?max=2"), &res)
	assert.Equal(t, 2, res.TotalChecked)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Results, 2)
	assert.True(t, res.Results[0].Success)
	assert.Equal(t, "no route", res.Results[1].Error)

	for _, batch := range []string{"", "0", "1001"} {
		req := f.post(t, "/runs/fallback?max="+batch)
		err := f.h.AssertResponseNotOkWithCode(t, req, http.StatusBadRequest)
		assert.True(t, err.Is(apierr.ErrRequestValidationFailed), batch)
	}
}

func TestRunWhileHeld(t *testing.T) {
	f := newFixture(t)
	f.runner.Locker = heldLocker{}
	deposittestutil.InsertOrFail(t, f.store, deposittestutil.MockDeposit(deposits.StatusFailed))

	for _, path := range []string{"/runs/reconcile", "/runs/fallback?max=1"} {
		err := f.h.AssertResponseNotOkWithCode(t, f.post(t, path), http.StatusConflict)
		assert.True(t, err.Is(apierr.ErrRunInProgress), path)
	}
	assert.Empty(t, f.resubmit.Calls(), "a skipped run touches nothing")
}

func TestRunWithClosedStore(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Close())

	for _, path := range []string{"/runs/reconcile", "/runs/fallback?max=1"} {
		err := f.h.AssertResponseNotOkWithCode(t, f.post(t, path), http.StatusServiceUnavailable)
		assert.True(t, err.Is(apierr.ErrStoreUnavailable), path)
		assert.False(t, strings.Contains(err.ErrorField.Message, "sql"), "internals are not leaked")
	}
}

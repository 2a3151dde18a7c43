package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/sitestock/sitestock/internal/jobs"
	"github.com/sitestock/sitestock/internal/materials"
	"github.com/sitestock/sitestock/internal/shared"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Queue: QueueDefault, Type: task.Type()}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

type fakeRefresher struct {
	mu    sync.Mutex
	calls [][]materials.StockKey
	err   error
}

func (f *fakeRefresher) RefreshStock(_ context.Context, keys []materials.StockKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, keys)
	return f.err
}

type fakeReconciler struct {
	calls  int
	report materials.ReconcileReport
	err    error
}

func (f *fakeReconciler) Reconcile(context.Context) (materials.ReconcileReport, error) {
	f.calls++
	return f.report, f.err
}

type fakeInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (f fakeInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) { return f.info, f.err }

func newLocker(t *testing.T) (*redislock.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redislock.New(rdb), mr
}

func key(loc, item string) materials.StockKey {
	return materials.StockKey{LocationID: materials.LocationID(loc), ItemID: materials.ItemID(item)}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestClientHandleStockChangedEnqueuesRefresh(t *testing.T) {
	enq := &fakeEnqueuer{}
	client := NewClientWithEnqueuer(enq)

	evt := materials.StockChangedEvent{
		TransactionID: 7,
		Reason:        "submitted",
		Keys:          []materials.StockKey{key("SITE-A", "CEM"), key("YARD", "STEEL")},
	}
	require.NoError(t, client.HandleStockChanged(context.Background(), evt))

	require.Len(t, enq.tasks, 1)
	task := enq.tasks[0]
	assert.Equal(t, TaskStockRefresh, task.Type())
	var payload StockRefreshPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, int64(7), payload.TransactionID)
	assert.Equal(t, "submitted", payload.Reason)
	assert.Equal(t, evt.Keys, payload.Keys)
}

func TestClientHandleStockChangedSkipsEmptyEvents(t *testing.T) {
	enq := &fakeEnqueuer{}
	require.NoError(t, NewClientWithEnqueuer(enq).HandleStockChanged(context.Background(), materials.StockChangedEvent{}))
	assert.Empty(t, enq.tasks)
}

func TestClientHandleStockChangedReportsEnqueueFailure(t *testing.T) {
	enq := &fakeEnqueuer{err: errors.New("redis down")}
	err := NewClientWithEnqueuer(enq).HandleStockChanged(context.Background(), materials.StockChangedEvent{
		Keys: []materials.StockKey{key("SITE-A", "CEM")},
	})
	assert.EqualError(t, err, "redis down")
}

func TestStockRefreshJobGroupsByLocation(t *testing.T) {
	locker, mr := newLocker(t)
	refresher := &fakeRefresher{}
	reg := prometheus.NewRegistry()
	job := NewStockRefreshJob(refresher, locker, nil, jobmetrics.NewMetrics(reg))

	task, err := NewStockRefreshTask(StockRefreshPayload{
		TransactionID: 3,
		Keys:          []materials.StockKey{key("YARD", "STEEL"), key("SITE-A", "CEM"), key("YARD", "CEM")},
	})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, refresher.calls, 2)
	assert.Equal(t, []materials.StockKey{key("SITE-A", "CEM")}, refresher.calls[0])
	assert.Equal(t, []materials.StockKey{key("YARD", "STEEL"), key("YARD", "CEM")}, refresher.calls[1])
	assert.False(t, mr.Exists(shared.StockRefreshLockKey("YARD")), "lock released after refresh")
	assert.Equal(t, 1.0, counterValue(t, reg, "sitestock_jobs_total", map[string]string{"job": TaskStockRefresh, "status": "success"}))
}

func TestStockRefreshJobFailureIsRetried(t *testing.T) {
	refresher := &fakeRefresher{err: errors.New("store offline")}
	reg := prometheus.NewRegistry()
	job := NewStockRefreshJob(refresher, nil, nil, jobmetrics.NewMetrics(reg))

	task, err := NewStockRefreshTask(StockRefreshPayload{Keys: []materials.StockKey{key("SITE-A", "CEM")}})
	require.NoError(t, err)
	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
	assert.Equal(t, 1.0, counterValue(t, reg, "sitestock_jobs_failures_total", map[string]string{"job": TaskStockRefresh}))
}

func TestStockRefreshJobBadPayloadSkipsRetry(t *testing.T) {
	job := NewStockRefreshJob(&fakeRefresher{}, nil, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskStockRefresh, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestLedgerReconcileJobRecordsDrift(t *testing.T) {
	locker, mr := newLocker(t)
	reconciler := &fakeReconciler{report: materials.ReconcileReport{
		Checked: 4,
		Drifted: []materials.StockKey{key("SITE-A", "CEM"), key("YARD", "STEEL")},
	}}
	reg := prometheus.NewRegistry()
	job := NewLedgerReconcileJob(reconciler, locker, nil, jobmetrics.NewMetrics(reg), time.Minute)

	task, err := NewLedgerReconcileTask(time.Date(2024, 3, 2, 2, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Equal(t, 1, reconciler.calls)
	assert.Equal(t, 2.0, counterValue(t, reg, "sitestock_stock_cache_drift_total", nil))
	assert.False(t, mr.Exists(shared.LedgerReconcileLockKey))
}

func TestLedgerReconcileJobSkipsWhileLocked(t *testing.T) {
	locker, _ := newLocker(t)
	held, err := locker.Obtain(context.Background(), shared.LedgerReconcileLockKey, time.Minute, nil)
	require.NoError(t, err)
	defer func() { _ = held.Release(context.Background()) }()

	reconciler := &fakeReconciler{}
	job := NewLedgerReconcileJob(reconciler, locker, nil, nil, time.Minute)
	task, err := NewLedgerReconcileTask(time.Now())
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	assert.Zero(t, reconciler.calls)
}

func TestLedgerReconcileJobPropagatesFailure(t *testing.T) {
	locker, _ := newLocker(t)
	reconciler := &fakeReconciler{err: errors.New("ledger unavailable")}
	job := NewLedgerReconcileJob(reconciler, locker, nil, nil, 0)
	assert.Equal(t, 10*time.Minute, job.LockTTL)

	task, err := NewLedgerReconcileTask(time.Now())
	require.NoError(t, err)
	assert.EqualError(t, job.Handle(context.Background(), task), "ledger unavailable")
}

func TestHandlerHealth(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(fakeInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3, Active: 1}}, nil, nil).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queue":"default","pending":3,"active":1,"retry":0}`, rec.Body.String())
}

func TestHandlerHealthInspectorFailure(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(fakeInspector{err: errors.New("no redis")}, nil, nil).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assertQueueProblem(t, rec)
}

func assertQueueProblem(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var problem struct {
		Status int            `json:"status"`
		Meta   map[string]any `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, http.StatusServiceUnavailable, problem.Status)
	assert.Equal(t, "queue_unavailable", problem.Meta["kind"])
}

func TestHandlerReconcileEnqueues(t *testing.T) {
	enq := &fakeEnqueuer{}
	r := chi.NewRouter()
	NewHandler(nil, NewClientWithEnqueuer(enq), nil).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reconcile", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, enq.tasks, 1)
	assert.Equal(t, TaskLedgerReconcile, enq.tasks[0].Type())
	assert.JSONEq(t, `{"task_id":"task-1","queue":"default"}`, rec.Body.String())
}

func TestHandlerReconcileWithoutClient(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, nil, nil).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reconcile", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assertQueueProblem(t, rec)
}

func TestHandlerReconcileEnqueueFailure(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, NewClientWithEnqueuer(&fakeEnqueuer{err: errors.New("redis down")}), nil).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reconcile", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assertQueueProblem(t, rec)
}

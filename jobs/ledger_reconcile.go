package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/sitestock/sitestock/internal/jobs"
	"github.com/sitestock/sitestock/internal/materials"
	"github.com/sitestock/sitestock/internal/shared"
)

// Reconciler compares cached stock views with a full ledger replay.
type Reconciler interface {
	Reconcile(ctx context.Context) (materials.ReconcileReport, error)
}

// LedgerReconcileJob handles TaskLedgerReconcile. Only one worker replays the
// ledger at a time.
type LedgerReconcileJob struct {
	Service Reconciler
	Locker  *redislock.Client
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	LockTTL time.Duration
}

// NewLedgerReconcileJob constructs the job handler.
func NewLedgerReconcileJob(service Reconciler, locker *redislock.Client, logger *slog.Logger, metrics *jobmetrics.Metrics, lockTTL time.Duration) *LedgerReconcileJob {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	return &LedgerReconcileJob{Service: service, Locker: locker, Logger: logger, Metrics: metrics, LockTTL: lockTTL}
}

// Handle runs the reconcile unless another worker holds the lock.
func (j *LedgerReconcileJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	if j == nil || j.Service == nil || j.Locker == nil {
		return errors.New("ledger reconcile: dependencies not configured")
	}
	var payload LedgerReconcilePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("ledger reconcile payload: %v: %w", err, asynq.SkipRetry)
	}

	lock, err := j.Locker.Obtain(ctx, shared.LedgerReconcileLockKey, j.LockTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		j.log().Info("ledger reconcile already running")
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			j.log().Warn("release ledger reconcile lock", slog.Any("error", err))
		}
	}()

	tracker := j.Metrics.Track(TaskLedgerReconcile)
	defer func() { err = tracker.End(err) }()

	start := time.Now()
	report, err := j.Service.Reconcile(ctx)
	if err != nil {
		j.log().Error("ledger reconcile failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddDrift(len(report.Drifted))
	j.log().Info("ledger reconcile finished",
		slog.Time("scheduled_for", payload.ScheduledFor),
		slog.Int("checked", report.Checked),
		slog.Int("drifted", len(report.Drifted)),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

func (j *LedgerReconcileJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/sitestock/sitestock/internal/jobs"
	"github.com/sitestock/sitestock/internal/materials"
	"github.com/sitestock/sitestock/internal/shared"
)

// StockRefresher recomputes stock views and stores them in the cache.
type StockRefresher interface {
	RefreshStock(ctx context.Context, keys []materials.StockKey) error
}

// StockRefreshJob handles TaskStockRefresh.
type StockRefreshJob struct {
	Service StockRefresher
	Locker  *redislock.Client
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	LockTTL time.Duration
}

// NewStockRefreshJob constructs the job handler. locker may be nil, in which
// case refreshes of one location are not serialised.
func NewStockRefreshJob(service StockRefresher, locker *redislock.Client, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockRefreshJob {
	return &StockRefreshJob{Service: service, Locker: locker, Logger: logger, Metrics: metrics, LockTTL: 30 * time.Second}
}

// Handle refreshes the payload's keys one location at a time.
func (j *StockRefreshJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("stock refresh: dependencies not configured")
	}
	var payload StockRefreshPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("stock refresh payload: %v: %w", err, asynq.SkipRetry)
	}
	if len(payload.Keys) == 0 {
		return nil
	}

	tracker := j.Metrics.Track(TaskStockRefresh)
	defer func() { err = tracker.End(err) }()

	byLocation := make(map[materials.LocationID][]materials.StockKey)
	for _, k := range payload.Keys {
		byLocation[k.LocationID] = append(byLocation[k.LocationID], k)
	}
	locations := make([]materials.LocationID, 0, len(byLocation))
	for loc := range byLocation {
		locations = append(locations, loc)
	}
	sort.Slice(locations, func(a, b int) bool { return locations[a] < locations[b] })

	for _, loc := range locations {
		if err := j.refreshLocation(ctx, loc, byLocation[loc]); err != nil {
			j.log().Error("stock refresh failed",
				slog.Int64("transaction_id", payload.TransactionID),
				slog.String("location_id", string(loc)),
				slog.Any("error", err),
			)
			return err
		}
	}
	j.log().Info("stock refreshed",
		slog.Int64("transaction_id", payload.TransactionID),
		slog.String("reason", payload.Reason),
		slog.Int("keys", len(payload.Keys)),
	)
	return nil
}

func (j *StockRefreshJob) refreshLocation(ctx context.Context, loc materials.LocationID, keys []materials.StockKey) error {
	if j.Locker == nil {
		return j.Service.RefreshStock(ctx, keys)
	}
	lock, err := j.Locker.Obtain(ctx, shared.StockRefreshLockKey(string(loc)), j.LockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 20),
	})
	if err != nil {
		return fmt.Errorf("lock %s: %w", loc, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			j.log().Warn("release stock refresh lock", slog.String("location_id", string(loc)), slog.Any("error", err))
		}
	}()
	return j.Service.RefreshStock(ctx, keys)
}

func (j *StockRefreshJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/sitestock/sitestock/internal/materials"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStockRefresh recomputes and re-caches stock views after a write.
	TaskStockRefresh = "materials:stock_refresh"
	// TaskLedgerReconcile replays the ledger against the stock cache.
	TaskLedgerReconcile = "materials:ledger_reconcile"
)

// StockRefreshPayload lists the location/item pairs a write touched.
type StockRefreshPayload struct {
	TransactionID int64                `json:"transaction_id"`
	Reason        string               `json:"reason"`
	Keys          []materials.StockKey `json:"keys"`
}

// NewStockRefreshTask constructs an Asynq task refreshing keys.
func NewStockRefreshTask(payload StockRefreshPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockRefresh, body, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

// LedgerReconcilePayload carries scheduling metadata.
type LedgerReconcilePayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewLedgerReconcileTask constructs an Asynq task for the ledger reconcile.
func NewLedgerReconcileTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(LedgerReconcilePayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerReconcile, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}

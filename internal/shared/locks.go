package shared

// LedgerReconcileLockKey is the redis lock held while the ledger is replayed
// against the stock cache.
const LedgerReconcileLockKey = "materials:ledger:reconcile:lock"

// StockRefreshLockKey builds the lock key guarding refreshes of one location.
func StockRefreshLockKey(locationID string) string {
	return "materials:stock:" + locationID + ":refresh:lock"
}

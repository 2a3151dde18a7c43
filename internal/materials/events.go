package materials

import (
	"context"
	"time"
)

// Stock change reasons.
const (
	ChangeCommitted = "committed"
	ChangeUpdated   = "updated"
	ChangeDeleted   = "deleted"
)

// StockChangedEvent lists every location/item pair whose derived stock may
// have moved because of a write.
type StockChangedEvent struct {
	TransactionID   int64        `json:"transaction_id"`
	ReferenceNumber string       `json:"reference_number"`
	MovementType    MovementType `json:"movement_type"`
	Reason          string       `json:"reason"`
	Keys            []StockKey   `json:"keys"`
	At              time.Time    `json:"at"`
}

// IntegrationHandler receives stock change events, typically to schedule a
// cache refresh.
type IntegrationHandler interface {
	HandleStockChanged(ctx context.Context, evt StockChangedEvent) error
}

func mergeKeys(sets ...[]StockKey) []StockKey {
	seen := make(map[StockKey]struct{})
	var out []StockKey
	for _, set := range sets {
		for _, k := range set {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

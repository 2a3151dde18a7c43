package materials

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// StockMovement is one contribution of a transaction line to a location.
type StockMovement struct {
	TransactionID   int64           `json:"transaction_id"`
	ReferenceNumber string          `json:"reference_number"`
	ReferenceDate   time.Time       `json:"reference_date"`
	MovementType    MovementType    `json:"movement_type"`
	Direction       Direction       `json:"direction"`
	Line            int             `json:"line"`
	Quantity        decimal.Decimal `json:"quantity"`
}

// LocationStockView is the replayed balance of one location/item pair.
type LocationStockView struct {
	LocationID LocationID      `json:"location_id"`
	ItemID     ItemID          `json:"item_id"`
	ItemName   string          `json:"item_name"`
	Unit       string          `json:"unit"`
	TotalIn    decimal.Decimal `json:"total_in_qty"`
	TotalOut   decimal.Decimal `json:"total_out_qty"`
	Movements  []StockMovement `json:"movements"`
}

// NetStock is TotalIn minus TotalOut.
func (v LocationStockView) NetStock() decimal.Decimal {
	return v.TotalIn.Sub(v.TotalOut)
}

// Key returns the view's location/item pair.
func (v LocationStockView) Key() StockKey {
	return StockKey{LocationID: v.LocationID, ItemID: v.ItemID}
}

// MarshalJSON adds net_stock_qty.
func (v LocationStockView) MarshalJSON() ([]byte, error) {
	type plain LocationStockView
	movements := v.Movements
	if movements == nil {
		movements = []StockMovement{}
	}
	p := plain(v)
	p.Movements = movements
	return json.Marshal(struct {
		plain
		NetStock decimal.Decimal `json:"net_stock_qty"`
	}{plain: p, NetStock: v.NetStock()})
}

type contribution struct {
	movement StockMovement
	itemName string
	unit     string
}

// AggregateStock folds committed transactions into stock views. With no keys
// every pair the ledger touches is returned; otherwise exactly the requested
// pairs are, including empty ones. Totals do not depend on input order.
func AggregateStock(txs []Transaction, keys ...StockKey) map[StockKey]LocationStockView {
	var want map[StockKey]struct{}
	if len(keys) > 0 {
		want = make(map[StockKey]struct{}, len(keys))
		for _, k := range keys {
			want[k] = struct{}{}
		}
	}
	parts := make(map[StockKey][]contribution)
	for _, tx := range txs {
		if tx.Status != StatusCommitted || tx.Header == nil {
			continue
		}
		for _, l := range tx.Header.legs() {
			for i, item := range tx.Items {
				k := StockKey{LocationID: l.location, ItemID: item.ItemID}
				if want != nil {
					if _, ok := want[k]; !ok {
						continue
					}
				}
				parts[k] = append(parts[k], contribution{
					movement: StockMovement{
						TransactionID:   tx.ID,
						ReferenceNumber: tx.ReferenceNumber,
						ReferenceDate:   tx.ReferenceDate,
						MovementType:    tx.MovementType(),
						Direction:       l.direction,
						Line:            i + 1,
						Quantity:        item.Quantity,
					},
					itemName: item.ItemName,
					unit:     item.Unit,
				})
			}
		}
	}
	out := make(map[StockKey]LocationStockView, len(parts)+len(keys))
	for _, k := range keys {
		out[k] = LocationStockView{LocationID: k.LocationID, ItemID: k.ItemID}
	}
	for k, cs := range parts {
		out[k] = foldView(k, cs)
	}
	return out
}

func foldView(k StockKey, cs []contribution) LocationStockView {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i].movement, cs[j].movement
		if !a.ReferenceDate.Equal(b.ReferenceDate) {
			return a.ReferenceDate.Before(b.ReferenceDate)
		}
		if a.TransactionID != b.TransactionID {
			return a.TransactionID < b.TransactionID
		}
		return a.Line < b.Line
	})
	view := LocationStockView{
		LocationID: k.LocationID,
		ItemID:     k.ItemID,
		Movements:  make([]StockMovement, 0, len(cs)),
	}
	for _, c := range cs {
		switch c.movement.Direction {
		case DirectionIn:
			view.TotalIn = view.TotalIn.Add(c.movement.Quantity)
		case DirectionOut:
			view.TotalOut = view.TotalOut.Add(c.movement.Quantity)
		}
		// Latest non-empty label wins.
		if c.itemName != "" {
			view.ItemName = c.itemName
		}
		if c.unit != "" {
			view.Unit = c.unit
		}
		view.Movements = append(view.Movements, c.movement)
	}
	return view
}

// AggregateStockParallel computes each key independently on up to workers
// goroutines. The result equals AggregateStock(txs, keys...).
func AggregateStockParallel(ctx context.Context, txs []Transaction, keys []StockKey, workers int) (map[StockKey]LocationStockView, error) {
	if workers <= 0 {
		workers = 1
	}
	var (
		mu  sync.Mutex
		out = make(map[StockKey]LocationStockView, len(keys))
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, k := range keys {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			view := AggregateStock(txs, k)[k]
			mu.Lock()
			out[k] = view
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// LocationInventory lists the net stock of every item the ledger has moved at
// loc, ordered by item id.
func LocationInventory(txs []Transaction, loc LocationID) []StockItem {
	var at []Transaction
	for _, tx := range txs {
		if tx.TouchesLocation(loc) {
			at = append(at, tx)
		}
	}
	views := AggregateStock(at)
	items := make([]StockItem, 0, len(views))
	for k, v := range views {
		if k.LocationID != loc {
			continue
		}
		items = append(items, StockItem{ItemID: k.ItemID, ItemName: v.ItemName, Unit: v.Unit, StockQty: v.NetStock()})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ItemID < items[j].ItemID })
	return items
}

// ReceivedAgainstPO sums committed, PO-backed receipt quantities per item for
// po. The transaction with id excludeID is skipped so an edit does not count
// its own previous version.
func ReceivedAgainstPO(txs []Transaction, po PurchaseOrderID, excludeID int64) map[ItemID]decimal.Decimal {
	out := make(map[ItemID]decimal.Decimal)
	for _, tx := range txs {
		if tx.Status != StatusCommitted || (excludeID != 0 && tx.ID == excludeID) {
			continue
		}
		h, ok := tx.Receipt()
		if !ok || h.OpeningBalance || h.PurchaseOrderID != po {
			continue
		}
		for _, item := range tx.Items {
			out[item.ItemID] = out[item.ItemID].Add(item.Quantity)
		}
	}
	return out
}

// POBalances returns the PO's lines with TotalReceivedQty replaced by the
// replayed totals.
func POBalances(po PurchaseOrder, received map[ItemID]decimal.Decimal) []PurchaseOrderLine {
	lines := make([]PurchaseOrderLine, len(po.Lines))
	for i, l := range po.Lines {
		l.PurchaseOrderID = po.ID
		l.TotalReceivedQty = received[l.ItemID]
		lines[i] = l
	}
	return lines
}

// Without drops the transaction with the given id.
func Without(txs []Transaction, id int64) []Transaction {
	out := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.ID != id {
			out = append(out, tx)
		}
	}
	return out
}

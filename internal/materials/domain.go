package materials

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MovementType discriminates the four movement documents.
type MovementType string

const (
	// MovementReceipt records goods received against a PO or as opening balance.
	MovementReceipt MovementType = "RECEIPT"
	// MovementTransfer moves goods between two locations.
	MovementTransfer MovementType = "TRANSFER"
	// MovementIssue consumes goods from a location into a project.
	MovementIssue MovementType = "ISSUE"
	// MovementReturn sends goods from a location back to the supplier.
	MovementReturn MovementType = "RETURN"
)

// IsValid reports whether t is one of the known movement types.
func (t MovementType) IsValid() bool {
	switch t {
	case MovementReceipt, MovementTransfer, MovementIssue, MovementReturn:
		return true
	}
	return false
}

// referencePrefix is used when the store assigns reference numbers.
func (t MovementType) referencePrefix() string {
	switch t {
	case MovementReceipt:
		return "GRN"
	case MovementTransfer:
		return "TRF"
	case MovementIssue:
		return "ISS"
	case MovementReturn:
		return "RTN"
	}
	return "MTX"
}

// ReferenceNumber formats the server-assigned document number, e.g. GRN-000042.
func ReferenceNumber(t MovementType, id int64) string {
	return fmt.Sprintf("%s-%06d", t.referencePrefix(), id)
}

// ItemID identifies a material across transactions.
type ItemID string

// LocationID identifies a site or store yard.
type LocationID string

// PurchaseOrderID identifies an external purchase order.
type PurchaseOrderID string

// Direction tells whether a movement adds to or draws from a location.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// StockKey addresses one location/item balance.
type StockKey struct {
	LocationID LocationID `json:"location_id"`
	ItemID     ItemID     `json:"item_id"`
}

// PurchaseOrder is the reference document receipts reconcile against.
type PurchaseOrder struct {
	ID         PurchaseOrderID     `json:"id"`
	SupplierID string              `json:"supplier_id"`
	Lines      []PurchaseOrderLine `json:"lines"`
}

// PurchaseOrderLine carries the ordered quantity and the received totals
// derived from the ledger.
type PurchaseOrderLine struct {
	PurchaseOrderID  PurchaseOrderID `json:"purchase_order_id"`
	ItemID           ItemID          `json:"item_id"`
	ItemName         string          `json:"item_name"`
	Unit             string          `json:"unit"`
	OrderedQty       decimal.Decimal `json:"ordered_qty"`
	TotalReceivedQty decimal.Decimal `json:"total_received_qty"`
	Rate             decimal.Decimal `json:"rate"`
}

// BalanceQty is the unreceived remainder, never below zero.
func (l PurchaseOrderLine) BalanceQty() decimal.Decimal {
	return nonNegative(l.OrderedQty.Sub(l.TotalReceivedQty))
}

// MarshalJSON adds the derived balance_qty.
func (l PurchaseOrderLine) MarshalJSON() ([]byte, error) {
	type plain PurchaseOrderLine
	return json.Marshal(struct {
		plain
		BalanceQty decimal.Decimal `json:"balance_qty"`
	}{plain: plain(l), BalanceQty: l.BalanceQty()})
}

// StockItem is one row of a location inventory listing.
type StockItem struct {
	ItemID   ItemID          `json:"item_id"`
	ItemName string          `json:"item_name"`
	Unit     string          `json:"unit"`
	StockQty decimal.Decimal `json:"stock_qty"`
}

// TransactionFilter narrows FetchTransactions. Zero values mean "any".
type TransactionFilter struct {
	LocationID      LocationID
	ItemID          ItemID
	PurchaseOrderID PurchaseOrderID
	MovementType    MovementType
	From            time.Time
	To              time.Time
	Limit           int
	Offset          int
}

// Matches reports whether tx passes the filter, ignoring paging. A location
// matches when any leg of the transaction touches it.
func (f TransactionFilter) Matches(tx Transaction) bool {
	if f.MovementType != "" && tx.MovementType() != f.MovementType {
		return false
	}
	if f.PurchaseOrderID != "" && tx.PurchaseOrderID() != f.PurchaseOrderID {
		return false
	}
	if !f.From.IsZero() && tx.ReferenceDate.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && tx.ReferenceDate.After(f.To) {
		return false
	}
	if f.LocationID != "" && !tx.TouchesLocation(f.LocationID) {
		return false
	}
	if f.ItemID != "" {
		found := false
		for _, item := range tx.Items {
			if item.ItemID == f.ItemID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Page applies Offset and Limit to an already filtered list.
func (f TransactionFilter) Page(txs []Transaction) []Transaction {
	if f.Offset > 0 {
		if f.Offset >= len(txs) {
			return nil
		}
		txs = txs[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(txs) {
		txs = txs[:f.Limit]
	}
	return txs
}

// WriteGuard carries the optimistic preconditions of a write.
type WriteGuard struct {
	// Version must equal the stored version for updates and deletes.
	Version int64
	// Scopes are the ledger scope revisions observed before validation.
	Scopes map[string]int64
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

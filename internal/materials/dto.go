package materials

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// MovementRequest is the JSON body of submit, update and validate calls.
// Read-only fields a client echoes back (id, status, version) are ignored.
type MovementRequest struct {
	ReferenceDate time.Time       `json:"reference_date" validate:"required"`
	MovementType  MovementType    `json:"movement_type" validate:"required,oneof=RECEIPT TRANSFER ISSUE RETURN"`
	Header        json.RawMessage `json:"header" validate:"required"`
	Items         []LedgerEntry   `json:"items"`
	Charges       []ChargeLine    `json:"charges,omitempty"`
	Remarks       string          `json:"remarks,omitempty" validate:"max=1000"`
}

// ToTransaction builds the draft document.
func (r MovementRequest) ToTransaction() (Transaction, error) {
	header, err := DecodeHeader(r.MovementType, r.Header)
	if err != nil {
		return Transaction{}, err
	}
	tx := NewDraft(header, r.ReferenceDate)
	tx.Items = r.Items
	tx.Charges = r.Charges
	tx.Remarks = r.Remarks
	return tx, nil
}

// SettlementRequest previews the settlement of a draft receipt.
type SettlementRequest struct {
	Items   []LedgerEntry `json:"items"`
	Charges []ChargeLine  `json:"charges"`
}

// PurchaseOrderRequest is the JSON body of PUT /purchase-orders/{id}.
type PurchaseOrderRequest struct {
	SupplierID string                     `json:"supplier_id" validate:"required,max=100"`
	Lines      []PurchaseOrderLineRequest `json:"lines" validate:"required,min=1,dive"`
}

// PurchaseOrderLineRequest is one ordered item.
type PurchaseOrderLineRequest struct {
	ItemID     ItemID          `json:"item_id" validate:"required,max=100"`
	ItemName   string          `json:"item_name" validate:"max=200"`
	Unit       string          `json:"unit" validate:"required,max=20"`
	OrderedQty decimal.Decimal `json:"ordered_qty"`
	Rate       decimal.Decimal `json:"rate"`
}

// ToPurchaseOrder builds the domain value for id.
func (r PurchaseOrderRequest) ToPurchaseOrder(id PurchaseOrderID) PurchaseOrder {
	po := PurchaseOrder{ID: id, SupplierID: r.SupplierID, Lines: make([]PurchaseOrderLine, len(r.Lines))}
	for i, l := range r.Lines {
		po.Lines[i] = PurchaseOrderLine{
			PurchaseOrderID: id,
			ItemID:          l.ItemID,
			ItemName:        l.ItemName,
			Unit:            l.Unit,
			OrderedQty:      l.OrderedQty,
			Rate:            l.Rate,
		}
	}
	return po
}

// ListResponse wraps a page of transactions.
type ListResponse struct {
	Transactions []Transaction `json:"transactions"`
	Page         int           `json:"page"`
	PerPage      int           `json:"per_page"`
	HasMore      bool          `json:"has_more"`
}

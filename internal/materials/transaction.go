package materials

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Header is the movement-specific part of a transaction. The set of
// implementations is closed: ReceiptHeader, TransferHeader, IssueHeader and
// ReturnHeader.
type Header interface {
	MovementType() MovementType
	legs() []leg
	scopes() (touched []string, guarded []string)
}

type leg struct {
	location  LocationID
	direction Direction
}

// ReceiptHeader describes goods arriving at a location.
type ReceiptHeader struct {
	ReceivingLocationID LocationID      `json:"receiving_location_id" validate:"required"`
	SupplierID          string          `json:"supplier_id" validate:"required_unless=OpeningBalance true"`
	PurchaseOrderID     PurchaseOrderID `json:"purchase_order_id" validate:"required_unless=OpeningBalance true"`
	OpeningBalance      bool            `json:"is_opening_balance"`
	InvoiceNumber       string          `json:"invoice_number,omitempty"`
	VehicleNumber       string          `json:"vehicle_number,omitempty"`
}

// TransferHeader moves goods between two locations.
type TransferHeader struct {
	SourceLocationID    LocationID `json:"source_location_id" validate:"required"`
	ReceivingLocationID LocationID `json:"receiving_location_id" validate:"required,nefield=SourceLocationID"`
}

// IssueHeader consumes goods into a project.
type IssueHeader struct {
	SourceLocationID LocationID `json:"source_location_id" validate:"required"`
	ProjectID        string     `json:"project_id" validate:"required"`
	Floor            string     `json:"floor,omitempty"`
	Event            string     `json:"event,omitempty"`
}

// ReturnHeader sends goods back to a supplier.
type ReturnHeader struct {
	SourceLocationID LocationID      `json:"source_location_id" validate:"required"`
	SupplierID       string          `json:"supplier_id" validate:"required"`
	PurchaseOrderID  PurchaseOrderID `json:"purchase_order_id,omitempty"`
}

func (ReceiptHeader) MovementType() MovementType  { return MovementReceipt }
func (TransferHeader) MovementType() MovementType { return MovementTransfer }
func (IssueHeader) MovementType() MovementType    { return MovementIssue }
func (ReturnHeader) MovementType() MovementType   { return MovementReturn }

func (h ReceiptHeader) legs() []leg {
	return []leg{{location: h.ReceivingLocationID, direction: DirectionIn}}
}

func (h TransferHeader) legs() []leg {
	return []leg{
		{location: h.SourceLocationID, direction: DirectionOut},
		{location: h.ReceivingLocationID, direction: DirectionIn},
	}
}

func (h IssueHeader) legs() []leg {
	return []leg{{location: h.SourceLocationID, direction: DirectionOut}}
}

func (h ReturnHeader) legs() []leg {
	return []leg{{location: h.SourceLocationID, direction: DirectionOut}}
}

func (h ReceiptHeader) scopes() ([]string, []string) {
	touched := []string{LocationScope(h.ReceivingLocationID)}
	if h.OpeningBalance || h.PurchaseOrderID == "" {
		return touched, nil
	}
	po := PurchaseOrderScope(h.PurchaseOrderID)
	return append(touched, po), []string{po}
}

func (h TransferHeader) scopes() ([]string, []string) {
	src := LocationScope(h.SourceLocationID)
	return []string{src, LocationScope(h.ReceivingLocationID)}, []string{src}
}

func (h IssueHeader) scopes() ([]string, []string) {
	src := LocationScope(h.SourceLocationID)
	return []string{src}, []string{src}
}

func (h ReturnHeader) scopes() ([]string, []string) {
	return []string{LocationScope(h.SourceLocationID)}, nil
}

// LocationScope names the ledger scope of a location.
func LocationScope(id LocationID) string { return "loc:" + string(id) }

// PurchaseOrderScope names the ledger scope of a purchase order.
func PurchaseOrderScope(id PurchaseOrderID) string { return "po:" + string(id) }

// Transaction is a movement document.
type Transaction struct {
	ID              int64
	ReferenceNumber string
	ReferenceDate   time.Time
	Header          Header
	Items           []LedgerEntry
	Charges         []ChargeLine
	Remarks         string
	Status          Status
	Version         int64
	CreatedBy       int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewDraft starts a draft document; the header fixes the movement type.
func NewDraft(header Header, referenceDate time.Time) Transaction {
	return Transaction{Header: header, ReferenceDate: referenceDate, Status: StatusDraft}
}

// MovementType returns the type fixed by the header, or "" without one.
func (t Transaction) MovementType() MovementType {
	if t.Header == nil {
		return ""
	}
	return t.Header.MovementType()
}

// IsOpeningBalance is only ever true for receipts.
func (t Transaction) IsOpeningBalance() bool {
	h, ok := t.Header.(ReceiptHeader)
	return ok && h.OpeningBalance
}

// Receipt returns the receipt header when t is a receipt.
func (t Transaction) Receipt() (ReceiptHeader, bool) {
	h, ok := t.Header.(ReceiptHeader)
	return h, ok
}

// SourceLocation returns the location stock is drawn from, if any.
func (t Transaction) SourceLocation() (LocationID, bool) {
	switch h := t.Header.(type) {
	case TransferHeader:
		return h.SourceLocationID, true
	case IssueHeader:
		return h.SourceLocationID, true
	case ReturnHeader:
		return h.SourceLocationID, true
	}
	return "", false
}

// ReceivingLocation returns the location stock arrives at, if any.
func (t Transaction) ReceivingLocation() (LocationID, bool) {
	switch h := t.Header.(type) {
	case ReceiptHeader:
		return h.ReceivingLocationID, true
	case TransferHeader:
		return h.ReceivingLocationID, true
	}
	return "", false
}

// PurchaseOrderID returns the purchase order a receipt or return references.
func (t Transaction) PurchaseOrderID() PurchaseOrderID {
	switch h := t.Header.(type) {
	case ReceiptHeader:
		return h.PurchaseOrderID
	case ReturnHeader:
		return h.PurchaseOrderID
	}
	return ""
}

// TouchesLocation reports whether any leg of t is at loc.
func (t Transaction) TouchesLocation(loc LocationID) bool {
	if t.Header == nil {
		return false
	}
	for _, l := range t.Header.legs() {
		if l.location == loc {
			return true
		}
	}
	return false
}

// TouchedKeys lists every location/item pair the transaction moves stock at.
func (t Transaction) TouchedKeys() []StockKey {
	if t.Header == nil {
		return nil
	}
	seen := make(map[StockKey]struct{})
	var keys []StockKey
	for _, l := range t.Header.legs() {
		for _, item := range t.Items {
			k := StockKey{LocationID: l.location, ItemID: item.ItemID}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}

// Scopes returns the ledger scopes a write of t changes, and the subset its
// validation reads.
func (t Transaction) Scopes() (touched []string, guarded []string) {
	if t.Header == nil {
		return nil, nil
	}
	return t.Header.scopes()
}

// Clone copies the line slices so callers can mutate the result freely.
func (t Transaction) Clone() Transaction {
	out := t
	out.Items = append([]LedgerEntry(nil), t.Items...)
	out.Charges = append([]ChargeLine(nil), t.Charges...)
	return out
}

// MergeScopes unions scope lists into one sorted, duplicate-free list.
func MergeScopes(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, set := range sets {
		for _, s := range set {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

type transactionJSON struct {
	ID              int64           `json:"id,omitempty"`
	ReferenceNumber string          `json:"reference_number,omitempty"`
	ReferenceDate   time.Time       `json:"reference_date"`
	MovementType    MovementType    `json:"movement_type"`
	Header          json.RawMessage `json:"header"`
	Items           []LedgerEntry   `json:"items"`
	Charges         []ChargeLine    `json:"charges,omitempty"`
	Remarks         string          `json:"remarks,omitempty"`
	Status          Status          `json:"status,omitempty"`
	Version         int64           `json:"version,omitempty"`
	CreatedBy       int64           `json:"created_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at,omitempty"`
}

// MarshalJSON writes the header alongside its movement_type tag.
func (t Transaction) MarshalJSON() ([]byte, error) {
	header, err := json.Marshal(t.Header)
	if err != nil {
		return nil, err
	}
	items := t.Items
	if items == nil {
		items = []LedgerEntry{}
	}
	return json.Marshal(transactionJSON{
		ID:              t.ID,
		ReferenceNumber: t.ReferenceNumber,
		ReferenceDate:   t.ReferenceDate,
		MovementType:    t.MovementType(),
		Header:          header,
		Items:           items,
		Charges:         t.Charges,
		Remarks:         t.Remarks,
		Status:          t.Status,
		Version:         t.Version,
		CreatedBy:       t.CreatedBy,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	})
}

// UnmarshalJSON decodes the header variant selected by movement_type.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var raw transactionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	header, err := DecodeHeader(raw.MovementType, raw.Header)
	if err != nil {
		return err
	}
	*t = Transaction{
		ID:              raw.ID,
		ReferenceNumber: raw.ReferenceNumber,
		ReferenceDate:   raw.ReferenceDate,
		Header:          header,
		Items:           raw.Items,
		Charges:         raw.Charges,
		Remarks:         raw.Remarks,
		Status:          raw.Status,
		Version:         raw.Version,
		CreatedBy:       raw.CreatedBy,
		CreatedAt:       raw.CreatedAt,
		UpdatedAt:       raw.UpdatedAt,
	}
	return nil
}

// DecodeHeader decodes a raw header for the given movement type.
func DecodeHeader(mt MovementType, raw json.RawMessage) (Header, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	switch mt {
	case MovementReceipt:
		var h ReceiptHeader
		err := json.Unmarshal(raw, &h)
		return h, err
	case MovementTransfer:
		var h TransferHeader
		err := json.Unmarshal(raw, &h)
		return h, err
	case MovementIssue:
		var h IssueHeader
		err := json.Unmarshal(raw, &h)
		return h, err
	case MovementReturn:
		var h ReturnHeader
		err := json.Unmarshal(raw, &h)
		return h, err
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMovementType, mt)
}

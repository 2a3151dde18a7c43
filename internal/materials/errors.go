package materials

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors, matched with errors.Is. The structured types below unwrap
// to them.
var (
	ErrEmptyTransaction       = errors.New("materials: transaction has no items")
	ErrInvalidQuantity        = errors.New("materials: quantity must be greater than zero")
	ErrOverReceipt            = errors.New("materials: received quantity exceeds purchase order balance")
	ErrInsufficientStock      = errors.New("materials: quantity exceeds stock at source location")
	ErrMissingRequiredField   = errors.New("materials: required field missing")
	ErrInvalidHeader          = errors.New("materials: invalid header")
	ErrInvalidRate            = errors.New("materials: rate must be >= 0")
	ErrUnitMismatch           = errors.New("materials: unit does not match item unit")
	ErrInvalidCharge          = errors.New("materials: invalid charge line")
	ErrUnknownMovementType    = errors.New("materials: unknown movement type")
	ErrImmutableMovementType  = errors.New("materials: movement type cannot change")
	ErrInvalidTransition      = errors.New("materials: invalid state transition")
	ErrNotFound               = errors.New("materials: not found")
	ErrConflict               = errors.New("materials: concurrent modification")
	ErrDataUnavailable        = errors.New("materials: data unavailable")
	ErrPersistence            = errors.New("materials: persistence failed")
	ErrSettlementNotSupported = errors.New("materials: settlement only applies to receipts")
	ErrInvalidPurchaseOrder   = errors.New("materials: invalid purchase order")
)

// EmptyTransactionError is returned for a transaction without lines.
type EmptyTransactionError struct {
	MovementType MovementType
}

func (e *EmptyTransactionError) Error() string {
	return fmt.Sprintf("materials: %s has no items", e.MovementType)
}

func (e *EmptyTransactionError) Unwrap() error { return ErrEmptyTransaction }

// InvalidQuantityError names the line whose quantity is not positive.
type InvalidQuantityError struct {
	Line     int
	ItemID   ItemID
	ItemName string
	Quantity decimal.Decimal
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("line %d (%s): quantity %s must be greater than zero", e.Line, e.ItemName, e.Quantity)
}

func (e *InvalidQuantityError) Unwrap() error { return ErrInvalidQuantity }

// OverReceiptError reports a receipt line above the open PO balance.
type OverReceiptError struct {
	Line            int
	ItemID          ItemID
	ItemName        string
	PurchaseOrderID PurchaseOrderID
	Attempted       decimal.Decimal
	Allowed         decimal.Decimal
}

func (e *OverReceiptError) Error() string {
	return fmt.Sprintf("line %d (%s): received %s exceeds balance %s on purchase order %s",
		e.Line, e.ItemName, e.Attempted, e.Allowed, e.PurchaseOrderID)
}

func (e *OverReceiptError) Unwrap() error { return ErrOverReceipt }

// InsufficientStockError reports an issue or transfer above available stock.
type InsufficientStockError struct {
	Line       int
	ItemID     ItemID
	ItemName   string
	LocationID LocationID
	Requested  decimal.Decimal
	Available  decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("line %d (%s): requested %s but only %s available at %s",
		e.Line, e.ItemName, e.Requested, e.Available, e.LocationID)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// MissingRequiredFieldError names a header field the movement type requires.
type MissingRequiredFieldError struct {
	MovementType MovementType
	Field        string
}

func (e *MissingRequiredFieldError) Error() string {
	return fmt.Sprintf("materials: %s requires %s", e.MovementType, e.Field)
}

func (e *MissingRequiredFieldError) Unwrap() error { return ErrMissingRequiredField }

// InvalidHeaderError reports a header field that is present but not acceptable.
type InvalidHeaderError struct {
	MovementType MovementType
	Field        string
	Rule         string
}

func (e *InvalidHeaderError) Error() string {
	return fmt.Sprintf("materials: %s field %s fails %s", e.MovementType, e.Field, e.Rule)
}

func (e *InvalidHeaderError) Unwrap() error { return ErrInvalidHeader }

// InvalidRateError reports a negative unit rate.
type InvalidRateError struct {
	Line     int
	ItemName string
	Rate     decimal.Decimal
}

func (e *InvalidRateError) Error() string {
	return fmt.Sprintf("line %d (%s): rate %s must be >= 0", e.Line, e.ItemName, e.Rate)
}

func (e *InvalidRateError) Unwrap() error { return ErrInvalidRate }

// UnitMismatchError reports a line unit that differs from the item's unit.
type UnitMismatchError struct {
	Line     int
	ItemName string
	Unit     string
	Expected string
}

func (e *UnitMismatchError) Error() string {
	return fmt.Sprintf("line %d (%s): unit %q, expected %q", e.Line, e.ItemName, e.Unit, e.Expected)
}

func (e *UnitMismatchError) Unwrap() error { return ErrUnitMismatch }

// InvalidChargeError reports a charge row that cannot be accepted.
type InvalidChargeError struct {
	Line       int
	ChargeType string
	Reason     string
}

func (e *InvalidChargeError) Error() string {
	return fmt.Sprintf("charge %d (%s): %s", e.Line, e.ChargeType, e.Reason)
}

func (e *InvalidChargeError) Unwrap() error { return ErrInvalidCharge }

// DataUnavailableError wraps a failed fetch of state the core depends on.
type DataUnavailableError struct {
	Resource string
	Err      error
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("materials: %s unavailable: %v", e.Resource, e.Err)
}

func (e *DataUnavailableError) Unwrap() []error { return []error{ErrDataUnavailable, e.Err} }

// PersistenceError wraps a failed submit, update or delete. The backend error
// is kept intact so callers can still match it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("materials: %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// ConflictError is returned by stores when a write precondition no longer holds.
type ConflictError struct {
	Scope    string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("materials: %s changed (expected revision %d, found %d)", e.Scope, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// TransitionError reports a forbidden lifecycle move.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("materials: cannot move transaction from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// IsValidationError reports whether err is a correctable problem with the
// draft itself.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrEmptyTransaction) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrOverReceipt) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrMissingRequiredField) ||
		errors.Is(err, ErrInvalidHeader) ||
		errors.Is(err, ErrInvalidRate) ||
		errors.Is(err, ErrUnitMismatch) ||
		errors.Is(err, ErrInvalidCharge) ||
		errors.Is(err, ErrUnknownMovementType) ||
		errors.Is(err, ErrImmutableMovementType) ||
		errors.Is(err, ErrInvalidPurchaseOrder)
}

// RejectionKind returns a short label for metrics and logs.
func RejectionKind(err error) string {
	switch {
	case errors.Is(err, ErrEmptyTransaction):
		return "empty_transaction"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrOverReceipt):
		return "over_receipt"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrMissingRequiredField):
		return "missing_required_field"
	case errors.Is(err, ErrInvalidHeader):
		return "invalid_header"
	case errors.Is(err, ErrInvalidRate):
		return "invalid_rate"
	case errors.Is(err, ErrUnitMismatch):
		return "unit_mismatch"
	case errors.Is(err, ErrInvalidCharge):
		return "invalid_charge"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrDataUnavailable):
		return "data_unavailable"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	}
	return "other"
}

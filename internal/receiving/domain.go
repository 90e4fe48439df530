package receiving

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Purchase order lifecycle statuses. The full legal graph lives in status.go.
type POStatus string

const (
	POStatusOrdered          POStatus = "ORDERED"
	POStatusArrived          POStatus = "ARRIVED"
	POStatusGRNVerified      POStatus = "GRN_VERIFIED"
	POStatusQCInProgress     POStatus = "QC_IN_PROGRESS"
	POStatusReturnedToVendor POStatus = "RETURNED_TO_VENDOR"
	POStatusInStore          POStatus = "IN_STORE"
	POStatusCompleted        POStatus = "COMPLETED"
)

// Per-line quality control statuses.
type QCStatus string

const (
	QCStatusPending    QCStatus = "PENDING"
	QCStatusInProgress QCStatus = "IN_PROGRESS"
	QCStatusPassed     QCStatus = "PASSED"
	QCStatusReturned   QCStatus = "RETURNED"
)

// Aggregate GRN quality control statuses.
type GRNQCStatus string

const (
	GRNQCPending    GRNQCStatus = "PENDING"
	GRNQCInProgress GRNQCStatus = "IN_PROGRESS"
	GRNQCCompleted  GRNQCStatus = "COMPLETED"
)

// Vendor return statuses. QC records a PENDING intent for defective quantity;
// recording the actual shipment confirms it.
type ReturnStatus string

const (
	ReturnStatusPending   ReturnStatus = "PENDING"
	ReturnStatusConfirmed ReturnStatus = "CONFIRMED"
)

// PurchaseOrder domain model.
type PurchaseOrder struct {
	ID          int64
	Number      string
	SupplierID  int64
	OrderDate   time.Time
	Status      POStatus
	DiscountPct decimal.Decimal
	TaxPct      decimal.Decimal
	Subtotal    decimal.Decimal
	Total       decimal.Decimal
	Note        string
}

// POLine represents an ordered item. Lines are immutable once the order is
// placed; edits belong to the order-editing path, not this pipeline.
type POLine struct {
	ID         int64
	POID       int64
	MaterialID int64
	Qty        decimal.Decimal
	UnitPrice  decimal.Decimal
	UOM        string
}

// GoodsReceipt models a GRN header, one per receiving event.
type GoodsReceipt struct {
	ID          int64
	Number      string
	POID        int64
	ReceiptDate time.Time
	MatchedPO   bool
	Remarks     string
	Verified    bool
	VerifiedBy  int64
	VerifiedAt  time.Time
	QCStatus    GRNQCStatus
	CreatedAt   time.Time
}

// GRNLine describes received goods per material.
//
// IntakeDefectQty is the defect observed at the dock. AcceptedQty and
// DefectiveQty are the QC disposition and stay zero until QC runs;
// once it has, AcceptedQty + DefectiveQty == ReceivedQty holds.
// ReturnedQty accumulates confirmed vendor returns against the line.
type GRNLine struct {
	ID              int64
	GRNID           int64
	MaterialID      int64
	ReceivedQty     decimal.Decimal
	IntakeDefectQty decimal.Decimal
	Remarks         string
	QCStatus        QCStatus
	AcceptedQty     decimal.Decimal
	DefectiveQty    decimal.Decimal
	ReturnedQty     decimal.Decimal
	QCRemarks       string
	QCBy            int64
	QCAt            time.Time
}

// Disposed reports whether QC has run for the line.
func (l GRNLine) Disposed() bool {
	return l.QCStatus == QCStatusPassed || l.QCStatus == QCStatusReturned
}

// ReturnEntry records defective quantity bound for the vendor. Append-only.
type ReturnEntry struct {
	ID         int64
	GRNID      int64
	GRNLineID  int64
	MaterialID int64
	Qty        decimal.Decimal
	Remarks    string
	Status     ReturnStatus
	ActorID    int64
	CreatedAt  time.Time
}

// MaterialSummary is the derived per-PO/material rollup. It is a materialized
// view recomputed from the GRN-line set, never incrementally patched.
type MaterialSummary struct {
	POID         int64
	MaterialID   int64
	OrderedQty   decimal.Decimal
	ReceivedQty  decimal.Decimal
	DefectiveQty decimal.Decimal
	PendingQty   decimal.Decimal
	UpdatedAt    time.Time
}

// StatusLogEntry is one immutable row of the PO status audit trail.
type StatusLogEntry struct {
	ID        int64
	POID      int64
	Status    POStatus
	ActorID   int64
	Note      string
	CreatedAt time.Time
}

// PODetail is the canonical purchase order view assembled as one read.
type PODetail struct {
	Order     PurchaseOrder
	Lines     []POLine
	Receipts  []GRNDetail
	Summaries []MaterialSummary
	StatusLog []StatusLogEntry
}

// GRNDetail pairs a receipt with its lines and returns.
type GRNDetail struct {
	Receipt GoodsReceipt
	Lines   []GRNLine
	Returns []ReturnEntry
}

var (
	// ErrNotFound indicates record missing.
	ErrNotFound = errors.New("receiving: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("receiving: invalid input")
	// ErrInvalidState occurs when an action violates the status workflow.
	ErrInvalidState = errors.New("receiving: invalid state transition")
)

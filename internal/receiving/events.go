package receiving

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ReceiptLineEvent describes individual line values for downstream consumers.
type ReceiptLineEvent struct {
	MaterialID  int64
	ReceivedQty decimal.Decimal
	DefectQty   decimal.Decimal
}

// ReceiptRecordedEvent captures details of a recorded goods receipt.
type ReceiptRecordedEvent struct {
	GRNID      int64
	Number     string
	POID       int64
	PONumber   string
	ReceivedAt time.Time
	Lines      []ReceiptLineEvent
}

// QCRecordedEvent summarizes the dispositions applied to a receipt.
type QCRecordedEvent struct {
	GRNID     int64
	Number    string
	POID      int64
	QCStatus  GRNQCStatus
	Accepted  decimal.Decimal
	Defective decimal.Decimal
}

// ReturnRecordedEvent describes a confirmed vendor return.
type ReturnRecordedEvent struct {
	ReturnID   int64
	GRNID      int64
	MaterialID int64
	Qty        decimal.Decimal
}

// IntegrationHandler receives receiving domain events after commit. Failures
// are logged by the service, never propagated to the caller.
type IntegrationHandler interface {
	HandleReceiptRecorded(ctx context.Context, evt ReceiptRecordedEvent) error
	HandleQCRecorded(ctx context.Context, evt QCRecordedEvent) error
	HandleReturnRecorded(ctx context.Context, evt ReturnRecordedEvent) error
}

package receiving

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// materialRollup aggregates the GRN-line set for one PO material. All
// quantities are recomputed from source on every call; nothing is patched
// incrementally, so the rollup cannot drift under replays.
type materialRollup struct {
	Ordered      decimal.Decimal
	Received     decimal.Decimal
	IntakeDefect decimal.Decimal
	Accepted     decimal.Decimal
	// Defective feeds the summary: QC disposition where available, dock
	// observation for lines QC has not reached yet.
	Defective decimal.Decimal
	// DefectiveDisposed counts QC-confirmed defects only and drives status.
	DefectiveDisposed decimal.Decimal
	Returned          decimal.Decimal
	Disposed          bool
}

func rollupMaterials(poLines []POLine, grnLines []GRNLine) map[int64]*materialRollup {
	rollups := make(map[int64]*materialRollup, len(poLines))
	for _, line := range poLines {
		r, ok := rollups[line.MaterialID]
		if !ok {
			r = &materialRollup{}
			rollups[line.MaterialID] = r
		}
		r.Ordered = r.Ordered.Add(line.Qty)
	}
	for _, line := range grnLines {
		r, ok := rollups[line.MaterialID]
		if !ok {
			// Receipt for a material the order never listed; tracked so the
			// summary exposes it instead of hiding the discrepancy.
			r = &materialRollup{}
			rollups[line.MaterialID] = r
		}
		r.Received = r.Received.Add(line.ReceivedQty)
		r.IntakeDefect = r.IntakeDefect.Add(line.IntakeDefectQty)
		if line.Disposed() {
			r.Disposed = true
			r.Accepted = r.Accepted.Add(line.AcceptedQty)
			r.Defective = r.Defective.Add(line.DefectiveQty)
			r.DefectiveDisposed = r.DefectiveDisposed.Add(line.DefectiveQty)
			r.Returned = r.Returned.Add(line.ReturnedQty)
		} else {
			// QC has not spoken yet; the dock observation is the best estimate.
			r.Defective = r.Defective.Add(line.IntakeDefectQty)
		}
	}
	return rollups
}

// recomputeSummaries rebuilds the material summary rows for every material on
// the purchase order from the full GRN-line set, inside the caller's
// transaction. Idempotent: a second call with no new receipts writes
// identical rows.
func (s *Service) recomputeSummaries(ctx context.Context, tx TxRepository, po PurchaseOrder, poLines []POLine, grnLines []GRNLine) ([]MaterialSummary, error) {
	rollups := rollupMaterials(poLines, grnLines)
	now := time.Now().UTC()
	summaries := make([]MaterialSummary, 0, len(rollups))
	for materialID, r := range rollups {
		summary := MaterialSummary{
			POID:         po.ID,
			MaterialID:   materialID,
			OrderedQty:   r.Ordered,
			ReceivedQty:  r.Received,
			DefectiveQty: r.Defective,
			PendingQty:   r.Ordered.Sub(r.Received),
			UpdatedAt:    now,
		}
		if r.Received.GreaterThan(r.Ordered) {
			s.logger.Warn("over-receipt detected",
				slog.Int64("po_id", po.ID),
				slog.Int64("material_id", materialID),
				slog.String("ordered", r.Ordered.String()),
				slog.String("received", r.Received.String()))
		}
		if err := tx.UpsertMaterialSummary(ctx, summary); err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// deriveStatus computes the status the purchase order should settle in given
// the current GRN-line set. The empty status means no change is warranted.
//
// Completion is derived here and never requested by callers: when every
// ordered quantity is accounted for as accepted or confirmed-returned the
// order closes on the defect branch as COMPLETED; when everything was
// accepted with no defect at all it closes on the clean branch as IN_STORE.
func deriveStatus(rollups map[int64]*materialRollup) POStatus {
	allReconciled := true
	noDefects := true
	outstandingDefect := false
	anyDisposed := false

	for _, r := range rollups {
		if !r.Ordered.Equal(r.Accepted.Add(r.Returned)) {
			allReconciled = false
		}
		if r.DefectiveDisposed.Sign() > 0 {
			noDefects = false
		}
		if r.Disposed {
			anyDisposed = true
		}
		if r.DefectiveDisposed.GreaterThan(r.Returned) {
			outstandingDefect = true
		}
	}

	switch {
	case allReconciled && noDefects && anyDisposed:
		return POStatusInStore
	case allReconciled && anyDisposed:
		return POStatusCompleted
	case outstandingDefect && anyDisposed:
		return POStatusReturnedToVendor
	case anyDisposed:
		return POStatusQCInProgress
	default:
		return ""
	}
}

// advanceStatus walks the transition table from the order's current status to
// the derived target, appending one immutable log row per hop. Targets behind
// the current status (a re-run of QC on an order already further along) are a
// no-op rather than an error.
func (s *Service) advanceStatus(ctx context.Context, tx TxRepository, po *PurchaseOrder, target POStatus, actorID int64, note string) error {
	if target == "" || po.Status == target {
		return nil
	}
	path, ok := pathTo(po.Status, target)
	if !ok {
		return nil
	}
	for _, next := range path {
		if err := Transition(po.Status, next); err != nil {
			return err
		}
		if err := tx.UpdatePOStatus(ctx, po.ID, next); err != nil {
			return err
		}
		if err := tx.AppendStatusLog(ctx, StatusLogEntry{
			POID:    po.ID,
			Status:  next,
			ActorID: actorID,
			Note:    note,
		}); err != nil {
			return err
		}
		po.Status = next
	}
	return nil
}

package receiving

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-mfg/meridian-mfg/internal/ledger"
	"github.com/meridian-mfg/meridian-mfg/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPO(ctx context.Context, id int64) (PurchaseOrder, []POLine, error)
	GetPODetail(ctx context.Context, id int64) (PODetail, error)
	GetGRN(ctx context.Context, id int64) (GoodsReceipt, []GRNLine, error)
	ListPOs(ctx context.Context, limit, offset int, filters ListFilters) ([]POListItem, int, error)
	GetMaterialSummaries(ctx context.Context, poID int64) ([]MaterialSummary, error)
	GetStatusLog(ctx context.Context, poID int64) ([]StatusLogEntry, error)
}

// TxRepository exposes transactional operations. Every multi-statement
// sequence in the pipeline runs entirely through one TxRepository so partial
// application is never observable.
type TxRepository interface {
	CreatePO(ctx context.Context, po PurchaseOrder) (int64, error)
	InsertPOLine(ctx context.Context, line POLine) error
	CreateGRN(ctx context.Context, grn GoodsReceipt) (int64, error)
	InsertGRNLine(ctx context.Context, line GRNLine) error

	// GetPOForUpdate locks the order header, serializing concurrent receipt,
	// QC and return writes against the same purchase order.
	GetPOForUpdate(ctx context.Context, id int64) (PurchaseOrder, []POLine, error)
	GetGRNForUpdate(ctx context.Context, id int64) (GoodsReceipt, []GRNLine, error)
	GRNLinesForPO(ctx context.Context, poID int64) ([]GRNLine, error)

	SetGRNVerified(ctx context.Context, grnID int64, actorID int64, at time.Time) error
	SetGRNQCStatus(ctx context.Context, grnID int64, status GRNQCStatus) error
	UpdateGRNLineQC(ctx context.Context, line GRNLine) error
	AddGRNLineReturned(ctx context.Context, lineID int64, qty decimal.Decimal) error

	CreateReturn(ctx context.Context, entry ReturnEntry) (int64, error)
	PendingReturnForLine(ctx context.Context, lineID int64) (ReturnEntry, bool, error)
	ConfirmReturn(ctx context.Context, id int64, qty decimal.Decimal, remarks string, actorID int64) error

	UpdatePOStatus(ctx context.Context, poID int64, status POStatus) error
	AppendStatusLog(ctx context.Context, entry StatusLogEntry) error
	UpsertMaterialSummary(ctx context.Context, summary MaterialSummary) error

	// Ledger returns the material ledger bound to this transaction, so the
	// credit for accepted quantity commits with the QC disposition or not at
	// all.
	Ledger() ledger.TxLedger
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort records pipeline throughput counters.
type MetricsPort interface {
	RecordReceipt()
	RecordQCLine(outcome string)
	RecordReturn()
	RecordMovement(direction string)
}

// Service orchestrates the receiving and QC reconciliation pipeline.
type Service struct {
	repo        RepositoryPort
	cache       *SummaryCache
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	integration IntegrationHandler
	metrics     MetricsPort
	logger      *slog.Logger
}

// NewService constructs the receiving service.
func NewService(repo RepositoryPort, cache *SummaryCache, audit AuditPort, idem *shared.IdempotencyStore, integration IntegrationHandler, metrics MetricsPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, audit: audit, idempotency: idem, integration: integration, metrics: metrics, logger: logger}
}

// ListFilters narrows purchase order listings.
type ListFilters struct {
	Status     string
	SupplierID int64
	Search     string
	SortBy     string
	SortDir    string
}

// POListItem is one row of the purchase order listing.
type POListItem struct {
	ID         int64
	Number     string
	SupplierID int64
	Status     POStatus
	OrderDate  time.Time
	Total      decimal.Decimal
	CreatedAt  time.Time
}

// CreatePOInput describes creation payload.
type CreatePOInput struct {
	Number      string
	SupplierID  int64
	OrderDate   time.Time
	DiscountPct decimal.Decimal
	TaxPct      decimal.Decimal
	Note        string
	ActorID     int64
	Lines       []POLineInput
}

// POLineInput describes an ordered item.
type POLineInput struct {
	MaterialID int64
	Qty        decimal.Decimal
	UnitPrice  decimal.Decimal
	UOM        string
}

// CreateGRNInput describes a receiving event.
type CreateGRNInput struct {
	POID        int64
	Number      string
	ReceiptDate time.Time
	MatchedPO   bool
	Remarks     string
	ActorID     int64
	Lines       []GRNLineInput
}

// GRNLineInput describes one received material.
type GRNLineInput struct {
	MaterialID  int64
	ReceivedQty decimal.Decimal
	DefectQty   decimal.Decimal
	Remarks     string
}

// QCInput carries the inspection dispositions for one GRN.
type QCInput struct {
	GRNID   int64
	ActorID int64
	Lines   []QCLineInput
}

// QCLineInput is one material's disposition.
type QCLineInput struct {
	MaterialID   int64
	AcceptedQty  decimal.Decimal
	DefectiveQty decimal.Decimal
	Remarks      string
}

// QCResult pairs the updated receipt with the refreshed summaries.
type QCResult struct {
	Receipt   GoodsReceipt
	Lines     []GRNLine
	Summaries []MaterialSummary
}

// ReturnInput describes a vendor return request.
type ReturnInput struct {
	GRNID      int64
	MaterialID int64
	Qty        decimal.Decimal
	Remarks    string
	ActorID    int64
}

// CreatePurchaseOrder persists the order header and lines and opens the
// status trail at ORDERED.
func (s *Service) CreatePurchaseOrder(ctx context.Context, input CreatePOInput) (PurchaseOrder, error) {
	if len(input.Lines) == 0 {
		return PurchaseOrder{}, fmt.Errorf("%w: minimal 1 line", ErrValidation)
	}
	if input.Number == "" {
		input.Number = generateNumber("PO")
	}
	subtotal := decimal.Zero
	for _, line := range input.Lines {
		if line.MaterialID == 0 {
			return PurchaseOrder{}, fmt.Errorf("%w: line material required", ErrValidation)
		}
		if line.Qty.Sign() <= 0 {
			return PurchaseOrder{}, fmt.Errorf("%w: line quantity must be positive, got %s", ErrValidation, line.Qty)
		}
		if line.UnitPrice.Sign() <= 0 {
			return PurchaseOrder{}, fmt.Errorf("%w: line unit price must be positive, got %s", ErrValidation, line.UnitPrice)
		}
		subtotal = subtotal.Add(line.Qty.Mul(line.UnitPrice))
	}
	hundred := decimal.NewFromInt(100)
	total := subtotal.
		Mul(hundred.Sub(input.DiscountPct)).Div(hundred).
		Mul(hundred.Add(input.TaxPct)).Div(hundred).
		Round(2)

	po := PurchaseOrder{
		Number:      input.Number,
		SupplierID:  input.SupplierID,
		OrderDate:   defaultTime(input.OrderDate),
		Status:      POStatusOrdered,
		DiscountPct: input.DiscountPct,
		TaxPct:      input.TaxPct,
		Subtotal:    subtotal,
		Total:       total,
		Note:        input.Note,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		poID, err := tx.CreatePO(ctx, po)
		if err != nil {
			return err
		}
		po.ID = poID
		for _, line := range input.Lines {
			if err := tx.InsertPOLine(ctx, POLine{POID: poID, MaterialID: line.MaterialID, Qty: line.Qty, UnitPrice: line.UnitPrice, UOM: line.UOM}); err != nil {
				return err
			}
		}
		return tx.AppendStatusLog(ctx, StatusLogEntry{POID: poID, Status: POStatusOrdered, ActorID: input.ActorID, Note: "order placed"})
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, input.ActorID, "PO_CREATE", po.ID, map[string]any{"number": po.Number, "total": po.Total.String()})
	return po, nil
}

// GetPurchaseOrder assembles the canonical detail view consumed by every
// other component: header, lines, receipts, summaries and the status trail.
func (s *Service) GetPurchaseOrder(ctx context.Context, id int64) (PODetail, error) {
	return s.repo.GetPODetail(ctx, id)
}

// ListPurchaseOrders returns a filtered page of purchase orders.
func (s *Service) ListPurchaseOrders(ctx context.Context, limit, offset int, filters ListFilters) ([]POListItem, int, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListPOs(ctx, limit, offset, filters)
}

// CreateGoodsReceipt ingests a GRN against a purchase order. Header insert,
// line inserts and the summary recompute land in one transaction; receiving
// never touches the material ledger.
func (s *Service) CreateGoodsReceipt(ctx context.Context, input CreateGRNInput) (GoodsReceipt, error) {
	po, poLines, err := s.repo.GetPO(ctx, input.POID)
	if err != nil {
		return GoodsReceipt{}, err
	}
	if len(input.Lines) == 0 {
		return GoodsReceipt{}, fmt.Errorf("%w: minimal 1 line", ErrValidation)
	}
	onOrder := make(map[int64]bool, len(poLines))
	for _, line := range poLines {
		onOrder[line.MaterialID] = true
	}
	for _, line := range input.Lines {
		if line.MaterialID == 0 || !onOrder[line.MaterialID] {
			return GoodsReceipt{}, fmt.Errorf("%w: material %d not on purchase order %s", ErrValidation, line.MaterialID, po.Number)
		}
		if line.ReceivedQty.Sign() < 0 {
			return GoodsReceipt{}, fmt.Errorf("%w: received quantity must be >= 0, got %s", ErrValidation, line.ReceivedQty)
		}
		if line.DefectQty.Sign() < 0 || line.DefectQty.GreaterThan(line.ReceivedQty) {
			return GoodsReceipt{}, fmt.Errorf("%w: defective quantity %s must be between 0 and received %s", ErrValidation, line.DefectQty, line.ReceivedQty)
		}
	}
	if input.Number == "" {
		input.Number = generateNumber("GRN")
	}

	key := fmt.Sprintf("GRN:%s", input.Number)
	inserted := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "receiving.grn"); err != nil {
			return GoodsReceipt{}, err
		}
		inserted = true
	}

	grn := GoodsReceipt{
		Number:      input.Number,
		POID:        po.ID,
		ReceiptDate: defaultTime(input.ReceiptDate),
		MatchedPO:   input.MatchedPO,
		Remarks:     input.Remarks,
		QCStatus:    GRNQCPending,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lockedPO, lockedLines, err := tx.GetPOForUpdate(ctx, po.ID)
		if err != nil {
			return err
		}
		grnID, err := tx.CreateGRN(ctx, grn)
		if err != nil {
			return err
		}
		grn.ID = grnID
		for _, line := range input.Lines {
			if err := tx.InsertGRNLine(ctx, GRNLine{
				GRNID:           grnID,
				MaterialID:      line.MaterialID,
				ReceivedQty:     line.ReceivedQty,
				IntakeDefectQty: line.DefectQty,
				Remarks:         line.Remarks,
				QCStatus:        QCStatusPending,
			}); err != nil {
				return err
			}
		}
		grnLines, err := tx.GRNLinesForPO(ctx, po.ID)
		if err != nil {
			return err
		}
		if _, err := s.recomputeSummaries(ctx, tx, lockedPO, lockedLines, grnLines); err != nil {
			return err
		}
		if lockedPO.Status == POStatusOrdered {
			if err := s.advanceStatus(ctx, tx, &lockedPO, POStatusArrived, input.ActorID, fmt.Sprintf("goods receipt %s recorded", grn.Number)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if inserted {
			_ = s.idempotency.Delete(ctx, key)
		}
		return GoodsReceipt{}, err
	}
	s.invalidateSummaries(ctx, po.ID)
	if s.metrics != nil {
		s.metrics.RecordReceipt()
	}
	s.recordAudit(ctx, input.ActorID, "GRN_CREATE", grn.ID, map[string]any{"number": grn.Number, "po": po.Number})
	s.notifyReceipt(ctx, po, grn, input.Lines)
	return grn, nil
}

// VerifyReceipt flips the verification gate on a GRN. QC is refused until
// this has happened. Verifying an already verified receipt is a no-op.
func (s *Service) VerifyReceipt(ctx context.Context, grnID int64, actorID int64) (GoodsReceipt, error) {
	grn, _, err := s.repo.GetGRN(ctx, grnID)
	if err != nil {
		return GoodsReceipt{}, err
	}
	if grn.Verified {
		return grn, nil
	}
	now := time.Now().UTC()
	verified := false
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lockedPO, _, err := tx.GetPOForUpdate(ctx, grn.POID)
		if err != nil {
			return err
		}
		lockedGRN, _, err := tx.GetGRNForUpdate(ctx, grnID)
		if err != nil {
			return err
		}
		// A concurrent verify may have won between the read and the lock;
		// keep the original verifier stamp.
		if lockedGRN.Verified {
			grn = lockedGRN
			return nil
		}
		if err := tx.SetGRNVerified(ctx, grnID, actorID, now); err != nil {
			return err
		}
		verified = true
		if lockedPO.Status == POStatusArrived {
			if err := s.advanceStatus(ctx, tx, &lockedPO, POStatusGRNVerified, actorID, fmt.Sprintf("receipt %s verified", grn.Number)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return GoodsReceipt{}, err
	}
	if !verified {
		return grn, nil
	}
	grn.Verified = true
	grn.VerifiedBy = actorID
	grn.VerifiedAt = now
	s.recordAudit(ctx, actorID, "GRN_VERIFY", grn.ID, map[string]any{"number": grn.Number})
	return grn, nil
}

// RecordQualityControl persists inspection dispositions for a GRN. Accepted
// quantity is credited to the material ledger inside the same transaction as
// the disposition write; defective quantity opens a pending vendor return and
// never reaches the ledger.
func (s *Service) RecordQualityControl(ctx context.Context, input QCInput) (QCResult, error) {
	grn, grnLines, err := s.repo.GetGRN(ctx, input.GRNID)
	if err != nil {
		return QCResult{}, err
	}
	if !grn.Verified {
		return QCResult{}, fmt.Errorf("%w: quality control requires a verified receipt, receipt %s is unverified", ErrInvalidState, grn.Number)
	}
	if len(input.Lines) == 0 {
		return QCResult{}, fmt.Errorf("%w: minimal 1 line", ErrValidation)
	}
	// Validation runs to completion before the first write begins.
	if err := validateDispositions(grnLines, input.Lines); err != nil {
		return QCResult{}, err
	}

	var result QCResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lockedPO, poLines, err := tx.GetPOForUpdate(ctx, grn.POID)
		if err != nil {
			return err
		}
		lockedGRN, lockedLines, err := tx.GetGRNForUpdate(ctx, input.GRNID)
		if err != nil {
			return err
		}
		// Revalidate against the locked rows; a concurrent QC run may have
		// disposed a line between the read and the lock.
		if err := validateDispositions(lockedLines, input.Lines); err != nil {
			return err
		}

		now := time.Now().UTC()
		byMaterial := lineIndex(lockedLines)
		for _, disposition := range input.Lines {
			line := byMaterial[disposition.MaterialID]
			line.AcceptedQty = disposition.AcceptedQty
			line.DefectiveQty = disposition.DefectiveQty
			line.QCRemarks = disposition.Remarks
			line.QCBy = input.ActorID
			line.QCAt = now
			if disposition.DefectiveQty.Sign() == 0 {
				line.QCStatus = QCStatusPassed
			} else {
				line.QCStatus = QCStatusReturned
			}
			if err := tx.UpdateGRNLineQC(ctx, *line); err != nil {
				return err
			}
			if disposition.AcceptedQty.Sign() > 0 {
				refID := uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("GRN:%d:LINE:%d", lockedGRN.ID, line.ID)))
				if _, err := tx.Ledger().Credit(ctx, ledger.CreditInput{
					MaterialID: line.MaterialID,
					Qty:        disposition.AcceptedQty,
					RefModule:  "RECEIVING",
					RefID:      refID.String(),
					Note:       fmt.Sprintf("QC accept GRN %s", lockedGRN.Number),
					ActorID:    input.ActorID,
				}); err != nil {
					return err
				}
			}
			if disposition.DefectiveQty.Sign() > 0 {
				if _, err := tx.CreateReturn(ctx, ReturnEntry{
					GRNID:      lockedGRN.ID,
					GRNLineID:  line.ID,
					MaterialID: line.MaterialID,
					Qty:        disposition.DefectiveQty,
					Remarks:    disposition.Remarks,
					Status:     ReturnStatusPending,
					ActorID:    input.ActorID,
				}); err != nil {
					return err
				}
			}
		}

		refreshed := make([]GRNLine, 0, len(lockedLines))
		for _, line := range lockedLines {
			refreshed = append(refreshed, *byMaterial[line.MaterialID])
		}
		aggregate := aggregateQCStatus(refreshed)
		if aggregate != lockedGRN.QCStatus {
			if err := tx.SetGRNQCStatus(ctx, lockedGRN.ID, aggregate); err != nil {
				return err
			}
			lockedGRN.QCStatus = aggregate
		}

		allLines, err := tx.GRNLinesForPO(ctx, lockedPO.ID)
		if err != nil {
			return err
		}
		summaries, err := s.recomputeSummaries(ctx, tx, lockedPO, poLines, allLines)
		if err != nil {
			return err
		}
		target := deriveStatus(rollupMaterials(poLines, allLines))
		if err := s.advanceStatus(ctx, tx, &lockedPO, target, input.ActorID, fmt.Sprintf("quality control on receipt %s", lockedGRN.Number)); err != nil {
			return err
		}

		result = QCResult{Receipt: lockedGRN, Lines: refreshed, Summaries: summaries}
		return nil
	})
	if err != nil {
		return QCResult{}, err
	}
	s.invalidateSummaries(ctx, grn.POID)
	if s.metrics != nil {
		for _, disposition := range input.Lines {
			if disposition.DefectiveQty.Sign() == 0 {
				s.metrics.RecordQCLine("passed")
			} else {
				s.metrics.RecordQCLine("returned")
			}
			if disposition.AcceptedQty.Sign() > 0 {
				s.metrics.RecordMovement(string(ledger.DirectionCredit))
			}
		}
	}
	s.recordAudit(ctx, input.ActorID, "QC_RECORD", grn.ID, map[string]any{"number": grn.Number, "lines": len(input.Lines)})
	s.notifyQC(ctx, result, input.Lines)
	return result, nil
}

// RecordReturn records the vendor-bound shipment of defective quantity. The
// quantity may not exceed the line's QC-confirmed defects minus what was
// already returned; the ledger is never touched.
func (s *Service) RecordReturn(ctx context.Context, input ReturnInput) (ReturnEntry, error) {
	grn, _, err := s.repo.GetGRN(ctx, input.GRNID)
	if err != nil {
		return ReturnEntry{}, err
	}
	if input.Qty.Sign() <= 0 {
		return ReturnEntry{}, fmt.Errorf("%w: return quantity must be positive, got %s", ErrValidation, input.Qty)
	}

	var entry ReturnEntry
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lockedPO, poLines, err := tx.GetPOForUpdate(ctx, grn.POID)
		if err != nil {
			return err
		}
		_, lockedLines, err := tx.GetGRNForUpdate(ctx, input.GRNID)
		if err != nil {
			return err
		}
		line, ok := findLine(lockedLines, input.MaterialID)
		if !ok {
			return fmt.Errorf("%w: material %d has no line on receipt %s", ErrNotFound, input.MaterialID, grn.Number)
		}
		available := line.DefectiveQty.Sub(line.ReturnedQty)
		if input.Qty.GreaterThan(available) {
			return fmt.Errorf("%w: return quantity %s exceeds defective quantity (%s defective, %s already returned)",
				ErrValidation, input.Qty, line.DefectiveQty, line.ReturnedQty)
		}

		pending, found, err := tx.PendingReturnForLine(ctx, line.ID)
		if err != nil {
			return err
		}
		if found {
			if err := tx.ConfirmReturn(ctx, pending.ID, input.Qty, input.Remarks, input.ActorID); err != nil {
				return err
			}
			entry = pending
			entry.Qty = input.Qty
			entry.Status = ReturnStatusConfirmed
			entry.Remarks = input.Remarks
			entry.ActorID = input.ActorID
		} else {
			id, err := tx.CreateReturn(ctx, ReturnEntry{
				GRNID:      grn.ID,
				GRNLineID:  line.ID,
				MaterialID: input.MaterialID,
				Qty:        input.Qty,
				Remarks:    input.Remarks,
				Status:     ReturnStatusConfirmed,
				ActorID:    input.ActorID,
			})
			if err != nil {
				return err
			}
			entry = ReturnEntry{ID: id, GRNID: grn.ID, GRNLineID: line.ID, MaterialID: input.MaterialID, Qty: input.Qty, Remarks: input.Remarks, Status: ReturnStatusConfirmed, ActorID: input.ActorID}
		}
		if err := tx.AddGRNLineReturned(ctx, line.ID, input.Qty); err != nil {
			return err
		}

		allLines, err := tx.GRNLinesForPO(ctx, lockedPO.ID)
		if err != nil {
			return err
		}
		if _, err := s.recomputeSummaries(ctx, tx, lockedPO, poLines, allLines); err != nil {
			return err
		}
		target := deriveStatus(rollupMaterials(poLines, allLines))
		return s.advanceStatus(ctx, tx, &lockedPO, target, input.ActorID, fmt.Sprintf("vendor return on receipt %s", grn.Number))
	})
	if err != nil {
		return ReturnEntry{}, err
	}
	s.invalidateSummaries(ctx, grn.POID)
	if s.metrics != nil {
		s.metrics.RecordReturn()
	}
	s.recordAudit(ctx, input.ActorID, "RETURN_CREATE", entry.ID, map[string]any{"grn": grn.Number, "material_id": input.MaterialID, "qty": input.Qty.String()})
	s.notifyReturn(ctx, entry)
	return entry, nil
}

// GetMaterialSummary returns the per-material rollup for a purchase order,
// serving from the cache when warm.
func (s *Service) GetMaterialSummary(ctx context.Context, poID int64) ([]MaterialSummary, error) {
	if s.cache == nil {
		return s.loadSummaries(ctx, poID)
	}
	return s.cache.Summaries(ctx, poID, s.loadSummaries)
}

func (s *Service) loadSummaries(ctx context.Context, poID int64) ([]MaterialSummary, error) {
	if _, _, err := s.repo.GetPO(ctx, poID); err != nil {
		return nil, err
	}
	return s.repo.GetMaterialSummaries(ctx, poID)
}

// GetStatusLog returns the immutable status trail, oldest first.
func (s *Service) GetStatusLog(ctx context.Context, poID int64) ([]StatusLogEntry, error) {
	if _, _, err := s.repo.GetPO(ctx, poID); err != nil {
		return nil, err
	}
	return s.repo.GetStatusLog(ctx, poID)
}

func validateDispositions(grnLines []GRNLine, dispositions []QCLineInput) error {
	byMaterial := lineIndex(grnLines)
	seen := make(map[int64]bool, len(dispositions))
	for _, disposition := range dispositions {
		line, ok := byMaterial[disposition.MaterialID]
		if !ok {
			return fmt.Errorf("%w: material %d has no line on this receipt", ErrNotFound, disposition.MaterialID)
		}
		if seen[disposition.MaterialID] {
			return fmt.Errorf("%w: duplicate disposition for material %d", ErrValidation, disposition.MaterialID)
		}
		seen[disposition.MaterialID] = true
		if line.Disposed() {
			return fmt.Errorf("%w: quality control already recorded for material %d", ErrInvalidState, disposition.MaterialID)
		}
		if disposition.AcceptedQty.Sign() < 0 || disposition.DefectiveQty.Sign() < 0 {
			return fmt.Errorf("%w: disposition quantities must be >= 0", ErrValidation)
		}
		if !disposition.AcceptedQty.Add(disposition.DefectiveQty).Equal(line.ReceivedQty) {
			return fmt.Errorf("%w: accepted %s + defective %s must equal received %s for material %d",
				ErrValidation, disposition.AcceptedQty, disposition.DefectiveQty, line.ReceivedQty, disposition.MaterialID)
		}
	}
	return nil
}

func aggregateQCStatus(lines []GRNLine) GRNQCStatus {
	disposed := 0
	for _, line := range lines {
		if line.Disposed() {
			disposed++
		}
	}
	switch {
	case disposed == len(lines):
		return GRNQCCompleted
	case disposed > 0:
		return GRNQCInProgress
	default:
		return GRNQCPending
	}
}

func lineIndex(lines []GRNLine) map[int64]*GRNLine {
	index := make(map[int64]*GRNLine, len(lines))
	for i := range lines {
		index[lines[i].MaterialID] = &lines[i]
	}
	return index
}

func findLine(lines []GRNLine, materialID int64) (*GRNLine, bool) {
	for i := range lines {
		if lines[i].MaterialID == materialID {
			return &lines[i], true
		}
	}
	return nil, false
}

func (s *Service) invalidateSummaries(ctx context.Context, poID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, poID); err != nil {
		s.logger.Warn("invalidate summary cache", slog.Any("error", err), slog.Int64("po_id", poID))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "receiving", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}

func (s *Service) notifyReceipt(ctx context.Context, po PurchaseOrder, grn GoodsReceipt, lines []GRNLineInput) {
	if s.integration == nil {
		return
	}
	evt := ReceiptRecordedEvent{GRNID: grn.ID, Number: grn.Number, POID: po.ID, PONumber: po.Number, ReceivedAt: grn.ReceiptDate}
	for _, line := range lines {
		evt.Lines = append(evt.Lines, ReceiptLineEvent{MaterialID: line.MaterialID, ReceivedQty: line.ReceivedQty, DefectQty: line.DefectQty})
	}
	if err := s.integration.HandleReceiptRecorded(ctx, evt); err != nil {
		s.logger.Warn("receipt integration", slog.Any("error", err), slog.Int64("grn_id", grn.ID))
	}
}

// notifyQC reports only the dispositions of the current run; lines disposed
// in earlier runs are excluded from the event totals.
func (s *Service) notifyQC(ctx context.Context, result QCResult, dispositions []QCLineInput) {
	if s.integration == nil {
		return
	}
	evt := QCRecordedEvent{GRNID: result.Receipt.ID, Number: result.Receipt.Number, POID: result.Receipt.POID, QCStatus: result.Receipt.QCStatus}
	for _, disposition := range dispositions {
		evt.Accepted = evt.Accepted.Add(disposition.AcceptedQty)
		evt.Defective = evt.Defective.Add(disposition.DefectiveQty)
	}
	if err := s.integration.HandleQCRecorded(ctx, evt); err != nil {
		s.logger.Warn("qc integration", slog.Any("error", err), slog.Int64("grn_id", result.Receipt.ID))
	}
}

func (s *Service) notifyReturn(ctx context.Context, entry ReturnEntry) {
	if s.integration == nil {
		return
	}
	evt := ReturnRecordedEvent{ReturnID: entry.ID, GRNID: entry.GRNID, MaterialID: entry.MaterialID, Qty: entry.Qty}
	if err := s.integration.HandleReturnRecorded(ctx, evt); err != nil {
		s.logger.Warn("return integration", slog.Any("error", err), slog.Int64("return_id", entry.ID))
	}
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func defaultTime(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value
}

package receiving

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-mfg/meridian-mfg/internal/ledger"
	"github.com/meridian-mfg/meridian-mfg/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// Fetch helpers

// GetPO returns purchase order and lines.
func (r *Repository) GetPO(ctx context.Context, id int64) (PurchaseOrder, []POLine, error) {
	po, err := scanPO(r.pool.QueryRow(ctx, poSelect+` WHERE id=$1`, id))
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	lines, err := poLines(ctx, r.pool, id)
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	return po, lines, nil
}

// GetPODetail assembles the full order view: header, lines, receipts with
// their lines and returns, summaries and the status trail.
func (r *Repository) GetPODetail(ctx context.Context, id int64) (PODetail, error) {
	po, lines, err := r.GetPO(ctx, id)
	if err != nil {
		return PODetail{}, err
	}
	detail := PODetail{Order: po, Lines: lines}

	rows, err := r.pool.Query(ctx, grnSelect+` WHERE po_id=$1 ORDER BY id`, id)
	if err != nil {
		return PODetail{}, err
	}
	defer rows.Close()
	for rows.Next() {
		grn, err := scanGRN(rows)
		if err != nil {
			return PODetail{}, err
		}
		detail.Receipts = append(detail.Receipts, GRNDetail{Receipt: grn})
	}
	if err := rows.Err(); err != nil {
		return PODetail{}, err
	}
	for i := range detail.Receipts {
		grnID := detail.Receipts[i].Receipt.ID
		grnLines, err := grnLines(ctx, r.pool, grnID)
		if err != nil {
			return PODetail{}, err
		}
		detail.Receipts[i].Lines = grnLines
		returns, err := r.returnsForGRN(ctx, grnID)
		if err != nil {
			return PODetail{}, err
		}
		detail.Receipts[i].Returns = returns
	}

	detail.Summaries, err = r.GetMaterialSummaries(ctx, id)
	if err != nil {
		return PODetail{}, err
	}
	detail.StatusLog, err = r.GetStatusLog(ctx, id)
	if err != nil {
		return PODetail{}, err
	}
	return detail, nil
}

// GetGRN returns the receipt and its lines.
func (r *Repository) GetGRN(ctx context.Context, id int64) (GoodsReceipt, []GRNLine, error) {
	grn, err := scanGRN(r.pool.QueryRow(ctx, grnSelect+` WHERE id=$1`, id))
	if err != nil {
		return GoodsReceipt{}, nil, err
	}
	lines, err := grnLines(ctx, r.pool, id)
	if err != nil {
		return GoodsReceipt{}, nil, err
	}
	return grn, lines, nil
}

// ListPOs returns a filtered page of purchase orders with the total count.
func (r *Repository) ListPOs(ctx context.Context, limit, offset int, filters ListFilters) ([]POListItem, int, error) {
	where := []string{"1=1"}
	args := []any{}
	idx := 1
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", idx))
		args = append(args, filters.Status)
		idx++
	}
	if filters.SupplierID > 0 {
		where = append(where, fmt.Sprintf("supplier_id=$%d", idx))
		args = append(args, filters.SupplierID)
		idx++
	}
	if filters.Search != "" {
		where = append(where, fmt.Sprintf("number ILIKE $%d", idx))
		args = append(args, "%"+filters.Search+"%")
		idx++
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM purchase_orders WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	sortBy := "id"
	switch filters.SortBy {
	case "number", "order_date", "status", "total":
		sortBy = filters.SortBy
	}
	sortDir := "DESC"
	if strings.EqualFold(filters.SortDir, "asc") {
		sortDir = "ASC"
	}
	query := fmt.Sprintf(`SELECT id, number, supplier_id, status, order_date, total, created_at FROM purchase_orders WHERE %s ORDER BY %s %s LIMIT $%d OFFSET $%d`,
		clause, sortBy, sortDir, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []POListItem
	for rows.Next() {
		var item POListItem
		if err := rows.Scan(&item.ID, &item.Number, &item.SupplierID, &item.Status, &item.OrderDate, &item.Total, &item.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// GetMaterialSummaries returns persisted per-material rollups for an order.
func (r *Repository) GetMaterialSummaries(ctx context.Context, poID int64) ([]MaterialSummary, error) {
	rows, err := r.pool.Query(ctx, `SELECT po_id, material_id, ordered_qty, received_qty, defective_qty, pending_qty, updated_at
		FROM material_summaries WHERE po_id=$1 ORDER BY material_id`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var summaries []MaterialSummary
	for rows.Next() {
		var s MaterialSummary
		if err := rows.Scan(&s.POID, &s.MaterialID, &s.OrderedQty, &s.ReceivedQty, &s.DefectiveQty, &s.PendingQty, &s.UpdatedAt); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// GetStatusLog returns the status trail, oldest first.
func (r *Repository) GetStatusLog(ctx context.Context, poID int64) ([]StatusLogEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, po_id, status, COALESCE(actor_id,0), COALESCE(note,''), created_at
		FROM po_status_logs WHERE po_id=$1 ORDER BY id`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []StatusLogEntry
	for rows.Next() {
		var entry StatusLogEntry
		if err := rows.Scan(&entry.ID, &entry.POID, &entry.Status, &entry.ActorID, &entry.Note, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *Repository) returnsForGRN(ctx context.Context, grnID int64) ([]ReturnEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, grn_id, grn_line_id, material_id, qty, COALESCE(remarks,''), status, COALESCE(actor_id,0), created_at
		FROM return_entries WHERE grn_id=$1 ORDER BY id`, grnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []ReturnEntry
	for rows.Next() {
		var entry ReturnEntry
		if err := rows.Scan(&entry.ID, &entry.GRNID, &entry.GRNLineID, &entry.MaterialID, &entry.Qty, &entry.Remarks, &entry.Status, &entry.ActorID, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Transactional operations

func (tx *txRepo) CreatePO(ctx context.Context, po PurchaseOrder) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO purchase_orders (number, supplier_id, order_date, status, discount_pct, tax_pct, subtotal, total, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW()) RETURNING id`,
		po.Number, po.SupplierID, po.OrderDate, po.Status, po.DiscountPct, po.TaxPct, po.Subtotal, po.Total, nullString(po.Note)).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("%w: purchase order number %s already exists", ErrValidation, po.Number)
		}
		return 0, err
	}
	return id, nil
}

func (tx *txRepo) InsertPOLine(ctx context.Context, line POLine) error {
	_, err := tx.tx.Exec(ctx, `INSERT INTO po_lines (po_id, material_id, qty, unit_price, uom) VALUES ($1,$2,$3,$4,$5)`,
		line.POID, line.MaterialID, line.Qty, line.UnitPrice, nullString(line.UOM))
	return err
}

func (tx *txRepo) CreateGRN(ctx context.Context, grn GoodsReceipt) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO grns (number, po_id, receipt_date, matched_po, remarks, verified, qc_status, created_at)
		VALUES ($1,$2,$3,$4,$5,false,$6,NOW()) RETURNING id`,
		grn.Number, grn.POID, grn.ReceiptDate, grn.MatchedPO, nullString(grn.Remarks), grn.QCStatus).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("%w: receipt number %s already exists", ErrValidation, grn.Number)
		}
		return 0, err
	}
	return id, nil
}

func (tx *txRepo) InsertGRNLine(ctx context.Context, line GRNLine) error {
	_, err := tx.tx.Exec(ctx, `INSERT INTO grn_lines (grn_id, material_id, received_qty, intake_defect_qty, remarks, qc_status, accepted_qty, defective_qty, returned_qty)
		VALUES ($1,$2,$3,$4,$5,$6,0,0,0)`,
		line.GRNID, line.MaterialID, line.ReceivedQty, line.IntakeDefectQty, nullString(line.Remarks), line.QCStatus)
	return err
}

func (tx *txRepo) GetPOForUpdate(ctx context.Context, id int64) (PurchaseOrder, []POLine, error) {
	po, err := scanPO(tx.tx.QueryRow(ctx, poSelect+` WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	lines, err := poLines(ctx, tx.tx, id)
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	return po, lines, nil
}

func (tx *txRepo) GetGRNForUpdate(ctx context.Context, id int64) (GoodsReceipt, []GRNLine, error) {
	grn, err := scanGRN(tx.tx.QueryRow(ctx, grnSelect+` WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return GoodsReceipt{}, nil, err
	}
	rows, err := tx.tx.Query(ctx, grnLineSelect+` WHERE grn_id=$1 ORDER BY id FOR UPDATE`, id)
	if err != nil {
		return GoodsReceipt{}, nil, err
	}
	defer rows.Close()
	var lines []GRNLine
	for rows.Next() {
		line, err := scanGRNLine(rows)
		if err != nil {
			return GoodsReceipt{}, nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return GoodsReceipt{}, nil, err
	}
	return grn, lines, nil
}

func (tx *txRepo) GRNLinesForPO(ctx context.Context, poID int64) ([]GRNLine, error) {
	rows, err := tx.tx.Query(ctx, grnLineSelect+` WHERE grn_id IN (SELECT id FROM grns WHERE po_id=$1) ORDER BY id`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []GRNLine
	for rows.Next() {
		line, err := scanGRNLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (tx *txRepo) SetGRNVerified(ctx context.Context, grnID int64, actorID int64, at time.Time) error {
	_, err := tx.tx.Exec(ctx, `UPDATE grns SET verified=true, verified_by=$2, verified_at=$3 WHERE id=$1`, grnID, actorID, at)
	return err
}

func (tx *txRepo) SetGRNQCStatus(ctx context.Context, grnID int64, status GRNQCStatus) error {
	_, err := tx.tx.Exec(ctx, `UPDATE grns SET qc_status=$2 WHERE id=$1`, grnID, status)
	return err
}

func (tx *txRepo) UpdateGRNLineQC(ctx context.Context, line GRNLine) error {
	_, err := tx.tx.Exec(ctx, `UPDATE grn_lines SET qc_status=$2, accepted_qty=$3, defective_qty=$4, qc_remarks=$5, qc_by=$6, qc_at=$7 WHERE id=$1`,
		line.ID, line.QCStatus, line.AcceptedQty, line.DefectiveQty, nullString(line.QCRemarks), nullInt(line.QCBy), line.QCAt)
	return err
}

func (tx *txRepo) AddGRNLineReturned(ctx context.Context, lineID int64, qty decimal.Decimal) error {
	_, err := tx.tx.Exec(ctx, `UPDATE grn_lines SET returned_qty = returned_qty + $2 WHERE id=$1`, lineID, qty)
	return err
}

func (tx *txRepo) CreateReturn(ctx context.Context, entry ReturnEntry) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO return_entries (grn_id, grn_line_id, material_id, qty, remarks, status, actor_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW()) RETURNING id`,
		entry.GRNID, entry.GRNLineID, entry.MaterialID, entry.Qty, nullString(entry.Remarks), entry.Status, nullInt(entry.ActorID)).Scan(&id)
	return id, err
}

func (tx *txRepo) PendingReturnForLine(ctx context.Context, lineID int64) (ReturnEntry, bool, error) {
	var entry ReturnEntry
	err := tx.tx.QueryRow(ctx, `SELECT id, grn_id, grn_line_id, material_id, qty, COALESCE(remarks,''), status, COALESCE(actor_id,0), created_at
		FROM return_entries WHERE grn_line_id=$1 AND status=$2 ORDER BY id LIMIT 1 FOR UPDATE`, lineID, ReturnStatusPending).
		Scan(&entry.ID, &entry.GRNID, &entry.GRNLineID, &entry.MaterialID, &entry.Qty, &entry.Remarks, &entry.Status, &entry.ActorID, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ReturnEntry{}, false, nil
	}
	if err != nil {
		return ReturnEntry{}, false, err
	}
	return entry, true, nil
}

func (tx *txRepo) ConfirmReturn(ctx context.Context, id int64, qty decimal.Decimal, remarks string, actorID int64) error {
	_, err := tx.tx.Exec(ctx, `UPDATE return_entries SET status=$2, qty=$3, remarks=$4, actor_id=$5 WHERE id=$1`,
		id, ReturnStatusConfirmed, qty, nullString(remarks), nullInt(actorID))
	return err
}

func (tx *txRepo) UpdatePOStatus(ctx context.Context, poID int64, status POStatus) error {
	_, err := tx.tx.Exec(ctx, `UPDATE purchase_orders SET status=$2 WHERE id=$1`, poID, status)
	return err
}

func (tx *txRepo) AppendStatusLog(ctx context.Context, entry StatusLogEntry) error {
	_, err := tx.tx.Exec(ctx, `INSERT INTO po_status_logs (po_id, status, actor_id, note, created_at) VALUES ($1,$2,$3,$4,NOW())`,
		entry.POID, entry.Status, nullInt(entry.ActorID), nullString(entry.Note))
	return err
}

func (tx *txRepo) UpsertMaterialSummary(ctx context.Context, summary MaterialSummary) error {
	_, err := tx.tx.Exec(ctx, `INSERT INTO material_summaries (po_id, material_id, ordered_qty, received_qty, defective_qty, pending_qty, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,NOW())
		ON CONFLICT (po_id, material_id) DO UPDATE SET ordered_qty=EXCLUDED.ordered_qty, received_qty=EXCLUDED.received_qty,
		defective_qty=EXCLUDED.defective_qty, pending_qty=EXCLUDED.pending_qty, updated_at=NOW()`,
		summary.POID, summary.MaterialID, summary.OrderedQty, summary.ReceivedQty, summary.DefectiveQty, summary.PendingQty)
	return err
}

func (tx *txRepo) Ledger() ledger.TxLedger {
	return ledger.NewTx(tx.tx)
}

// Row scanning

const poSelect = `SELECT id, number, supplier_id, order_date, status, discount_pct, tax_pct, subtotal, total, COALESCE(note,'') FROM purchase_orders`

const grnSelect = `SELECT id, number, po_id, receipt_date, matched_po, COALESCE(remarks,''), verified, COALESCE(verified_by,0), COALESCE(verified_at,'epoch'::timestamptz), qc_status, created_at FROM grns`

const grnLineSelect = `SELECT id, grn_id, material_id, received_qty, intake_defect_qty, COALESCE(remarks,''), qc_status, accepted_qty, defective_qty, returned_qty, COALESCE(qc_remarks,''), COALESCE(qc_by,0), COALESCE(qc_at,'epoch'::timestamptz) FROM grn_lines`

func scanPO(row pgx.Row) (PurchaseOrder, error) {
	var po PurchaseOrder
	err := row.Scan(&po.ID, &po.Number, &po.SupplierID, &po.OrderDate, &po.Status, &po.DiscountPct, &po.TaxPct, &po.Subtotal, &po.Total, &po.Note)
	if errors.Is(err, pgx.ErrNoRows) {
		return PurchaseOrder{}, ErrNotFound
	}
	return po, err
}

func scanGRN(row pgx.Row) (GoodsReceipt, error) {
	var grn GoodsReceipt
	err := row.Scan(&grn.ID, &grn.Number, &grn.POID, &grn.ReceiptDate, &grn.MatchedPO, &grn.Remarks, &grn.Verified, &grn.VerifiedBy, &grn.VerifiedAt, &grn.QCStatus, &grn.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return GoodsReceipt{}, ErrNotFound
	}
	return grn, err
}

func scanGRNLine(row pgx.Row) (GRNLine, error) {
	var line GRNLine
	err := row.Scan(&line.ID, &line.GRNID, &line.MaterialID, &line.ReceivedQty, &line.IntakeDefectQty, &line.Remarks, &line.QCStatus,
		&line.AcceptedQty, &line.DefectiveQty, &line.ReturnedQty, &line.QCRemarks, &line.QCBy, &line.QCAt)
	return line, err
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func poLines(ctx context.Context, q queryer, poID int64) ([]POLine, error) {
	rows, err := q.Query(ctx, `SELECT id, po_id, material_id, qty, unit_price, COALESCE(uom,'') FROM po_lines WHERE po_id=$1 ORDER BY id`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []POLine
	for rows.Next() {
		var line POLine
		if err := rows.Scan(&line.ID, &line.POID, &line.MaterialID, &line.Qty, &line.UnitPrice, &line.UOM); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func grnLines(ctx context.Context, q queryer, grnID int64) ([]GRNLine, error) {
	rows, err := q.Query(ctx, grnLineSelect+` WHERE grn_id=$1 ORDER BY id`, grnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []GRNLine
	for rows.Next() {
		line, err := scanGRNLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

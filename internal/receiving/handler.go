package receiving

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-mfg/meridian-mfg/internal/platform/httpx"
	"github.com/meridian-mfg/meridian-mfg/internal/shared"
)

// Handler wires HTTP endpoints for the receiving pipeline.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers receiving routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/purchase-orders", h.handleListPOs)
	r.Post("/purchase-orders", h.handleCreatePO)
	r.Get("/purchase-orders/{id}", h.handleGetPO)
	r.Get("/purchase-orders/{id}/summary", h.handleSummary)
	r.Get("/purchase-orders/{id}/status-log", h.handleStatusLog)
	r.Post("/grns", h.handleCreateGRN)
	r.Post("/grns/{id}/verify", h.handleVerify)
	r.Post("/grns/{id}/qc", h.handleQC)
	r.Post("/grns/{id}/returns", h.handleReturn)
}

type poLineRequest struct {
	MaterialID int64  `json:"material_id" validate:"required,gt=0"`
	Qty        string `json:"qty" validate:"required"`
	UnitPrice  string `json:"unit_price" validate:"required"`
	UOM        string `json:"uom"`
}

type createPORequest struct {
	Number      string          `json:"number"`
	SupplierID  int64           `json:"supplier_id" validate:"required,gt=0"`
	OrderDate   string          `json:"order_date"`
	DiscountPct string          `json:"discount_pct"`
	TaxPct      string          `json:"tax_pct"`
	Note        string          `json:"note"`
	Lines       []poLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type grnLineRequest struct {
	MaterialID  int64  `json:"material_id" validate:"required,gt=0"`
	ReceivedQty string `json:"received_qty" validate:"required"`
	DefectQty   string `json:"defect_qty"`
	Remarks     string `json:"remarks"`
}

type createGRNRequest struct {
	POID        int64            `json:"po_id" validate:"required,gt=0"`
	Number      string           `json:"number"`
	ReceiptDate string           `json:"receipt_date"`
	MatchedPO   bool             `json:"matched_po"`
	Remarks     string           `json:"remarks"`
	Lines       []grnLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type qcLineRequest struct {
	MaterialID   int64  `json:"material_id" validate:"required,gt=0"`
	AcceptedQty  string `json:"accepted_qty" validate:"required"`
	DefectiveQty string `json:"defective_qty" validate:"required"`
	Remarks      string `json:"remarks"`
}

type qcRequest struct {
	Lines []qcLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type returnRequest struct {
	MaterialID int64  `json:"material_id" validate:"required,gt=0"`
	Qty        string `json:"qty" validate:"required"`
	Remarks    string `json:"remarks"`
}

func (h *Handler) handleCreatePO(w http.ResponseWriter, r *http.Request) {
	var req createPORequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CreatePOInput{
		Number:     req.Number,
		SupplierID: req.SupplierID,
		Note:       req.Note,
		ActorID:    shared.ActorFromContext(r.Context()),
	}
	var err error
	if input.OrderDate, err = parseDate(req.OrderDate); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "order_date must be YYYY-MM-DD")
		return
	}
	if input.DiscountPct, err = parseQty(req.DiscountPct, true); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid discount_pct")
		return
	}
	if input.TaxPct, err = parseQty(req.TaxPct, true); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid tax_pct")
		return
	}
	for _, line := range req.Lines {
		qty, err := parseQty(line.Qty, false)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid line qty")
			return
		}
		price, err := parseQty(line.UnitPrice, false)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid line unit_price")
			return
		}
		input.Lines = append(input.Lines, POLineInput{MaterialID: line.MaterialID, Qty: qty, UnitPrice: price, UOM: line.UOM})
	}
	po, err := h.service.CreatePurchaseOrder(r.Context(), input)
	if err != nil {
		h.logger.Error("create purchase order", slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, poResponse(po))
}

func (h *Handler) handleGetPO(w http.ResponseWriter, r *http.Request) {
	id := urlID(r)
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "purchase order id required")
		return
	}
	detail, err := h.service.GetPurchaseOrder(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detailResponse(detail))
}

func (h *Handler) handleListPOs(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 20
	}
	supplierID, _ := strconv.ParseInt(r.URL.Query().Get("supplier_id"), 10, 64)
	filters := ListFilters{
		Status:     r.URL.Query().Get("status"),
		SupplierID: supplierID,
		Search:     r.URL.Query().Get("search"),
		SortBy:     r.URL.Query().Get("sort"),
		SortDir:    r.URL.Query().Get("dir"),
	}
	items, total, err := h.service.ListPurchaseOrders(r.Context(), perPage, (page-1)*perPage, filters)
	if err != nil {
		h.logger.Error("list purchase orders", slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{
			"id":          item.ID,
			"number":      item.Number,
			"supplier_id": item.SupplierID,
			"status":      string(item.Status),
			"order_date":  item.OrderDate.Format("2006-01-02"),
			"total":       item.Total.String(),
		})
	}
	pg := shared.NewPagination(page, perPage, total)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"purchase_orders": out,
		"page":            pg.Page,
		"per_page":        pg.PerPage,
		"total":           pg.Total,
		"total_pages":     pg.TotalPages,
	})
}

func (h *Handler) handleCreateGRN(w http.ResponseWriter, r *http.Request) {
	var req createGRNRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CreateGRNInput{
		POID:      req.POID,
		Number:    req.Number,
		MatchedPO: req.MatchedPO,
		Remarks:   req.Remarks,
		ActorID:   shared.ActorFromContext(r.Context()),
	}
	var err error
	if input.ReceiptDate, err = parseDate(req.ReceiptDate); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "receipt_date must be YYYY-MM-DD")
		return
	}
	for _, line := range req.Lines {
		received, err := parseQty(line.ReceivedQty, false)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid received_qty")
			return
		}
		defect, err := parseQty(line.DefectQty, true)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid defect_qty")
			return
		}
		input.Lines = append(input.Lines, GRNLineInput{MaterialID: line.MaterialID, ReceivedQty: received, DefectQty: defect, Remarks: line.Remarks})
	}
	grn, err := h.service.CreateGoodsReceipt(r.Context(), input)
	if err != nil {
		h.logger.Error("create goods receipt", slog.Any("error", err), slog.Int64("po_id", req.POID))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, grnResponse(grn))
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	id := urlID(r)
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "grn id required")
		return
	}
	grn, err := h.service.VerifyReceipt(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.logger.Error("verify receipt", slog.Any("error", err), slog.Int64("grn_id", id))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, grnResponse(grn))
}

func (h *Handler) handleQC(w http.ResponseWriter, r *http.Request) {
	id := urlID(r)
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "grn id required")
		return
	}
	var req qcRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := QCInput{GRNID: id, ActorID: shared.ActorFromContext(r.Context())}
	for _, line := range req.Lines {
		accepted, err := parseQty(line.AcceptedQty, true)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid accepted_qty")
			return
		}
		defective, err := parseQty(line.DefectiveQty, true)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid defective_qty")
			return
		}
		input.Lines = append(input.Lines, QCLineInput{MaterialID: line.MaterialID, AcceptedQty: accepted, DefectiveQty: defective, Remarks: line.Remarks})
	}
	result, err := h.service.RecordQualityControl(r.Context(), input)
	if err != nil {
		h.logger.Error("record quality control", slog.Any("error", err), slog.Int64("grn_id", id))
		h.respondError(w, err)
		return
	}
	lines := make([]map[string]any, 0, len(result.Lines))
	for _, line := range result.Lines {
		lines = append(lines, grnLineResponse(line))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"grn":       grnResponse(result.Receipt),
		"lines":     lines,
		"summaries": summariesResponse(result.Summaries),
	})
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	id := urlID(r)
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "grn id required")
		return
	}
	var req returnRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	qty, err := parseQty(req.Qty, false)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid qty")
		return
	}
	entry, err := h.service.RecordReturn(r.Context(), ReturnInput{
		GRNID:      id,
		MaterialID: req.MaterialID,
		Qty:        qty,
		Remarks:    req.Remarks,
		ActorID:    shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.logger.Error("record return", slog.Any("error", err), slog.Int64("grn_id", id))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"id":          entry.ID,
		"grn_id":      entry.GRNID,
		"grn_line_id": entry.GRNLineID,
		"material_id": entry.MaterialID,
		"qty":         entry.Qty.String(),
		"status":      string(entry.Status),
		"remarks":     entry.Remarks,
	})
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	id := urlID(r)
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "purchase order id required")
		return
	}
	summaries, err := h.service.GetMaterialSummary(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"summaries": summariesResponse(summaries)})
}

func (h *Handler) handleStatusLog(w http.ResponseWriter, r *http.Request) {
	id := urlID(r)
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "purchase order id required")
		return
	}
	entries, err := h.service.GetStatusLog(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		out = append(out, map[string]any{
			"status":     string(entry.Status),
			"actor_id":   entry.ActorID,
			"note":       entry.Note,
			"created_at": entry.CreatedAt.Format(time.RFC3339),
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status_log": out})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate", "receipt already recorded")
	default:
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func poResponse(po PurchaseOrder) map[string]any {
	return map[string]any{
		"id":           po.ID,
		"number":       po.Number,
		"supplier_id":  po.SupplierID,
		"order_date":   po.OrderDate.Format("2006-01-02"),
		"status":       string(po.Status),
		"discount_pct": po.DiscountPct.String(),
		"tax_pct":      po.TaxPct.String(),
		"subtotal":     po.Subtotal.String(),
		"total":        po.Total.String(),
		"note":         po.Note,
	}
}

func grnResponse(grn GoodsReceipt) map[string]any {
	out := map[string]any{
		"id":           grn.ID,
		"number":       grn.Number,
		"po_id":        grn.POID,
		"receipt_date": grn.ReceiptDate.Format("2006-01-02"),
		"matched_po":   grn.MatchedPO,
		"verified":     grn.Verified,
		"qc_status":    string(grn.QCStatus),
		"remarks":      grn.Remarks,
	}
	if grn.Verified {
		out["verified_by"] = grn.VerifiedBy
		out["verified_at"] = grn.VerifiedAt.Format(time.RFC3339)
	}
	return out
}

func grnLineResponse(line GRNLine) map[string]any {
	return map[string]any{
		"id":                line.ID,
		"material_id":       line.MaterialID,
		"received_qty":      line.ReceivedQty.String(),
		"intake_defect_qty": line.IntakeDefectQty.String(),
		"qc_status":         string(line.QCStatus),
		"accepted_qty":      line.AcceptedQty.String(),
		"defective_qty":     line.DefectiveQty.String(),
		"returned_qty":      line.ReturnedQty.String(),
		"qc_remarks":        line.QCRemarks,
	}
}

func summariesResponse(summaries []MaterialSummary) []map[string]any {
	out := make([]map[string]any, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, map[string]any{
			"material_id":   s.MaterialID,
			"ordered_qty":   s.OrderedQty.String(),
			"received_qty":  s.ReceivedQty.String(),
			"defective_qty": s.DefectiveQty.String(),
			"pending_qty":   s.PendingQty.String(),
		})
	}
	return out
}

func detailResponse(detail PODetail) map[string]any {
	lines := make([]map[string]any, 0, len(detail.Lines))
	for _, line := range detail.Lines {
		lines = append(lines, map[string]any{
			"id":          line.ID,
			"material_id": line.MaterialID,
			"qty":         line.Qty.String(),
			"unit_price":  line.UnitPrice.String(),
			"uom":         line.UOM,
		})
	}
	receipts := make([]map[string]any, 0, len(detail.Receipts))
	for _, receipt := range detail.Receipts {
		grnLines := make([]map[string]any, 0, len(receipt.Lines))
		for _, line := range receipt.Lines {
			grnLines = append(grnLines, grnLineResponse(line))
		}
		returns := make([]map[string]any, 0, len(receipt.Returns))
		for _, entry := range receipt.Returns {
			returns = append(returns, map[string]any{
				"id":          entry.ID,
				"material_id": entry.MaterialID,
				"qty":         entry.Qty.String(),
				"status":      string(entry.Status),
				"remarks":     entry.Remarks,
			})
		}
		receipts = append(receipts, map[string]any{
			"grn":     grnResponse(receipt.Receipt),
			"lines":   grnLines,
			"returns": returns,
		})
	}
	statusLog := make([]map[string]any, 0, len(detail.StatusLog))
	for _, entry := range detail.StatusLog {
		statusLog = append(statusLog, map[string]any{
			"status":     string(entry.Status),
			"note":       entry.Note,
			"created_at": entry.CreatedAt.Format(time.RFC3339),
		})
	}
	return map[string]any{
		"order":      poResponse(detail.Order),
		"receipts":   receipts,
		"lines":      lines,
		"summaries":  summariesResponse(detail.Summaries),
		"status_log": statusLog,
	}
}

func urlID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id
}

func parseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", value)
}

func parseQty(value string, allowEmpty bool) (decimal.Decimal, error) {
	if value == "" {
		if allowEmpty {
			return decimal.Zero, nil
		}
		return decimal.Decimal{}, errors.New("required")
	}
	return decimal.NewFromString(value)
}

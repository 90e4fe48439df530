package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-mfg/meridian-mfg/internal/platform/httpx"
)

// Handler wires HTTP endpoints for ledger reads.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/materials/{id}/stock", h.handleStock)
	r.Get("/materials/{id}/movements", h.handleMovements)
}

type balanceResponse struct {
	MaterialID int64  `json:"material_id"`
	OnHand     string `json:"on_hand"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

type movementResponse struct {
	ID         int64  `json:"id"`
	MaterialID int64  `json:"material_id"`
	Direction  string `json:"direction"`
	Qty        string `json:"qty"`
	RefModule  string `json:"ref_module,omitempty"`
	RefID      string `json:"ref_id,omitempty"`
	Note       string `json:"note,omitempty"`
	PostedAt   string `json:"posted_at"`
}

func (h *Handler) handleStock(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "material id required")
		return
	}
	bal, err := h.service.GetBalance(r.Context(), id)
	if err != nil {
		h.logger.Error("get balance", slog.Any("error", err), slog.Int64("material_id", id))
		h.respondError(w, err)
		return
	}
	resp := balanceResponse{MaterialID: bal.MaterialID, OnHand: bal.OnHand.String()}
	if !bal.UpdatedAt.IsZero() {
		resp.UpdatedAt = bal.UpdatedAt.Format(time.RFC3339)
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "material id required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	filter := MovementFilter{MaterialID: id, Limit: limit}
	if from := r.URL.Query().Get("from"); from != "" {
		filter.From, _ = time.Parse("2006-01-02", from)
	}
	if to := r.URL.Query().Get("to"); to != "" {
		filter.To, _ = time.Parse("2006-01-02", to)
	}
	movements, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		h.logger.Error("list movements", slog.Any("error", err), slog.Int64("material_id", id))
		h.respondError(w, err)
		return
	}
	items := make([]movementResponse, 0, len(movements))
	for _, m := range movements {
		items = append(items, movementResponse{
			ID:         m.ID,
			MaterialID: m.MaterialID,
			Direction:  string(m.Direction),
			Qty:        m.Qty.String(),
			RefModule:  m.RefModule,
			RefID:      m.RefID,
			Note:       m.Note,
			PostedAt:   m.PostedAt.Format(time.RFC3339),
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": items})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrNegativeStock):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

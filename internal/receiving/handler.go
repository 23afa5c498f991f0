package receiving

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/stockline-erp/stockline/internal/platform/httpx"
)

// Handler wires HTTP endpoints for receiving.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the receiving handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers receiving routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/purchasing/receipts", h.handleReceive)
	r.Get("/purchasing/orders/{id}", h.handleOrderProgress)
	r.Post("/purchasing/orders/{id}/recompute-status", h.handleRecompute)
	r.Get("/purchasing/lines/{id}/receipts", h.handleLineReceipts)
}

type receiveLineRequest struct {
	POLineID     int64   `json:"po_line_id" validate:"required,gt=0"`
	QtyToReceive float64 `json:"qty_to_receive"`
	UnitCost     float64 `json:"unit_cost" validate:"gte=0"`
}

type receiveRequest struct {
	Lines           []receiveLineRequest `json:"lines" validate:"required,min=1,dive"`
	ReceiveDate     string               `json:"receive_date"`
	ReferenceNumber string               `json:"reference_number" validate:"max=100"`
	Notes           string               `json:"notes" validate:"max=1000"`
	ReceivedBy      int64                `json:"received_by" validate:"gte=0"`
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	var req receiveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := ReceiveInput{
		ReferenceNumber: req.ReferenceNumber,
		Notes:           req.Notes,
		ReceivedBy:      req.ReceivedBy,
	}
	if req.ReceiveDate != "" {
		parsed, err := time.Parse("2006-01-02", req.ReceiveDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "receive_date must be YYYY-MM-DD")
			return
		}
		input.ReceiveDate = parsed
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, ReceiveLineInput{POLineID: line.POLineID, QtyToReceive: line.QtyToReceive, UnitCost: line.UnitCost})
	}

	result, err := h.service.ReceiveLines(r.Context(), input)
	if err != nil {
		h.logger.Error("receive lines failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("receipts recorded", slog.Int("lines", len(result.Lines)))
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) handleOrderProgress(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "order id must be an integer")
		return
	}
	order, progress, err := h.service.OrderProgress(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"order": order, "lines": progress})
}

func (h *Handler) handleRecompute(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "order id must be an integer")
		return
	}
	status, err := h.service.RecomputeStatus(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"order_id": id, "status": status})
}

func (h *Handler) handleLineReceipts(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "line id must be an integer")
		return
	}
	receipts, err := h.service.ListReceipts(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"receipts": receipts})
}

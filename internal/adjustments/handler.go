package adjustments

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/stockline-erp/stockline/internal/platform/httpx"
)

// Handler wires HTTP endpoints for inventory adjustments.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the adjustments handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers adjustment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/inventory/adjustments", h.handlePost)
	r.Get("/inventory/adjustments", h.handleList)
	r.Get("/inventory/adjustments/{id}", h.handleGet)
}

type adjustmentLineRequest struct {
	InventoryID int64    `json:"inventory_id" validate:"required,gt=0"`
	Delta       *float64 `json:"delta"`
	NewQuantity *float64 `json:"new_quantity"`
	ReasonCode  string   `json:"reason_code" validate:"required,max=50"`
	Notes       string   `json:"notes" validate:"max=500"`
}

type adjustmentRequest struct {
	AdjustmentDate string                  `json:"adjustment_date"`
	Notes          string                  `json:"notes" validate:"max=1000"`
	UserID         int64                   `json:"user_id" validate:"gte=0"`
	Lines          []adjustmentLineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := BatchInput{Notes: req.Notes, UserID: req.UserID}
	if req.AdjustmentDate != "" {
		parsed, err := time.Parse("2006-01-02", req.AdjustmentDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "adjustment_date must be YYYY-MM-DD")
			return
		}
		input.AdjustmentDate = parsed
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, LineInput{
			InventoryID: line.InventoryID,
			Delta:       line.Delta,
			NewQuantity: line.NewQuantity,
			ReasonCode:  ReasonCode(line.ReasonCode),
			Notes:       line.Notes,
		})
	}

	header, lines, err := h.service.PostBatch(r.Context(), input)
	if err != nil {
		h.logger.Error("post adjustment failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("adjustment posted", slog.String("number", header.Number), slog.Int("lines", len(lines)))
	httpx.JSON(w, http.StatusCreated, map[string]any{"adjustment": header, "lines": lines})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "adjustment id must be an integer")
		return
	}
	header, lines, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"adjustment": header, "lines": lines})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Limit", "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	headers, err := h.service.List(r.Context(), limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"adjustments": headers})
}

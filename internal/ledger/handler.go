package ledger

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/stockline-erp/stockline/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the inventory ledger.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validate  *validator.Validate
	rateLimit func(http.Handler) http.Handler
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validate:  validator.New(),
		rateLimit: httprate.Limit(30, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
	}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/inventory/{id}", h.handleGet)
	r.Get("/inventory/low-stock", h.handleLowStock)
	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Post("/inventory/{id}/allocation", h.handleAllocation)
		r.Delete("/inventory/{id}", h.handleDelete)
	})
}

type allocationRequest struct {
	Delta   float64 `json:"delta" validate:"required"`
	ActorID int64   `json:"actor_id" validate:"gte=0"`
	Reason  string  `json:"reason" validate:"max=500"`
}

type recordResponse struct {
	ID                  int64   `json:"id"`
	ProductID           int64   `json:"product_id"`
	QuantityOnHand      float64 `json:"quantity_on_hand"`
	QuantityAllocated   float64 `json:"quantity_allocated"`
	QuantityAvailable   float64 `json:"quantity_available"`
	WeightedAverageCost float64 `json:"weighted_average_cost"`
	LastCost            float64 `json:"last_cost"`
	SalesPrice          float64 `json:"sales_price"`
	Location            string  `json:"location"`
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "inventory id must be an integer")
		return
	}
	record, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRecordResponse(record))
}

func (h *Handler) handleLowStock(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	alerts, err := h.service.ListBelowReorderPoint(r.Context(), limit)
	if err != nil {
		h.logger.Error("list low stock", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// handleAllocation adjusts the allocated quantity only; on-hand changes go
// through receiving or adjustments.
func (h *Handler) handleAllocation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "inventory id must be an integer")
		return
	}
	var req allocationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	record, err := h.service.ApplyDelta(r.Context(), id, 0, req.Delta, req.ActorID, req.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("allocation applied",
		slog.Int64("record_id", id),
		slog.Float64("delta", req.Delta))
	httpx.JSON(w, http.StatusOK, toRecordResponse(record))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "inventory id must be an integer")
		return
	}
	if err := h.service.DeleteRecord(r.Context(), id, 0); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func toRecordResponse(record InventoryRecord) recordResponse {
	return recordResponse{
		ID:                  record.ID,
		ProductID:           record.ProductID,
		QuantityOnHand:      record.QuantityOnHand,
		QuantityAllocated:   record.QuantityAllocated,
		QuantityAvailable:   record.QuantityAvailable,
		WeightedAverageCost: record.WeightedAverageCost,
		LastCost:            record.LastCost,
		SalesPrice:          record.SalesPrice,
		Location:            record.Location,
	}
}

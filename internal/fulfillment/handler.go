package fulfillment

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/stockline-erp/stockline/internal/platform/httpx"
)

// Handler wires HTTP endpoints for invoicing.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the fulfillment handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers fulfillment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/sales/invoices", h.handleCreate)
	r.Get("/sales/invoices/{id}", h.handleGet)
	r.Put("/sales/invoices/{id}", h.handleUpdate)
	r.Delete("/sales/invoices/{id}", h.handleDelete)
	r.Get("/sales/orders/{id}", h.handleOrderProgress)
}

type invoiceLineRequest struct {
	SalesOrderLineID int64    `json:"sales_order_line_id" validate:"required,gt=0"`
	Quantity         float64  `json:"quantity" validate:"required,gt=0"`
	UnitPrice        *float64 `json:"unit_price"`
}

type createInvoiceRequest struct {
	SalesOrderID    int64                `json:"sales_order_id" validate:"required,gt=0"`
	Lines           []invoiceLineRequest `json:"lines" validate:"required,min=1,dive"`
	InvoiceDate     string               `json:"invoice_date"`
	TaxAmount       float64              `json:"tax_amount" validate:"gte=0"`
	ReferenceNumber string               `json:"reference_number" validate:"max=100"`
	UserID          int64                `json:"user_id" validate:"gte=0"`
}

type updateInvoiceRequest struct {
	Lines     []invoiceLineRequest `json:"lines" validate:"required,min=1,dive"`
	TaxAmount float64              `json:"tax_amount" validate:"gte=0"`
	UserID    int64                `json:"user_id" validate:"gte=0"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CreateInvoiceInput{
		SalesOrderID:    req.SalesOrderID,
		TaxAmount:       req.TaxAmount,
		ReferenceNumber: req.ReferenceNumber,
		UserID:          req.UserID,
	}
	if req.InvoiceDate != "" {
		parsed, err := time.Parse("2006-01-02", req.InvoiceDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invoice_date must be YYYY-MM-DD")
			return
		}
		input.InvoiceDate = parsed
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, InvoiceLineInput{SalesOrderLineID: line.SalesOrderLineID, Quantity: line.Quantity, UnitPrice: line.UnitPrice})
	}

	invoice, lines, err := h.service.CreateInvoice(r.Context(), input)
	if err != nil {
		h.logger.Error("create invoice failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"invoice": invoice, "lines": lines})
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "invoice id must be an integer")
		return
	}
	var req updateInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := UpdateInvoiceInput{TaxAmount: req.TaxAmount, UserID: req.UserID}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, InvoiceLineInput{SalesOrderLineID: line.SalesOrderLineID, Quantity: line.Quantity, UnitPrice: line.UnitPrice})
	}

	invoice, lines, err := h.service.UpdateInvoice(r.Context(), id, input)
	if err != nil {
		h.logger.Error("update invoice failed", slog.Int64("invoice_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoice": invoice, "lines": lines})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "invoice id must be an integer")
		return
	}
	if err := h.service.DeleteInvoice(r.Context(), id, 0); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "invoice id must be an integer")
		return
	}
	invoice, lines, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoice": invoice, "lines": lines})
}

func (h *Handler) handleOrderProgress(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "order id must be an integer")
		return
	}
	order, lines, invoices, err := h.service.OrderProgress(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"order": order, "lines": lines, "invoices": invoices})
}

package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/stockline-erp/stockline/internal/adjustments"
	"github.com/stockline-erp/stockline/internal/fulfillment"
	"github.com/stockline-erp/stockline/internal/ledger"
	"github.com/stockline-erp/stockline/internal/receiving"
	"github.com/stockline-erp/stockline/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	LedgerHandler      *ledger.Handler
	ReceivingHandler   *receiving.Handler
	AdjustmentsHandler *adjustments.Handler
	FulfillmentHandler *fulfillment.Handler
	JobHandler         *jobs.Handler
}

// NewRouter constructs the chi.Router with Stockline defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.LedgerHandler != nil {
		params.LedgerHandler.MountRoutes(r)
	}
	if params.ReceivingHandler != nil {
		params.ReceivingHandler.MountRoutes(r)
	}
	if params.AdjustmentsHandler != nil {
		params.AdjustmentsHandler.MountRoutes(r)
	}
	if params.FulfillmentHandler != nil {
		params.FulfillmentHandler.MountRoutes(r)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	return r
}

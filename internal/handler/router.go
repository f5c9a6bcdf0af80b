package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/kioskcash-system/internal/middleware"
	"github.com/mmeshcher/kioskcash-system/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса инкассации.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Post("/api/user/login", h.Login)

	r.Route("/api/driver", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Use(custommiddleware.RequireRole(model.RoleDriver))

		r.Post("/collections", h.SubmitCollection)
		r.Get("/collections", h.GetCollections)
		r.Post("/collections/sync", h.SyncCollections)

		r.Post("/counter-reads", h.ReadCounter)

		r.Post("/settlements", h.SubmitSettlement)
		r.Get("/settlements", h.GetSettlements)

		r.Get("/debt", h.GetDebt)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Use(custommiddleware.RequireRole(model.RoleAdmin))

		r.Post("/sites", h.CreateSite)
		r.Get("/sites/{id}", h.GetSite)

		r.Post("/drivers", h.CreateDriver)
		r.Get("/drivers/{id}", h.GetDriver)
		r.Get("/drivers/{id}/salary", h.GetSalary)

		r.Get("/settlements", h.GetPendingSettlements)
		r.Get("/settlements/summary", h.GetSettlementSummary)
		r.Get("/settlements/{id}", h.GetSettlement)
		r.Post("/settlements/{id}/confirm", h.ConfirmSettlement)
		r.Post("/settlements/{id}/reject", h.RejectSettlement)

		r.Post("/debts/repay", h.RepayDebt)
		r.Post("/expenses/{id}/review", h.ReviewExpense)

		r.Get("/ai-discrepancies", h.GetAIDiscrepancies)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

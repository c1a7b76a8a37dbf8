package handlers

import "github.com/go-chi/chi/v5"

func RegisterOrderRoutes(r chi.Router, h *OrderHandler) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/orders", h.CreateOrder)
		r.Get("/orders/{id}", h.GetOrder)
		r.Post("/payments", h.CreatePayment)

		r.Route("/outbox/dead", func(r chi.Router) {
			r.Get("/", h.ListDeadEvents)
			r.Post("/{event_id}/requeue", h.RequeueDeadEvent)
		})
	})
}

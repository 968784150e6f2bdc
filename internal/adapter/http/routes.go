package http

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/models", h.ListModels)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", h.GetOrListConversations)
			r.Post("/", h.CreateConversation)
			r.Put("/", h.SaveConversation)
			r.Delete("/{id}", h.DeleteConversation)
			r.Post("/{id}/turns", h.BeginTurn)
		})

		r.Post("/chat/completion", h.ChatCompletion)
	})

	r.Get("/ws", h.Hub.HandleWS)
}

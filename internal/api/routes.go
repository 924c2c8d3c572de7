package api

import (
	"net/http"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/identity"
	"github.com/ashureev/agentdesk/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// Routes groups the routers mounted by RegisterRoutes.
type Routes struct {
	Stream  http.Handler
	Limiter *middleware.RateLimiter
}

func agentKey(r *http.Request) string {
	if agent := identity.AgentFromContext(r.Context()); agent != nil {
		return "agent:" + agent.ID
	}
	return "ip:" + middleware.RemoteIP(r)
}

// RegisterRoutes registers the public, agent and human routes.
func (h *Handler) RegisterRoutes(r chi.Router, opts Routes) {
	limit := func(next http.Handler) http.Handler { return next }
	if opts.Limiter != nil {
		limit = middleware.RateLimit(opts.Limiter, agentKey)
	}

	r.With(limit).Post("/agents/register", h.RegisterAgent)

	// Agent routes, bearer credential.
	r.Group(func(r chi.Router) {
		r.Use(identity.AgentMiddleware(h.identity))
		r.Use(limit)

		r.Get("/agents/me", h.GetMe)
		r.Put("/agents/me/webhook", h.UpdateWebhook)

		r.Group(func(r chi.Router) {
			r.Use(identity.RequireActive)

			r.Get("/events", h.PollEvents)
			r.Post("/events/{id}/decide", h.DecideEvent)
			r.Post("/events/{id}/reply", h.ReplyToEvent)
			if opts.Stream != nil {
				r.Get("/events/stream", opts.Stream.ServeHTTP)
			}
			r.Post("/connections/requests", h.CreateConnectionRequest)
			r.Post("/listings", h.CreateListing)
			r.Post("/listings/{id}/offers", h.MakeOffer)
			r.Post("/messages", h.SendMessage)
		})
	})

	// Human routes, principal forwarded by the session layer.
	r.Group(func(r chi.Router) {
		r.Use(identity.UserMiddleware(h.repo))

		r.Post("/agents/claim", h.ClaimAgent)
		r.Post("/agents/{id}/suspend", h.setStatus(domain.AgentSuspended))
		r.Post("/agents/{id}/activate", h.setStatus(domain.AgentActive))
		r.Get("/notifications", h.ListNotifications)
	})
}

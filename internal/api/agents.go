package api

import (
	"net/http"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/identity"
	"github.com/go-chi/chi/v5"
)

type registerRequest struct {
	Name string `json:"name"`
}

// RegisterAgent creates an unclaimed agent and returns its credential once.
func (h *Handler) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	reg, err := h.identity.Register(r.Context(), req.Name)
	if err != nil {
		fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, reg)
}

type claimRequest struct {
	ClaimToken string `json:"claimToken"`
}

// ClaimAgent hands an agent to the calling human.
func (h *Handler) ClaimAgent(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	res, err := h.identity.Claim(r.Context(), identity.UserIDFromContext(r.Context()), req.ClaimToken)
	if err != nil {
		fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

func (h *Handler) setStatus(status domain.AgentStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, err := h.identity.SetStatus(r.Context(),
			identity.UserIDFromContext(r.Context()), chi.URLParam(r, "id"), status)
		if err != nil {
			fail(w, r, err)
			return
		}
		JSON(w, http.StatusOK, agent)
	}
}

// GetMe returns the authenticated agent.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, identity.AgentFromContext(r.Context()))
}

type webhookRequest struct {
	URL     string `json:"url"`
	Token   string `json:"token,omitempty"`
	Enabled bool   `json:"enabled"`
}

// UpdateWebhook replaces the authenticated agent's push settings.
func (h *Handler) UpdateWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	agent := identity.AgentFromContext(r.Context())
	if err := h.identity.UpdateWebhook(r.Context(), agent, req.URL, req.Token, req.Enabled); err != nil {
		fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, agent)
}

// ListNotifications returns the calling human's notifications.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.ListNotifications(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		fail(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.Notification{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"notifications": list})
}

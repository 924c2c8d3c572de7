package api

import (
	"net/http"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/events"
	"github.com/ashureev/agentdesk/internal/identity"
	"github.com/go-chi/chi/v5"
)

// PollEvents returns the agent's open events and marks them delivered.
func (h *Handler) PollEvents(w http.ResponseWriter, r *http.Request) {
	list, err := h.events.Poll(r.Context(), identity.AgentFromContext(r.Context()))
	if err != nil {
		fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"events": list})
}

// DecideEvent records the agent's decision on an event.
func (h *Handler) DecideEvent(w http.ResponseWriter, r *http.Request) {
	var d domain.Decision
	if err := decodeJSON(w, r, &d); err != nil {
		fail(w, r, err)
		return
	}
	ev, err := h.events.Decide(r.Context(), identity.AgentFromContext(r.Context()), chi.URLParam(r, "id"), d)
	if err != nil {
		fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"status": ev.Status,
	})
}

type replyRequest struct {
	Content string `json:"content"`
}

// ReplyToEvent sends a chat message to the other party of an event.
func (h *Handler) ReplyToEvent(w http.ResponseWriter, r *http.Request) {
	var req replyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	res, err := h.events.Reply(r.Context(), identity.AgentFromContext(r.Context()), chi.URLParam(r, "id"), req.Content)
	if err != nil {
		fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"conversationId": res.SenderConversationID,
		"chatThreadId":   res.ChatThreadID,
		"eventId":        res.EventID,
	})
}

type messageRequest struct {
	TargetUserID string `json:"targetUserId"`
	Content      string `json:"content"`
}

// SendMessage opens or continues a chat with another user's agent.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	res, err := h.events.SendMessage(r.Context(), identity.AgentFromContext(r.Context()), req.TargetUserID, req.Content)
	if err != nil {
		fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, res)
}

// CreateConnectionRequest asks another user to connect on behalf of the
// agent's owner.
func (h *Handler) CreateConnectionRequest(w http.ResponseWriter, r *http.Request) {
	var req events.NewConnectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	agent := identity.AgentFromContext(r.Context())
	res, err := h.events.CreateConnectionRequest(r.Context(), agent.OwnerUserID, req)
	if err != nil {
		fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, res)
}

type listingRequest struct {
	Title string  `json:"title"`
	Price float64 `json:"price"`
}

// CreateListing lists an item for sale on behalf of the agent's owner.
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req listingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	agent := identity.AgentFromContext(r.Context())
	listing, err := h.events.CreateListing(r.Context(), agent.OwnerUserID, req.Title, req.Price)
	if err != nil {
		fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, listing)
}

type offerRequest struct {
	OfferPrice float64 `json:"offerPrice"`
	Message    string  `json:"message,omitempty"`
}

// MakeOffer opens a negotiation on a listing.
func (h *Handler) MakeOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	res, err := h.events.MakeOffer(r.Context(), identity.AgentFromContext(r.Context()),
		chi.URLParam(r, "id"), req.OfferPrice, req.Message)
	if err != nil {
		fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, res)
}

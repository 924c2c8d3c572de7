// Package api provides HTTP handlers for the agentdesk API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/events"
	"github.com/ashureev/agentdesk/internal/identity"
	"github.com/ashureev/agentdesk/internal/store"
)

const maxBodyBytes = 1 << 20

// Handler provides common handler utilities.
type Handler struct {
	repo     store.Repository
	identity *identity.Service
	events   *events.Service
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, ids *identity.Service, evs *events.Service) *Handler {
	return &Handler{
		repo:     repo,
		identity: ids,
		events:   evs,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps service errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, events.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, events.ErrForbidden), errors.Is(err, events.ErrNotClaimed):
		return http.StatusForbidden
	case errors.Is(err, events.ErrAlreadyDecided),
		errors.Is(err, events.ErrDuplicate),
		errors.Is(err, events.ErrUnavailable):
		return http.StatusConflict
	case errors.Is(err, events.ErrExpired):
		return http.StatusGone
	case errors.Is(err, domain.ErrInvalidDecision), errors.Is(err, events.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, events.ErrPeerNoAgent):
		return http.StatusUnprocessableEntity
	}
	return identity.StatusForError(err)
}

// fail writes err with its mapped status. Unmapped errors are logged and
// hidden from the client.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		Error(w, status, "internal error")
		return
	}
	Error(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", events.ErrInvalidInput)
		}
		return fmt.Errorf("%w: %v", events.ErrInvalidInput, err)
	}
	return nil
}

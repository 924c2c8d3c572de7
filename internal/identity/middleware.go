package identity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/store"
)

const (
	// UserIDHeader carries the human principal resolved by the upstream
	// session layer.
	UserIDHeader   = "X-User-ID"
	UserNameHeader = "X-User-Name"
)

type contextKey int

const (
	agentKey contextKey = iota
	userIDKey
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// AgentFromContext returns the authenticated agent, or nil.
func AgentFromContext(ctx context.Context) *domain.Agent {
	if v, ok := ctx.Value(agentKey).(*domain.Agent); ok {
		return v
	}
	return nil
}

// WithAgent returns a context carrying agent.
func WithAgent(ctx context.Context, agent *domain.Agent) context.Context {
	return context.WithValue(ctx, agentKey, agent)
}

// UserIDFromContext extracts the human user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// StatusForError maps authentication errors to HTTP status codes.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrMissingCredential),
		errors.Is(err, ErrMalformedCredential),
		errors.Is(err, ErrUnknownCredential):
		return http.StatusUnauthorized
	case errors.Is(err, ErrSuspended), errors.Is(err, ErrNotClaimed), errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrAgentNotFound), errors.Is(err, ErrInvalidClaimToken):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyClaimed), errors.Is(err, ErrAlreadyOwnsAgent):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// AgentMiddleware authenticates the bearer credential on every request.
func AgentMiddleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agent, err := svc.Authenticate(r.Context(), BearerToken(r))
			if err != nil {
				status := StatusForError(err)
				if status == http.StatusInternalServerError {
					slog.Error("Agent authentication failed", "error", err)
					writeError(w, status, "authentication unavailable")
					return
				}
				writeError(w, status, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), agent)))
		})
	}
}

// RequireActive rejects agents that have not been claimed by a human.
func RequireActive(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent := AgentFromContext(r.Context())
		if agent == nil {
			writeError(w, http.StatusUnauthorized, ErrMissingCredential.Error())
			return
		}
		if !agent.IsActive() {
			writeError(w, http.StatusForbidden, ErrNotClaimed.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func ensureUser(ctx context.Context, repo store.Repository, userID, name string) error {
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user != nil && (name == "" || user.Name == name) {
		return nil
	}

	now := time.Now().UTC()
	if user == nil {
		user = &domain.User{UserID: userID, CreatedAt: now}
	}
	if name != "" {
		user.Name = name
	}
	if user.Name == "" {
		user.Name = userID
	}
	user.UpdatedAt = now
	return repo.UpsertUser(ctx, user)
}

// UserMiddleware injects the human principal named by the X-User-ID header
// and makes sure a user row exists for it.
func UserMiddleware(repo store.Repository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
			if userID == "" || !userIDPattern.MatchString(userID) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			if err := ensureUser(r.Context(), repo, userID, strings.TrimSpace(r.Header.Get(UserNameHeader))); err != nil {
				slog.Error("Failed to initialize user", "user_id", userID, "error", err)
				writeError(w, http.StatusInternalServerError, "failed to initialize user")
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

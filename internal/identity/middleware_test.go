package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/agentdesk/internal/domain"
)

func okHandler(t *testing.T, check func(r *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAgentMiddleware_Statuses(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	reg, err := svc.Register(ctx, "Scout")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	var seen *domain.Agent
	h := AgentMiddleware(svc)(okHandler(t, func(r *http.Request) {
		seen = AgentFromContext(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"malformed", "Bearer agd_123", http.StatusUnauthorized},
		{"valid", "Bearer " + reg.APIKey, http.StatusOK},
		{"case-insensitive scheme", "bearer " + reg.APIKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/agents/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d (%s)", tt.want, w.Code, w.Body.String())
			}
		})
	}
	if seen == nil || seen.ID != reg.Agent.ID {
		t.Errorf("Expected agent %s in context, got %+v", reg.Agent.ID, seen)
	}

	if err := repo.UpdateAgentStatus(ctx, reg.Agent.ID, domain.AgentSuspended); err != nil {
		t.Fatalf("UpdateAgentStatus: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/agents/me", nil)
	req.Header.Set("Authorization", "Bearer "+reg.APIKey)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for suspended agent, got %d", w.Code)
	}
}

func TestRequireActive(t *testing.T) {
	h := RequireActive(okHandler(t, nil))

	tests := []struct {
		name  string
		agent *domain.Agent
		want  int
	}{
		{"no agent", nil, http.StatusUnauthorized},
		{"unclaimed", &domain.Agent{ID: "a", Status: domain.AgentUnclaimed}, http.StatusForbidden},
		{"active", &domain.Agent{ID: "a", Status: domain.AgentActive, OwnerUserID: "bob"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/events", nil)
			if tt.agent != nil {
				req = req.WithContext(WithAgent(req.Context(), tt.agent))
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestUserMiddleware(t *testing.T) {
	_, repo := newTestService(t)

	var userID string
	h := UserMiddleware(repo)(okHandler(t, func(r *http.Request) {
		userID = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/me/notifications", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without user header, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/me/notifications", nil)
	req.Header.Set(UserIDHeader, "bob smith")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for invalid user id, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/me/notifications", nil)
	req.Header.Set(UserIDHeader, "bob")
	req.Header.Set(UserNameHeader, "Bob")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if userID != "bob" {
		t.Errorf("Expected bob in context, got %q", userID)
	}

	user, err := repo.GetUser(context.Background(), "bob")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user == nil || user.Name != "Bob" {
		t.Errorf("Expected user row named Bob, got %+v", user)
	}
}

func TestStatusForError(t *testing.T) {
	tests := map[error]int{
		ErrMissingCredential: http.StatusUnauthorized,
		ErrUnknownCredential: http.StatusUnauthorized,
		ErrSuspended:         http.StatusForbidden,
		ErrInvalidClaimToken: http.StatusNotFound,
		ErrAlreadyOwnsAgent:  http.StatusConflict,
		ErrInvalidInput:      http.StatusBadRequest,
		context.Canceled:     http.StatusInternalServerError,
	}
	for err, want := range tests {
		if got := StatusForError(err); got != want {
			t.Errorf("StatusForError(%v) = %d, want %d", err, got, want)
		}
	}
}

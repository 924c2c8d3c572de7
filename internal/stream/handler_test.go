package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/identity"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withAgent(agent *domain.Agent, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if agent != nil {
			r = r.WithContext(identity.WithAgent(r.Context(), agent))
		}
		next.ServeHTTP(w, r)
	})
}

func TestHandler_StreamsFrames(t *testing.T) {
	hub := NewHub()
	agent := &domain.Agent{ID: "agent-1", Status: domain.AgentActive, OwnerUserID: "bob"}
	srv := httptest.NewServer(withAgent(agent, NewHandler(hub, nil)))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "") }()

	require.Eventually(t, func() bool { return hub.Subscribers("agent-1") == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish("agent-1", testEvent("ev-1"))

	typ, data, err := ws.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)

	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, FrameEventAvailable, frame.Type)
	assert.Equal(t, "ev-1", frame.EventID)
	assert.Equal(t, domain.EventConnectionRequest, frame.EventType)

	require.NoError(t, ws.Close(websocket.StatusNormalClosure, "bye"))
	assert.Eventually(t, func() bool { return hub.Subscribers("agent-1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_RequiresAgent(t *testing.T) {
	h := NewHandler(NewHub(), nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events/stream", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, token string) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL+"/", token, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestNewClient_RequiresLogger(t *testing.T) {
	_, err := NewClient("http://localhost", "", nil)
	require.Error(t, err)
}

func TestLogin(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/users/me" {
			assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
			writeJSON(t, w, http.StatusOK, map[string]any{"id": 1, "username": "alice"})
			return
		}
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/login", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "alice", r.PostForm.Get("username"))
		assert.Equal(t, "pw", r.PostForm.Get("password"))
		assert.Empty(t, r.Header.Get("Authorization"))

		writeJSON(t, w, http.StatusOK, map[string]any{
			"access_token": "tok-123",
			"token_type":   "bearer",
			"user":         map[string]any{"id": 1, "username": "alice", "role": "user"},
		})
	}, "")

	tok, err := c.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", tok.AccessToken)
	assert.Equal(t, "alice", tok.User.Username)

	// later calls carry the new token
	u, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
}

func TestLogin_BadCredentials(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusBadRequest, map[string]any{"detail": "Incorrect username or password"})
	}, "")

	_, err := c.Login(context.Background(), "alice", "wrong")
	require.Error(t, err)
	var herr *HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusBadRequest, herr.StatusCode)
	assert.Equal(t, "Incorrect username or password", herr.Detail)
	assert.Empty(t, c.token)
}

func TestMe_SendsBearerToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/me", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		writeJSON(t, w, http.StatusOK, map[string]any{"id": 7, "username": "bob", "is_active": true})
	}, "secret")

	u, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, u.ID)
	assert.Equal(t, "bob", u.Username)
	assert.True(t, u.IsActive)
}

func TestUnauthorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusUnauthorized, map[string]any{"detail": "Could not validate credentials"})
	}, "expired")

	_, err := c.Me(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = c.ListSessions(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestListSessionsAndMessages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/sessions":
			writeJSON(t, w, http.StatusOK, []map[string]any{
				{"id": 1, "session_id": "abc", "session_name": "New Chat", "created_at": "2026-03-01T12:00:00Z"},
			})
		case "/chat/sessions/abc/messages":
			writeJSON(t, w, http.StatusOK, []map[string]any{
				{"id": 10, "message": "hi", "response": "Hello", "processing_time": 120, "created_at": "2026-03-01T12:00:05Z"},
			})
		default:
			http.NotFound(w, r)
		}
	}, "tok")

	sessions, err := c.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "abc", sessions[0].SessionID)
	assert.Nil(t, sessions[0].UpdatedAt)

	msgs, err := c.SessionMessages(context.Background(), "abc")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Message)
	assert.Equal(t, "Hello", msgs[0].Response)
}

func TestDeleteSession(t *testing.T) {
	var deleted string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path == "/chat/sessions/missing" {
			writeJSON(t, w, http.StatusNotFound, map[string]any{"detail": "Session not found"})
			return
		}
		deleted = r.URL.Path
		writeJSON(t, w, http.StatusOK, map[string]any{"message": "Session deleted successfully"})
	}, "tok")

	require.NoError(t, c.DeleteSession(context.Background(), "abc"))
	assert.Equal(t, "/chat/sessions/abc", deleted)

	err := c.DeleteSession(context.Background(), "missing")
	var herr *HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusNotFound, herr.StatusCode)
	assert.Equal(t, "Session not found", herr.Detail)
}

func TestHealth(t *testing.T) {
	status := "healthy"
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		writeJSON(t, w, http.StatusOK, map[string]any{"status": status})
	}, "")

	require.NoError(t, c.Health(context.Background()))

	status = "degraded"
	assert.Error(t, c.Health(context.Background()))
}

func TestDetail(t *testing.T) {
	assert.Equal(t, "nope", detail([]byte(`{"detail":"nope"}`)))
	assert.Equal(t, `[{"loc":"body"}]`, detail([]byte(`{"detail":[{"loc":"body"}]}`)))
	assert.Equal(t, "plain text", detail([]byte("plain text\n")))
}

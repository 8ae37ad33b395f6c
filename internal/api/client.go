// Package api wraps the backend's REST endpoints used alongside the chat
// socket: login, the current user, stored chat sessions and health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnauthorized is returned for 401 responses; the caller must log in
// again.
var ErrUnauthorized = errors.New("unauthorized")

// HTTPError is a non-2xx response other than 401.
type HTTPError struct {
	StatusCode int
	Detail     string
}

func (e *HTTPError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("HTTP error %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Detail)
}

// User is the authenticated account.
type User struct {
	ID        int       `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Role      string    `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Token is the login response.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	User        User   `json:"user"`
}

// ChatMessage is one stored exchange as the server keeps it.
type ChatMessage struct {
	ID             int       `json:"id"`
	Message        string    `json:"message"`
	Response       string    `json:"response"`
	ProcessingTime int       `json:"processing_time"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChatSession is a server-side conversation.
type ChatSession struct {
	ID          int           `json:"id"`
	SessionID   string        `json:"session_id"`
	SessionName string        `json:"session_name"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   *time.Time    `json:"updated_at"`
	Messages    []ChatMessage `json:"messages"`
}

// Client talks to the REST API with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewClient creates a REST client for baseURL. token may be empty until
// Login succeeds.
func NewClient(baseURL, token string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		tracer:     otel.Tracer("sagechat/api"),
	}, nil
}

// Login exchanges credentials for a token and keeps it for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (*Token, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	var tok Token
	err := c.do(ctx, http.MethodPost, "/auth/login",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &tok)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("login failed: empty access token")
	}

	c.token = tok.AccessToken
	c.logger.Info("logged in", "username", tok.User.Username, "role", tok.User.Role)
	return &tok, nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, "", &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListSessions returns the user's chat sessions.
func (c *Client) ListSessions(ctx context.Context) ([]ChatSession, error) {
	var sessions []ChatSession
	if err := c.do(ctx, http.MethodGet, "/chat/sessions", nil, "", &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// SessionMessages returns the stored exchanges of one session.
func (c *Client) SessionMessages(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	var msgs []ChatMessage
	path := "/chat/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, "", &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// DeleteSession deletes a session on the server.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/chat/sessions/"+url.PathEscape(sessionID), nil, "", nil)
}

// Health checks that the backend is up.
func (c *Client) Health(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, "", &resp); err != nil {
		return err
	}
	if resp.Status != "healthy" {
		return fmt.Errorf("backend reports status %q", resp.Status)
	}
	return nil
}

// do sends one request and decodes a JSON response into result when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, result any) error {
	ctx, span := c.tracer.Start(ctx, "api "+method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.method", method)))
	defer span.End()

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	c.logger.Debug("api request", "method", method, "path", path,
		"status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		span.SetStatus(codes.Error, "unauthorized")
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		herr := &HTTPError{StatusCode: resp.StatusCode, Detail: detail(data)}
		span.SetStatus(codes.Error, herr.Error())
		return herr
	}

	if result == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// detail extracts the "detail" field error bodies carry, falling back to the
// raw body.
func detail(body []byte) string {
	var e struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Detail != nil {
		if s, ok := e.Detail.(string); ok {
			return s
		}
		b, _ := json.Marshal(e.Detail)
		return string(b)
	}
	return strings.TrimSpace(string(body))
}

// Package protocol defines the JSON messages exchanged on the chat socket.
// The client sends bare objects; the server tags every event with a status
// field.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks a server payload that cannot be interpreted.
var ErrMalformed = errors.New("malformed server event")

// Server event statuses
const (
	StatusInitialized = "initialized"
	StatusSearching   = "searching"
	StatusStreaming   = "streaming"
	StatusComplete    = "complete"
	StatusError       = "error"
	StatusHeartbeat   = "heartbeat"
)

// InitMessage opens (or resumes) a server session. A nil SessionID is sent
// as JSON null and asks the server to create a new session.
type InitMessage struct {
	SessionID *string `json:"session_id"`
}

// NewInitMessage builds an init message, mapping "" to null.
func NewInitMessage(sessionID string) InitMessage {
	if sessionID == "" {
		return InitMessage{}
	}
	return InitMessage{SessionID: &sessionID}
}

// QuestionMessage submits a question on an initialized session.
type QuestionMessage struct {
	Question string `json:"question"`
}

// ServerEvent is the union of all server-to-client messages. Which fields
// are meaningful depends on Status.
type ServerEvent struct {
	Status    string   `json:"status"`
	SessionID string   `json:"session_id,omitempty"`
	Message   string   `json:"message,omitempty"` // initialized, searching
	Token     string   `json:"token,omitempty"`   // streaming
	Answer    string   `json:"answer,omitempty"`  // complete
	Time      float64  `json:"time,omitempty"`    // complete: server processing seconds
	Error     string   `json:"error,omitempty"`   // error
	KBStatus  *KBStats `json:"knowledge_base_status,omitempty"`
}

// KBStats is the knowledge base summary the server attaches to initialized.
type KBStats struct {
	TotalDocuments int `json:"total_documents"`
	TotalChunks    int `json:"total_chunks"`
}

// Decode parses a server payload. Invalid JSON, non-object payloads and
// payloads without a status all wrap ErrMalformed.
func Decode(data []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.Status == "" {
		return ServerEvent{}, fmt.Errorf("%w: missing status", ErrMalformed)
	}
	return ev, nil
}

// Known reports whether status is one the client understands.
func Known(status string) bool {
	switch status {
	case StatusInitialized, StatusSearching, StatusStreaming,
		StatusComplete, StatusError, StatusHeartbeat:
		return true
	}
	return false
}

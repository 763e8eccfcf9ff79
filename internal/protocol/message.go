package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeBackendStatus = "backend.status"
	TypeBackendReady  = "backend.ready"
	TypeBackendExited = "backend.exited"
	TypeError         = "error"
)

// Client → Server message types.
const (
	TypeWindowCloseRequested = "window.closeRequested"
	TypeWindowDestroyed      = "window.destroyed"
	TypeBackendRequestStatus = "backend.requestStatus"
)

// Error codes.
const (
	ErrInvalidMessage     = "INVALID_MESSAGE"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
)

// Server → Client payloads.

type BackendStatusPayload struct {
	Running   bool         `json:"running"`
	PID       int          `json:"pid,omitempty"`
	RunID     string       `json:"runId,omitempty"`
	StartedAt string       `json:"startedAt,omitempty"`
	Port      int          `json:"port,omitempty"`
	DevMode   bool         `json:"devMode"`
	LastExit  *ExitPayload `json:"lastExit,omitempty"`
	// StartError is the reason the last spawn failed, if it did.
	StartError string `json:"startError,omitempty"`
}

type BackendReadyPayload struct {
	Port   int    `json:"port"`
	Source string `json:"source"` // "probe" | "log"
	URL    string `json:"url"`
}

type BackendExitedPayload struct {
	RunID string `json:"runId"`
	ExitPayload
}

type ExitPayload struct {
	ExitCode int    `json:"exitCode"`
	Signal   string `json:"signal,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

// WindowEventPayload names the window a lifecycle event refers to.
type WindowEventPayload struct {
	Label string `json:"label"`
}

package gateway

import (
	"encoding/json"
	"time"
)

// Event is the envelope of every message pushed to UI clients
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventType is the kind of pushed event
type EventType string

const (
	EventTypeState        EventType = "state"
	EventTypeNotification EventType = "notification"
	EventTypeResult       EventType = "result"
	EventTypeError        EventType = "error"
)

// Command is a message sent by a UI client
type Command struct {
	Type      CommandType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	PostID    string      `json:"post_id,omitempty"`
	CarID     string      `json:"car_id,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
}

// CommandType names a client command
type CommandType string

const (
	CommandJoin         CommandType = "join"
	CommandCancel       CommandType = "cancel"
	CommandStartSession CommandType = "start_session"
	CommandRefresh      CommandType = "refresh"
)

// ErrorPayload is the data of an error event. Forbidden lets the UI render
// an access-denied state instead of a generic error.
type ErrorPayload struct {
	Message   string `json:"message"`
	Forbidden bool   `json:"forbidden,omitempty"`
}

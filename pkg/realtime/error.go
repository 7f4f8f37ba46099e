package realtime

import "fmt"

// Error represents a failure reported by the remote voice API, either
// over HTTP during negotiation or as a protocol error event.
type Error struct {
	Type       string `json:"type,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	HTTPStatus int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime: %s: %s", e.Code, e.Message)
	}
	if e.Type != "" {
		return fmt.Sprintf("realtime: %s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("realtime: %s", e.Message)
}

// EventError is the error payload carried by protocol error events.
type EventError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ToError converts an EventError to an Error.
func (e *EventError) ToError() *Error {
	return &Error{Type: e.Type, Code: e.Code, Message: e.Message}
}

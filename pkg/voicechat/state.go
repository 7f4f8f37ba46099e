package voicechat

import (
	"encoding/json"
	"fmt"
)

// ConnectionState represents the controller's connection state.
// Exactly one value holds at a time; it is owned by the Controller and
// mutated only through its setter, which also emits EvStateChange.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	// StateError is terminal: the reconnect budget is exhausted and no
	// further attempts are scheduled.
	StateError
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ConnectionState) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "disconnected":
		*s = Disconnected
	case "connecting":
		*s = Connecting
	case "connected":
		*s = Connected
	case "reconnecting":
		*s = Reconnecting
	case "error":
		*s = StateError
	default:
		return fmt.Errorf("voicechat: unknown connection state %q", name)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

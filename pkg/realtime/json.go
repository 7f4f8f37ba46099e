package realtime

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
)

// normalizeArguments returns the tool-call arguments as valid JSON,
// repairing malformed model output when possible. Model-generated
// argument strings occasionally arrive with trailing commas or
// unquoted keys.
func normalizeArguments(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	if fixed, err := jsonrepair.JSONRepair(args); err == nil && json.Valid([]byte(fixed)) {
		return json.RawMessage(fixed)
	}
	return json.RawMessage("{}")
}

// generateEventID generates a unique id for an outbound event.
func generateEventID() string {
	return "evt_" + uuid.New().String()[:12]
}
